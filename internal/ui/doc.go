// Package ui renders tuyactl output with lipgloss: command headers, device
// tables and result boxes.
//
// Components are plain strings. Commands print them once and exit; nothing
// here reads input.
//
// Logging stays silent unless TUYALAN_LOG_LEVEL is set, so the rendered
// output is not interleaved with zap lines.
package ui
