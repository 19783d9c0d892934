package ui

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Status cell values, coloured by Table
const (
	StatusOnline  = OnlineMarker + " online"
	StatusOffline = OfflineMarker + " offline"
)

// Table renders rows under headers with a rounded border
func Table(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(PrimaryColor)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return TableHeaderStyle
			}
			if row >= 0 && row < len(rows) && col < len(rows[row]) {
				switch rows[row][col] {
				case StatusOnline:
					return OnlineStyle
				case StatusOffline:
					return OfflineStyle
				}
			}
			return TableCellStyle
		})
	return t.Render()
}

// Status returns the status cell for a connection state
func Status(connected bool) string {
	if connected {
		return StatusOnline
	}
	return StatusOffline
}

// SortedKeys orders data point ids numerically, then other keys by name
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, errA := strconv.ParseFloat(keys[i], 64)
		b, errB := strconv.ParseFloat(keys[j], 64)
		switch {
		case errA == nil && errB == nil && a != b:
			return a < b
		case errA == nil && errB != nil:
			return true
		case errA != nil && errB == nil:
			return false
		}
		return keys[i] < keys[j]
	})
	return keys
}

// FormatValue renders a data point value the way a user would type it
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

// FormatDPS renders a data point map on one line: 1=true 2=25 3="cold"
func FormatDPS[V any](dps map[string]V) string {
	if len(dps) == 0 {
		return MutedStyle.Render("(none)")
	}
	parts := make([]string, 0, len(dps))
	for _, k := range SortedKeys(dps) {
		parts = append(parts, k+"="+FormatValue(dps[k]))
	}
	return strings.Join(parts, " ")
}
