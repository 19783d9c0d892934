package device

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Hub owns the sessions of many devices and merges their events onto one
// broker.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	broker   *Broker
	opts     []Option
	closed   bool
}

// NewHub creates an empty hub. opts are applied to every session it adds.
func NewHub(opts ...Option) *Hub {
	return &Hub{
		sessions: make(map[string]*Session),
		broker:   NewBroker(),
		opts:     opts,
	}
}

// Add creates and registers a session for cfg.
func (h *Hub) Add(cfg Config) (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}
	if _, ok := h.sessions[cfg.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateDevice, cfg.ID)
	}

	opts := append(append([]Option(nil), h.opts...), WithBroker(h.broker))
	s, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	h.sessions[cfg.ID] = s
	return s, nil
}

// Get returns the session for id
func (h *Hub) Get(id string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	return s, ok
}

// Sessions returns every session ordered by device id
func (h *Hub) Sessions() []*Session {
	h.mu.RLock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Update forwards dps to the session for id.
func (h *Hub) Update(id string, dps map[string]any) (bool, error) {
	s, ok := h.Get(id)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	return s.Update(dps), nil
}

// Remove closes and forgets the session for id
func (h *Hub) Remove(id string) error {
	h.mu.Lock()
	s, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	return s.Close()
}

// Subscribe returns a channel carrying the events of every session
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	return h.broker.Subscribe(buffer)
}

// Close closes every session and then the shared broker.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	sessions := h.sessions
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	h.broker.Close()
	return errors.Join(errs...)
}
