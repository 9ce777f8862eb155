package subscription

import (
	"context"
	"sort"
	"sync"
)

// Memory is a process-local Store, used in tests and when storage is disabled.
type Memory struct {
	mu    sync.RWMutex
	chats map[int64]Subscription
}

func NewMemory() *Memory { return &Memory{chats: map[int64]Subscription{}} }

func (m *Memory) ListSubscribed(ctx context.Context) ([]Subscription, error) {
	_ = ctx
	m.mu.RLock()
	out := make([]Subscription, 0, len(m.chats))
	for _, s := range m.chats {
		if s.Subscribed() {
			out = append(out, s.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out, nil
}

func (m *Memory) Get(ctx context.Context, chatID int64) (Subscription, bool, error) {
	_ = ctx
	m.mu.RLock()
	s, ok := m.chats[chatID]
	m.mu.RUnlock()
	if !ok {
		return Subscription{}, false, nil
	}
	return s.Clone(), true, nil
}

// Put stores s. The dedup state already held for the chat is kept when s
// carries none.
func (m *Memory) Put(ctx context.Context, s Subscription) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.chats == nil {
		m.chats = map[int64]Subscription{}
	}
	s = s.Clone()
	if s.LastNotified == nil {
		s.LastNotified = m.chats[s.ChatID].Clone().LastNotified
	}
	m.chats[s.ChatID] = s
	return nil
}

func (m *Memory) MarkNotified(ctx context.Context, chatID int64, th Threshold, boundary string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.chats[chatID]
	if !ok {
		return ErrNotFound
	}
	s = s.Clone()
	if s.LastNotified == nil {
		s.LastNotified = map[Threshold]string{}
	}
	s.LastNotified[th] = boundary
	m.chats[chatID] = s
	return nil
}

func (m *Memory) ClaimNotified(ctx context.Context, chatID int64, th Threshold, boundary string) (bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.chats[chatID]
	if !ok {
		return false, ErrNotFound
	}
	if s.Notified(th, boundary) {
		return false, nil
	}
	s = s.Clone()
	if s.LastNotified == nil {
		s.LastNotified = map[Threshold]string{}
	}
	s.LastNotified[th] = boundary
	m.chats[chatID] = s
	return true, nil
}

func (m *Memory) ReleaseNotified(ctx context.Context, chatID int64, th Threshold, boundary string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.chats[chatID]
	if !ok {
		return ErrNotFound
	}
	if !s.Notified(th, boundary) {
		return nil
	}
	s = s.Clone()
	delete(s.LastNotified, th)
	m.chats[chatID] = s
	return nil
}
