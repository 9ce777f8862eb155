package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"classbell/internal/cache"
	"classbell/internal/subscription"
	logx "classbell/pkg/logx"
)

// fileStore is a database-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot of cache and chats)
//   - <prefix>.journal.jsonl (append-only journal of changes since the snapshot)
//
// The journal is compacted into the snapshot every CompactEvery writes and on Close.
// Dedup marks and claims are fsynced before they return. Claims are atomic
// within one process only; the file backend is not meant to be shared.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File

	entries map[string]fileEntry
	chats   map[int64]fileChat

	writes       int
	compactEvery int
}

type fileEntry struct {
	Payload   []byte `json:"payload"`
	FetchedAt int64  `json:"fetched_at"`
	TTL       int64  `json:"ttl_ms"`
}

type fileChat struct {
	GroupID   int64  `json:"group_id"`
	Lang      string `json:"lang,omitempty"`
	Notify15m bool   `json:"notify_15m"`
	Notify1m  bool   `json:"notify_1m"`
	Last15m   string `json:"last_15m,omitempty"`
	Last1m    string `json:"last_1m,omitempty"`
}

type fileSnapshot struct {
	Cache map[string]fileEntry `json:"cache"`
	Chats map[int64]fileChat   `json:"chats"`
}

// journalRecord is one line of the journal. Op is "cache", "chat" or "mark".
type journalRecord struct {
	Op        string     `json:"op"`
	Key       string     `json:"key,omitempty"`
	Entry     *fileEntry `json:"entry,omitempty"`
	ChatID    int64      `json:"chat_id,omitempty"`
	Chat      *fileChat  `json:"chat,omitempty"`
	KeepMarks bool       `json:"keep_marks,omitempty"`
	Threshold string     `json:"threshold,omitempty"`
	Boundary  string     `json:"boundary,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		entries:      map[string]fileEntry{},
		chats:        map[int64]fileChat{},
		compactEvery: cfg.CompactEvery,
	}
	if s.compactEvery <= 0 {
		s.compactEvery = 500
	}
	journalPath := prefix + ".journal.jsonl"

	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("snapshot unreadable, starting from journal", logx.Err(err))
	}
	replayed, err := s.replayJournal(journalPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("journal replay failed", logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	// Fold the replayed journal into a fresh snapshot so a torn tail never
	// prefixes new records.
	if replayed > 0 {
		if err := s.compactLocked(); err != nil {
			_ = jf.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *fileStore) Cache() cache.Store                { return fileCache{s} }
func (s *fileStore) Subscriptions() subscription.Store { return fileChats{s} }

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

// commitLocked journals r, then applies it to memory.
func (s *fileStore) commitLocked(r journalRecord, sync bool) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	if sync {
		if err := s.journal.Sync(); err != nil {
			return err
		}
	}
	s.apply(r)
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) apply(r journalRecord) {
	switch r.Op {
	case "cache":
		if r.Key != "" && r.Entry != nil {
			s.entries[r.Key] = *r.Entry
		}
	case "chat":
		if r.Chat == nil {
			return
		}
		c := *r.Chat
		if r.KeepMarks {
			prev := s.chats[r.ChatID]
			c.Last15m, c.Last1m = prev.Last15m, prev.Last1m
		}
		s.chats[r.ChatID] = c
	case "mark":
		c, ok := s.chats[r.ChatID]
		if !ok {
			return
		}
		switch subscription.Threshold(r.Threshold) {
		case subscription.Threshold15m:
			c.Last15m = r.Boundary
		case subscription.Threshold1m:
			c.Last1m = r.Boundary
		}
		s.chats[r.ChatID] = c
	}
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(fileSnapshot{Cache: s.entries, Chats: s.chats}); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for k, v := range snap.Cache {
		s.entries[k] = v
	}
	for k, v := range snap.Chats {
		s.chats[k] = v
	}
	return nil
}

func (s *fileStore) replayJournal(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	n := 0
	for sc.Scan() {
		n++
		var r journalRecord
		// A torn last line after a crash is skipped.
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		s.apply(r)
	}
	return n, sc.Err()
}

type fileCache struct{ s *fileStore }

func (c fileCache) Get(ctx context.Context, key string) (cache.Entry, bool, error) {
	_ = ctx
	c.s.mu.Lock()
	e, ok := c.s.entries[key]
	c.s.mu.Unlock()
	if !ok {
		return cache.Entry{}, false, nil
	}
	return cache.Entry{
		Key:       key,
		Payload:   append([]byte(nil), e.Payload...),
		FetchedAt: time.UnixMilli(e.FetchedAt),
		TTL:       time.Duration(e.TTL) * time.Millisecond,
	}, true, nil
}

func (c fileCache) Put(ctx context.Context, e cache.Entry) error {
	_ = ctx
	fe := fileEntry{
		Payload:   append([]byte(nil), e.Payload...),
		FetchedAt: e.FetchedAt.UnixMilli(),
		TTL:       e.TTL.Milliseconds(),
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	r := journalRecord{Op: "cache", Key: e.Key, Entry: &fe}
	return c.s.commitLocked(r, false)
}

type fileChats struct{ s *fileStore }

func toSubscription(id int64, c fileChat) subscription.Subscription {
	return subscription.Subscription{
		ChatID:       id,
		GroupID:      c.GroupID,
		Lang:         c.Lang,
		Notify15m:    c.Notify15m,
		Notify1m:     c.Notify1m,
		LastNotified: lastNotified(c.Last15m, c.Last1m),
	}
}

func (c fileChats) ListSubscribed(ctx context.Context) ([]subscription.Subscription, error) {
	_ = ctx
	c.s.mu.Lock()
	out := make([]subscription.Subscription, 0, len(c.s.chats))
	for id, ch := range c.s.chats {
		sub := toSubscription(id, ch)
		if sub.Subscribed() {
			out = append(out, sub)
		}
	}
	c.s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out, nil
}

func (c fileChats) Get(ctx context.Context, chatID int64) (subscription.Subscription, bool, error) {
	_ = ctx
	c.s.mu.Lock()
	ch, ok := c.s.chats[chatID]
	c.s.mu.Unlock()
	if !ok {
		return subscription.Subscription{}, false, nil
	}
	return toSubscription(chatID, ch), true, nil
}

func (c fileChats) Put(ctx context.Context, sub subscription.Subscription) error {
	_ = ctx
	fc := fileChat{
		GroupID:   sub.GroupID,
		Lang:      sub.Lang,
		Notify15m: sub.Notify15m,
		Notify1m:  sub.Notify1m,
		Last15m:   sub.LastNotified[subscription.Threshold15m],
		Last1m:    sub.LastNotified[subscription.Threshold1m],
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	r := journalRecord{Op: "chat", ChatID: sub.ChatID, Chat: &fc, KeepMarks: sub.LastNotified == nil}
	return c.s.commitLocked(r, false)
}

func (c fileChats) MarkNotified(ctx context.Context, chatID int64, th subscription.Threshold, boundary string) error {
	_ = ctx
	if _, err := markColumn(th); err != nil {
		return err
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if _, ok := c.s.chats[chatID]; !ok {
		return subscription.ErrNotFound
	}
	r := journalRecord{Op: "mark", ChatID: chatID, Threshold: string(th), Boundary: boundary}
	return c.s.commitLocked(r, true)
}

func (c fileChats) ClaimNotified(ctx context.Context, chatID int64, th subscription.Threshold, boundary string) (bool, error) {
	_ = ctx
	if _, err := markColumn(th); err != nil {
		return false, err
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	ch, ok := c.s.chats[chatID]
	if !ok {
		return false, subscription.ErrNotFound
	}
	if lastFor(ch, th) == boundary {
		return false, nil
	}
	r := journalRecord{Op: "mark", ChatID: chatID, Threshold: string(th), Boundary: boundary}
	if err := c.s.commitLocked(r, true); err != nil {
		return false, err
	}
	return true, nil
}

func (c fileChats) ReleaseNotified(ctx context.Context, chatID int64, th subscription.Threshold, boundary string) error {
	_ = ctx
	if _, err := markColumn(th); err != nil {
		return err
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	ch, ok := c.s.chats[chatID]
	if !ok {
		return subscription.ErrNotFound
	}
	if lastFor(ch, th) != boundary {
		return nil
	}
	r := journalRecord{Op: "mark", ChatID: chatID, Threshold: string(th)}
	return c.s.commitLocked(r, true)
}

func lastFor(c fileChat, th subscription.Threshold) string {
	if th == subscription.Threshold15m {
		return c.Last15m
	}
	return c.Last1m
}
