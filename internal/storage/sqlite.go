package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"classbell/internal/cache"
	"classbell/internal/subscription"
	logx "classbell/pkg/logx"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if err := migrate(ctx, db, goose.DialectSQLite3, "migrations/sqlite", log); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Cache() cache.Store                { return sqliteCache{s} }
func (s *sqliteStore) Subscriptions() subscription.Store { return sqliteChats{s} }

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqliteCache struct{ s *sqliteStore }

func (c sqliteCache) Get(ctx context.Context, key string) (cache.Entry, bool, error) {
	var (
		payload   []byte
		fetchedAt int64
		ttl       int64
	)
	err := c.s.db.QueryRowContext(ctx, `SELECT payload, fetched_at, ttl_ms FROM cache WHERE key = ?`, key).
		Scan(&payload, &fetchedAt, &ttl)
	if errors.Is(err, sql.ErrNoRows) {
		return cache.Entry{}, false, nil
	}
	if err != nil {
		return cache.Entry{}, false, fmt.Errorf("get cache %q: %w", key, err)
	}
	return cache.Entry{
		Key:       key,
		Payload:   payload,
		FetchedAt: time.UnixMilli(fetchedAt),
		TTL:       time.Duration(ttl) * time.Millisecond,
	}, true, nil
}

func (c sqliteCache) Put(ctx context.Context, e cache.Entry) error {
	payload := e.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err := c.s.db.ExecContext(ctx,
		`INSERT INTO cache(key, payload, fetched_at, ttl_ms) VALUES(?,?,?,?)
		 ON CONFLICT(key) DO UPDATE SET payload=excluded.payload, fetched_at=excluded.fetched_at, ttl_ms=excluded.ttl_ms`,
		e.Key, payload, e.FetchedAt.UnixMilli(), e.TTL.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("put cache %q: %w", e.Key, err)
	}
	return nil
}

type sqliteChats struct{ s *sqliteStore }

const chatColumns = `chat_id, group_id, lang_code, notify_15m, notify_1m, last_notified_15m, last_notified_1m`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(r rowScanner) (subscription.Subscription, error) {
	var (
		sub      subscription.Subscription
		l15, l1  string
		n15, n1m bool
	)
	if err := r.Scan(&sub.ChatID, &sub.GroupID, &sub.Lang, &n15, &n1m, &l15, &l1); err != nil {
		return subscription.Subscription{}, err
	}
	sub.Notify15m, sub.Notify1m = n15, n1m
	sub.LastNotified = lastNotified(l15, l1)
	return sub, nil
}

func (c sqliteChats) ListSubscribed(ctx context.Context) ([]subscription.Subscription, error) {
	rows, err := c.s.db.QueryContext(ctx,
		`SELECT `+chatColumns+` FROM chats WHERE group_id != 0 AND (notify_15m = 1 OR notify_1m = 1) ORDER BY chat_id`)
	if err != nil {
		return nil, fmt.Errorf("list subscribed: %w", err)
	}
	defer rows.Close()

	var out []subscription.Subscription
	for rows.Next() {
		sub, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (c sqliteChats) Get(ctx context.Context, chatID int64) (subscription.Subscription, bool, error) {
	sub, err := scanChat(c.s.db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE chat_id = ?`, chatID))
	if errors.Is(err, sql.ErrNoRows) {
		return subscription.Subscription{}, false, nil
	}
	if err != nil {
		return subscription.Subscription{}, false, fmt.Errorf("get chat %d: %w", chatID, err)
	}
	return sub, true, nil
}

// Put upserts chat settings. Dedup columns are only written when sub carries them.
func (c sqliteChats) Put(ctx context.Context, sub subscription.Subscription) error {
	var err error
	if sub.LastNotified == nil {
		_, err = c.s.db.ExecContext(ctx,
			`INSERT INTO chats(chat_id, group_id, lang_code, notify_15m, notify_1m) VALUES(?,?,?,?,?)
			 ON CONFLICT(chat_id) DO UPDATE SET group_id=excluded.group_id, lang_code=excluded.lang_code,
			   notify_15m=excluded.notify_15m, notify_1m=excluded.notify_1m`,
			sub.ChatID, sub.GroupID, sub.Lang, sub.Notify15m, sub.Notify1m,
		)
	} else {
		_, err = c.s.db.ExecContext(ctx,
			`INSERT INTO chats(`+chatColumns+`) VALUES(?,?,?,?,?,?,?)
			 ON CONFLICT(chat_id) DO UPDATE SET group_id=excluded.group_id, lang_code=excluded.lang_code,
			   notify_15m=excluded.notify_15m, notify_1m=excluded.notify_1m,
			   last_notified_15m=excluded.last_notified_15m, last_notified_1m=excluded.last_notified_1m`,
			sub.ChatID, sub.GroupID, sub.Lang, sub.Notify15m, sub.Notify1m,
			sub.LastNotified[subscription.Threshold15m], sub.LastNotified[subscription.Threshold1m],
		)
	}
	if err != nil {
		return fmt.Errorf("put chat %d: %w", sub.ChatID, err)
	}
	return nil
}

func (c sqliteChats) MarkNotified(ctx context.Context, chatID int64, th subscription.Threshold, boundary string) error {
	col, err := markColumn(th)
	if err != nil {
		return err
	}
	res, err := c.s.db.ExecContext(ctx, `UPDATE chats SET `+col+` = ? WHERE chat_id = ?`, boundary, chatID)
	if err != nil {
		return fmt.Errorf("mark chat %d %s: %w", chatID, th, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return subscription.ErrNotFound
	}
	return nil
}

// ClaimNotified is a conditional UPDATE, so concurrent writers sharing the
// database cannot both win.
func (c sqliteChats) ClaimNotified(ctx context.Context, chatID int64, th subscription.Threshold, boundary string) (bool, error) {
	col, err := markColumn(th)
	if err != nil {
		return false, err
	}
	res, err := c.s.db.ExecContext(ctx, `UPDATE chats SET `+col+` = ? WHERE chat_id = ? AND `+col+` <> ?`, boundary, chatID, boundary)
	if err != nil {
		return false, fmt.Errorf("claim chat %d %s: %w", chatID, th, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim chat %d %s: %w", chatID, th, err)
	}
	if n > 0 {
		return true, nil
	}
	return false, c.exists(ctx, chatID)
}

func (c sqliteChats) ReleaseNotified(ctx context.Context, chatID int64, th subscription.Threshold, boundary string) error {
	col, err := markColumn(th)
	if err != nil {
		return err
	}
	if _, err := c.s.db.ExecContext(ctx, `UPDATE chats SET `+col+` = '' WHERE chat_id = ? AND `+col+` = ?`, chatID, boundary); err != nil {
		return fmt.Errorf("release chat %d %s: %w", chatID, th, err)
	}
	return nil
}

func (c sqliteChats) exists(ctx context.Context, chatID int64) error {
	var one int
	err := c.s.db.QueryRowContext(ctx, `SELECT 1 FROM chats WHERE chat_id = ?`, chatID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return subscription.ErrNotFound
	}
	return err
}
