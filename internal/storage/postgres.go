package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"classbell/internal/cache"
	"classbell/internal/subscription"
	logx "classbell/pkg/logx"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = pool.Ping(pctx)
	cancel()
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	// goose works on database/sql; the wrapper shares the pool.
	db := stdlib.OpenDBFromPool(pool)
	err = migrate(ctx, db, goose.DialectPostgres, "migrations/postgres", log)
	_ = db.Close()
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Cache() cache.Store                { return pgCache{s.pool} }
func (s *postgresStore) Subscriptions() subscription.Store { return pgChats{s.pool} }

func (s *postgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

type pgCache struct{ pool *pgxpool.Pool }

func (c pgCache) Get(ctx context.Context, key string) (cache.Entry, bool, error) {
	var (
		payload   []byte
		fetchedAt int64
		ttl       int64
	)
	err := c.pool.QueryRow(ctx, `SELECT payload, fetched_at, ttl_ms FROM cache WHERE key = $1`, key).
		Scan(&payload, &fetchedAt, &ttl)
	if errors.Is(err, pgx.ErrNoRows) {
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

func (c pgCache) Put(ctx context.Context, e cache.Entry) error {
	payload := e.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err := c.pool.Exec(ctx, `
		INSERT INTO cache (key, payload, fetched_at, ttl_ms) VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET payload = EXCLUDED.payload, fetched_at = EXCLUDED.fetched_at, ttl_ms = EXCLUDED.ttl_ms
	`, e.Key, payload, e.FetchedAt.UnixMilli(), e.TTL.Milliseconds())
	if err != nil {
		return fmt.Errorf("put cache %q: %w", e.Key, err)
	}
	return nil
}

type pgChats struct{ pool *pgxpool.Pool }

func (c pgChats) ListSubscribed(ctx context.Context) ([]subscription.Subscription, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT `+chatColumns+` FROM chats WHERE group_id <> 0 AND (notify_15m OR notify_1m) ORDER BY chat_id`)
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

func (c pgChats) Get(ctx context.Context, chatID int64) (subscription.Subscription, bool, error) {
	sub, err := scanChat(c.pool.QueryRow(ctx, `SELECT `+chatColumns+` FROM chats WHERE chat_id = $1`, chatID))
	if errors.Is(err, pgx.ErrNoRows) {
		return subscription.Subscription{}, false, nil
	}
	if err != nil {
		return subscription.Subscription{}, false, fmt.Errorf("get chat %d: %w", chatID, err)
	}
	return sub, true, nil
}

func (c pgChats) Put(ctx context.Context, sub subscription.Subscription) error {
	var err error
	if sub.LastNotified == nil {
		_, err = c.pool.Exec(ctx, `
			INSERT INTO chats (chat_id, group_id, lang_code, notify_15m, notify_1m) VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (chat_id) DO UPDATE SET group_id = EXCLUDED.group_id, lang_code = EXCLUDED.lang_code,
				notify_15m = EXCLUDED.notify_15m, notify_1m = EXCLUDED.notify_1m
		`, sub.ChatID, sub.GroupID, sub.Lang, sub.Notify15m, sub.Notify1m)
	} else {
		_, err = c.pool.Exec(ctx, `
			INSERT INTO chats (`+chatColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (chat_id) DO UPDATE SET group_id = EXCLUDED.group_id, lang_code = EXCLUDED.lang_code,
				notify_15m = EXCLUDED.notify_15m, notify_1m = EXCLUDED.notify_1m,
				last_notified_15m = EXCLUDED.last_notified_15m, last_notified_1m = EXCLUDED.last_notified_1m
		`, sub.ChatID, sub.GroupID, sub.Lang, sub.Notify15m, sub.Notify1m,
			sub.LastNotified[subscription.Threshold15m], sub.LastNotified[subscription.Threshold1m])
	}
	if err != nil {
		return fmt.Errorf("put chat %d: %w", sub.ChatID, err)
	}
	return nil
}

func (c pgChats) MarkNotified(ctx context.Context, chatID int64, th subscription.Threshold, boundary string) error {
	col, err := markColumn(th)
	if err != nil {
		return err
	}
	tag, err := c.pool.Exec(ctx, `UPDATE chats SET `+col+` = $1 WHERE chat_id = $2`, boundary, chatID)
	if err != nil {
		return fmt.Errorf("mark chat %d %s: %w", chatID, th, err)
	}
	if tag.RowsAffected() == 0 {
		return subscription.ErrNotFound
	}
	return nil
}

func (c pgChats) ClaimNotified(ctx context.Context, chatID int64, th subscription.Threshold, boundary string) (bool, error) {
	col, err := markColumn(th)
	if err != nil {
		return false, err
	}
	tag, err := c.pool.Exec(ctx, `UPDATE chats SET `+col+` = $1 WHERE chat_id = $2 AND `+col+` <> $1`, boundary, chatID)
	if err != nil {
		return false, fmt.Errorf("claim chat %d %s: %w", chatID, th, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	var one int
	err = c.pool.QueryRow(ctx, `SELECT 1 FROM chats WHERE chat_id = $1`, chatID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, subscription.ErrNotFound
	}
	return false, err
}

func (c pgChats) ReleaseNotified(ctx context.Context, chatID int64, th subscription.Threshold, boundary string) error {
	col, err := markColumn(th)
	if err != nil {
		return err
	}
	if _, err := c.pool.Exec(ctx, `UPDATE chats SET `+col+` = '' WHERE chat_id = $1 AND `+col+` = $2`, chatID, boundary); err != nil {
		return fmt.Errorf("release chat %d %s: %w", chatID, th, err)
	}
	return nil
}
