package cache

import (
	"context"
	"errors"
)

// Tiered puts an in-memory front in front of a durable back store.
//
// Reads hit the front first and fall through to the back, populating the
// front on success. Writes go to the back first, then the front; a back
// failure still updates the front so the running process keeps the payload.
type Tiered struct {
	Front *Memory
	Back  Store
}

func NewTiered(front *Memory, back Store) *Tiered {
	if front == nil {
		front = NewMemory(0)
	}
	return &Tiered{Front: front, Back: back}
}

func (t *Tiered) Get(ctx context.Context, key string) (Entry, bool, error) {
	if e, ok, _ := t.Front.Get(ctx, key); ok {
		return e, true, nil
	}
	if t.Back == nil {
		return Entry{}, false, nil
	}
	e, ok, err := t.Back.Get(ctx, key)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	_ = t.Front.Put(ctx, e)
	return e, true, nil
}

func (t *Tiered) Put(ctx context.Context, e Entry) error {
	var backErr error
	if t.Back != nil {
		backErr = t.Back.Put(ctx, e)
	}
	frontErr := t.Front.Put(ctx, e)
	return errors.Join(backErr, frontErr)
}
