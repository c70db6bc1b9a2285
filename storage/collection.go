package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Collection is a typed view over one named collection. Values are stored as
// JSON objects.
type Collection[T any] struct {
	name string
}

// NewCollection returns a Collection for name.
func NewCollection[T any](name string) Collection[T] {
	return Collection[T]{name: name}
}

// Create stores v under id. It fails with ErrAlreadyExists if id is taken.
func (c Collection[T]) Create(ctx context.Context, tx BatchTx, id string, v *T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s/%s: %w", c.name, id, err)
	}
	err = tx.PutCAS(ctx, c.name, id, 0, &Record{Data: data, Version: 1})
	if errors.Is(err, ErrCASFailed) {
		return fmt.Errorf("%s/%s: %w", c.name, id, ErrAlreadyExists)
	}
	return err
}

// FindByID loads the value stored under id.
func (c Collection[T]) FindByID(ctx context.Context, tx Reader, id string) (*T, error) {
	rec, err := tx.Get(ctx, c.name, id)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(rec.Data, &v); err != nil {
		return nil, fmt.Errorf("decoding %s/%s: %w", c.name, id, err)
	}
	return &v, nil
}

// FindAll returns every value for which match returns true. A nil match
// selects everything.
func (c Collection[T]) FindAll(ctx context.Context, tx Reader, match func(*T) bool) ([]*T, error) {
	ids, err := tx.List(ctx, c.name)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(ids))
	for _, id := range ids {
		v, err := c.FindByID(ctx, tx, id)
		if errors.Is(err, ErrNotFound) {
			// Deleted between List and Get.
			continue
		}
		if err != nil {
			return nil, err
		}
		if match == nil || match(v) {
			out = append(out, v)
		}
	}
	return out, nil
}

// UpdateField sets one top-level JSON field of the stored object, using a
// compare-and-swap on the record version.
func (c Collection[T]) UpdateField(ctx context.Context, tx BatchTx, id, field string, value any) error {
	rec, err := tx.Get(ctx, c.name, id)
	if err != nil {
		return err
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(rec.Data, &obj); err != nil {
		return fmt.Errorf("decoding %s/%s: %w", c.name, id, err)
	}
	if _, ok := obj[field]; !ok {
		return fmt.Errorf("%s/%s: unknown field %q", c.name, id, field)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s/%s.%s: %w", c.name, id, field, err)
	}
	obj[field] = raw

	// Round-trip through T so a value of the wrong type is rejected before
	// it is written.
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	var check T
	if err := json.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("%s/%s.%s: %w", c.name, id, field, err)
	}

	return tx.PutCAS(ctx, c.name, id, rec.Version, &Record{Data: data, Version: rec.Version + 1})
}

// Delete removes the value stored under id.
func (c Collection[T]) Delete(ctx context.Context, tx BatchTx, id string) error {
	return tx.Delete(ctx, c.name, id)
}
