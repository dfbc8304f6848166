package core

import (
	"context"

	"github.com/goccy/go-json"
)

// Snapshot is the value found at a store path at one moment.
type Snapshot struct {
	Path   string
	Exists bool
	Value  []byte
}

// Decode unmarshals the snapshot value into v. An absent snapshot leaves v
// untouched.
func (s Snapshot) Decode(v any) error {
	if !s.Exists {
		return nil
	}
	return json.Unmarshal(s.Value, v)
}

// Unsubscribe cancels a subscription. Safe to call more than once.
type Unsubscribe func()

// SignalStore is the shared key-value store both participants signal
// through. Paths are slash separated. There is no multi-path atomicity;
// every field of a call record has exactly one writer.
// Owned by the adapter; callers never close it.
type SignalStore interface {
	Write(ctx context.Context, path string, v any) error
	Read(ctx context.Context, path string) (Snapshot, error)
	// Append adds v under a generated key and returns the key. Keys sort in
	// append order for a single writer.
	Append(ctx context.Context, path string, v any) (string, error)
	Delete(ctx context.Context, path string) error
	// Subscribe delivers the current value of path, then one snapshot per
	// change at, above or below it. Callbacks for one subscription never run
	// concurrently and arrive in change order.
	Subscribe(ctx context.Context, path string, fn func(Snapshot)) (Unsubscribe, error)
}
