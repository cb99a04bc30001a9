package cache

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/cockroachdb/pebble"
)

// Pebble keeps snapshots in a local pebble database.
type Pebble struct {
	db *pebble.DB
}

func OpenPebble(path string) (*Pebble, error) {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, err
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", path, err)
	}
	return &Pebble{db: db}, nil
}

func pebbleKey(groupID string) []byte { return []byte("snapshot:" + groupID) }

func (p *Pebble) Load(_ context.Context, groupID string) (Snapshot, bool, error) {
	v, closer, err := p.db.Get(pebbleKey(groupID))
	if errors.Is(err, pebble.ErrNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	defer closer.Close()
	// v is only valid until closer.Close
	snap, err := decode(groupID, v)
	if err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

func (p *Pebble) Save(_ context.Context, snap Snapshot) error {
	b, err := encode(snap)
	if err != nil {
		return err
	}
	return p.db.Set(pebbleKey(snap.GroupID), b, pebble.Sync)
}

func (p *Pebble) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}
