// Package cache persists per-group snapshots (first page, cursor, members)
// so a session can show a group before the network answers.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mahaj/groupsync/pkg/model"
)

// Snapshot is the cached state of one group.
type Snapshot struct {
	GroupID    string          `json:"group_id"`
	Messages   []model.Message `json:"messages"`
	NextCursor model.Cursor    `json:"next_cursor"`
	Members    []model.Member  `json:"members,omitempty"`
	LastRead   model.ID        `json:"last_read,omitempty"`
	SavedAt    time.Time       `json:"saved_at"`
}

// Store loads and saves snapshots. Load reports false when nothing is cached.
type Store interface {
	Load(ctx context.Context, groupID string) (Snapshot, bool, error)
	Save(ctx context.Context, snap Snapshot) error
	Close() error
}

const (
	BackendNone   = "none"
	BackendPebble = "pebble"
	BackendRedis  = "redis"
)

var ErrNoGroup = errors.New("snapshot has no group id")

func encode(snap Snapshot) ([]byte, error) {
	if snap.GroupID == "" {
		return nil, ErrNoGroup
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot %s: %w", snap.GroupID, err)
	}
	return b, nil
}

func decode(groupID string, b []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot %s: %w", groupID, err)
	}
	return snap, nil
}

// Nop caches nothing.
type Nop struct{}

func (Nop) Load(context.Context, string) (Snapshot, bool, error) { return Snapshot{}, false, nil }
func (Nop) Save(context.Context, Snapshot) error                  { return nil }
func (Nop) Close() error                                          { return nil }
