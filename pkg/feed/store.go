// Package feed holds the client-side message list of one group.
//
// A Store keeps messages unique by ID and always sorted newest first
// (created-at descending, ties broken by ID descending), whatever order pages
// and live messages are merged in. It is not safe for concurrent use; the
// session owns it and serializes access.
package feed

import (
	"slices"

	"github.com/mahaj/groupsync/pkg/model"
)

type Store struct {
	groupID string
	msgs    []model.Message
	index   map[model.ID]struct{}

	// live tracks messages that arrived after activation (push or local
	// sends) so a later initial page does not drop them.
	live map[model.ID]struct{}

	// tombstones keep deleted IDs from being resurrected by a late
	// duplicate or an older page fetched before the deletion.
	tombstones map[model.ID]struct{}
}

func New(groupID string) *Store {
	return &Store{
		groupID:    groupID,
		index:      make(map[model.ID]struct{}),
		live:       make(map[model.ID]struct{}),
		tombstones: make(map[model.ID]struct{}),
	}
}

func (s *Store) GroupID() string { return s.groupID }

func (s *Store) Len() int { return len(s.msgs) }

func (s *Store) Contains(id model.ID) bool {
	_, ok := s.index[id]
	return ok
}

func (s *Store) Get(id model.ID) (model.Message, bool) {
	if _, ok := s.index[id]; !ok {
		return model.Message{}, false
	}
	for _, m := range s.msgs {
		if m.ID == id {
			return m, true
		}
	}
	return model.Message{}, false
}

// Messages returns a newest-first copy of the list.
func (s *Store) Messages() []model.Message {
	return slices.Clone(s.msgs)
}

// Newest returns the newest confirmed message.
func (s *Store) Newest() (model.Message, bool) {
	for _, m := range s.msgs {
		if !m.Pending {
			return m, true
		}
	}
	return model.Message{}, false
}

// Oldest returns the oldest message currently held.
func (s *Store) Oldest() (model.Message, bool) {
	if len(s.msgs) == 0 {
		return model.Message{}, false
	}
	return s.msgs[len(s.msgs)-1], true
}

// ReplacePage swaps the history for a freshly fetched first page. Messages
// that arrived live since activation are kept and deleted ones stay deleted.
func (s *Store) ReplacePage(page []model.Message) {
	kept := make([]model.Message, 0, len(s.live))
	for _, m := range s.msgs {
		if _, ok := s.live[m.ID]; ok {
			kept = append(kept, m)
		}
	}
	s.msgs = s.msgs[:0]
	clear(s.index)
	for _, m := range kept {
		s.insert(m)
	}
	for _, m := range page {
		s.insert(m)
	}
}

// Warm seeds an empty store with cached messages. They are not live, so the
// first network page replaces them.
func (s *Store) Warm(cached []model.Message) {
	for _, m := range cached {
		s.insert(m)
	}
}

// MergeOlder adds an older page and reports how many messages were new.
func (s *Store) MergeOlder(page []model.Message) int {
	n := 0
	for _, m := range page {
		if s.insert(m) {
			n++
		}
	}
	return n
}

// Insert adds a live message. It reports false when the ID is already present
// or was deleted, so duplicate deliveries are no-ops.
func (s *Store) Insert(m model.Message) bool {
	if !s.insert(m) {
		return false
	}
	s.live[m.ID] = struct{}{}
	return true
}

// Remove deletes a message by ID. Unknown IDs are remembered so a late copy
// of the message is not inserted afterwards.
func (s *Store) Remove(id model.ID) (model.Message, bool) {
	s.tombstones[id] = struct{}{}
	delete(s.live, id)
	if _, ok := s.index[id]; !ok {
		return model.Message{}, false
	}
	delete(s.index, id)
	for i, m := range s.msgs {
		if m.ID == id {
			s.msgs = slices.Delete(s.msgs, i, i+1)
			return m, true
		}
	}
	return model.Message{}, false
}

// Resolve replaces a tentative message with its confirmed server copy. When
// the confirmed copy already arrived through the push channel the tentative
// one is simply dropped. It reports whether the confirmed message was newly
// added.
func (s *Store) Resolve(tentative model.ID, confirmed model.Message) bool {
	s.discard(tentative)
	confirmed.Pending = false
	return s.Insert(confirmed)
}

// Discard drops a tentative message after a failed send.
func (s *Store) Discard(tentative model.ID) bool {
	return s.discard(tentative)
}

func (s *Store) discard(id model.ID) bool {
	if _, ok := s.index[id]; !ok {
		return false
	}
	delete(s.index, id)
	delete(s.live, id)
	s.msgs = slices.DeleteFunc(s.msgs, func(m model.Message) bool { return m.ID == id })
	return true
}

func (s *Store) insert(m model.Message) bool {
	if m.ID.IsZero() {
		return false
	}
	if _, ok := s.index[m.ID]; ok {
		return false
	}
	if _, ok := s.tombstones[m.ID]; ok {
		return false
	}
	i, _ := slices.BinarySearchFunc(s.msgs, m, newestFirst)
	s.msgs = slices.Insert(s.msgs, i, m)
	s.index[m.ID] = struct{}{}
	return true
}

func newestFirst(a, b model.Message) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return model.CompareID(b.ID, a.ID)
}
