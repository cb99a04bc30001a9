package session

import (
	"sync"

	"github.com/mahaj/groupsync/pkg/model"
)

// State holds the group the client is looking at. The top-level command
// creates it and hands it to the session; readers may use it from any
// goroutine.
type State struct {
	mu    sync.RWMutex
	group model.Group
}

func NewState(g model.Group) *State {
	return &State{group: g}
}

func (s *State) Current() model.Group {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.group
}

func (s *State) Replace(g model.Group) {
	s.mu.Lock()
	s.group = g
	s.mu.Unlock()
}

// Merge applies a partial update to the current group and returns the result.
// The group id never changes through Merge.
func (s *State) Merge(p model.GroupPatch) model.Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.group = s.group.Apply(p)
	return s.group
}
