// Package snowflake generates time-ordered local identifiers for tentative
// messages, so unconfirmed sends sort like their confirmed copies will.
package snowflake

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/mahaj/groupsync/pkg/model"
)

const (
	nodeBits        = 10
	stepBits        = 12
	nodeMax         = -1 ^ (-1 << nodeBits)
	stepMask        = -1 ^ (-1 << stepBits)
	timeShift       = nodeBits + stepBits
	nodeShift       = stepBits
	epoch     int64 = 1704067200000 // 2024-01-01 00:00:00 UTC
)

type Node struct {
	mu   sync.Mutex
	now  func() time.Time
	time int64
	node int64
	step int64
}

func NewNode(node int64) (*Node, error) {
	return newNode(node, time.Now)
}

func newNode(node int64, now func() time.Time) (*Node, error) {
	if node < 0 || node > nodeMax {
		return nil, errors.New("node number must be between 0 and 1023")
	}
	return &Node{node: node, now: now}, nil
}

// Generate returns the next id. IDs from one node are strictly increasing.
func (n *Node) Generate() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	ms := n.now().UnixMilli()
	if ms < n.time {
		// clock went backwards; keep issuing from the last seen millisecond
		ms = n.time
	}

	if ms == n.time {
		n.step = (n.step + 1) & stepMask
		if n.step == 0 {
			// sequence exhausted for this millisecond, borrow the next one
			ms = n.time + 1
		}
	} else {
		n.step = 0
	}
	n.time = ms

	return ((ms - epoch) << timeShift) | (n.node << nodeShift) | n.step
}

// Tentative returns a message id reserved for an unconfirmed local send.
func (n *Node) Tentative() model.ID {
	return model.ID(model.TentativePrefix + strconv.FormatInt(n.Generate(), 10))
}
