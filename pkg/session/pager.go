package session

import (
	"context"
	"sync"
)

// Pager drives "load earlier" for a session. Calls made while a load for the
// same activation is in flight return immediately without a request.
type Pager struct {
	s *Session

	mu       sync.Mutex
	inFlight bool
	gen      uint64
}

// CanLoadMore reports whether an earlier page exists.
func (p *Pager) CanLoadMore() bool {
	return p.s.Cursor() != ""
}

// LoadMore fetches the next older page. It reports whether a page was merged.
func (p *Pager) LoadMore(ctx context.Context) (bool, error) {
	cursor, gen := p.s.cursorAt()
	if cursor == "" {
		return false, nil
	}

	p.mu.Lock()
	if p.inFlight && p.gen == gen {
		p.mu.Unlock()
		return false, nil
	}
	p.inFlight, p.gen = true, gen
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		if p.gen == gen {
			p.inFlight = false
		}
		p.mu.Unlock()
	}()

	if _, err := p.s.prependOlder(ctx, cursor, gen); err != nil {
		return false, err
	}
	return true, nil
}
