// Package ledger projects each group member's running point total and rank
// from a server snapshot plus live point deltas.
package ledger

import (
	"cmp"
	"slices"

	"github.com/mahaj/groupsync/pkg/model"
)

// Ledger is not safe for concurrent use.
type Ledger struct {
	members map[string]*model.Member
	order   []string // snapshot order, used to keep ties stable

	dirty     bool
	standings []model.Standing
}

func New() *Ledger {
	return &Ledger{members: make(map[string]*model.Member)}
}

// Initialize replaces the baseline with a fresh member snapshot.
func (l *Ledger) Initialize(members []model.Member) {
	l.members = make(map[string]*model.Member, len(members))
	l.order = l.order[:0]
	for _, m := range members {
		key := m.Key()
		if key == "" {
			continue
		}
		if _, dup := l.members[key]; dup {
			continue
		}
		m := m
		l.members[key] = &m
		l.order = append(l.order, key)
	}
	l.dirty = true
}

// Initialized reports whether a snapshot has been loaded.
func (l *Ledger) Initialized() bool { return len(l.order) > 0 }

// ApplyDelta adds delta to a member's points. Unknown members are ignored and
// totals are not clamped at zero.
func (l *Ledger) ApplyDelta(memberID string, delta int) bool {
	m, ok := l.members[memberID]
	if !ok {
		return false
	}
	if delta == 0 {
		return true
	}
	m.Points += delta
	l.dirty = true
	return true
}

// Standings returns members ordered by points, highest first, with ranks that
// reflect every delta applied so far. Ranks are only recomputed here.
func (l *Ledger) Standings() []model.Standing {
	if l.dirty || l.standings == nil {
		members := make([]model.Member, 0, len(l.order))
		for _, key := range l.order {
			members = append(members, *l.members[key])
		}
		l.standings = Rank(members)
		l.dirty = false
	}
	return slices.Clone(l.standings)
}

// Standing returns one member's current standing.
func (l *Ledger) Standing(memberID string) (model.Standing, bool) {
	for _, s := range l.Standings() {
		if s.Key() == memberID {
			return s, true
		}
	}
	return model.Standing{}, false
}

func (l *Ledger) Members() []model.Member {
	out := make([]model.Member, 0, len(l.order))
	for _, key := range l.order {
		out = append(out, *l.members[key])
	}
	return out
}

// Total is the sum of all member points.
func (l *Ledger) Total() int {
	total := 0
	for _, m := range l.members {
		total += m.Points
	}
	return total
}

// Rank sorts members by points descending and assigns ranks: equal points
// share a rank and the next distinct total takes its 1-based position, so
// [10, 10, 5] ranks as 1, 1, 3. Equal totals keep their input order.
func Rank(members []model.Member) []model.Standing {
	sorted := slices.Clone(members)
	slices.SortStableFunc(sorted, func(a, b model.Member) int {
		return cmp.Compare(b.Points, a.Points)
	})

	out := make([]model.Standing, len(sorted))
	rank := 0
	for i, m := range sorted {
		if i == 0 || m.Points != sorted[i-1].Points {
			rank = i + 1
		}
		out[i] = model.Standing{
			Member: m,
			Rank:   rank,
			Level:  LevelFor(m.Points).Number,
		}
	}
	return out
}
