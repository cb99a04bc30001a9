package session

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mahaj/groupsync/pkg/api"
	"github.com/mahaj/groupsync/pkg/cache"
	"github.com/mahaj/groupsync/pkg/journal"
	"github.com/mahaj/groupsync/pkg/model"
	"github.com/mahaj/groupsync/pkg/push"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func msg(id string, minute int, author string, points int) model.Message {
	m := model.Message{
		ID:        model.ID(id),
		User:      model.Author{ID: author},
		Text:      "msg " + id,
		CreatedAt: t0.Add(time.Duration(minute) * time.Minute),
	}
	if points != 0 {
		m.Task = &model.TaskCompletion{TaskID: model.ID("t" + id), Points: points}
	}
	return m
}

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = string(m.ID)
	}
	return out
}

type fakeBackend struct {
	mu sync.Mutex

	fetch    func(ctx context.Context, groupID string, cursor model.Cursor) (model.Page, error)
	members  func(groupID string) ([]model.Member, error)
	send     func(ctx context.Context, d model.Draft) (model.Message, error)
	del      func(id model.ID) (*model.Reversal, error)
	complete func(s model.TaskSubmission) (model.TaskResult, error)
	undo     func(u model.TaskUndo) (model.ID, error)

	fetches []string
	reads   []model.ID
}

func (b *fakeBackend) FetchMessages(ctx context.Context, groupID string, cursor model.Cursor, limit int) (model.Page, error) {
	b.mu.Lock()
	b.fetches = append(b.fetches, groupID+"|"+string(cursor))
	fn := b.fetch
	b.mu.Unlock()
	if fn == nil {
		return model.Page{}, nil
	}
	return fn(ctx, groupID, cursor)
}

func (b *fakeBackend) SendMessage(ctx context.Context, d model.Draft) (model.Message, error) {
	return b.send(ctx, d)
}

func (b *fakeBackend) DeleteMessage(_ context.Context, id model.ID) (*model.Reversal, error) {
	return b.del(id)
}

func (b *fakeBackend) MarkRead(_ context.Context, _, _ string, id model.ID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reads = append(b.reads, id)
	return nil
}

func (b *fakeBackend) FetchMembers(_ context.Context, groupID string) ([]model.Member, error) {
	if b.members == nil {
		return nil, nil
	}
	return b.members(groupID)
}

func (b *fakeBackend) CompleteTask(_ context.Context, s model.TaskSubmission) (model.TaskResult, error) {
	return b.complete(s)
}

func (b *fakeBackend) UndoTask(_ context.Context, u model.TaskUndo) (model.ID, error) {
	return b.undo(u)
}

func (b *fakeBackend) fetchCount(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, f := range b.fetches {
		if f == key {
			n++
		}
	}
	return n
}

func (b *fakeBackend) readIDs() []model.ID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.ID(nil), b.reads...)
}

type emitted struct {
	typ     model.EventType
	payload any
}

type fakeChannel struct {
	group string
	h     push.Handlers

	mu      sync.Mutex
	closed  bool
	emitted []emitted
}

func (c *fakeChannel) Emit(_ context.Context, typ model.EventType, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return push.ErrClosed
	}
	c.emitted = append(c.emitted, emitted{typ, payload})
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) events() []emitted {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]emitted(nil), c.emitted...)
}

type fakeSubscriber struct {
	mu   sync.Mutex
	subs []*fakeChannel
}

func (f *fakeSubscriber) Subscribe(groupID string, h push.Handlers) (Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeChannel{group: groupID, h: h}
	f.subs = append(f.subs, c)
	return c, nil
}

func (f *fakeSubscriber) all() []*fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeChannel(nil), f.subs...)
}

func (f *fakeSubscriber) open() []*fakeChannel {
	var out []*fakeChannel
	for _, c := range f.all() {
		if !c.isClosed() {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeSubscriber) last() *fakeChannel {
	all := f.all()
	return all[len(all)-1]
}

type memCache struct {
	mu    sync.Mutex
	snaps map[string]cache.Snapshot
}

func (c *memCache) Load(_ context.Context, groupID string) (cache.Snapshot, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.snaps[groupID]
	return s, ok, nil
}

func (c *memCache) Save(_ context.Context, s cache.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps[s.GroupID] = s
	return nil
}

func (c *memCache) Close() error { return nil }

type memJournal struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (j *memJournal) Record(_ context.Context, e journal.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	return nil
}

func (j *memJournal) Close() error { return nil }

type harness struct {
	s   *Session
	b   *fakeBackend
	sub *fakeSubscriber
}

func newHarness(t *testing.T, b *fakeBackend, mutate ...func(*Config)) *harness {
	t.Helper()
	sub := &fakeSubscriber{}
	cfg := Config{
		Backend:             b,
		Subscriber:          sub,
		UID:                 "me",
		UserName:            "Me",
		ReadReceiptInterval: time.Hour,
		Log:                 zaptest.NewLogger(t),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return &harness{s: s, b: b, sub: sub}
}

func standingsByKey(s *Session) map[string]model.Standing {
	out := map[string]model.Standing{}
	for _, st := range s.Standings() {
		out[st.Key()] = st
	}
	return out
}

func threeMembers(string) ([]model.Member, error) {
	return []model.Member{
		{AuthUID: "A", Name: "Ann", Points: 1},
		{AuthUID: "B", Name: "Bo", Points: 1},
		{AuthUID: "C", Name: "Cy", Points: 3},
	}, nil
}

func TestNew_RequiresBackendAndSubscriber(t *testing.T) {
	_, err := New(Config{Subscriber: &fakeSubscriber{}})
	assert.Error(t, err)
	_, err = New(Config{Backend: &fakeBackend{}})
	assert.Error(t, err)
}

func TestActivate_LoadsPageAndMembers(t *testing.T) {
	b := &fakeBackend{
		fetch: func(_ context.Context, g string, c model.Cursor) (model.Page, error) {
			return model.Page{Messages: []model.Message{msg("2", 2, "A", 0), msg("1", 1, "B", 0)}, NextCursor: "c1"}, nil
		},
		members: threeMembers,
	}
	h := newHarness(t, b)

	require.NoError(t, h.s.Activate(context.Background(), model.Group{ID: "g1", Name: "Walkers"}))

	assert.Equal(t, []string{"2", "1"}, ids(h.s.Messages()))
	assert.Equal(t, model.Cursor("c1"), h.s.Cursor())
	assert.True(t, h.s.Pager().CanLoadMore())
	assert.Equal(t, "Walkers", h.s.State().Current().Name)

	st := standingsByKey(h.s)
	assert.Equal(t, 1, st["C"].Rank)
	assert.Equal(t, 2, st["A"].Rank)
	assert.Equal(t, 2, st["B"].Rank)
}

func TestActivate_InvalidGroup(t *testing.T) {
	h := newHarness(t, &fakeBackend{})
	assert.ErrorIs(t, h.s.Activate(context.Background(), model.Group{ID: " "}), ErrInvalidGroup)
	assert.ErrorIs(t, h.s.LoadInitialPage(context.Background(), ""), ErrInvalidGroup)
	assert.ErrorIs(t, h.s.LoadInitialPage(context.Background(), "g1"), ErrNoActiveGroup)
}

func TestActivate_ExactlyOneSubscription(t *testing.T) {
	h := newHarness(t, &fakeBackend{})
	ctx := context.Background()

	require.NoError(t, h.s.Activate(ctx, model.Group{ID: "g1"}))
	require.NoError(t, h.s.Activate(ctx, model.Group{ID: "g2"}))
	require.NoError(t, h.s.Activate(ctx, model.Group{ID: "g1"}))

	open := h.sub.open()
	require.Len(t, open, 1)
	assert.Equal(t, "g1", open[0].group)
	assert.Len(t, h.sub.all(), 3)

	require.NoError(t, h.s.Close())
	assert.Empty(t, h.sub.open())
}

func TestActivate_FetchFailureIsRecoverable(t *testing.T) {
	fail := errors.New("connection refused")
	calls := 0
	b := &fakeBackend{
		fetch: func(context.Context, string, model.Cursor) (model.Page, error) {
			calls++
			if calls == 1 {
				return model.Page{}, fail
			}
			return model.Page{Messages: []model.Message{msg("1", 1, "A", 0)}}, nil
		},
	}
	h := newHarness(t, b)
	err := h.s.Activate(context.Background(), model.Group{ID: "g1"})
	require.ErrorIs(t, err, fail)
	assert.Empty(t, h.s.Messages())
	assert.Len(t, h.sub.open(), 1, "the group stays active")

	require.NoError(t, h.s.LoadInitialPage(context.Background(), "g1"))
	assert.Equal(t, []string{"1"}, ids(h.s.Messages()))
}

func TestInitialPage_KeepsEarlyLiveEvents(t *testing.T) {
	gate := make(chan struct{})
	b := &fakeBackend{
		fetch: func(context.Context, string, model.Cursor) (model.Page, error) {
			<-gate
			return model.Page{Messages: []model.Message{msg("2", 2, "A", 0), msg("1", 1, "A", 0)}}, nil
		},
	}
	h := newHarness(t, b)

	done := make(chan error, 1)
	go func() { done <- h.s.Activate(context.Background(), model.Group{ID: "g1"}) }()
	require.Eventually(t, func() bool { return len(h.sub.all()) == 1 }, time.Second, 5*time.Millisecond)

	ch := h.sub.last()
	ch.h.OnMessageCreated(model.MessageCreated{Message: msg("10", 10, "B", 0)})
	ch.h.OnMessageDeleted(model.MessageDeleted{MessageID: "2"})
	close(gate)
	require.NoError(t, <-done)

	assert.Equal(t, []string{"10", "1"}, ids(h.s.Messages()))
}

func TestLiveCreate_CreditsPointsOnce(t *testing.T) {
	h := newHarness(t, &fakeBackend{members: threeMembers})
	require.NoError(t, h.s.Activate(context.Background(), model.Group{ID: "g1"}))
	ch := h.sub.last()

	ev := model.MessageCreated{Message: msg("5", 5, "A", 5)}
	ch.h.OnMessageCreated(ev)
	ch.h.OnMessageCreated(ev)

	assert.Len(t, h.s.Messages(), 1)
	st := standingsByKey(h.s)
	assert.Equal(t, 6, st["A"].Points)
	assert.Equal(t, 1, st["A"].Rank)
	assert.Equal(t, 2, st["C"].Rank)
	assert.Equal(t, 3, st["B"].Rank)
}

func TestLiveCreate_UnknownMemberIgnored(t *testing.T) {
	h := newHarness(t, &fakeBackend{members: threeMembers})
	require.NoError(t, h.s.Activate(context.Background(), model.Group{ID: "g1"}))
	before := h.s.Standings()

	assert.True(t, h.s.ApplyInboundMessage(msg("5", 5, "Z", 4)))
	assert.Len(t, h.s.Messages(), 1)
	assert.Equal(t, before, h.s.Standings())
}

func TestLiveCreate_OtherGroupDropped(t *testing.T) {
	h := newHarness(t, &fakeBackend{})
	require.NoError(t, h.s.Activate(context.Background(), model.Group{ID: "g1"}))
	m := msg("5", 5, "A", 0)
	m.GroupID = "g2"
	assert.False(t, h.s.ApplyInboundMessage(m))
	assert.Empty(t, h.s.Messages())
}

func TestLiveDelete_ReversesOnce(t *testing.T) {
	h := newHarness(t, &fakeBackend{members: threeMembers})
	require.NoError(t, h.s.Activate(context.Background(), model.Group{ID: "g1"}))
	ch := h.sub.last()

	ch.h.OnMessageCreated(model.MessageCreated{Message: msg("5", 5, "C", 2)})
	require.Equal(t, 5, standingsByKey(h.s)["C"].Points)

	del := model.MessageDeleted{MessageID: "5", Task: &model.Reversal{AuthUID: "C", PointsEarned: 2}}
	ch.h.OnMessageDeleted(del)
	ch.h.OnMessageDeleted(del)

	assert.Empty(t, h.s.Messages())
	assert.Equal(t, 3, standingsByKey(h.s)["C"].Points)
}

func TestLiveDelete_WithoutIDDropped(t *testing.T) {
	j := &memJournal{}
	h := newHarness(t, &fakeBackend{members: threeMembers}, func(c *Config) { c.Journal = j })
	require.NoError(t, h.s.Activate(context.Background(), model.Group{ID: "g1"}))

	assert.False(t, h.s.ApplyDeletion(model.MessageDeleted{Task: &model.Reversal{AuthUID: "A", PointsEarned: 4}}))
	assert.Equal(t, 1, standingsByKey(h.s)["A"].Points)

	j.mu.Lock()
	defer j.mu.Unlock()
	assert.Empty(t, j.entries)
}

func TestLiveDelete_UnloadedMessageStillReverses(t *testing.T) {
	h := newHarness(t, &fakeBackend{members: threeMembers})
	require.NoError(t, h.s.Activate(context.Background(), model.Group{ID: "g1"}))

	assert.True(t, h.s.ApplyDeletion(model.MessageDeleted{MessageID: "old", Task: &model.Reversal{AuthUID: "A", PointsEarned: 4}}))
	assert.Equal(t, -3, standingsByKey(h.s)["A"].Points, "totals are not clamped")

	// a late create for the deleted message is not resurrected
	assert.False(t, h.s.ApplyInboundMessage(msg("old", 1, "A", 4)))
	assert.Equal(t, -3, standingsByKey(h.s)["A"].Points)
}

func TestStaleHandlersIgnored(t *testing.T) {
	h := newHarness(t, &fakeBackend{members: threeMembers})
	ctx := context.Background()
	require.NoError(t, h.s.Activate(ctx, model.Group{ID: "g1"}))
	old := h.sub.last()
	require.NoError(t, h.s.Activate(ctx, model.Group{ID: "g2"}))

	old.h.OnMessageCreated(model.MessageCreated{Message: msg("7", 7, "A", 5)})
	old.h.OnMessageDeleted(model.MessageDeleted{MessageID: "x", Task: &model.Reversal{AuthUID: "A", PointsEarned: 1}})

	assert.Empty(t, h.s.Messages())
	assert.Equal(t, 1, standingsByKey(h.s)["A"].Points)
}

func TestStaleOlderPageDiscarded(t *testing.T) {
	started := make(chan struct{})
	gate := make(chan struct{})
	b := &fakeBackend{
		fetch: func(_ context.Context, g string, c model.Cursor) (model.Page, error) {
			switch {
			case g == "g1" && c == "":
				return model.Page{Messages: []model.Message{msg("2", 2, "A", 0)}, NextCursor: "c1"}, nil
			case g == "g1" && c == "c1":
				close(started)
				<-gate
				return model.Page{Messages: []model.Message{msg("1", 1, "A", 0)}, NextCursor: "c0"}, nil
			default:
				return model.Page{Messages: []model.Message{msg("20", 20, "B", 0)}}, nil
			}
		},
	}
	h := newHarness(t, b)
	ctx := context.Background()
	require.NoError(t, h.s.Activate(ctx, model.Group{ID: "g1"}))

	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		ok, err := h.s.Pager().LoadMore(ctx)
		done <- result{ok, err}
	}()
	<-started
	require.NoError(t, h.s.Activate(ctx, model.Group{ID: "g2"}))
	close(gate)

	res := <-done
	assert.False(t, res.ok)
	assert.ErrorIs(t, res.err, ErrStaleGroup)
	assert.Equal(t, []string{"20"}, ids(h.s.Messages()))
	assert.Equal(t, model.Cursor(""), h.s.Cursor())
}

func TestPager_NullCursorStops(t *testing.T) {
	b := &fakeBackend{
		fetch: func(_ context.Context, g string, c model.Cursor) (model.Page, error) {
			if c == "" {
				return model.Page{Messages: []model.Message{msg("2", 2, "A", 0)}, NextCursor: "c1"}, nil
			}
			return model.Page{Messages: []model.Message{msg("1", 1, "A", 0)}}, nil
		},
	}
	h := newHarness(t, b)
	ctx := context.Background()
	require.NoError(t, h.s.Activate(ctx, model.Group{ID: "g1"}))

	ok, err := h.s.Pager().LoadMore(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"2", "1"}, ids(h.s.Messages()))
	assert.False(t, h.s.Pager().CanLoadMore())

	ok, err = h.s.Pager().LoadMore(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, b.fetchCount("g1|c1"))

	next, err := h.s.PrependOlderPage(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, next)
}

func TestPager_CoalescesInFlight(t *testing.T) {
	started := make(chan struct{})
	gate := make(chan struct{})
	b := &fakeBackend{
		fetch: func(_ context.Context, g string, c model.Cursor) (model.Page, error) {
			if c == "" {
				return model.Page{Messages: []model.Message{msg("3", 3, "A", 0)}, NextCursor: "c2"}, nil
			}
			close(started)
			<-gate
			return model.Page{Messages: []model.Message{msg("2", 2, "A", 0)}, NextCursor: "c1"}, nil
		},
	}
	h := newHarness(t, b)
	ctx := context.Background()
	require.NoError(t, h.s.Activate(ctx, model.Group{ID: "g1"}))

	done := make(chan bool, 1)
	go func() {
		ok, _ := h.s.Pager().LoadMore(ctx)
		done <- ok
	}()
	<-started

	ok, err := h.s.Pager().LoadMore(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second call while loading is dropped")

	close(gate)
	assert.True(t, <-done)
	assert.Equal(t, 1, b.fetchCount("g1|c2"))
	assert.Equal(t, model.Cursor("c1"), h.s.Cursor())
	assert.Equal(t, []string{"3", "2"}, ids(h.s.Messages()))
}

func TestSend_ResolvesTentative(t *testing.T) {
	gate := make(chan struct{})
	b := &fakeBackend{
		send: func(_ context.Context, d model.Draft) (model.Message, error) {
			<-gate
			assert.Equal(t, "g1", d.GroupID)
			assert.Equal(t, "me", d.UID)
			return msg("99", 30, "me", 0), nil
		},
	}
	h := newHarness(t, b, func(c *Config) { c.Now = func() time.Time { return t0.Add(30 * time.Minute) } })
	ctx := context.Background()
	require.NoError(t, h.s.Activate(ctx, model.Group{ID: "g1"}))
	h.s.ApplyInboundMessage(msg("1", 1, "A", 0))

	done := make(chan error, 1)
	go func() {
		_, err := h.s.Send(ctx, model.Draft{Text: "hello", ReplyTo: "1"})
		done <- err
	}()

	require.Eventually(t, func() bool {
		msgs := h.s.Messages()
		return len(msgs) == 2 && msgs[0].Pending
	}, time.Second, 5*time.Millisecond)
	pending := h.s.Messages()[0]
	assert.True(t, pending.ID.IsTentative())
	require.NotNil(t, pending.ReplyTo)
	assert.Equal(t, "msg 1", pending.ReplyTo.Text)

	close(gate)
	require.NoError(t, <-done)

	assert.Equal(t, []string{"99", "1"}, ids(h.s.Messages()))
	assert.False(t, h.s.Messages()[0].Pending)

	evs := h.sub.last().events()
	require.Len(t, evs, 1)
	assert.Equal(t, model.EventMessageCreated, evs[0].typ)
	assert.Equal(t, model.ID("99"), evs[0].payload.(model.MessageCreated).Message.ID)
}

func TestSend_ConfirmedCopyPushedFirst(t *testing.T) {
	gate := make(chan struct{})
	b := &fakeBackend{
		send: func(context.Context, model.Draft) (model.Message, error) {
			<-gate
			return msg("99", 30, "me", 0), nil
		},
	}
	h := newHarness(t, b)
	ctx := context.Background()
	require.NoError(t, h.s.Activate(ctx, model.Group{ID: "g1"}))

	done := make(chan error, 1)
	go func() {
		_, err := h.s.Send(ctx, model.Draft{Text: "hello"})
		done <- err
	}()
	require.Eventually(t, func() bool { return len(h.s.Messages()) == 1 }, time.Second, 5*time.Millisecond)

	h.sub.last().h.OnMessageCreated(model.MessageCreated{Message: msg("99", 30, "me", 0)})
	close(gate)
	require.NoError(t, <-done)

	assert.Equal(t, []string{"99"}, ids(h.s.Messages()))
}

func TestSend_FailureRemovesTentative(t *testing.T) {
	fail := errors.New("413 too large")
	b := &fakeBackend{
		send: func(context.Context, model.Draft) (model.Message, error) { return model.Message{}, fail },
	}
	h := newHarness(t, b)
	ctx := context.Background()
	require.NoError(t, h.s.Activate(ctx, model.Group{ID: "g1"}))

	_, err := h.s.Send(ctx, model.Draft{Text: "hello"})
	require.ErrorIs(t, err, fail)
	assert.Empty(t, h.s.Messages())
	assert.Empty(t, h.sub.last().events())
}

func TestSend_Validation(t *testing.T) {
	h := newHarness(t, &fakeBackend{})
	_, err := h.s.Send(context.Background(), model.Draft{Text: "hi"})
	assert.ErrorIs(t, err, ErrNoActiveGroup)

	require.NoError(t, h.s.Activate(context.Background(), model.Group{ID: "g1"}))
	_, err = h.s.Send(context.Background(), model.Draft{Text: "  "})
	assert.ErrorIs(t, err, model.ErrEmptyMessage)
}

func TestDelete_AppliesReversalAndEmits(t *testing.T) {
	j := &memJournal{}
	b := &fakeBackend{
		members: threeMembers,
		del: func(id model.ID) (*model.Reversal, error) {
			return &model.Reversal{AuthUID: "C", PointsEarned: 3}, nil
		},
	}
	h := newHarness(t, b, func(c *Config) { c.Journal = j })
	ctx := context.Background()
	require.NoError(t, h.s.Activate(ctx, model.Group{ID: "g1"}))
	h.s.ApplyInboundMessage(msg("8", 8, "C", 0))

	require.NoError(t, h.s.Delete(ctx, "8"))
	assert.Empty(t, h.s.Messages())
	assert.Equal(t, 0, standingsByKey(h.s)["C"].Points)

	evs := h.sub.last().events()
	require.Len(t, evs, 1)
	assert.Equal(t, model.EventMessageDeleted, evs[0].typ)

	// the relayed copy of our own delete is a no-op
	h.sub.last().h.OnMessageDeleted(evs[0].payload.(model.MessageDeleted))
	assert.Equal(t, 0, standingsByKey(h.s)["C"].Points)

	j.mu.Lock()
	defer j.mu.Unlock()
	require.Len(t, j.entries, 2)
	assert.False(t, j.entries[0].Local)
	assert.True(t, j.entries[1].Local)
	assert.Equal(t, -3, j.entries[1].Delta)

	assert.ErrorIs(t, h.s.Delete(ctx, "tmp-1"), ErrNotConfirmed)
}

func TestCompleteAndUndoTask(t *testing.T) {
	b := &fakeBackend{
		members: threeMembers,
		complete: func(s model.TaskSubmission) (model.TaskResult, error) {
			assert.Equal(t, "g1", s.GroupID)
			assert.Equal(t, "A", s.UID)
			res := model.TaskResult{Message: model.Message{ID: "50", User: model.Author{ID: "A"}, Text: "done", CreatedAt: t0}}
			res.Task.TaskID, res.Task.Points = s.TaskID, s.Points
			return res, nil
		},
		undo: func(u model.TaskUndo) (model.ID, error) {
			assert.Equal(t, model.ID("t9"), u.TaskID)
			return "50", nil
		},
	}
	h := newHarness(t, b, func(c *Config) { c.UID = "A" })
	ctx := context.Background()
	require.NoError(t, h.s.Activate(ctx, model.Group{ID: "g1"}))

	res, err := h.s.CompleteTask(ctx, model.TaskSubmission{TaskID: "t9", Points: 4})
	require.NoError(t, err)
	require.NotNil(t, res.Message.Task)
	assert.Equal(t, 5, standingsByKey(h.s)["A"].Points)
	assert.Equal(t, []string{"50"}, ids(h.s.Messages()))

	id, err := h.s.UndoTask(ctx, model.TaskUndo{TaskID: "t9"})
	require.NoError(t, err)
	assert.Equal(t, model.ID("50"), id)
	assert.Empty(t, h.s.Messages())
	assert.Equal(t, 1, standingsByKey(h.s)["A"].Points)

	evs := h.sub.last().events()
	require.Len(t, evs, 2)
	assert.Equal(t, model.EventMessageCreated, evs[0].typ)
	del := evs[1].payload.(model.MessageDeleted)
	require.NotNil(t, del.Task)
	assert.Equal(t, model.Reversal{AuthUID: "A", PointsEarned: 4}, *del.Task)
}

func TestRefreshMembers_ResetsLedger(t *testing.T) {
	points := 1
	b := &fakeBackend{
		members: func(string) ([]model.Member, error) {
			return []model.Member{{AuthUID: "A", Points: points}}, nil
		},
	}
	h := newHarness(t, b)
	ctx := context.Background()
	require.NoError(t, h.s.Activate(ctx, model.Group{ID: "g1"}))
	h.s.ApplyInboundMessage(msg("1", 1, "A", 5))
	require.Equal(t, 6, standingsByKey(h.s)["A"].Points)

	points = 10
	require.NoError(t, h.s.RefreshMembers(ctx))
	assert.Equal(t, 10, standingsByKey(h.s)["A"].Points)
}

func TestSnapshotCache_WarmsThenReplaced(t *testing.T) {
	mc := &memCache{snaps: map[string]cache.Snapshot{
		"g1": {GroupID: "g1", Messages: []model.Message{msg("c", 0, "A", 0)}, NextCursor: "old"},
	}}
	gate := make(chan struct{})
	b := &fakeBackend{
		fetch: func(context.Context, string, model.Cursor) (model.Page, error) {
			<-gate
			return model.Page{Messages: []model.Message{msg("2", 2, "A", 0)}, NextCursor: "c1"}, nil
		},
		members: threeMembers,
	}
	h := newHarness(t, b, func(c *Config) { c.Cache = mc })

	done := make(chan error, 1)
	go func() { done <- h.s.Activate(context.Background(), model.Group{ID: "g1"}) }()
	require.Eventually(t, func() bool { return len(h.s.Messages()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, model.Cursor("old"), h.s.Cursor())

	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, []string{"2"}, ids(h.s.Messages()))

	snap, ok, _ := mc.Load(context.Background(), "g1")
	require.True(t, ok)
	assert.Equal(t, model.Cursor("c1"), snap.NextCursor)
	assert.Len(t, snap.Members, 3)
}

func TestReadReceipts_Coalesced(t *testing.T) {
	b := &fakeBackend{
		fetch: func(context.Context, string, model.Cursor) (model.Page, error) {
			return model.Page{Messages: []model.Message{msg("2", 2, "A", 0)}}, nil
		},
	}
	h := newHarness(t, b, func(c *Config) { c.ReadReceiptInterval = 50 * time.Millisecond })
	require.NoError(t, h.s.Activate(context.Background(), model.Group{ID: "g1"}))
	require.Eventually(t, func() bool { return len(b.readIDs()) == 1 }, time.Second, 5*time.Millisecond)

	for i, id := range []string{"3", "4", "5"} {
		h.s.ApplyInboundMessage(msg(id, 3+i, "B", 0))
	}
	require.Eventually(t, func() bool { return len(b.readIDs()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(120 * time.Millisecond)

	assert.Equal(t, []model.ID{"2", "5"}, b.readIDs())
	assert.Equal(t, model.ID("5"), h.s.LastRead())

	// nothing new, nothing sent
	h.s.MarkRead()
	time.Sleep(80 * time.Millisecond)
	assert.Len(t, b.readIDs(), 2)
}

func TestClose_StopsEverything(t *testing.T) {
	h := newHarness(t, &fakeBackend{})
	require.NoError(t, h.s.Activate(context.Background(), model.Group{ID: "g1"}))
	ch := h.sub.last()
	require.NoError(t, h.s.Close())

	assert.True(t, ch.isClosed())
	ch.h.OnMessageCreated(model.MessageCreated{Message: msg("1", 1, "A", 0)})
	assert.Empty(t, h.s.Messages())
	assert.ErrorIs(t, h.s.Activate(context.Background(), model.Group{ID: "g1"}), ErrNoActiveGroup)
	assert.NoError(t, h.s.Close())
}

func TestState_Merge(t *testing.T) {
	st := NewState(model.Group{ID: "g1", Name: "Old"})
	name := "New"
	g := st.Merge(model.GroupPatch{Name: &name})
	assert.Equal(t, "g1", g.ID)
	assert.Equal(t, "New", st.Current().Name)
	st.Replace(model.Group{ID: "g2"})
	assert.Equal(t, "g2", st.Current().ID)
}

func TestWrongShapedResponsesLeaveStateUntouched(t *testing.T) {
	var pages, rosters atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/messages/"):
			if pages.Add(1) == 1 {
				io.WriteString(w, `{"messages":[{"_id":2,"user":{"_id":"A"},"text":"b","createdAt":"2026-05-01T09:02:00Z"},{"_id":1,"user":{"_id":"B"},"text":"a","createdAt":"2026-05-01T09:01:00Z"}],"nextCursor":"c1"}`)
				return
			}
			io.WriteString(w, `{}`)
		case strings.HasPrefix(r.URL.Path, "/api/group-members/"):
			if rosters.Add(1) == 1 {
				io.WriteString(w, `[{"auth_uid":"A","points":4},{"auth_uid":"B","points":2}]`)
				return
			}
			io.WriteString(w, `null`)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	t.Cleanup(srv.Close)
	client, err := api.New(srv.URL + "/api")
	require.NoError(t, err)

	sub := &fakeSubscriber{}
	s, err := New(Config{
		Backend:             client,
		Subscriber:          sub,
		UID:                 "me",
		ReadReceiptInterval: time.Hour,
		Log:                 zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	require.NoError(t, s.Activate(ctx, model.Group{ID: "g1"}))
	require.Equal(t, []string{"2", "1"}, ids(s.Messages()))

	err = s.LoadInitialPage(ctx, "g1")
	assert.ErrorIs(t, err, api.ErrTransport)
	assert.Equal(t, []string{"2", "1"}, ids(s.Messages()))
	assert.Equal(t, model.Cursor("c1"), s.Cursor())
	assert.True(t, s.Pager().CanLoadMore())

	err = s.RefreshMembers(ctx)
	assert.ErrorIs(t, err, api.ErrTransport)
	st := standingsByKey(s)
	require.Len(t, st, 2)
	assert.Equal(t, 4, st["A"].Points)
}
