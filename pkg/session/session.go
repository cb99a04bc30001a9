// Package session keeps one group's message feed, leaderboard and paging
// cursor consistent across REST fetches, local sends and live push events.
//
// All state is guarded by one mutex and no network I/O happens while it is
// held. Every activation bumps a generation counter; a network result or push
// event is applied only if the generation it was started under is still
// current, so nothing from a previous group ever reaches the new one.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mahaj/groupsync/pkg/api"
	"github.com/mahaj/groupsync/pkg/cache"
	"github.com/mahaj/groupsync/pkg/feed"
	"github.com/mahaj/groupsync/pkg/journal"
	"github.com/mahaj/groupsync/pkg/ledger"
	"github.com/mahaj/groupsync/pkg/metrics"
	"github.com/mahaj/groupsync/pkg/model"
	"github.com/mahaj/groupsync/pkg/push"
	"github.com/mahaj/groupsync/pkg/snowflake"
)

const DefaultReadReceiptInterval = 2 * time.Second

type Config struct {
	Backend    Backend
	Subscriber Subscriber

	// UID and UserName identify the local user on sends and read receipts.
	UID      string
	UserName string

	PageSize            int
	ReadReceiptInterval time.Duration

	State   *State
	Cache   cache.Store
	Journal journal.Sink
	Metrics *metrics.Collectors
	IDs     *snowflake.Node
	Log     *zap.Logger

	// ClientID tags journal entries.
	ClientID string

	// OnChange is called, outside the session lock, after any visible change.
	OnChange func()

	Now func() time.Time
}

type Session struct {
	cfg     Config
	log     *zap.Logger
	limiter *rate.Limiter
	pager   *Pager

	mu       sync.Mutex
	gen      uint64
	groupID  string
	groupCtx context.Context
	cancel   context.CancelFunc
	channel  Channel
	store    *feed.Store
	ledger   *ledger.Ledger
	cursor   model.Cursor
	reversed map[model.ID]struct{}
	closed   bool

	lastRead    model.ID
	pendingRead model.ID
	readTimer   *time.Timer
}

func New(cfg Config) (*Session, error) {
	if cfg.Backend == nil {
		return nil, errors.New("session: backend is required")
	}
	if cfg.Subscriber == nil {
		return nil, errors.New("session: subscriber is required")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = api.DefaultPageSize
	}
	if cfg.ReadReceiptInterval <= 0 {
		cfg.ReadReceiptInterval = DefaultReadReceiptInterval
	}
	if cfg.State == nil {
		cfg.State = NewState(model.Group{})
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.Nop{}
	}
	if cfg.Journal == nil {
		cfg.Journal = journal.Discard{}
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.IDs == nil {
		node, err := snowflake.NewNode(0)
		if err != nil {
			return nil, err
		}
		cfg.IDs = node
	}

	s := &Session{
		cfg:      cfg,
		log:      cfg.Log,
		limiter:  rate.NewLimiter(rate.Every(cfg.ReadReceiptInterval), 1),
		store:    feed.New(""),
		ledger:   ledger.New(),
		reversed: make(map[model.ID]struct{}),
	}
	s.pager = &Pager{s: s}
	return s, nil
}

func (s *Session) Pager() *Pager { return s.pager }

func (s *Session) State() *State { return s.cfg.State }

// Activate makes g the active group: it detaches the previous group's
// subscription, clears local state, subscribes to g, warms the store from the
// snapshot cache, then loads the first page and the member snapshot.
//
// A failed page or member fetch is returned but leaves the session active;
// the caller may retry with LoadInitialPage or RefreshMembers.
func (s *Session) Activate(ctx context.Context, g model.Group) error {
	if strings.TrimSpace(g.ID) == "" {
		return ErrInvalidGroup
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrNoActiveGroup
	}
	old := s.channel
	gen := s.resetLocked(g.ID)
	s.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			s.log.Warn("push_detach_failed", zap.Error(err))
		}
	}
	s.cfg.State.Replace(g)
	s.changed()

	ch, err := s.cfg.Subscriber.Subscribe(g.ID, s.handlers(gen))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", g.ID, err)
	}
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		ch.Close()
		s.cfg.Metrics.Stale()
		return ErrStaleGroup
	}
	s.channel = ch
	s.mu.Unlock()
	s.log.Info("group_activated", zap.String("group", g.ID), zap.Uint64("generation", gen))

	s.warm(ctx, g.ID, gen)

	pageErr := s.loadInitial(ctx, g.ID, gen)
	membersErr := s.refreshMembers(ctx, gen)
	return errors.Join(pageErr, membersErr)
}

// resetLocked starts a new generation for groupID and drops all group state.
func (s *Session) resetLocked(groupID string) uint64 {
	s.gen++
	if s.cancel != nil {
		s.cancel()
	}
	s.groupCtx, s.cancel = context.WithCancel(context.Background())
	s.groupID = groupID
	s.channel = nil
	s.store = feed.New(groupID)
	s.ledger = ledger.New()
	s.cursor = ""
	s.reversed = make(map[model.ID]struct{})
	s.lastRead, s.pendingRead = "", ""
	if s.readTimer != nil {
		s.readTimer.Stop()
		s.readTimer = nil
	}
	return s.gen
}

func (s *Session) warm(ctx context.Context, groupID string, gen uint64) {
	snap, ok, err := s.cfg.Cache.Load(ctx, groupID)
	if err != nil {
		s.log.Warn("snapshot_load_failed", zap.String("group", groupID), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.store.Warm(snap.Messages)
	s.cursor = snap.NextCursor
	if len(snap.Members) > 0 {
		s.ledger.Initialize(snap.Members)
	}
	s.lastRead = snap.LastRead
	s.mu.Unlock()
	s.log.Debug("snapshot_warmed", zap.String("group", groupID), zap.Int("messages", len(snap.Messages)))
	s.changed()
}

// LoadInitialPage fetches the newest page of the active group and replaces
// the history with it. Messages that arrived live since activation are kept.
func (s *Session) LoadInitialPage(ctx context.Context, groupID string) error {
	if strings.TrimSpace(groupID) == "" {
		return ErrInvalidGroup
	}
	s.mu.Lock()
	active, gen := s.groupID, s.gen
	s.mu.Unlock()
	if active == "" {
		return ErrNoActiveGroup
	}
	if active != groupID {
		return ErrStaleGroup
	}
	return s.loadInitial(ctx, groupID, gen)
}

func (s *Session) loadInitial(ctx context.Context, groupID string, gen uint64) error {
	opCtx, done, _, err := s.bind(ctx, gen)
	if err != nil {
		return err
	}
	defer done()

	page, err := s.cfg.Backend.FetchMessages(opCtx, groupID, "", s.cfg.PageSize)
	if err != nil {
		if s.isStale(gen) {
			return ErrStaleGroup
		}
		s.log.Warn("page_load_failed", zap.String("group", groupID), zap.String("kind", "initial"), zap.Error(err))
		return fmt.Errorf("load initial page: %w", err)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		s.cfg.Metrics.Stale()
		return ErrStaleGroup
	}
	s.store.ReplacePage(page.Messages)
	s.cursor = page.NextCursor
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.cfg.Metrics.PageLoaded("initial")
	s.log.Info("page_loaded", zap.String("group", groupID), zap.String("kind", "initial"), zap.Int("messages", len(page.Messages)))
	s.save(ctx, snap)
	s.changed()
	s.scheduleRead()
	return nil
}

// PrependOlderPage fetches the page older than cursor and merges it at the
// older end. It returns the cursor for the page after that; an empty cursor
// is a no-op.
func (s *Session) PrependOlderPage(ctx context.Context, cursor model.Cursor) (model.Cursor, error) {
	if cursor == "" {
		return "", nil
	}
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	return s.prependOlder(ctx, cursor, gen)
}

func (s *Session) prependOlder(ctx context.Context, cursor model.Cursor, gen uint64) (model.Cursor, error) {
	opCtx, done, groupID, err := s.bind(ctx, gen)
	if err != nil {
		return "", err
	}
	defer done()

	page, err := s.cfg.Backend.FetchMessages(opCtx, groupID, cursor, s.cfg.PageSize)
	if err != nil {
		if s.isStale(gen) {
			return "", ErrStaleGroup
		}
		s.log.Warn("page_load_failed", zap.String("group", groupID), zap.String("kind", "older"), zap.Error(err))
		return "", fmt.Errorf("load older page: %w", err)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		s.cfg.Metrics.Stale()
		return "", ErrStaleGroup
	}
	added := s.store.MergeOlder(page.Messages)
	s.cursor = page.NextCursor
	s.mu.Unlock()

	s.cfg.Metrics.PageLoaded("older")
	s.log.Debug("page_loaded", zap.String("group", groupID), zap.String("kind", "older"), zap.Int("added", added))
	s.changed()
	return page.NextCursor, nil
}

// ApplyInboundMessage inserts a message of the active group. Duplicates are
// ignored. A new task-completion message credits its author.
func (s *Session) ApplyInboundMessage(m model.Message) bool {
	return s.applyCreated(s.Generation(), m, false)
}

// ApplyDeletion removes a message of the active group and applies the point
// reversal it carries, once per message id.
func (s *Session) ApplyDeletion(ev model.MessageDeleted) bool {
	return s.applyDeleted(s.Generation(), ev, false)
}

func (s *Session) applyCreated(gen uint64, m model.Message, local bool) bool {
	s.mu.Lock()
	if s.gen != gen || s.groupID == "" {
		s.mu.Unlock()
		s.cfg.Metrics.Stale()
		return false
	}
	if m.GroupID != "" && m.GroupID != s.groupID {
		s.mu.Unlock()
		return false
	}
	if !s.store.Insert(m) {
		s.mu.Unlock()
		s.cfg.Metrics.Duplicate()
		return false
	}
	delta := m.Points()
	if delta != 0 && !s.ledger.ApplyDelta(m.AuthorID(), delta) {
		s.log.Debug("points_unknown_member", zap.String("member", m.AuthorID()))
	}
	groupID := s.groupID
	s.mu.Unlock()

	s.cfg.Metrics.EventApplied(string(model.EventMessageCreated))
	s.record(journal.Entry{
		GroupID:   groupID,
		Type:      model.EventMessageCreated,
		MessageID: m.ID,
		MemberID:  m.AuthorID(),
		Delta:     delta,
		Local:     local,
	})
	s.changed()
	s.scheduleRead()
	return true
}

func (s *Session) applyDeleted(gen uint64, ev model.MessageDeleted, local bool) bool {
	if ev.MessageID.IsZero() {
		s.log.Debug("delete_without_id_dropped")
		return false
	}
	s.mu.Lock()
	if s.gen != gen || s.groupID == "" {
		s.mu.Unlock()
		s.cfg.Metrics.Stale()
		return false
	}
	_, removed := s.store.Remove(ev.MessageID)
	var (
		memberID string
		delta    int
	)
	if ev.Task != nil {
		if _, done := s.reversed[ev.MessageID]; !done {
			s.reversed[ev.MessageID] = struct{}{}
			memberID, delta = ev.Task.AuthUID, -ev.Task.PointsEarned
			s.ledger.ApplyDelta(memberID, delta)
		}
	}
	groupID := s.groupID
	s.mu.Unlock()

	if !removed && delta == 0 {
		s.cfg.Metrics.Duplicate()
		return false
	}
	s.cfg.Metrics.EventApplied(string(model.EventMessageDeleted))
	s.record(journal.Entry{
		GroupID:   groupID,
		Type:      model.EventMessageDeleted,
		MessageID: ev.MessageID,
		MemberID:  memberID,
		Delta:     delta,
		Local:     local,
	})
	s.changed()
	return true
}

func (s *Session) handlers(gen uint64) push.Handlers {
	reconnecting := false
	return push.Handlers{
		OnMessageCreated: func(ev model.MessageCreated) {
			s.applyCreated(gen, ev.Message, false)
		},
		OnMessageDeleted: func(ev model.MessageDeleted) {
			s.applyDeleted(gen, ev, false)
		},
		OnState: func(st push.State) {
			s.log.Debug("push_state", zap.String("state", st.String()), zap.Uint64("generation", gen))
			switch st {
			case push.StateReconnecting:
				reconnecting = true
			case push.StateConnected:
				if reconnecting {
					reconnecting = false
					go s.resync(gen)
				}
			}
		},
	}
}

// resync reloads the first page and members after the push channel
// reconnected, since events sent while it was down are lost.
func (s *Session) resync(gen uint64) {
	groupID := s.GroupID()
	s.log.Info("push_resync", zap.String("group", groupID))
	ctx := context.Background()
	if err := s.loadInitial(ctx, groupID, gen); err != nil && !errors.Is(err, ErrStaleGroup) {
		s.log.Warn("resync_failed", zap.Error(err))
	}
	if err := s.refreshMembers(ctx, gen); err != nil && !errors.Is(err, ErrStaleGroup) {
		s.log.Warn("resync_failed", zap.Error(err))
	}
}

// Send posts a message optimistically: a tentative copy is shown at once and
// replaced by the server's copy on success, or removed on failure.
func (s *Session) Send(ctx context.Context, d model.Draft) (model.Message, error) {
	if err := d.Validate(); err != nil {
		return model.Message{}, err
	}

	s.mu.Lock()
	if s.groupID == "" {
		s.mu.Unlock()
		return model.Message{}, ErrNoActiveGroup
	}
	gen := s.gen
	d.GroupID, d.UID = s.groupID, s.cfg.UID
	tentative := model.Message{
		ID:        s.cfg.IDs.Tentative(),
		GroupID:   s.groupID,
		User:      model.Author{ID: s.cfg.UID, Name: s.cfg.UserName},
		Text:      d.Text,
		CreatedAt: s.cfg.Now(),
		Pending:   true,
	}
	if !d.ReplyTo.IsZero() {
		reply := &model.Reply{ID: d.ReplyTo}
		if quoted, ok := s.store.Get(d.ReplyTo); ok {
			reply.User, reply.Text, reply.Image = quoted.User, quoted.Text, quoted.Image
		}
		tentative.ReplyTo = reply
	}
	s.store.Insert(tentative)
	s.mu.Unlock()
	s.changed()

	opCtx, done, _, err := s.bind(ctx, gen)
	if err != nil {
		return model.Message{}, err
	}
	defer done()
	msg, err := s.cfg.Backend.SendMessage(opCtx, d)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		s.cfg.Metrics.Stale()
		if err != nil {
			return model.Message{}, fmt.Errorf("send message: %w", err)
		}
		return msg, ErrStaleGroup
	}
	if err != nil {
		s.store.Discard(tentative.ID)
		s.mu.Unlock()
		s.cfg.Metrics.SendFailed()
		s.log.Warn("send_failed", zap.String("group", d.GroupID), zap.Error(err))
		s.changed()
		return model.Message{}, fmt.Errorf("send message: %w", err)
	}
	if msg.GroupID == "" {
		msg.GroupID = d.GroupID
	}
	added := s.store.Resolve(tentative.ID, msg)
	if added && msg.Points() != 0 {
		s.ledger.ApplyDelta(msg.AuthorID(), msg.Points())
	}
	ch := s.channel
	s.mu.Unlock()

	if added {
		s.record(journal.Entry{GroupID: d.GroupID, Type: model.EventMessageCreated, MessageID: msg.ID, MemberID: msg.AuthorID(), Delta: msg.Points(), Local: true})
	}
	s.emit(ctx, ch, model.EventMessageCreated, model.MessageCreated{Message: msg})
	s.changed()
	s.scheduleRead()
	return msg, nil
}

// Delete removes a confirmed message on the backend, then locally, and tells
// the rest of the group.
func (s *Session) Delete(ctx context.Context, id model.ID) error {
	if id.IsZero() {
		return fmt.Errorf("delete message: empty id")
	}
	if id.IsTentative() {
		return ErrNotConfirmed
	}
	gen := s.Generation()
	opCtx, done, _, err := s.bind(ctx, gen)
	if err != nil {
		return err
	}
	defer done()

	rev, err := s.cfg.Backend.DeleteMessage(opCtx, id)
	if err != nil {
		return fmt.Errorf("delete message %s: %w", id, err)
	}
	ev := model.MessageDeleted{MessageID: id, Task: rev}
	s.applyDeleted(gen, ev, true)
	s.emit(ctx, s.activeChannel(gen), model.EventMessageDeleted, ev)
	return nil
}

// CompleteTask submits a task completion. The message the backend creates for
// it is inserted and its points credited like a live event.
func (s *Session) CompleteTask(ctx context.Context, sub model.TaskSubmission) (model.TaskResult, error) {
	s.mu.Lock()
	if s.groupID == "" {
		s.mu.Unlock()
		return model.TaskResult{}, ErrNoActiveGroup
	}
	gen := s.gen
	sub.GroupID, sub.UID = s.groupID, s.cfg.UID
	s.mu.Unlock()

	opCtx, done, _, err := s.bind(ctx, gen)
	if err != nil {
		return model.TaskResult{}, err
	}
	defer done()
	res, err := s.cfg.Backend.CompleteTask(opCtx, sub)
	if err != nil {
		return model.TaskResult{}, fmt.Errorf("complete task %s: %w", sub.TaskID, err)
	}

	msg := res.Message
	if msg.Task == nil {
		msg.Task = &model.TaskCompletion{TaskID: res.Task.TaskID, Points: res.Task.Points}
	}
	if msg.GroupID == "" {
		msg.GroupID = sub.GroupID
	}
	if msg.User.ID == "" {
		msg.User = model.Author{ID: sub.UID, Name: s.cfg.UserName}
	}
	res.Message = msg
	if msg.ID.IsZero() {
		return res, nil
	}
	s.applyCreated(gen, msg, true)
	s.emit(ctx, s.activeChannel(gen), model.EventMessageCreated, model.MessageCreated{Message: msg})
	return res, nil
}

// UndoTask withdraws a task completion and removes the message it produced.
// When u.Points is zero the points are taken from the loaded message.
func (s *Session) UndoTask(ctx context.Context, u model.TaskUndo) (model.ID, error) {
	s.mu.Lock()
	if s.groupID == "" {
		s.mu.Unlock()
		return "", ErrNoActiveGroup
	}
	gen := s.gen
	u.GroupID, u.UID = s.groupID, s.cfg.UID
	s.mu.Unlock()

	opCtx, done, _, err := s.bind(ctx, gen)
	if err != nil {
		return "", err
	}
	defer done()
	id, err := s.cfg.Backend.UndoTask(opCtx, u)
	if err != nil {
		return "", fmt.Errorf("undo task %s: %w", u.TaskID, err)
	}
	if id.IsZero() {
		return id, nil
	}

	points := u.Points
	if points == 0 {
		s.mu.Lock()
		if m, ok := s.store.Get(id); ok && s.gen == gen {
			points = m.Points()
		}
		s.mu.Unlock()
	}
	ev := model.MessageDeleted{MessageID: id}
	if points != 0 {
		ev.Task = &model.Reversal{AuthUID: u.UID, PointsEarned: points}
	}
	s.applyDeleted(gen, ev, true)
	s.emit(ctx, s.activeChannel(gen), model.EventMessageDeleted, ev)
	return id, nil
}

// RefreshMembers reloads the member snapshot and resets the ledger to it.
func (s *Session) RefreshMembers(ctx context.Context) error {
	return s.refreshMembers(ctx, s.Generation())
}

func (s *Session) refreshMembers(ctx context.Context, gen uint64) error {
	opCtx, done, groupID, err := s.bind(ctx, gen)
	if err != nil {
		return err
	}
	defer done()

	members, err := s.cfg.Backend.FetchMembers(opCtx, groupID)
	if err != nil {
		if s.isStale(gen) {
			return ErrStaleGroup
		}
		s.log.Warn("members_load_failed", zap.String("group", groupID), zap.Error(err))
		return fmt.Errorf("load members: %w", err)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		s.cfg.Metrics.Stale()
		return ErrStaleGroup
	}
	s.ledger.Initialize(members)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.log.Debug("members_loaded", zap.String("group", groupID), zap.Int("members", len(members)))
	s.save(ctx, snap)
	s.changed()
	return nil
}

// MarkRead schedules a read receipt for the newest confirmed message.
func (s *Session) MarkRead() { s.scheduleRead() }

// scheduleRead coalesces read receipts: at most one request per interval,
// always for the newest message seen when the timer fires.
func (s *Session) scheduleRead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.UID == "" || s.groupID == "" || s.closed {
		return
	}
	newest, ok := s.store.Newest()
	if !ok || newest.ID.IsTentative() || newest.ID == s.lastRead {
		return
	}
	s.pendingRead = newest.ID
	if s.readTimer != nil {
		return
	}
	gen := s.gen
	s.readTimer = time.AfterFunc(s.limiter.Reserve().Delay(), func() { s.flushRead(gen) })
}

func (s *Session) flushRead(gen uint64) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.readTimer = nil
	id, groupID, ctx := s.pendingRead, s.groupID, s.groupCtx
	if id == "" || id == s.lastRead {
		s.mu.Unlock()
		return
	}
	s.lastRead = id
	s.mu.Unlock()

	err := s.cfg.Backend.MarkRead(ctx, groupID, s.cfg.UID, id)
	s.cfg.Metrics.ReadReceipt(err)
	if err != nil {
		s.log.Warn("read_receipt_failed", zap.String("group", groupID), zap.String("message", id.String()), zap.Error(err))
		return
	}
	s.log.Debug("read_receipt_sent", zap.String("group", groupID), zap.String("message", id.String()))
}

// Messages returns the active group's messages, newest first.
func (s *Session) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Messages()
}

// Standings returns the current leaderboard.
func (s *Session) Standings() []model.Standing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Standings()
}

func (s *Session) Cursor() model.Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *Session) GroupID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groupID
}

// Generation identifies the current activation.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

func (s *Session) LastRead() model.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRead
}

// Close detaches from the active group. The session cannot be reactivated.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	old := s.channel
	s.resetLocked("")
	s.cancel()
	s.mu.Unlock()

	if old != nil {
		return old.Close()
	}
	return nil
}

func (s *Session) cursorAt() (model.Cursor, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor, s.gen
}

func (s *Session) isStale(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen != gen
}

// bind derives a context for a network call of generation gen. It is
// cancelled when the caller's context is, or when the group changes.
func (s *Session) bind(ctx context.Context, gen uint64) (context.Context, context.CancelFunc, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.groupID == "" {
		return nil, nil, "", ErrNoActiveGroup
	}
	if s.gen != gen {
		return nil, nil, "", ErrStaleGroup
	}
	opCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.groupCtx, cancel)
	return opCtx, func() {
		stop()
		cancel()
	}, s.groupID, nil
}

func (s *Session) activeChannel(gen uint64) Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return nil
	}
	return s.channel
}

func (s *Session) emit(ctx context.Context, ch Channel, typ model.EventType, payload any) {
	if ch == nil {
		return
	}
	if err := ch.Emit(ctx, typ, payload); err != nil {
		s.log.Warn("push_emit_failed", zap.String("type", string(typ)), zap.Error(err))
	}
}

func (s *Session) record(e journal.Entry) {
	e.ClientID = s.cfg.ClientID
	e.AppliedAt = s.cfg.Now().UTC()
	if err := s.cfg.Journal.Record(context.Background(), e); err != nil {
		s.log.Warn("journal_record_failed", zap.String("type", string(e.Type)), zap.Error(err))
	}
}

func (s *Session) snapshotLocked() cache.Snapshot {
	msgs := s.store.Messages()
	confirmed := msgs[:0]
	for _, m := range msgs {
		if !m.Pending {
			confirmed = append(confirmed, m)
		}
	}
	snap := cache.Snapshot{
		GroupID:    s.groupID,
		Messages:   confirmed,
		NextCursor: s.cursor,
		LastRead:   s.lastRead,
		SavedAt:    s.cfg.Now().UTC(),
	}
	if s.ledger.Initialized() {
		snap.Members = s.ledger.Members()
	}
	return snap
}

func (s *Session) save(ctx context.Context, snap cache.Snapshot) {
	if err := s.cfg.Cache.Save(ctx, snap); err != nil {
		s.log.Warn("snapshot_save_failed", zap.String("group", snap.GroupID), zap.Error(err))
	}
}

func (s *Session) changed() {
	if s.cfg.OnChange != nil {
		s.cfg.OnChange()
	}
}
