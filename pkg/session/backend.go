package session

import (
	"context"
	"errors"

	"github.com/mahaj/groupsync/pkg/model"
	"github.com/mahaj/groupsync/pkg/push"
)

var (
	ErrNoActiveGroup = errors.New("no active group")
	ErrStaleGroup    = errors.New("active group changed")
	ErrInvalidGroup  = errors.New("invalid group id")
	ErrNotConfirmed  = errors.New("message is not confirmed yet")
)

// Backend is the REST API the session reads and writes through. *api.Client
// implements it.
type Backend interface {
	FetchMessages(ctx context.Context, groupID string, cursor model.Cursor, limit int) (model.Page, error)
	SendMessage(ctx context.Context, d model.Draft) (model.Message, error)
	DeleteMessage(ctx context.Context, id model.ID) (*model.Reversal, error)
	MarkRead(ctx context.Context, groupID, uid string, id model.ID) error
	FetchMembers(ctx context.Context, groupID string) ([]model.Member, error)
	CompleteTask(ctx context.Context, s model.TaskSubmission) (model.TaskResult, error)
	UndoTask(ctx context.Context, u model.TaskUndo) (model.ID, error)
}

// Channel is an open push subscription.
type Channel interface {
	Emit(ctx context.Context, typ model.EventType, payload any) error
	Close() error
}

type Subscriber interface {
	Subscribe(groupID string, h push.Handlers) (Channel, error)
}

// Dialer adapts *push.Dialer to Subscriber.
type Dialer struct {
	*push.Dialer
}

func (d Dialer) Subscribe(groupID string, h push.Handlers) (Channel, error) {
	sub, err := d.Dialer.Subscribe(groupID, h)
	if err != nil {
		return nil, err
	}
	return sub, nil
}
