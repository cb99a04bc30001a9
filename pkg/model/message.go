package model

import (
	"errors"
	"strings"
	"time"
)

// EventType names a push-channel event.
type EventType string

const (
	EventMessageCreated EventType = "message-created"
	EventMessageDeleted EventType = "message-deleted"
)

var ErrEmptyMessage = errors.New("message needs text or an image")

// Author is the sender of a message as the backend embeds it.
type Author struct {
	ID     string `json:"_id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// Reply is the quoted message a reply points to.
type Reply struct {
	ID    ID     `json:"_id"`
	User  Author `json:"user"`
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
}

// TaskCompletion marks a message as a completed challenge task.
type TaskCompletion struct {
	TaskID ID     `json:"task_id"`
	Points int    `json:"points"`
	Image  string `json:"image,omitempty"`
}

type Message struct {
	ID        ID              `json:"_id"`
	GroupID   string          `json:"group_id,omitempty"`
	User      Author          `json:"user"`
	Text      string          `json:"text,omitempty"`
	Image     string          `json:"image,omitempty"`
	ReplyTo   *Reply          `json:"reply_to,omitempty"`
	Task      *TaskCompletion `json:"task,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`

	// Pending is set on tentative local sends until the server confirms them.
	Pending bool `json:"-"`
}

func (m Message) AuthorID() string { return m.User.ID }

// Points returns the points the message grants, 0 when it is not a task completion.
func (m Message) Points() int {
	if m.Task == nil {
		return 0
	}
	return m.Task.Points
}

func (m Message) Validate() error {
	if strings.TrimSpace(m.Text) == "" && m.Image == "" {
		return ErrEmptyMessage
	}
	return nil
}

// Cursor is an opaque pagination token. The empty cursor means there is no
// earlier page.
type Cursor string

// Page is one newest-first slice of a group's history.
type Page struct {
	Messages   []Message `json:"messages"`
	NextCursor Cursor    `json:"nextCursor"`
}

// Reversal carries the points a deleted message had granted.
type Reversal struct {
	AuthUID      string `json:"auth_uid"`
	PointsEarned int    `json:"points_earned"`
}

// MessageCreated is the payload of a message-created event.
type MessageCreated struct {
	Message Message `json:"message"`
}

// MessageDeleted is the payload of a message-deleted event.
type MessageDeleted struct {
	MessageID ID        `json:"messageId"`
	Task      *Reversal `json:"task,omitempty"`
}
