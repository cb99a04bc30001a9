package model

import "strings"

// Attachment is an already-encoded file sent as a multipart part.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// Draft is a message the user is about to send.
type Draft struct {
	GroupID string
	UID     string
	Text    string
	ReplyTo ID
	Image   *Attachment
}

// MessageType is the backend's message_type form value.
func (d Draft) MessageType() string {
	if d.Image != nil {
		return "image"
	}
	return "text"
}

func (d Draft) Validate() error {
	if strings.TrimSpace(d.Text) == "" && d.Image == nil {
		return ErrEmptyMessage
	}
	return nil
}

// TaskSubmission reports a completed challenge task.
type TaskSubmission struct {
	GroupID        string
	UID            string
	TaskID         ID
	Points         int
	Language       string
	Photo          *Attachment
	SecondaryPhoto *Attachment
}

// TaskResult is the backend's answer to a task submission: the chat message
// it generated and the task that was credited.
type TaskResult struct {
	Message Message `json:"message"`
	Task    struct {
		TaskID ID  `json:"task_id"`
		Points int `json:"task_points"`
	} `json:"task"`
}

// TaskUndo withdraws a previously submitted task.
type TaskUndo struct {
	GroupID string `json:"groupId"`
	UID     string `json:"authUid"`
	TaskID  ID     `json:"taskId"`
	Points  int    `json:"-"`
}
