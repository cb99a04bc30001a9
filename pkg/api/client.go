// Package api is the REST client for the group challenge backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mahaj/groupsync/pkg/auth"
	"github.com/mahaj/groupsync/pkg/model"
)

const (
	DefaultTimeout  = 15 * time.Second
	DefaultPageSize = 20

	// maxErrorBody caps how much of a failed response is kept for the error.
	maxErrorBody = 512
)

// Client talks to the backend. It is safe for concurrent use.
type Client struct {
	base     *url.URL
	http     *http.Client
	tokens   auth.TokenSource
	log      *zap.Logger
	clientID string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

func WithTokenSource(ts auth.TokenSource) Option { return func(c *Client) { c.tokens = ts } }

func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.log = l } }

// New returns a client for the API rooted at baseURL, e.g.
// http://localhost:5001/api.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api url %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		base:     u,
		http:     &http.Client{Timeout: DefaultTimeout},
		log:      zap.NewNop(),
		clientID: uuid.NewString(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// ClientID identifies this process to the backend in every request.
func (c *Client) ClientID() string { return c.clientID }

// FetchMessages returns one newest-first page of a group's messages. An empty
// cursor requests the newest page.
func (c *Client) FetchMessages(ctx context.Context, groupID string, cursor model.Cursor, limit int) (model.Page, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", string(cursor))
	}
	var body pageResponse
	if err := c.do(ctx, "fetch messages", http.MethodGet, c.endpoint(q, "messages", groupID), nil, "", &body); err != nil {
		return model.Page{}, err
	}
	page, err := body.page()
	if err != nil {
		return model.Page{}, transportErr("fetch messages", err)
	}
	return page, nil
}

// pageResponse requires both keys of a page; a missing or null messages list
// is not an empty page.
type pageResponse struct {
	Messages   *[]model.Message `json:"messages"`
	NextCursor json.RawMessage  `json:"nextCursor"`
}

func (r pageResponse) page() (model.Page, error) {
	if r.Messages == nil {
		return model.Page{}, fmt.Errorf("%w: messages missing", ErrMalformed)
	}
	if r.NextCursor == nil {
		return model.Page{}, fmt.Errorf("%w: nextCursor missing", ErrMalformed)
	}
	var cursor *string
	if err := json.Unmarshal(r.NextCursor, &cursor); err != nil {
		return model.Page{}, fmt.Errorf("%w: nextCursor: %w", ErrMalformed, err)
	}
	page := model.Page{Messages: *r.Messages}
	if cursor != nil {
		page.NextCursor = model.Cursor(*cursor)
	}
	for _, m := range page.Messages {
		if m.ID.IsZero() {
			return model.Page{}, fmt.Errorf("%w: message without id", ErrMalformed)
		}
	}
	return page, nil
}

// SendMessage posts a new chat message and returns the stored copy.
func (c *Client) SendMessage(ctx context.Context, d model.Draft) (model.Message, error) {
	form := []formField{
		{name: "text", value: d.Text},
		{name: "group_id", value: d.GroupID},
		{name: "uid", value: d.UID},
		{name: "message_type", value: d.MessageType()},
	}
	if !d.ReplyTo.IsZero() {
		form = append(form, formField{name: "reply_to", value: d.ReplyTo.String()})
	}
	if d.Image != nil {
		form = append(form, formField{name: "image", file: d.Image})
	}
	body, ctype, err := encodeMultipart(form)
	if err != nil {
		return model.Message{}, err
	}
	var m model.Message
	if err := c.do(ctx, "send message", http.MethodPost, c.endpoint(nil, "messages"), body, ctype, &m); err != nil {
		return model.Message{}, err
	}
	if m.ID.IsZero() {
		return model.Message{}, transportErr("send message", fmt.Errorf("%w: message without id", ErrMalformed))
	}
	return m, nil
}

type deleteMessageResponse struct {
	Task *model.Reversal `json:"task"`
}

// DeleteMessage removes a message. The reversal is non-nil when the message
// had granted task points.
func (c *Client) DeleteMessage(ctx context.Context, id model.ID) (*model.Reversal, error) {
	var resp deleteMessageResponse
	if err := c.do(ctx, "delete message", http.MethodDelete, c.endpoint(nil, "messages", id.String()), nil, "", &resp); err != nil {
		return nil, err
	}
	return resp.Task, nil
}

// MarkRead records the newest message a member has seen.
func (c *Client) MarkRead(ctx context.Context, groupID, uid string, id model.ID) error {
	body, err := json.Marshal(map[string]string{"last_read_message_id": id.String()})
	if err != nil {
		return err
	}
	return c.do(ctx, "mark read", http.MethodPatch, c.endpoint(nil, "groups", groupID, "members", uid), bytes.NewReader(body), "application/json", nil)
}

// FetchMembers returns the group's members with their server point totals.
func (c *Client) FetchMembers(ctx context.Context, groupID string) ([]model.Member, error) {
	var members []model.Member
	if err := c.do(ctx, "fetch members", http.MethodGet, c.endpoint(nil, "group-members", groupID), nil, "", &members); err != nil {
		return nil, err
	}
	// null decodes to a nil slice; [] does not
	if members == nil {
		return nil, transportErr("fetch members", fmt.Errorf("%w: member list missing", ErrMalformed))
	}
	return members, nil
}

// CompleteTask submits a completed task with its proof photos.
func (c *Client) CompleteTask(ctx context.Context, s model.TaskSubmission) (model.TaskResult, error) {
	form := []formField{
		{name: "auth_id", value: s.UID},
		{name: "group_id", value: s.GroupID},
		{name: "task_id", value: s.TaskID.String()},
		{name: "points_earned", value: strconv.Itoa(s.Points)},
		{name: "language", value: s.Language},
	}
	if s.Photo != nil {
		form = append(form, formField{name: "photoPath", file: s.Photo})
	}
	if s.SecondaryPhoto != nil {
		form = append(form, formField{name: "secondaryPhotoPath", file: s.SecondaryPhoto})
	}
	body, ctype, err := encodeMultipart(form)
	if err != nil {
		return model.TaskResult{}, err
	}
	var res model.TaskResult
	if err := c.do(ctx, "complete task", http.MethodPost, c.endpoint(nil, "task-completion"), body, ctype, &res); err != nil {
		return model.TaskResult{}, err
	}
	if res.Message.ID.IsZero() {
		return model.TaskResult{}, transportErr("complete task", fmt.Errorf("%w: message without id", ErrMalformed))
	}
	return res, nil
}

type undoTaskResponse struct {
	MessageID model.ID `json:"messageId"`
}

// UndoTask withdraws a task completion and returns the id of the chat message
// the backend deleted with it.
func (c *Client) UndoTask(ctx context.Context, u model.TaskUndo) (model.ID, error) {
	body, err := json.Marshal(u)
	if err != nil {
		return "", err
	}
	var resp undoTaskResponse
	if err := c.do(ctx, "undo task", http.MethodDelete, c.endpoint(nil, "task-completion"), bytes.NewReader(body), "application/json", &resp); err != nil {
		return "", err
	}
	if resp.MessageID.IsZero() {
		return "", transportErr("undo task", fmt.Errorf("%w: messageId missing", ErrMalformed))
	}
	return resp.MessageID, nil
}

func (c *Client) endpoint(q url.Values, segments ...string) string {
	u := *c.base
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	u.Path = c.base.Path + "/" + strings.Join(segments, "/")
	u.RawPath = c.base.EscapedPath() + "/" + strings.Join(escaped, "/")
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) do(ctx context.Context, op, method, target string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Client-Id", c.clientID)
	if err := auth.SetBearer(ctx, req.Header, c.tokens); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("api_request_failed", zap.String("op", op), zap.Error(err))
		return transportErr(op, err)
	}
	defer resp.Body.Close()

	c.log.Debug("api_request",
		zap.String("op", op),
		zap.String("method", method),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return transportErr(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

type formField struct {
	name  string
	value string
	file  *model.Attachment
}

func encodeMultipart(fields []formField) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range fields {
		if f.file == nil {
			if err := w.WriteField(f.name, f.value); err != nil {
				return nil, "", err
			}
			continue
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, f.name, f.file.Name))
		ctype := f.file.ContentType
		if ctype == "" {
			ctype = "application/octet-stream"
		}
		h.Set("Content-Type", ctype)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(f.file.Data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
