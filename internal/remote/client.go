package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/fieldsync/internal/model"
)

const (
	DefaultIdempotencyHeader = "X-Idempotency-Key"
	DefaultRequestTimeout    = 30 * time.Second

	maxErrorBody = 64 << 10
)

// Client talks to the authoritative store over HTTP.
type Client struct {
	baseURL           string
	http              *http.Client
	idempotencyHeader string
	timeout           time.Duration
	logger            *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithIdempotencyHeader overrides the idempotency header name.
func WithIdempotencyHeader(name string) Option {
	return func(cl *Client) { cl.idempotencyHeader = name }
}

// WithRequestTimeout bounds each call. Exceeding it is a transient failure.
func WithRequestTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// New creates a Client for baseURL, e.g. "https://api.example.org/api".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:           strings.TrimRight(baseURL, "/"),
		http:              http.DefaultClient,
		idempotencyHeader: DefaultIdempotencyHeader,
		timeout:           DefaultRequestTimeout,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Apply sends one queued operation and returns the server's resulting view
// of the entity. Errors are *model.Error values classified by response.
func (c *Client) Apply(ctx context.Context, op model.Operation) (model.RemoteState, error) {
	method, path := route(op)

	var body io.Reader
	if op.Kind != model.KindDelete {
		payload, err := op.Payload.Canonical()
		if err != nil {
			return model.RemoteState{}, &model.Error{
				Code: model.ErrCodeValidation, Message: "encode payload", OperationID: op.ID, Err: err,
			}
		}
		body = bytes.NewReader(payload)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return model.RemoteState{}, &model.Error{Code: model.ErrCodeFatalRemote, Message: "build request", OperationID: op.ID, Err: err}
	}
	req.Header.Set(c.idempotencyHeader, op.ID)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if op.Kind != model.KindCreate {
		req.Header.Set("If-Match", strconv.Quote(strconv.FormatInt(op.BaseVersion, 10)))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		msg := "request failed"
		if isTimeout(err) {
			msg = "request timed out"
		}
		return model.RemoteState{}, &model.Error{
			Code: model.ErrCodeTransient, Message: msg, OperationID: op.ID,
			EntityType: op.EntityType, EntityID: op.EntityID, Err: err,
		}
	}
	defer resp.Body.Close()

	c.logger.Debug("remote call", "method", method, "path", path, "status", resp.StatusCode, "operation_id", op.ID)

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return decodeSuccess(resp, op)
	}
	return model.RemoteState{}, decodeFailure(resp, op)
}

func route(op model.Operation) (method, path string) {
	collection := "/" + url.PathEscape(op.EntityType)
	switch op.Kind {
	case model.KindCreate:
		return http.MethodPost, collection
	case model.KindDelete:
		return http.MethodDelete, collection + "/" + url.PathEscape(op.EntityID)
	default:
		return http.MethodPut, collection + "/" + url.PathEscape(op.EntityID)
	}
}

func decodeSuccess(resp *http.Response, op model.Operation) (model.RemoteState, error) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.RemoteState{}, &model.Error{Code: model.ErrCodeTransient, Message: "read response", OperationID: op.ID, Err: err}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		// 204 or empty body: the change applied; only deletes are expected here.
		return model.RemoteState{EntityID: op.EntityID, Deleted: op.Kind == model.KindDelete}, nil
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return model.RemoteState{}, &model.Error{
			Code: model.ErrCodeTransient, Message: "decode response", OperationID: op.ID,
			StatusCode: resp.StatusCode, Err: err,
		}
	}
	state := doc.State()
	if state.EntityID == "" {
		state.EntityID = op.EntityID
	}
	if op.Kind == model.KindDelete {
		state.Deleted = true
	}
	return state, nil
}

func decodeFailure(resp *http.Response, op model.Operation) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body ErrorBody
	_ = json.Unmarshal(raw, &body)

	msg := body.Error
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	e := &model.Error{
		Code:        Classify(resp.StatusCode, op.Kind),
		Message:     msg,
		OperationID: op.ID,
		EntityType:  op.EntityType,
		EntityID:    op.EntityID,
		StatusCode:  resp.StatusCode,
	}
	if e.Code != model.ErrCodeConflict {
		return e
	}

	switch {
	case body.Current != nil:
		state := body.Current.State()
		state.Duplicate = body.Duplicate
		e.Remote = &state
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		e.Remote = &model.RemoteState{EntityID: op.EntityID, Deleted: true}
	case body.Duplicate:
		e.Remote = &model.RemoteState{Duplicate: true}
	}
	return e
}

// Classify maps an HTTP status to an error code for an operation of the
// given kind.
func Classify(status int, kind model.Kind) model.ErrorCode {
	switch {
	case status == http.StatusConflict || status == http.StatusPreconditionFailed:
		return model.ErrCodeConflict
	case (status == http.StatusNotFound || status == http.StatusGone) && kind != model.KindCreate:
		return model.ErrCodeConflict
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return model.ErrCodeTransient
	case status >= 500:
		return model.ErrCodeTransient
	case status >= 400:
		return model.ErrCodeFatalRemote
	}
	return model.ErrCodeTransient
}

// Changes fetches one page of the remote change feed after cursor.
func (c *Client) Changes(ctx context.Context, cursor string, limit int) (model.ChangeBatch, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("since", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	u := c.baseURL + "/sync/changes"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return model.ChangeBatch{}, fmt.Errorf("changes: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return model.ChangeBatch{}, &model.Error{Code: model.ErrCodeTransient, Message: "changes", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.ChangeBatch{}, &model.Error{
			Code:       Classify(resp.StatusCode, model.KindCreate),
			Message:    "changes",
			StatusCode: resp.StatusCode,
		}
	}

	var batch model.ChangeBatch
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return model.ChangeBatch{}, fmt.Errorf("changes: decode: %w", err)
	}
	return batch, nil
}

// isTimeout reports whether err came from an exceeded deadline.
func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
