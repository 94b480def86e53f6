package globus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/langmead-lab/recount-pump/pkg/mover"
	"github.com/langmead-lab/recount-pump/pkg/retry"
)

// Task statuses reported by the Transfer API.
const (
	StatusActive    = "ACTIVE"
	StatusInactive  = "INACTIVE"
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
)

// Sentinel errors.
var (
	// ErrActivation means an endpoint could not be activated or its
	// activation lapsed during a transfer. It is never retried.
	ErrActivation = fmt.Errorf("endpoint activation failed: %w", mover.ErrConfiguration)

	ErrTaskFailed  = errors.New("transfer task failed")
	ErrTaskTimeout = fmt.Errorf("transfer task did not finish in time: %w", mover.ErrTransient)
)

// APIError is a non-2xx response from the Transfer API.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("globus API error %d %s: %s (request %s)", e.StatusCode, e.Code, e.Message, e.RequestID)
}

// Temporary reports whether the Transfer API asked for a retry.
func (e *APIError) Temporary() bool {
	if e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return strings.HasPrefix(e.Code, "ExternalError") || strings.HasPrefix(e.Code, "ServiceUnavailable")
}

// Unwrap maps the response to a mover error kind.
func (e *APIError) Unwrap() error {
	switch {
	case e.Temporary():
		return mover.ErrTransient
	case e.StatusCode == http.StatusNotFound, strings.HasSuffix(e.Code, "NotFound"):
		return mover.ErrNotFound
	case e.StatusCode == http.StatusUnauthorized, e.StatusCode == http.StatusForbidden:
		return mover.ErrConfiguration
	}
	return nil
}

func isTemporary(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Temporary()
}

// Item is one file in a transfer task.
type Item struct {
	SourcePath      string
	DestinationPath string
}

// TaskStatus is the subset of the task document the client reads.
type TaskStatus struct {
	TaskID           string `json:"task_id"`
	Status           string `json:"status"`
	NiceStatus       string `json:"nice_status"`
	BytesTransferred int64  `json:"bytes_transferred"`
	Files            int    `json:"files"`
	FilesTransferred int    `json:"files_transferred"`
	Faults           int    `json:"faults"`
}

// Client talks to the Transfer API and caches endpoint activations.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	activated map[string]time.Time
}

// NewClient returns a Transfer API client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:       cfg,
		http:      cfg.HTTPClient,
		logger:    logger,
		now:       time.Now,
		activated: make(map[string]time.Time),
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("%w: %w", mover.ErrConfiguration, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return mover.Transient(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return mover.Transient(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if jerr := json.Unmarshal(data, apiErr); jerr != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode %s response: %w", mover.ErrProtocol, path, err)
	}
	return nil
}

// Activate makes sure endpoint holds an activation valid for at least the
// configured lifetime. Successful activations are cached until they expire.
func (c *Client) Activate(ctx context.Context, endpoint string) error {
	c.mu.Lock()
	expiry, ok := c.activated[endpoint]
	c.mu.Unlock()
	if ok && c.now().Before(expiry) {
		return nil
	}

	var resp struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		ExpiresIn int64  `json:"expires_in"`
	}
	q := url.Values{"if_expires_in": {fmt.Sprintf("%d", int64(c.cfg.ActivationLifetime.Seconds()))}}
	if err := c.do(ctx, http.MethodPost, "/endpoint/"+url.PathEscape(endpoint)+"/autoactivate", q, nil, &resp); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrActivation, endpoint, err)
	}
	if !strings.HasPrefix(resp.Code, "AutoActivated.") && !strings.HasPrefix(resp.Code, "AlreadyActivated") {
		return fmt.Errorf("%w: %s: unexpected response %s: %s", ErrActivation, endpoint, resp.Code, resp.Message)
	}

	lifetime := c.cfg.ActivationLifetime
	if resp.ExpiresIn > 0 && time.Duration(resp.ExpiresIn)*time.Second < lifetime {
		lifetime = time.Duration(resp.ExpiresIn) * time.Second
	}
	c.mu.Lock()
	c.activated[endpoint] = c.now().Add(lifetime)
	c.mu.Unlock()
	c.logger.Info("Activated endpoint", zap.String("endpoint", endpoint), zap.String("code", resp.Code))
	return nil
}

func (c *Client) forget(endpoints ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ep := range endpoints {
		delete(c.activated, ep)
	}
}

// Submit activates both endpoints and submits one transfer task. The
// submission is retried on temporary API errors with the same submission
// id, so a retried request cannot start a second task.
func (c *Client) Submit(ctx context.Context, source, destination string, items []Item) (string, error) {
	for _, ep := range []string{source, destination} {
		if err := c.Activate(ctx, ep); err != nil {
			return "", err
		}
	}

	var submissionID string
	policy := retry.Policy{
		MaxAttempts:    c.cfg.SubmitAttempts,
		InitialBackoff: c.cfg.SubmitBackoff,
		MaxBackoff:     c.cfg.SubmitMaxBackoff,
		Multiplier:     2,
		Retryable:      isTemporary,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			c.logger.Warn("Retrying transfer submission",
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err))
		},
	}
	return retry.DoValue(ctx, policy, func(ctx context.Context) (string, error) {
		if submissionID == "" {
			var sub struct {
				Value string `json:"value"`
			}
			if err := c.do(ctx, http.MethodGet, "/submission_id", nil, nil, &sub); err != nil {
				return "", err
			}
			submissionID = sub.Value
		}

		doc := transferDocument{
			DataType:            "transfer",
			SubmissionID:        submissionID,
			SourceEndpoint:      source,
			DestinationEndpoint: destination,
			Label:               c.cfg.Label,
			VerifyChecksum:      true,
			EncryptData:         true,
		}
		for _, it := range items {
			doc.Data = append(doc.Data, transferItem{
				DataType:        "transfer_item",
				SourcePath:      it.SourcePath,
				DestinationPath: it.DestinationPath,
			})
		}

		var resp struct {
			Code   string `json:"code"`
			TaskID string `json:"task_id"`
		}
		if err := c.do(ctx, http.MethodPost, "/transfer", nil, doc, &resp); err != nil {
			return "", err
		}
		if resp.TaskID == "" {
			return "", fmt.Errorf("%w: transfer response without task_id (code %s)", mover.ErrProtocol, resp.Code)
		}
		c.logger.Info("Submitted transfer",
			zap.String("task_id", resp.TaskID),
			zap.String("code", resp.Code),
			zap.Int("files", len(items)))
		return resp.TaskID, nil
	})
}

type transferDocument struct {
	DataType            string         `json:"DATA_TYPE"`
	SubmissionID        string         `json:"submission_id"`
	SourceEndpoint      string         `json:"source_endpoint"`
	DestinationEndpoint string         `json:"destination_endpoint"`
	Label               string         `json:"label,omitempty"`
	VerifyChecksum      bool           `json:"verify_checksum"`
	EncryptData         bool           `json:"encrypt_data"`
	Data                []transferItem `json:"DATA"`
}

type transferItem struct {
	DataType        string `json:"DATA_TYPE"`
	SourcePath      string `json:"source_path"`
	DestinationPath string `json:"destination_path"`
}

// Status fetches the task document.
func (c *Client) Status(ctx context.Context, taskID string) (TaskStatus, error) {
	var st TaskStatus
	err := c.do(ctx, http.MethodGet, "/task/"+url.PathEscape(taskID), nil, nil, &st)
	return st, err
}

// Cancel asks the service to stop a task. Errors are logged only.
func (c *Client) Cancel(ctx context.Context, taskID string) {
	if err := c.do(ctx, http.MethodPost, "/task/"+url.PathEscape(taskID)+"/cancel", nil, nil, nil); err != nil {
		c.logger.Warn("Cancel transfer task failed", zap.String("task_id", taskID), zap.Error(err))
	}
}

// Wait polls the task until it reaches a terminal state or Timeout elapses.
// Temporary API errors and transport failures are polled through. Whenever
// Wait gives up on a task that has not finished, the task is cancelled so
// the service stops writing to the destination. A task suspended for lapsed
// credentials is reported as ErrActivation.
func (c *Client) Wait(ctx context.Context, taskID string, endpoints ...string) error {
	limiter := rate.NewLimiter(rate.Every(c.cfg.PollInterval), 1)
	var deadline time.Time
	if c.cfg.Timeout > 0 {
		deadline = c.now().Add(c.cfg.Timeout)
	}

	for polls := 1; ; polls++ {
		if err := limiter.Wait(ctx); err != nil {
			c.Cancel(context.WithoutCancel(ctx), taskID)
			return err
		}

		st, err := c.Status(ctx, taskID)
		if err != nil {
			if !pollable(err) {
				c.Cancel(context.WithoutCancel(ctx), taskID)
				return err
			}
			c.logger.Warn("Task status poll failed", zap.String("task_id", taskID), zap.Int("poll", polls), zap.Error(err))
		} else {
			switch {
			case st.Status == StatusSucceeded:
				c.logger.Info("Transfer succeeded",
					zap.String("task_id", taskID),
					zap.Int64("bytes", st.BytesTransferred),
					zap.Int("files", st.FilesTransferred))
				return nil
			case st.Status == StatusFailed:
				return taskFailure(taskID, st)
			case activationLapsed(st):
				c.forget(endpoints...)
				c.Cancel(context.WithoutCancel(ctx), taskID)
				return fmt.Errorf("%w: task %s suspended: %s", ErrActivation, taskID, st.NiceStatus)
			}
			if c.cfg.ProgressEvery > 0 && polls%c.cfg.ProgressEvery == 0 {
				c.logger.Info("Transfer in progress",
					zap.String("task_id", taskID),
					zap.String("status", st.Status),
					zap.String("nice_status", st.NiceStatus),
					zap.Int64("bytes", st.BytesTransferred),
					zap.Int("files_transferred", st.FilesTransferred),
					zap.Int("files", st.Files))
			}
		}

		if !deadline.IsZero() && c.now().After(deadline) {
			c.Cancel(context.WithoutCancel(ctx), taskID)
			return fmt.Errorf("%w: task %s after %s", ErrTaskTimeout, taskID, c.cfg.Timeout)
		}
	}
}

// pollable reports whether a failed status poll should be retried on the
// next tick.
func pollable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return isTemporary(err) || mover.KindOf(err) == mover.KindTransient
}

func activationLapsed(st TaskStatus) bool {
	if st.Status == StatusInactive {
		return true
	}
	nice := strings.ToLower(st.NiceStatus)
	return strings.Contains(nice, "activation") || strings.Contains(nice, "credential")
}

func taskFailure(taskID string, st TaskStatus) error {
	if strings.EqualFold(st.NiceStatus, "FILE_NOT_FOUND") {
		return fmt.Errorf("%w: task %s: %w", ErrTaskFailed, taskID, mover.ErrNotFound)
	}
	return fmt.Errorf("%w: task %s: %s", ErrTaskFailed, taskID, st.NiceStatus)
}

// ListEntry is one row of a directory listing.
type ListEntry struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// List returns the entries of dir on endpoint.
func (c *Client) List(ctx context.Context, endpoint, dir string) ([]ListEntry, error) {
	if err := c.Activate(ctx, endpoint); err != nil {
		return nil, err
	}
	var resp struct {
		Data []ListEntry `json:"DATA"`
	}
	q := url.Values{"path": {dir}}
	if err := c.do(ctx, http.MethodGet, "/operation/endpoint/"+url.PathEscape(endpoint)+"/ls", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}
