// Package jobclient talks to the external processing service.
//
// The client is stateless: submit streams audio or text and returns the
// service's job id, status and result read back what the service reports.
// The service credential is attached here and never leaves this package.
package jobclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"
)

const (
	defaultSubmitTimeout = 2 * time.Minute
	defaultCallTimeout   = 15 * time.Second

	maxStatusBody = 1 << 20
	maxResultBody = 16 << 20
)

// Job states reported by the service.
const (
	StateQueued    = "queued"
	StateRunning   = "running"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
)

// ErrUpstreamUnavailable covers network failures, timeouts, 5xx and 429.
// Callers may retry later.
var ErrUpstreamUnavailable = errors.New("jobclient: upstream unavailable")

// RejectedError is an application-level refusal (4xx other than 429).
// Retrying the same request will not help.
type RejectedError struct {
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("jobclient: rejected with status %d", e.StatusCode)
	}
	return fmt.Sprintf("jobclient: rejected with status %d: %s", e.StatusCode, e.Message)
}

// SubmitRequest carries either an audio stream or a text body.
type SubmitRequest struct {
	Audio       io.Reader
	Filename    string
	ContentType string
	Text        string
	TemplateID  string
	Features    []string
	// Reference is an opaque correlation value echoed back in callbacks.
	Reference string
}

// Status is a job's progress as reported by the service.
type Status struct {
	State    string  `json:"status"`
	Phase    string  `json:"phase,omitempty"`
	Progress float64 `json:"progress,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// Result is a finished job's output.
type Result struct {
	Transcript string             `json:"transcript"`
	Summary    string             `json:"summary"`
	Preview    string             `json:"preview"`
	Tags       []string           `json:"tags"`
	Metrics    map[string]float64 `json:"metrics"`
}

// Options configures a Client.
type Options struct {
	BaseURL       string
	Credential    Credential
	SubmitTimeout time.Duration
	CallTimeout   time.Duration
	HTTPClient    *http.Client
}

// Client is safe for concurrent use.
type Client struct {
	baseURL       string
	credential    Credential
	submitTimeout time.Duration
	callTimeout   time.Duration
	httpClient    *http.Client
}

func New(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("processor base url is required")
	}
	if opts.Credential == nil {
		return nil, errors.New("processor credential is required")
	}
	c := &Client{
		baseURL:       baseURL,
		credential:    opts.Credential,
		submitTimeout: opts.SubmitTimeout,
		callTimeout:   opts.CallTimeout,
		httpClient:    opts.HTTPClient,
	}
	if c.submitTimeout <= 0 {
		c.submitTimeout = defaultSubmitTimeout
	}
	if c.callTimeout <= 0 {
		c.callTimeout = defaultCallTimeout
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	return c, nil
}

// Submit streams the payload to the service and returns its job id. The
// body is produced through a pipe so nothing is buffered in full.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if req.Audio == nil && strings.TrimSpace(req.Text) == "" {
		return "", errors.New("submit requires audio or text")
	}
	ctx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()

	pr, pw := io.Pipe()
	// Unblocks the writer if the service answers before reading everything.
	defer pr.Close()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeSubmitBody(mw, req))
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/jobs", pr)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	var out struct {
		JobID string `json:"jobId"`
	}
	if err := c.do(httpReq, maxStatusBody, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.JobID) == "" {
		return "", fmt.Errorf("%w: empty job id", ErrUpstreamUnavailable)
	}
	return out.JobID, nil
}

func writeSubmitBody(mw *multipart.Writer, req SubmitRequest) error {
	fields := map[string]string{
		"templateId": req.TemplateID,
		"features":   strings.Join(req.Features, ","),
		"reference":  req.Reference,
	}
	for _, name := range []string{"templateId", "features", "reference"} {
		if fields[name] == "" {
			continue
		}
		if err := mw.WriteField(name, fields[name]); err != nil {
			return err
		}
	}
	if req.Audio != nil {
		filename := req.Filename
		if filename == "" {
			filename = "audio"
		}
		contentType := req.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename=%q`, filename))
		h.Set("Content-Type", contentType)
		part, err := mw.CreatePart(h)
		if err != nil {
			return err
		}
		if _, err := io.Copy(part, req.Audio); err != nil {
			return err
		}
	} else if err := mw.WriteField("text", req.Text); err != nil {
		return err
	}
	return mw.Close()
}

// Status reports the job's current state.
func (c *Client) Status(ctx context.Context, jobID string) (Status, error) {
	var out Status
	if err := c.get(ctx, "/v1/jobs/"+url.PathEscape(jobID), maxStatusBody, &out); err != nil {
		return Status{}, err
	}
	return out, nil
}

// Result fetches a finished job's output.
func (c *Client) Result(ctx context.Context, jobID string) (Result, error) {
	var out Result
	if err := c.get(ctx, "/v1/jobs/"+url.PathEscape(jobID)+"/result", maxResultBody, &out); err != nil {
		return Result{}, err
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, limit int64, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, limit, out)
}

func (c *Client) do(req *http.Request, limit int64, out any) error {
	if err := c.credential.Apply(req); err != nil {
		return fmt.Errorf("apply processor credential: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	body := io.LimitReader(resp.Body, limit)

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		_, _ = io.Copy(io.Discard, body)
		return fmt.Errorf("%w: status %d", ErrUpstreamUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(body).Decode(&errResp)
		return &RejectedError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}
	if err := json.NewDecoder(body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrUpstreamUnavailable, err)
	}
	return nil
}
