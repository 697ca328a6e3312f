package jobclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Options{BaseURL: srv.URL + "/", Credential: APIKey("secret-key"), CallTimeout: time.Second})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestSubmitStreamsAudioMultipart(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/jobs" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		mr, err := r.MultipartReader()
		if err != nil {
			t.Errorf("multipart reader: %v", err)
			return
		}
		fields := map[string]string{}
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Errorf("next part: %v", err)
				return
			}
			data, _ := io.ReadAll(part)
			fields[part.FormName()] = string(data)
			if part.FormName() == "audio" && part.FileName() != "memo.m4a" {
				t.Errorf("unexpected filename %q", part.FileName())
			}
		}
		if fields["audio"] != "audio-bytes" || fields["templateId"] != "tpl-1" || fields["features"] != "summary,tags" {
			t.Errorf("unexpected fields %+v", fields)
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"jobId":"42"}`)
	})

	jobID, err := c.Submit(context.Background(), SubmitRequest{
		Audio:      strings.NewReader("audio-bytes"),
		Filename:   "memo.m4a",
		TemplateID: "tpl-1",
		Features:   []string{"summary", "tags"},
	})
	if err != nil || jobID != "42" {
		t.Fatalf("submit: %q %v", jobID, err)
	}
}

func TestSubmitRequiresPayload(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no request expected")
	})
	if _, err := c.Submit(context.Background(), SubmitRequest{}); err == nil {
		t.Fatalf("expected error for empty submit")
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name        string
		status      int
		unavailable bool
	}{
		{"server error", http.StatusBadGateway, true},
		{"throttled", http.StatusTooManyRequests, true},
		{"rejected", http.StatusUnprocessableEntity, false},
		{"not found", http.StatusNotFound, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, `{"error":"nope"}`)
			})
			_, err := c.Submit(context.Background(), SubmitRequest{Text: "hello"})
			var rejected *RejectedError
			if tc.unavailable {
				if !errors.Is(err, ErrUpstreamUnavailable) || errors.As(err, &rejected) {
					t.Fatalf("expected upstream unavailable, got %v", err)
				}
				return
			}
			if !errors.As(err, &rejected) || rejected.StatusCode != tc.status || rejected.Message != "nope" {
				t.Fatalf("expected rejection, got %v", err)
			}
			if errors.Is(err, ErrUpstreamUnavailable) {
				t.Fatalf("rejection must not look like unavailability")
			}
		})
	}
}

func TestNetworkFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	c, err := New(Options{BaseURL: url, Credential: APIKey("k")})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := c.Status(context.Background(), "1"); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected upstream unavailable, got %v", err)
	}
}

func TestTimeoutIsUnavailable(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)
	c.callTimeout = 50 * time.Millisecond
	if _, err := c.Status(context.Background(), "1"); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected upstream unavailable on timeout, got %v", err)
	}
}

func TestStatusAndResult(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/jobs/job-7":
			_, _ = io.WriteString(w, `{"status":"running","phase":"transcribing","progress":0.5}`)
		case "/v1/jobs/job-7/result":
			_, _ = io.WriteString(w, `{"transcript":"hi","summary":"s","preview":"p","tags":["a"],"metrics":{"durationSec":12}}`)
		default:
			http.NotFound(w, r)
		}
	})
	st, err := c.Status(context.Background(), "job-7")
	if err != nil || st.State != StateRunning || st.Phase != "transcribing" || st.Progress != 0.5 {
		t.Fatalf("status: %+v %v", st, err)
	}
	res, err := c.Result(context.Background(), "job-7")
	if err != nil || res.Transcript != "hi" || res.Metrics["durationSec"] != 12 || len(res.Tags) != 1 {
		t.Fatalf("result: %+v %v", res, err)
	}
}
