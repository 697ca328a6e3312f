package app

import (
	"bytes"
	"context"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"recapai/internal/ratelimit"
	"recapai/pkg/domain"
	"recapai/pkg/jobclient"
)

func TestIngestStoresEncryptedBlobAndSubmits(t *testing.T) {
	env := newTestEnv(t, domain.SystemSettings{})
	payload := payloadOf(64 << 10)

	res := env.mustIngest(t, "owner-1", audioUpload(payload, [2]string{"templateId", "meeting-notes"}, [2]string{"features", "summary, Tags"}))
	if res.Status != domain.TaskPending || res.TaskID == "" || res.BlobID == "" {
		t.Fatalf("unexpected result %+v", res)
	}

	task := env.task(t, res.TaskID)
	if task.Status != domain.TaskExternalProcessing {
		t.Fatalf("status = %s, want %s", task.Status, domain.TaskExternalProcessing)
	}
	if task.ExternalJobID != "job-1" {
		t.Fatalf("external job id = %q", task.ExternalJobID)
	}
	if task.SourceBlobID == nil || *task.SourceBlobID != res.BlobID {
		t.Fatalf("task source blob = %v, want %s", task.SourceBlobID, res.BlobID)
	}
	if task.TemplateID != "meeting-notes" || len(task.Features) != 2 || task.Features[1] != "tags" {
		t.Fatalf("unexpected task options %+v", task)
	}
	if !bytes.Equal(env.jobs.bodies[0], payload) {
		t.Fatalf("processor received %d bytes, want the original payload", len(env.jobs.bodies[0]))
	}
	if len(env.poller.tasks) != 1 || env.poller.tasks[0] != res.TaskID {
		t.Fatalf("poller tasks = %v", env.poller.tasks)
	}
	if got := env.used(t, "owner-1"); got != int64(len(payload)) {
		t.Fatalf("quota used = %d, want %d", got, len(payload))
	}

	files := blobFiles(t, env.blobRoot)
	if len(files) != 1 {
		t.Fatalf("stored files = %v", files)
	}
	raw, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatalf("read stored file: %v", err)
	}
	if bytes.Contains(raw, payload[:256]) {
		t.Fatal("stored object contains plaintext")
	}
	if n := countFiles(t, env.stageDir); n != 0 {
		t.Fatalf("staging files left: %d", n)
	}
}

func TestIngestCeiling(t *testing.T) {
	const ceiling = 4096
	tests := []struct {
		name    string
		size    int
		wantErr bool
	}{
		{name: "exactly at ceiling", size: ceiling},
		{name: "one byte over", size: ceiling + 1, wantErr: true},
		{name: "far over", size: 10 * ceiling, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, domain.SystemSettings{MaxUploadBytes: ceiling})
			_, err := env.ingest(t, "owner-1", audioUpload(payloadOf(tt.size)))
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("ingest: %v", err)
				}
				return
			}
			appErr := wantKind(t, err, KindPayloadTooLarge)
			if appErr.Code != CodePayloadTooLarge {
				t.Fatalf("code = %s", appErr.Code)
			}
			tasks, _ := env.store.ListTasksByOwner(context.Background(), "owner-1")
			blobs, _ := env.store.ListBlobsByOwner(context.Background(), "owner-1")
			if len(tasks) != 0 || len(blobs) != 0 {
				t.Fatalf("rows left behind: %d tasks, %d blobs", len(tasks), len(blobs))
			}
			if n := countFiles(t, env.blobRoot); n != 0 {
				t.Fatalf("storage files left: %d", n)
			}
			if n := countFiles(t, env.stageDir); n != 0 {
				t.Fatalf("staging files left: %d", n)
			}
			if env.jobs.submissions() != 0 {
				t.Fatal("processor was called")
			}
			if got := env.used(t, "owner-1"); got != 0 {
				t.Fatalf("quota used = %d", got)
			}
		})
	}
}

func TestIngestRecordsTaskBeforeSubmitting(t *testing.T) {
	env := newTestEnv(t, domain.SystemSettings{})
	var seen domain.TaskStatus
	env.jobs.onSubmit = func(req jobclient.SubmitRequest) {
		task, ok, _ := env.store.GetTask(context.Background(), req.Reference)
		if ok {
			seen = task.Status
		}
	}
	env.jobs.submitErr = jobclient.ErrUpstreamUnavailable

	_, err := env.ingest(t, "owner-1", audioUpload(payloadOf(1024)))
	wantKind(t, err, KindUpstreamUnavailable)
	if seen != domain.TaskSubmitting {
		t.Fatalf("status during submit = %q, want %s", seen, domain.TaskSubmitting)
	}

	tasks, _ := env.store.ListTasksByOwner(context.Background(), "owner-1")
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(tasks))
	}
	if tasks[0].Status != domain.TaskFailed || tasks[0].ErrorMessage == "" {
		t.Fatalf("task = %s %q, want FAILED with reason", tasks[0].Status, tasks[0].ErrorMessage)
	}
	if env.notifier.count() != 1 {
		t.Fatalf("events = %d, want 1", env.notifier.count())
	}
}

func TestIngestUpstreamRejection(t *testing.T) {
	env := newTestEnv(t, domain.SystemSettings{})
	env.jobs.submitErr = &jobclient.RejectedError{StatusCode: 422, Message: "unsupported codec"}

	_, err := env.ingest(t, "owner-1", audioUpload(payloadOf(1024)))
	appErr := wantKind(t, err, KindUpstreamRejected)
	if appErr.Code != CodeUpstreamRejected {
		t.Fatalf("code = %s", appErr.Code)
	}
}

func TestIngestIdempotencyKeyReplays(t *testing.T) {
	env := newTestEnv(t, domain.SystemSettings{})
	first := env.mustIngest(t, "owner-1", audioUpload(payloadOf(1024), [2]string{"idempotencyKey", "rec-42"}))

	body, boundary := audioUpload(payloadOf(1024)).encode(t)
	second, err := env.app.Ingest(context.Background(), IngestRequest{
		OwnerID: "owner-1", IdempotencyKey: "rec-42", Body: body, Boundary: boundary,
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !second.Replayed || second.TaskID != first.TaskID || second.BlobID != first.BlobID {
		t.Fatalf("replay = %+v, first = %+v", second, first)
	}
	if env.jobs.submissions() != 1 {
		t.Fatalf("submissions = %d, want 1", env.jobs.submissions())
	}
	if n := len(blobFiles(t, env.blobRoot)); n != 1 {
		t.Fatalf("stored files = %d, want 1", n)
	}

	other := env.mustIngest(t, "owner-2", audioUpload(payloadOf(1024), [2]string{"idempotencyKey", "rec-42"}))
	if other.TaskID == first.TaskID {
		t.Fatal("idempotency keys must be scoped per owner")
	}
}

func TestIngestConcurrentUploadsRespectQuota(t *testing.T) {
	env := newTestEnv(t, domain.SystemSettings{QuotaBytes: 10_000})
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		body, boundary := audioUpload(payloadOf(6_000)).encode(t)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.app.Ingest(context.Background(), IngestRequest{OwnerID: "owner-1", Body: body, Boundary: boundary})
		}(i)
	}
	wg.Wait()

	ok, rejected := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case AsError(err).Kind == KindQuotaExceeded:
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || rejected != 1 {
		t.Fatalf("ok=%d rejected=%d, want exactly one of each", ok, rejected)
	}
	if got := env.used(t, "owner-1"); got != 6_000 {
		t.Fatalf("quota used = %d, want 6000", got)
	}
}

func TestIngestValidation(t *testing.T) {
	tests := []struct {
		name string
		up   upload
		kind Kind
		code string
	}{
		{
			name: "missing payload",
			up:   upload{fields: [][2]string{{"templateId", "x"}}},
			kind: KindInvalid, code: CodePayloadRequired,
		},
		{
			name: "unsupported extension",
			up:   upload{filename: "notes.pdf", contentType: "application/pdf", payload: payloadOf(10)},
			kind: KindUnsupportedMedia, code: CodeUnsupportedMedia,
		},
		{
			name: "non audio content type",
			up:   upload{filename: "a.mp3", contentType: "text/html", payload: payloadOf(10)},
			kind: KindUnsupportedMedia, code: CodeUnsupportedMedia,
		},
		{
			name: "empty file",
			up:   audioUpload(nil),
			kind: KindInvalid, code: CodePayloadRequired,
		},
		{
			name: "deleteAfterDays zero",
			up:   audioUpload(payloadOf(10), [2]string{"deleteAfterDays", "0"}),
			kind: KindInvalid, code: CodeInvalidRequest,
		},
		{
			name: "deleteAfterDays not a number",
			up:   audioUpload(payloadOf(10), [2]string{"deleteAfterDays", "soon"}),
			kind: KindInvalid, code: CodeInvalidRequest,
		},
		{
			name: "unknown field",
			up:   audioUpload(payloadOf(10), [2]string{"shareWith", "everyone"}),
			kind: KindInvalid, code: CodeInvalidRequest,
		},
		{
			name: "summary on upload channel",
			up:   audioUpload(payloadOf(10), [2]string{"liveSummary", "done"}),
			kind: KindInvalid, code: CodeInvalidRequest,
		},
		{
			name: "file and source blob",
			up:   audioUpload(payloadOf(10), [2]string{"sourceBlobId", "b-1"}),
			kind: KindInvalid, code: CodeInvalidRequest,
		},
		{
			name: "bad feature",
			up:   audioUpload(payloadOf(10), [2]string{"features", "ok,not ok"}),
			kind: KindInvalid, code: CodeInvalidRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, domain.SystemSettings{})
			_, err := env.ingest(t, "owner-1", tt.up)
			appErr := wantKind(t, err, tt.kind)
			if appErr.Code != tt.code {
				t.Fatalf("code = %s, want %s", appErr.Code, tt.code)
			}
			if env.jobs.submissions() != 0 {
				t.Fatal("processor was called")
			}
			if n := countFiles(t, env.stageDir); n != 0 {
				t.Fatalf("staging files left: %d", n)
			}
		})
	}
}

func TestIngestReusesSourceBlob(t *testing.T) {
	env := newTestEnv(t, domain.SystemSettings{})
	first := env.mustIngest(t, "owner-1", audioUpload(payloadOf(2048)))

	again := env.mustIngest(t, "owner-1", upload{fields: [][2]string{{"sourceBlobId", first.BlobID}, {"templateId", "action-items"}}})
	if again.TaskID == first.TaskID || again.BlobID != first.BlobID {
		t.Fatalf("reuse = %+v, first = %+v", again, first)
	}
	if n := len(blobFiles(t, env.blobRoot)); n != 1 {
		t.Fatalf("stored files = %d, want 1", n)
	}
	if got := env.used(t, "owner-1"); got != 2048 {
		t.Fatalf("quota used = %d, want 2048", got)
	}

	_, err := env.ingest(t, "owner-2", upload{fields: [][2]string{{"sourceBlobId", first.BlobID}}})
	appErr := wantKind(t, err, KindInvalid)
	if appErr.Code != CodeSourceNotFound {
		t.Fatalf("code = %s", appErr.Code)
	}
}

func TestIngestLiveTranscriptCreatesPair(t *testing.T) {
	env := newTestEnv(t, domain.SystemSettings{})
	res := env.mustIngest(t, "owner-1", audioUpload(payloadOf(512), [2]string{"liveTranscript", "hello from the device"}))

	task := env.task(t, res.TaskID)
	if task.SourcePairID == nil {
		t.Fatal("task has no transcript pair")
	}
	pair, err := env.app.GetTranscriptPair(context.Background(), "owner-1", *task.SourcePairID)
	if err != nil {
		t.Fatalf("get pair: %v", err)
	}
	if pair.Transcript != "hello from the device" || pair.Summary != "" {
		t.Fatalf("pair = %+v", pair)
	}
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func TestIngestStalledUpload(t *testing.T) {
	env := newTestEnv(t, domain.SystemSettings{})
	body, boundary := audioUpload(payloadOf(8192)).encode(t)
	truncated := body.Bytes()[:body.Len()-4096]
	stalled := io.MultiReader(bytes.NewReader(truncated), failingReader{err: os.ErrDeadlineExceeded})

	var deadlines int
	_, err := env.app.Ingest(context.Background(), IngestRequest{
		OwnerID:  "owner-1",
		Body:     stalled,
		Boundary: boundary,
		SetReadDeadline: func(time.Time) error {
			deadlines++
			return nil
		},
	})
	appErr := wantKind(t, err, KindStalled)
	if appErr.Code != CodeUploadStalled {
		t.Fatalf("code = %s", appErr.Code)
	}
	if deadlines == 0 {
		t.Fatal("read deadline was never extended")
	}
	if n := countFiles(t, env.stageDir); n != 0 {
		t.Fatalf("staging files left: %d", n)
	}
}

func TestIngestRateLimited(t *testing.T) {
	env := newTestEnv(t, domain.SystemSettings{})
	limiter, err := ratelimit.NewLocalLimiter(1, time.Hour)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	env.app.limiter = limiter

	env.mustIngest(t, "owner-1", audioUpload(payloadOf(16)))
	_, err = env.ingest(t, "owner-1", audioUpload(payloadOf(16)))
	appErr := wantKind(t, err, KindRateLimited)
	if appErr.RetryAfter <= 0 {
		t.Fatalf("retry after = %v", appErr.RetryAfter)
	}
	env.mustIngest(t, "owner-2", audioUpload(payloadOf(16)))
}

func TestOpenRecordingDetectsCorruption(t *testing.T) {
	env := newTestEnv(t, domain.SystemSettings{})
	payload := payloadOf(4096)
	res := env.mustIngest(t, "owner-1", audioUpload(payload))
	ctx := context.Background()

	_, rc, err := env.app.OpenRecording(ctx, "owner-1", res.BlobID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	got, _ := io.ReadAll(rc)
	_ = rc.Close()
	if !bytes.Equal(got, payload) {
		t.Fatal("round trip mismatch")
	}

	if _, _, err := env.app.OpenRecording(ctx, "owner-2", res.BlobID); AsError(err).Kind != KindNotFound {
		t.Fatalf("other owner: %v", err)
	}

	path := blobFiles(t, env.blobRoot)[0]
	raw, _ := os.ReadFile(path)
	raw[len(raw)-10] ^= 0xff
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	_, _, err = env.app.OpenRecording(ctx, "owner-1", res.BlobID)
	wantKind(t, err, KindIntegrity)
}

func TestDeleteRecordingKeepsTask(t *testing.T) {
	env := newTestEnv(t, domain.SystemSettings{})
	res := env.mustIngest(t, "owner-1", audioUpload(payloadOf(1000)))
	ctx := context.Background()

	if err := env.app.DeleteRecording(ctx, "owner-2", res.BlobID); AsError(err).Kind != KindNotFound {
		t.Fatalf("foreign delete: %v", err)
	}
	if err := env.app.DeleteRecording(ctx, "owner-1", res.BlobID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if task := env.task(t, res.TaskID); task.SourceBlobID != nil {
		t.Fatalf("task still references blob %s", *task.SourceBlobID)
	}
	if n := countFiles(t, env.blobRoot); n != 0 {
		t.Fatalf("storage files left: %d", n)
	}
	if got := env.used(t, "owner-1"); got != 0 {
		t.Fatalf("quota used = %d", got)
	}
}
