package app

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"net/textproto"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"recapai/pkg/contentcrypt"
	"recapai/pkg/domain"
	"recapai/pkg/jobclient"
	"recapai/pkg/quota"
	"recapai/pkg/storage"
	"recapai/pkg/store"
)

type fakeJobs struct {
	mu        sync.Mutex
	next      int
	submitErr error
	onSubmit  func(req jobclient.SubmitRequest)
	bodies    [][]byte
	texts     []string
	status    map[string]jobclient.Status
	result    jobclient.Result
	resultErr error
}

func (f *fakeJobs) Submit(_ context.Context, req jobclient.SubmitRequest) (string, error) {
	if f.onSubmit != nil {
		f.onSubmit(req)
	}
	var body []byte
	if req.Audio != nil {
		var err error
		if body, err = io.ReadAll(req.Audio); err != nil {
			return "", err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.next++
	f.bodies = append(f.bodies, body)
	f.texts = append(f.texts, req.Text)
	return fmt.Sprintf("job-%d", f.next), nil
}

func (f *fakeJobs) Status(_ context.Context, jobID string) (jobclient.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.status[jobID]
	if !ok {
		return jobclient.Status{}, jobclient.ErrUpstreamUnavailable
	}
	return st, nil
}

func (f *fakeJobs) Result(_ context.Context, _ string) (jobclient.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, f.resultErr
}

func (f *fakeJobs) setStatus(jobID string, st jobclient.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == nil {
		f.status = map[string]jobclient.Status{}
	}
	f.status[jobID] = st
}

func (f *fakeJobs) submissions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next
}

type fakePoller struct {
	mu    sync.Mutex
	tasks []string
}

func (p *fakePoller) Enqueue(_ context.Context, taskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks = append(p.tasks, taskID)
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.TaskEvent
}

func (n *recordingNotifier) Deliver(_ context.Context, ev domain.TaskEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

type testEnv struct {
	app      *App
	store    *store.MemoryStore
	ledger   *quota.LocalLedger
	jobs     *fakeJobs
	poller   *fakePoller
	notifier *recordingNotifier
	blobRoot string
	stageDir string
}

func newTestEnv(t *testing.T, defaults domain.SystemSettings) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		store:    store.NewMemoryStore(),
		ledger:   quota.NewLocalLedger(quota.DefaultReservationTTL),
		jobs:     &fakeJobs{},
		poller:   &fakePoller{},
		notifier: &recordingNotifier{},
		blobRoot: filepath.Join(dir, "blobs"),
		stageDir: filepath.Join(dir, "staging"),
	}
	backend, err := storage.NewFSBackend(env.blobRoot)
	if err != nil {
		t.Fatalf("fs backend: %v", err)
	}
	staging, err := storage.NewStaging(env.stageDir)
	if err != nil {
		t.Fatalf("staging: %v", err)
	}
	key := make([]byte, contentcrypt.KeySize)
	_, _ = rand.Read(key)
	cipher, err := contentcrypt.New(key)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	a, err := NewWithDeps(Deps{
		Store:    env.store,
		Blobs:    storage.NewBlobStore(backend, cipher),
		Staging:  staging,
		Ledger:   env.ledger,
		Jobs:     env.jobs,
		Cipher:   cipher,
		Poller:   env.poller,
		Notifier: env.notifier,
	}, Options{Defaults: defaults})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	env.app = a
	return env
}

type upload struct {
	filename    string
	contentType string
	payload     []byte
	fields      [][2]string
}

func (u upload) encode(t *testing.T) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range u.fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if u.filename != "" {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, u.filename))
		if u.contentType != "" {
			h.Set("Content-Type", u.contentType)
		}
		part, err := mw.CreatePart(h)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		if _, err := part.Write(u.payload); err != nil {
			t.Fatalf("write payload: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &buf, mw.Boundary()
}

func audioUpload(payload []byte, fields ...[2]string) upload {
	return upload{filename: "meeting.m4a", contentType: "audio/mp4", payload: payload, fields: fields}
}

func (e *testEnv) ingest(t *testing.T, owner string, u upload) (IngestResult, error) {
	t.Helper()
	body, boundary := u.encode(t)
	return e.app.Ingest(context.Background(), IngestRequest{OwnerID: owner, Body: body, Boundary: boundary})
}

func (e *testEnv) mustIngest(t *testing.T, owner string, u upload) IngestResult {
	t.Helper()
	res, err := e.ingest(t, owner, u)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	return res
}

func (e *testEnv) task(t *testing.T, id string) domain.ProcessingTask {
	t.Helper()
	task, ok, err := e.store.GetTask(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("get task %s: ok=%v err=%v", id, ok, err)
	}
	return task
}

func (e *testEnv) used(t *testing.T, owner string) int64 {
	t.Helper()
	u, err := e.ledger.Usage(context.Background(), owner)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	return u.Used
}

func countFiles(t *testing.T, root string) int {
	t.Helper()
	n := 0
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			n++
		}
		return nil
	})
	return n
}

func blobFiles(t *testing.T, root string) []string {
	t.Helper()
	var out []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() && strings.HasSuffix(path, ".blob") {
			out = append(out, path)
		}
		return nil
	})
	return out
}

func wantKind(t *testing.T, err error, kind Kind) *Error {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error of kind %d, got nil", kind)
	}
	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if appErr.Kind != kind {
		t.Fatalf("kind = %d, want %d (%v)", appErr.Kind, kind, err)
	}
	return appErr
}

func payloadOf(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + i%26)
	}
	return b
}
