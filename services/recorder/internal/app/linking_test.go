package app

import (
	"context"
	"testing"

	"recapai/pkg/domain"
)

func TestTranscriptPairLifecycle(t *testing.T) {
	env := newTestEnv(t, domain.SystemSettings{})
	ctx := context.Background()

	pair, err := env.app.CreateTranscriptPair(ctx, "owner-1", "phone-7", PairInput{Transcript: "live words", Summary: "device summary"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if pair.OwnerDeviceID != "phone-7" {
		t.Fatalf("device = %q", pair.OwnerDeviceID)
	}
	stored, _, _ := env.store.GetTranscriptPair(ctx, pair.ID)
	if string(stored.SealedTranscript) == "live words" {
		t.Fatal("transcript stored in the clear")
	}

	got, err := env.app.GetTranscriptPair(ctx, "owner-1", pair.ID)
	if err != nil || got.Transcript != "live words" || got.Summary != "device summary" {
		t.Fatalf("get = %+v err = %v", got, err)
	}
	if _, err := env.app.GetTranscriptPair(ctx, "owner-2", pair.ID); AsError(err).Kind != KindNotFound {
		t.Fatalf("foreign get: %v", err)
	}
	if err := env.app.DeleteTranscriptPair(ctx, "owner-2", pair.ID); AsError(err).Kind != KindNotFound {
		t.Fatalf("foreign delete: %v", err)
	}
	if err := env.app.DeleteTranscriptPair(ctx, "owner-1", pair.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.app.GetTranscriptPair(ctx, "owner-1", pair.ID); AsError(err).Kind != KindNotFound {
		t.Fatalf("get after delete: %v", err)
	}
}

func TestCreateTranscriptPairValidation(t *testing.T) {
	env := newTestEnv(t, domain.SystemSettings{})
	zero := 0
	tests := []struct {
		name string
		in   PairInput
	}{
		{name: "empty transcript", in: PairInput{Transcript: "  "}},
		{name: "invalid utf8", in: PairInput{Transcript: "\xff\xfe"}},
		{name: "bad retention", in: PairInput{Transcript: "x", DeleteAfterDays: &zero}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.app.CreateTranscriptPair(context.Background(), "owner-1", "", tt.in)
			wantKind(t, err, KindInvalid)
		})
	}
}

func TestLinkSourceAndProvenance(t *testing.T) {
	env := newTestEnv(t, domain.SystemSettings{})
	ctx := context.Background()
	first := env.mustIngest(t, "owner-1", audioUpload(payloadOf(100)))
	second := env.mustIngest(t, "owner-1", audioUpload(payloadOf(100)))
	foreign := env.mustIngest(t, "owner-2", audioUpload(payloadOf(100)))
	pair, err := env.app.CreateTranscriptPair(ctx, "owner-1", "", PairInput{Transcript: "x", Summary: "y"})
	if err != nil {
		t.Fatalf("pair: %v", err)
	}

	if _, err := env.app.LinkSource(ctx, "owner-1", first.TaskID, LinkRequest{}); AsError(err).Kind != KindInvalid {
		t.Fatalf("empty link: %v", err)
	}
	if _, err := env.app.LinkSource(ctx, "owner-1", first.TaskID, LinkRequest{BlobID: &foreign.BlobID}); AsError(err).Code != CodeSourceNotFound {
		t.Fatalf("foreign blob link: %v", err)
	}
	if _, err := env.app.LinkSource(ctx, "owner-2", first.TaskID, LinkRequest{PairID: &pair.ID}); AsError(err).Kind != KindNotFound {
		t.Fatalf("foreign task link: %v", err)
	}

	task, err := env.app.LinkSource(ctx, "owner-1", first.TaskID, LinkRequest{BlobID: &second.BlobID, PairID: &pair.ID})
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if *task.SourceBlobID != second.BlobID || *task.SourcePairID != pair.ID || task.ExternalJobID != "" {
		t.Fatalf("linked task = %+v", task)
	}

	prov, err := env.app.Provenance(ctx, "owner-1", first.TaskID)
	if err != nil {
		t.Fatalf("provenance: %v", err)
	}
	if prov.Blob == nil || prov.Blob.ID != second.BlobID || prov.Pair == nil || !prov.Pair.HasSummary {
		t.Fatalf("provenance = %+v", prov)
	}

	if err := env.app.DeleteTranscriptPair(ctx, "owner-1", pair.ID); err != nil {
		t.Fatalf("delete pair: %v", err)
	}
	prov, err = env.app.Provenance(ctx, "owner-1", first.TaskID)
	if err != nil || prov.Pair != nil || prov.Task.SourcePairID != nil {
		t.Fatalf("provenance after delete = %+v err = %v", prov, err)
	}
}

func TestSubmitText(t *testing.T) {
	env := newTestEnv(t, domain.SystemSettings{})
	ctx := context.Background()
	pair, err := env.app.CreateTranscriptPair(ctx, "owner-1", "", PairInput{Transcript: "text to summarize"})
	if err != nil {
		t.Fatalf("pair: %v", err)
	}

	if _, err := env.app.SubmitText(ctx, "owner-2", "", TextRequest{PairID: pair.ID}); AsError(err).Code != CodeSourceNotFound {
		t.Fatalf("foreign pair: %v", err)
	}

	res, err := env.app.SubmitText(ctx, "owner-1", "", TextRequest{PairID: pair.ID, TemplateID: "summary", IdempotencyKey: "t-1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if env.jobs.texts[0] != "text to summarize" {
		t.Fatalf("processor text = %q", env.jobs.texts[0])
	}
	task := env.task(t, res.TaskID)
	if task.Status != domain.TaskExternalProcessing || task.SourcePairID == nil || *task.SourcePairID != pair.ID {
		t.Fatalf("task = %+v", task)
	}

	replay, err := env.app.SubmitText(ctx, "owner-1", "", TextRequest{PairID: pair.ID, IdempotencyKey: "t-1"})
	if err != nil || !replay.Replayed || replay.TaskID != res.TaskID {
		t.Fatalf("replay = %+v err = %v", replay, err)
	}
	if env.jobs.submissions() != 1 {
		t.Fatalf("submissions = %d", env.jobs.submissions())
	}
}
