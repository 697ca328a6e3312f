package app

import (
	"context"
	"testing"

	"recapai/pkg/domain"
)

func TestQuotaReportAndRecompute(t *testing.T) {
	env := newTestEnv(t, domain.SystemSettings{QuotaBytes: 1 << 20})
	ctx := context.Background()
	env.mustIngest(t, "bob", audioUpload(payloadOf(300)))
	env.mustIngest(t, "alice", audioUpload(payloadOf(100)))
	env.mustIngest(t, "alice", audioUpload(payloadOf(50)))

	if err := env.ledger.Set(ctx, "bob", 999); err != nil {
		t.Fatalf("set drift: %v", err)
	}
	report, err := env.app.QuotaReport(ctx)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(report) != 2 || report[0].OwnerID != "alice" || report[1].OwnerID != "bob" {
		t.Fatalf("unexpected report order: %+v", report)
	}
	if report[0].StoredBytes != 150 || report[0].UsedBytes != 150 || report[0].QuotaBytes != 1<<20 {
		t.Fatalf("alice: %+v", report[0])
	}
	if report[1].StoredBytes != 300 || report[1].UsedBytes != 999 {
		t.Fatalf("bob: %+v", report[1])
	}

	sums, err := env.app.RecomputeQuota(ctx, "carol")
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if sums["bob"] != 300 || sums["carol"] != 0 {
		t.Fatalf("unexpected sums %v", sums)
	}
	if got := env.used(t, "bob"); got != 300 {
		t.Fatalf("bob ledger after recompute = %d", got)
	}
}
