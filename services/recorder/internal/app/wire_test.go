package app

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"recapai/pkg/contentcrypt"
	"recapai/pkg/store"
)

func testRuntimeConfig(t *testing.T, mr *miniredis.Miniredis) Config {
	t.Helper()
	key := make([]byte, contentcrypt.KeySize)
	_, _ = rand.Read(key)
	return Config{
		Store:           store.NewMemoryStore(),
		RedisAddr:       mr.Addr(),
		EncryptionKey:   base64.StdEncoding.EncodeToString(key),
		StorageDir:      t.TempDir(),
		ProcessorURL:    "http://127.0.0.1:1",
		ProcessorAPIKey: "test-key",
	}
}

func TestNewWiresRedisUploadLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testRuntimeConfig(t, mr)
	cfg.UploadRateLimitPerHour = 1

	rt, err := New(cfg)
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	if rt.App.limiter == nil {
		t.Fatalf("upload limiter not wired")
	}
	ctx := context.Background()
	if d := rt.App.limiter.Allow(ctx, "upload:owner-1"); !d.Allowed {
		t.Fatalf("first upload refused")
	}
	if d := rt.App.limiter.Allow(ctx, "upload:owner-1"); d.Allowed || d.RetryAfter <= 0 {
		t.Fatalf("second upload within the hour = %+v, want refused with retry", d)
	}
	if d := rt.App.limiter.Allow(ctx, "upload:owner-2"); !d.Allowed {
		t.Fatalf("limit must be per owner")
	}
}

func TestNewWithoutUploadLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	rt, err := New(testRuntimeConfig(t, mr))
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	if rt.App.limiter != nil {
		t.Fatalf("limiter wired without a configured rate")
	}
}

func TestNewRejectsBadKey(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testRuntimeConfig(t, mr)
	cfg.EncryptionKey = base64.StdEncoding.EncodeToString([]byte("short"))
	if _, err := New(cfg); err == nil {
		t.Fatalf("expected key size error")
	}
}
