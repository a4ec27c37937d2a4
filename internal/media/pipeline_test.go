package media

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Workers:      2,
		JobTimeout:   time.Second,
		QuickTimeout: 0, // disable the inline fast path unless a test opts in
		Retention:    time.Hour,
		MaxAttempts:  2,
		IdlePoll:     10 * time.Millisecond,
		Dir:          t.TempDir(),
	}
}

func newTestPipeline(t *testing.T, cfg Config) *Pipeline {
	t.Helper()
	p := New(cfg, nil, zap.NewNop())
	p.Start(context.Background())
	t.Cleanup(p.Stop)
	return p
}

func waitDone(t *testing.T, p *Pipeline, messageID string) *Result {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if r := p.GetResult(messageID); r != nil {
			return r
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never completed", messageID)
	return nil
}

func staticFetch(data []byte) FetchFunc {
	return func(context.Context) ([]byte, error) { return data, nil }
}

func TestLightMediaInlined(t *testing.T) {
	p := newTestPipeline(t, testConfig(t))

	st := p.Enqueue("m1", "c1", "image", PriorityNormal, staticFetch([]byte("png-bytes")))
	if st != StatusQueued {
		t.Fatalf("Enqueue = %s, want queued", st)
	}

	r := waitDone(t, p, "m1")
	if r.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", r.Status)
	}
	want := base64.StdEncoding.EncodeToString([]byte("png-bytes"))
	if r.Inline != want {
		t.Errorf("Inline = %q, want %q", r.Inline, want)
	}
	if r.FilePath != "" {
		t.Error("light media should not be persisted to a file")
	}
}

func TestHeavyMediaPersistedToFile(t *testing.T) {
	cfg := testConfig(t)
	p := newTestPipeline(t, cfg)

	p.Enqueue("doc:1/A", "c1", "document", PriorityNormal, staticFetch([]byte("pdf-bytes")))
	r := waitDone(t, p, "doc:1/A")

	if r.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", r.Status)
	}
	if r.FilePath == "" {
		t.Fatal("heavy media has no file path")
	}
	data, err := os.ReadFile(r.FilePath)
	if err != nil {
		t.Fatalf("read temp file: %v", err)
	}
	if string(data) != "pdf-bytes" {
		t.Errorf("file contents = %q", data)
	}
	if r.URL == "" {
		t.Error("heavy media has no URL reference")
	}
}

func TestEnqueueIdempotent(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers = 0 // keep jobs queued
	p := newTestPipeline(t, cfg)

	first := p.Enqueue("m1", "c1", "video", PriorityHigh, staticFetch(nil))
	if first != StatusQueued {
		t.Fatalf("first Enqueue = %s, want queued", first)
	}
	second := p.Enqueue("m1", "c1", "video", PriorityLow, staticFetch(nil))
	if second != StatusQueued {
		t.Errorf("second Enqueue = %s, want queued (no duplicate)", second)
	}
	if stats := p.GetStats(); stats.Queued != 1 {
		t.Errorf("queued = %d, want 1", stats.Queued)
	}
}

func TestPriorityOrderingAndPosition(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers = 0
	p := newTestPipeline(t, cfg)

	p.Enqueue("low", "c1", "video", PriorityLow, staticFetch(nil))
	p.Enqueue("norm1", "c1", "video", PriorityNormal, staticFetch(nil))
	p.Enqueue("norm2", "c1", "video", PriorityNormal, staticFetch(nil))
	p.Enqueue("high", "c1", "video", PriorityHigh, staticFetch(nil))

	wantPos := map[string]int{"high": 1, "norm1": 2, "norm2": 3, "low": 4}
	for id, want := range wantPos {
		info := p.GetStatus(id)
		if info.Status != StatusQueued {
			t.Fatalf("%s status = %s, want queued", id, info.Status)
		}
		if info.Position != want {
			t.Errorf("%s position = %d, want %d", id, info.Position, want)
		}
	}
}

func TestRetryThenFail(t *testing.T) {
	p := newTestPipeline(t, testConfig(t))

	var calls atomic.Int32
	fetch := func(context.Context) ([]byte, error) {
		calls.Add(1)
		return nil, errors.New("connection reset")
	}
	p.Enqueue("m1", "c1", "document", PriorityNormal, fetch)

	r := waitDone(t, p, "m1")
	if r.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", r.Status)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("fetch attempts = %d, want 2", got)
	}
	if r.Error == "" {
		t.Error("failed result carries no error")
	}
}

func TestRetrySucceedsSecondAttempt(t *testing.T) {
	p := newTestPipeline(t, testConfig(t))

	var calls atomic.Int32
	fetch := func(context.Context) ([]byte, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("timeout")
		}
		return []byte("ok"), nil
	}
	p.Enqueue("m1", "c1", "audio", PriorityNormal, fetch)

	r := waitDone(t, p, "m1")
	if r.Status != StatusCompleted {
		t.Errorf("status = %s, want completed after retry", r.Status)
	}
}

func TestQuickPathSkipsQueue(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers = 0 // nothing drains the queue; only the fast path can complete
	cfg.QuickTimeout = time.Second
	p := newTestPipeline(t, cfg)

	st := p.Enqueue("m1", "c1", "sticker", PriorityNormal, staticFetch([]byte("webp")))
	if st != StatusCompleted {
		t.Fatalf("Enqueue = %s, want completed via fast path", st)
	}
	if r := p.GetResult("m1"); r == nil || r.Inline == "" {
		t.Error("fast path result missing inline payload")
	}
}

func TestQuickPathFallsBackToQueue(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers = 0
	cfg.QuickTimeout = 20 * time.Millisecond
	p := newTestPipeline(t, cfg)

	slow := func(ctx context.Context) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	st := p.Enqueue("m1", "c1", "image", PriorityNormal, slow)
	if st != StatusQueued {
		t.Errorf("Enqueue = %s, want queued after fast-path miss", st)
	}
}

func TestHeavyDedupByExistingFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers = 0
	p := newTestPipeline(t, cfg)

	// Simulate a previous run having persisted this message already.
	path := p.filePath("m1")
	if err := os.WriteFile(path, []byte("cached"), 0600); err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int32
	fetch := func(context.Context) ([]byte, error) { calls.Add(1); return nil, nil }
	st := p.Enqueue("m1", "c1", "video", PriorityNormal, fetch)

	if st != StatusCompleted {
		t.Fatalf("Enqueue = %s, want completed from dedup cache", st)
	}
	if calls.Load() != 0 {
		t.Error("dedup hit still downloaded the media")
	}
}

func TestSanitizedFileNames(t *testing.T) {
	cfg := testConfig(t)
	p := New(cfg, nil, zap.NewNop())

	path := p.filePath("true_123@c.us_3EB0/..\\x")
	base := path[len(cfg.Dir)+1:]
	for _, r := range base {
		ok := r == '_' || r == '.' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			t.Fatalf("unsafe rune %q in file name %q", r, base)
		}
	}
}

func TestGetStatusUnknown(t *testing.T) {
	p := newTestPipeline(t, testConfig(t))
	if info := p.GetStatus("never"); info.Status != "" {
		t.Errorf("status = %q, want empty for unknown job", info.Status)
	}
}
