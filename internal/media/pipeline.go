// Package media downloads message attachments off the hot path. Jobs go
// through a priority queue drained by a fixed worker pool; light media is
// inlined as base64 and heavy media is persisted to a temp file named after
// the message id, which doubles as an at-most-once processing cache.
package media

import (
	"container/heap"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	"github.com/matheus3301/wafleet/internal/bus"
	"github.com/matheus3301/wafleet/internal/metrics"
)

// Priority orders jobs in the queue; lower values are served first.
type Priority int

const (
	PriorityHigh   Priority = 0
	PriorityNormal Priority = 1
	PriorityLow    Priority = 2
)

// Status of a media job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// FetchFunc downloads the raw media bytes for one message.
type FetchFunc func(ctx context.Context) ([]byte, error)

// Result is the terminal record of a media job, retained for a bounded
// window after completion.
type Result struct {
	MessageID   string
	ClientID    string
	MediaType   string
	Status      Status
	Inline      string // base64 payload for light media
	FilePath    string // temp file for heavy media
	URL         string
	Error       string
	CompletedAt time.Time
}

// StatusInfo is the response to a status query. Position is 1-based and
// only set while the job is queued.
type StatusInfo struct {
	Status   Status
	Position int
	Result   *Result
}

// Stats summarizes the pipeline for reporting.
type Stats struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Retained   int `json:"retained"`
	Workers    int `json:"workers"`
}

// Config tunes the pipeline.
type Config struct {
	Workers      int
	JobTimeout   time.Duration
	QuickTimeout time.Duration
	Retention    time.Duration
	MaxAttempts  int
	IdlePoll     time.Duration
	Dir          string
}

// DefaultConfig returns the production pipeline settings. Dir must still
// be set by the caller.
func DefaultConfig() Config {
	return Config{
		Workers:      3,
		JobTimeout:   30 * time.Second,
		QuickTimeout: 3 * time.Second,
		Retention:    time.Hour,
		MaxAttempts:  2,
		IdlePoll:     time.Second,
	}
}

// lightTypes are inlined as base64; everything else goes to a temp file.
var lightTypes = map[string]bool{
	"sticker": true,
	"image":   true,
	"ptt":     true,
	"audio":   true,
}

type job struct {
	messageID  string
	clientID   string
	mediaType  string
	fetch      FetchFunc
	priority   Priority
	attempts   int
	enqueuedAt time.Time
	seq        uint64
}

// Pipeline is the shared media work queue. The queue and the processing set
// are the only structures touched by multiple workers and are guarded by mu.
type Pipeline struct {
	cfg    Config
	logger *zap.Logger
	bus    *bus.Bus

	mu         sync.Mutex
	queue      jobHeap
	queued     map[string]*job
	processing map[string]struct{}
	seq        uint64

	results *ttlcache.Cache[string, *Result]

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a pipeline. Start must be called before jobs are drained.
func New(cfg Config, b *bus.Bus, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		logger:     logger,
		bus:        b,
		queued:     make(map[string]*job),
		processing: make(map[string]struct{}),
		results: ttlcache.New[string, *Result](
			ttlcache.WithTTL[string, *Result](cfg.Retention),
			ttlcache.WithDisableTouchOnHit[string, *Result](),
		),
	}
}

// Start launches the worker pool and the retention sweeper.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	go p.results.Start()
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop drains the workers and stops the retention sweeper.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.results.Stop()
}

// Enqueue admits a media job. Idempotent: re-enqueueing a completed or
// in-flight message id returns its current status without duplicating work.
// Light media is first attempted inline with a short timeout so the common
// case skips the queue entirely.
func (p *Pipeline) Enqueue(messageID, clientID, mediaType string, priority Priority, fetch FetchFunc) Status {
	if r := p.GetResult(messageID); r != nil {
		return StatusCompleted
	}

	p.mu.Lock()
	if _, ok := p.processing[messageID]; ok {
		p.mu.Unlock()
		return StatusProcessing
	}
	if _, ok := p.queued[messageID]; ok {
		p.mu.Unlock()
		return StatusQueued
	}

	if !lightTypes[mediaType] {
		// Heavy media: an existing temp file means this message was already
		// processed; reuse it instead of downloading again.
		path := p.filePath(messageID)
		if _, err := os.Stat(path); err == nil {
			p.mu.Unlock()
			p.record(&Result{
				MessageID: messageID,
				ClientID:  clientID,
				MediaType: mediaType,
				Status:    StatusCompleted,
				FilePath:  path,
				URL:       mediaURL(messageID),
			})
			return StatusCompleted
		}
	}

	if lightTypes[mediaType] && p.cfg.QuickTimeout > 0 {
		// Reserve the id so a concurrent enqueue sees it in flight.
		p.processing[messageID] = struct{}{}
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.QuickTimeout)
		data, err := fetch(ctx)
		cancel()

		if err == nil {
			p.mu.Lock()
			delete(p.processing, messageID)
			p.mu.Unlock()
			p.record(&Result{
				MessageID: messageID,
				ClientID:  clientID,
				MediaType: mediaType,
				Status:    StatusCompleted,
				Inline:    base64.StdEncoding.EncodeToString(data),
			})
			return StatusCompleted
		}

		p.logger.Debug("quick download missed, queueing",
			zap.String("message", messageID),
			zap.Error(err),
		)
		p.mu.Lock()
		delete(p.processing, messageID)
	}

	j := &job{
		messageID:  messageID,
		clientID:   clientID,
		mediaType:  mediaType,
		fetch:      fetch,
		priority:   priority,
		enqueuedAt: time.Now(),
		seq:        p.seq,
	}
	p.seq++
	heap.Push(&p.queue, j)
	p.queued[messageID] = j
	p.updateGauges()
	p.mu.Unlock()
	return StatusQueued
}

// GetStatus reports where a job currently is.
func (p *Pipeline) GetStatus(messageID string) StatusInfo {
	if r := p.GetResult(messageID); r != nil {
		return StatusInfo{Status: r.Status, Result: r}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.processing[messageID]; ok {
		return StatusInfo{Status: StatusProcessing}
	}
	if j, ok := p.queued[messageID]; ok {
		pos := 1
		for _, other := range p.queue {
			if other != j && jobLess(other, j) {
				pos++
			}
		}
		return StatusInfo{Status: StatusQueued, Position: pos}
	}
	return StatusInfo{}
}

// GetResult returns the retained terminal record for a message, if any.
func (p *Pipeline) GetResult(messageID string) *Result {
	if item := p.results.Get(messageID); item != nil {
		return item.Value()
	}
	return nil
}

// GetStats snapshots queue depth for reporting.
func (p *Pipeline) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Queued:     len(p.queued),
		Processing: len(p.processing),
		Retained:   p.results.Len(),
		Workers:    p.cfg.Workers,
	}
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		j := p.pop()
		if j == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.IdlePoll):
			}
			continue
		}
		p.process(ctx, j)
	}
}

func (p *Pipeline) pop() *job {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queue.Len() == 0 {
		return nil
	}
	j := heap.Pop(&p.queue).(*job)
	delete(p.queued, j.messageID)
	p.processing[j.messageID] = struct{}{}
	p.updateGauges()
	return j
}

func (p *Pipeline) process(ctx context.Context, j *job) {
	j.attempts++

	jctx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	data, err := j.fetch(jctx)
	cancel()

	if err != nil {
		p.logger.Warn("media download failed",
			zap.String("message", j.messageID),
			zap.Int("attempt", j.attempts),
			zap.Error(err),
		)
		p.mu.Lock()
		delete(p.processing, j.messageID)
		if j.attempts < p.cfg.MaxAttempts {
			heap.Push(&p.queue, j)
			p.queued[j.messageID] = j
			p.updateGauges()
			p.mu.Unlock()
			return
		}
		p.updateGauges()
		p.mu.Unlock()
		p.record(&Result{
			MessageID: j.messageID,
			ClientID:  j.clientID,
			MediaType: j.mediaType,
			Status:    StatusFailed,
			Error:     err.Error(),
		})
		return
	}

	r := &Result{
		MessageID: j.messageID,
		ClientID:  j.clientID,
		MediaType: j.mediaType,
		Status:    StatusCompleted,
	}
	if lightTypes[j.mediaType] {
		r.Inline = base64.StdEncoding.EncodeToString(data)
	} else {
		path := p.filePath(j.messageID)
		if werr := os.WriteFile(path, data, 0600); werr != nil {
			r.Status = StatusFailed
			r.Error = fmt.Sprintf("persist media: %v", werr)
		} else {
			r.FilePath = path
			r.URL = mediaURL(j.messageID)
		}
	}

	p.mu.Lock()
	delete(p.processing, j.messageID)
	p.updateGauges()
	p.mu.Unlock()
	p.record(r)
}

func (p *Pipeline) record(r *Result) {
	r.CompletedAt = time.Now()
	p.results.Set(r.MessageID, r, ttlcache.DefaultTTL)
	metrics.MediaJobDone(string(r.Status))
	if p.bus != nil {
		p.bus.Emit(bus.KindMediaCompleted, r.ClientID, r)
	}
}

// updateGauges must be called with p.mu held.
func (p *Pipeline) updateGauges() {
	metrics.SetMediaQueue(len(p.queued), len(p.processing))
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

func (p *Pipeline) filePath(messageID string) string {
	return filepath.Join(p.cfg.Dir, unsafeChars.ReplaceAllString(messageID, "_"))
}

func mediaURL(messageID string) string {
	return "/media/" + messageID + "/file"
}
