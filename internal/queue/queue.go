// Package queue implements the analysis queue: an ordered, deduplicated
// FIFO that drains one card at a time through the external oracle.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"CardSentinel/internal/task"
)

// DefaultInterItemDelay is the pause between two analysis calls.
const DefaultInterItemDelay = 3 * time.Second

// Analyzer runs the external analysis for one card.
type Analyzer interface {
	Analyze(ctx context.Context, cardID string) error
}

// AnalyzerFunc adapts a function to Analyzer.
type AnalyzerFunc func(ctx context.Context, cardID string) error

// Analyze calls f.
func (f AnalyzerFunc) Analyze(ctx context.Context, cardID string) error { return f(ctx, cardID) }

// Queue guarantees at most one analysis call in flight and never holds
// the same card id twice.
type Queue struct {
	mu         sync.Mutex
	pending    []string
	inFlight   string
	processing bool
	drains     sync.WaitGroup

	analyzer Analyzer
	delay    time.Duration
	baseCtx  context.Context
	log      zerolog.Logger
}

// New creates a queue whose drain loops run under baseCtx.
func New(baseCtx context.Context, analyzer Analyzer, delay time.Duration, log zerolog.Logger) *Queue {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if delay < 0 {
		delay = 0
	}
	return &Queue{
		analyzer: analyzer,
		delay:    delay,
		baseCtx:  baseCtx,
		log:      log.With().Str("component", "analysis_queue").Logger(),
	}
}

// Enqueue appends cardID unless it is already pending or being analyzed,
// then makes sure a drain loop is running. It reports whether the id was added.
func (q *Queue) Enqueue(cardID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	added := false
	if cardID != "" && !q.containsLocked(cardID) {
		q.pending = append(q.pending, cardID)
		added = true
	}
	if !q.processing && len(q.pending) > 0 {
		q.processing = true
		q.drains.Add(1)
		go q.drain()
	}
	return added
}

// Pending returns a copy of the ids waiting for analysis, head first.
func (q *Queue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.pending...)
}

// InFlight returns the id currently being analyzed, if any.
func (q *Queue) InFlight() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight, q.inFlight != ""
}

// Len is the number of pending ids.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Processing reports whether a drain loop is active.
func (q *Queue) Processing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

// Wait blocks until the active drain loop, if any, has finished.
func (q *Queue) Wait() {
	q.drains.Wait()
}

func (q *Queue) containsLocked(cardID string) bool {
	if q.inFlight == cardID {
		return true
	}
	for _, id := range q.pending {
		if id == cardID {
			return true
		}
	}
	return false
}

func (q *Queue) drain() {
	defer q.drains.Done()
	for {
		q.mu.Lock()
		if len(q.pending) == 0 || q.baseCtx.Err() != nil {
			q.processing = false
			q.mu.Unlock()
			return
		}
		id := q.pending[0]
		q.pending = q.pending[1:]
		q.inFlight = id
		q.mu.Unlock()

		start := time.Now()
		if err := q.analyzeOne(id); err != nil {
			q.log.Warn().Err(err).Str("card_id", id).Msg("analysis failed, continuing with next card")
		} else {
			q.log.Debug().Str("card_id", id).Dur("took", time.Since(start)).Msg("analysis done")
		}

		q.mu.Lock()
		q.inFlight = ""
		q.mu.Unlock()

		if err := task.Sleep(q.baseCtx, q.delay); err != nil {
			q.log.Debug().Err(err).Msg("inter-item delay interrupted")
		}
	}
}

func (q *Queue) analyzeOne(id string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("analyzer panic: %v", r)
		}
	}()
	return q.analyzer.Analyze(q.baseCtx, id)
}
