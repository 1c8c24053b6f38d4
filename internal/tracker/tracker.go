// Package tracker drives long-running irreversible card actions (sell and
// delete) through the backend's start / status / execute / cancel protocol.
//
// Each (card, kind) pair has at most one active tracker. A tracker runs two
// pollers in one task group: a status poller and an executor poller that
// keeps attempting the irreversible call until the backend's wait window has
// passed. The first terminal observation cancels both. Completion is only
// declared after the backend confirmed success.
package tracker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"CardSentinel/internal/backend"
	"CardSentinel/internal/model"
	"CardSentinel/internal/task"
)

var (
	// ErrAlreadyActive is returned by Start when a tracker for the same card
	// and kind is running. The existing run is returned with it.
	ErrAlreadyActive = errors.New("action already in progress")
	// ErrNotActive is returned by Cancel when nothing is running.
	ErrNotActive = errors.New("no action in progress")
	// ErrTimedOut ends a run that never reached a terminal state.
	ErrTimedOut = errors.New("action did not finish in time")
)

// Backend is the remote side of the action protocol.
type Backend interface {
	StartAction(ctx context.Context, cardID string, kind model.ActionKind) error
	ActionStatus(ctx context.Context, cardID string, kind model.ActionKind) (model.ActionState, error)
	ExecuteAction(ctx context.Context, cardID string, kind model.ActionKind) (model.ActionState, error)
	CancelAction(ctx context.Context, cardID string, kind model.ActionKind) error
}

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
	OutcomeStale     Outcome = "stale" // card vanished remotely
)

// Progress is the observable state of a run.
type Progress struct {
	RunID     string             `json:"run_id"`
	CardID    string             `json:"card_id"`
	Kind      model.ActionKind   `json:"kind"`
	Status    model.ActionStatus `json:"status"`
	Percent   int                `json:"progress"`
	Message   string             `json:"message,omitempty"`
	StartedAt time.Time          `json:"started_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Result is delivered to listeners once a run has ended.
type Result struct {
	Progress
	Outcome Outcome
	Err     error
}

// Listener is notified after a run ended and its tracker was released.
type Listener interface {
	ActionFinished(ctx context.Context, res Result)
}

// Config holds the protocol timings. They are configuration, not protocol
// invariants; the backend alone enforces the wait window.
type Config struct {
	StatusInterval  time.Duration
	ExecuteInterval time.Duration
	SettleDelay     time.Duration
	MaxDuration     time.Duration
}

// DefaultConfig returns the standard timings.
func DefaultConfig() Config {
	return Config{
		StatusInterval:  500 * time.Millisecond,
		ExecuteInterval: 2 * time.Second,
		SettleDelay:     time.Second,
		MaxDuration:     5 * time.Minute,
	}
}

type key struct {
	cardID string
	kind   model.ActionKind
}

// Run is a handle on one tracker run.
type Run struct {
	key
	id    string
	group *task.Group
	once  sync.Once
	done  chan struct{}

	mu       sync.Mutex
	started  bool
	progress Progress
	result   Result
}

// ID is the run identifier.
func (r *Run) ID() string { return r.id }

// Done is closed after the run ended and listeners were notified.
func (r *Run) Done() <-chan struct{} { return r.done }

// Result is valid once Done is closed.
func (r *Run) Result() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

func (r *Run) isStarted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// Progress returns the latest observation.
func (r *Run) Progress() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

// Registry owns every active run, keyed by card and action kind.
type Registry struct {
	mu        sync.Mutex
	runs      map[key]*Run
	listeners []Listener
	observers []func(Progress)
	finalize  sync.WaitGroup

	backend Backend
	cfg     Config
	baseCtx context.Context
	log     zerolog.Logger
}

// NewRegistry creates a registry. Pollers and listeners run under baseCtx.
func NewRegistry(baseCtx context.Context, b Backend, cfg Config, log zerolog.Logger) *Registry {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	def := DefaultConfig()
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = def.StatusInterval
	}
	if cfg.ExecuteInterval <= 0 {
		cfg.ExecuteInterval = def.ExecuteInterval
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = def.MaxDuration
	}
	return &Registry{
		runs:    make(map[key]*Run),
		backend: b,
		cfg:     cfg,
		baseCtx: baseCtx,
		log:     log.With().Str("component", "action_tracker").Logger(),
	}
}

// Subscribe registers a listener for finished runs.
func (r *Registry) Subscribe(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// OnProgress registers an observer for every progress update.
func (r *Registry) OnProgress(fn func(Progress)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// Start begins a run for (cardID, kind). If one is active, the existing run
// is returned together with ErrAlreadyActive and nothing else happens.
func (r *Registry) Start(ctx context.Context, cardID string, kind model.ActionKind) (*Run, error) {
	k := key{cardID: cardID, kind: kind}
	now := time.Now()

	r.mu.Lock()
	if existing, ok := r.runs[k]; ok {
		r.mu.Unlock()
		return existing, ErrAlreadyActive
	}
	run := &Run{
		key:   k,
		id:    uuid.NewString(),
		group: task.NewGroup(r.baseCtx),
		done:  make(chan struct{}),
		progress: Progress{
			CardID:    cardID,
			Kind:      kind,
			Status:    model.StatusPending,
			StartedAt: now,
			UpdatedAt: now,
		},
	}
	run.progress.RunID = run.id
	r.runs[k] = run
	r.mu.Unlock()

	log := r.log.With().Str("card_id", cardID).Str("action", string(kind)).Str("run_id", run.id).Logger()

	if err := r.backend.StartAction(ctx, cardID, kind); err != nil {
		r.mu.Lock()
		delete(r.runs, k)
		r.mu.Unlock()
		run.group.Cancel()
		close(run.done)
		log.Warn().Err(err).Msg("action start rejected")
		return nil, err
	}
	log.Info().Msg("action started")

	// Members are added under run.mu so finish, which takes the same lock,
	// can never wait on the group before all of them are registered.
	run.mu.Lock()
	run.started = true
	run.group.Go(func(ctx context.Context) error {
		return task.Every(ctx, r.cfg.StatusInterval, func(ctx context.Context) error {
			return r.pollStatus(ctx, run, log)
		})
	})
	run.group.Go(func(ctx context.Context) error {
		return task.Every(ctx, r.cfg.ExecuteInterval, func(ctx context.Context) error {
			return r.pollExecute(ctx, run, log)
		})
	})
	run.group.Go(func(ctx context.Context) error {
		if task.Sleep(ctx, r.cfg.MaxDuration) == nil {
			log.Error().Dur("max_duration", r.cfg.MaxDuration).Msg("action timed out, cancelling remotely")
			if err := r.backend.CancelAction(r.baseCtx, cardID, kind); err != nil {
				log.Warn().Err(err).Msg("remote cancel after timeout failed")
			}
			r.finish(run, OutcomeFailed, ErrTimedOut)
		}
		return nil
	})
	run.mu.Unlock()
	return run, nil
}

// Cancel asks the backend to cancel the run and discards the tracker.
func (r *Registry) Cancel(ctx context.Context, cardID string, kind model.ActionKind) error {
	r.mu.Lock()
	run, ok := r.runs[key{cardID: cardID, kind: kind}]
	r.mu.Unlock()
	if !ok || !run.isStarted() {
		return ErrNotActive
	}
	if err := r.backend.CancelAction(ctx, cardID, kind); err != nil {
		if backend.IsStale(err) {
			r.finish(run, OutcomeStale, err)
			return nil
		}
		return err
	}
	r.finish(run, OutcomeCancelled, nil)
	return nil
}

// Inspect returns the progress of the active run for (cardID, kind).
func (r *Registry) Inspect(cardID string, kind model.ActionKind) (Progress, bool) {
	r.mu.Lock()
	run, ok := r.runs[key{cardID: cardID, kind: kind}]
	r.mu.Unlock()
	if !ok {
		return Progress{}, false
	}
	return run.Progress(), true
}

// Active returns every active run, oldest first.
func (r *Registry) Active() []Progress {
	r.mu.Lock()
	runs := make([]*Run, 0, len(r.runs))
	for _, run := range r.runs {
		runs = append(runs, run)
	}
	r.mu.Unlock()

	out := make([]Progress, 0, len(runs))
	for _, run := range runs {
		out = append(out, run.Progress())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Busy reports whether any action is running for the card.
func (r *Registry) Busy(cardID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.runs {
		if k.cardID == cardID {
			return true
		}
	}
	return false
}

// Shutdown cancels every run without touching the backend and waits for
// pollers and finalizers to return.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	runs := make([]*Run, 0, len(r.runs))
	for _, run := range r.runs {
		runs = append(runs, run)
	}
	r.mu.Unlock()
	for _, run := range runs {
		run.group.Cancel()
	}
	for _, run := range runs {
		if run.isStarted() {
			_ = run.group.Wait()
		}
	}
	r.finalize.Wait()
}

// Wait blocks until pending finalizers have notified listeners.
func (r *Registry) Wait() {
	r.finalize.Wait()
}

func (r *Registry) pollStatus(ctx context.Context, run *Run, log zerolog.Logger) error {
	st, err := r.backend.ActionStatus(ctx, run.cardID, run.kind)
	if err != nil {
		if ctx.Err() != nil {
			return task.ErrStop
		}
		if backend.IsStale(err) {
			log.Info().Msg("card vanished during action")
			r.finish(run, OutcomeStale, err)
			return task.ErrStop
		}
		log.Warn().Err(err).Msg("status poll failed")
		return nil
	}
	return r.handleState(run, st, log)
}

func (r *Registry) pollExecute(ctx context.Context, run *Run, log zerolog.Logger) error {
	st, err := r.backend.ExecuteAction(ctx, run.cardID, run.kind)
	if err != nil {
		if ctx.Err() != nil {
			return task.ErrStop
		}
		switch {
		case backend.IsStale(err):
			log.Info().Msg("card vanished during action")
			r.finish(run, OutcomeStale, err)
			return task.ErrStop
		case backend.IsConflict(err):
			log.Warn().Err(err).Msg("action blocked by business rule")
			r.finish(run, OutcomeFailed, err)
			return task.ErrStop
		}
		log.Warn().Err(err).Msg("execute attempt failed, retrying")
		return nil
	}
	return r.handleState(run, st, log)
}

func (r *Registry) handleState(run *Run, st model.ActionState, log zerolog.Logger) error {
	switch st.Status {
	case model.StatusCompleted:
		log.Info().Msg("backend confirmed action")
		r.finish(run, OutcomeCompleted, nil)
		return task.ErrStop
	case model.StatusCancelled:
		log.Info().Msg("backend cancelled action")
		r.finish(run, OutcomeCancelled, nil)
		return task.ErrStop
	case model.StatusFailed:
		r.finish(run, OutcomeFailed, errors.New(st.Message))
		return task.ErrStop
	}
	r.observe(run, st)
	return nil
}

// observe records a non-terminal state. 100% is reserved for confirmed completion.
func (r *Registry) observe(run *Run, st model.ActionState) {
	run.mu.Lock()
	if run.result.Outcome != "" {
		run.mu.Unlock()
		return
	}
	pct := st.Progress
	if pct > 99 {
		pct = 99
	}
	if pct < run.progress.Percent {
		pct = run.progress.Percent
	}
	run.progress.Status = st.Status
	run.progress.Percent = pct
	if st.Message != "" {
		run.progress.Message = st.Message
	}
	run.progress.UpdatedAt = time.Now()
	p := run.progress
	run.mu.Unlock()
	r.emit(p)
}

// finish records the terminal outcome once and stops both pollers. Release
// of the tracker and listener notification happen off the poller goroutine.
func (r *Registry) finish(run *Run, outcome Outcome, err error) {
	run.once.Do(func() {
		run.mu.Lock()
		switch outcome {
		case OutcomeCompleted:
			run.progress.Status = model.StatusCompleted
			run.progress.Percent = 100
		case OutcomeCancelled:
			run.progress.Status = model.StatusCancelled
		default:
			run.progress.Status = model.StatusFailed
		}
		if err != nil {
			run.progress.Message = err.Error()
		}
		run.progress.UpdatedAt = time.Now()
		run.result = Result{Progress: run.progress, Outcome: outcome, Err: err}
		p := run.progress
		run.mu.Unlock()

		run.group.Cancel()
		r.emit(p)

		r.finalize.Add(1)
		go r.release(run, outcome)
	})
}

func (r *Registry) release(run *Run, outcome Outcome) {
	defer r.finalize.Done()
	_ = run.group.Wait()
	if outcome == OutcomeCompleted {
		_ = task.Sleep(r.baseCtx, r.cfg.SettleDelay)
	}

	r.mu.Lock()
	if r.runs[run.key] == run {
		delete(r.runs, run.key)
	}
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()

	res := run.Result()
	r.log.Info().
		Str("card_id", run.cardID).
		Str("action", string(run.kind)).
		Str("run_id", run.id).
		Str("outcome", string(res.Outcome)).
		Msg("action finished")
	for _, l := range listeners {
		l.ActionFinished(r.baseCtx, res)
	}
	close(run.done)
}

func (r *Registry) emit(p Progress) {
	r.mu.Lock()
	observers := append(([]func(Progress))(nil), r.observers...)
	r.mu.Unlock()
	for _, fn := range observers {
		fn(p)
	}
}
