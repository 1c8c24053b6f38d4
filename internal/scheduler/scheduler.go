// Package scheduler runs the periodic card cycles and answers operator
// commands.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"CardSentinel/internal/lifecycle"
	"CardSentinel/internal/model"
	"CardSentinel/internal/notifier"
	"CardSentinel/internal/queue"
	"CardSentinel/internal/recorder"
	"CardSentinel/internal/task"
	"CardSentinel/internal/tracker"
	"CardSentinel/internal/verification"
)

// Lifecycle is the card controller as seen by the scheduler.
type Lifecycle interface {
	Sync(ctx context.Context) error
	Produce(ctx context.Context) (*model.Card, error)
	Snapshot() []lifecycle.Entry
	Queue() *queue.Queue
	RequestSell(ctx context.Context, cardID string) (*tracker.Run, error)
	RequestDelete(ctx context.Context, cardID string) (*tracker.Run, error)
	CancelAction(ctx context.Context, cardID string, kind model.ActionKind) error
	PnLSummary() (realized, unrealized decimal.Decimal)
}

// Sweeper runs a verification sweep over the backend.
type Sweeper interface {
	Sweep(ctx context.Context) (verification.Report, error)
}

type retrySender interface {
	SendWithRetry(ctx context.Context, text string, maxRetries int) error
}

const (
	notifyBuffer  = 64
	notifyRetries = 3
)

// Schedules are the cron specs of the periodic jobs. An empty spec
// disables the job.
type Schedules struct {
	Sync       string
	Production string
	Verify     string
}

// Scheduler manages all cron tasks.
type Scheduler struct {
	cron     *cron.Cron
	ctrl     Lifecycle
	verifier Sweeper
	sender   notifier.Sender
	rec      recorder.Recorder
	ctx      context.Context
	log      zerolog.Logger

	outbox   chan string
	mu       sync.Mutex
	sendTask *task.Handle
}

// NewScheduler creates a new Scheduler. Every job runs under ctx.
func NewScheduler(ctx context.Context, ctrl Lifecycle, v Sweeper, sender notifier.Sender, rec recorder.Recorder, log zerolog.Logger) *Scheduler {
	if sender == nil {
		sender = notifier.NopSender{}
	}
	if rec == nil {
		rec = recorder.NewNoopRecorder()
	}
	return &Scheduler{
		cron:     cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		ctrl:     ctrl,
		verifier: v,
		sender:   sender,
		rec:      rec,
		ctx:      ctx,
		log:      log.With().Str("component", "scheduler").Logger(),
		outbox:   make(chan string, notifyBuffer),
	}
}

// RegisterAll registers the sync, production and verification jobs.
func (s *Scheduler) RegisterAll(sched Schedules) error {
	jobs := []struct {
		name string
		spec string
		fn   func()
	}{
		{"sync", sched.Sync, s.syncTask},
		{"production", sched.Production, s.productionTask},
		{"verification", sched.Verify, s.verificationTask},
	}
	for _, j := range jobs {
		if j.spec == "" {
			s.log.Info().Str("job", j.name).Msg("job disabled")
			continue
		}
		if _, err := s.cron.AddFunc(j.spec, j.fn); err != nil {
			return fmt.Errorf("register %s task: %w", j.name, err)
		}
		s.log.Info().Str("job", j.name).Str("schedule", j.spec).Msg("job registered")
	}
	return nil
}

// Start starts the cron scheduler and the notification sender.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.sendTask == nil {
		s.sendTask = task.Go(s.ctx, s.sendLoop)
	}
	s.mu.Unlock()
	s.cron.Start()
	s.log.Info().Msg("scheduler started")
}

// Stop stops the cron scheduler, waits for running jobs and stops the
// notification sender once ctx is done.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.mu.Lock()
	h := s.sendTask
	s.mu.Unlock()
	if h != nil {
		h.Cancel()
		_ = h.Wait()
	}
	s.log.Info().Msg("scheduler stopped")
}

// Notify queues a message for the operator. It never blocks; messages are
// dropped when the outbox is full.
func (s *Scheduler) Notify(text string) {
	if text == "" {
		return
	}
	select {
	case s.outbox <- text:
	default:
		s.log.Warn().Msg("notification outbox full, message dropped")
	}
}

// OnEvent forwards lifecycle events worth reporting.
func (s *Scheduler) OnEvent(e lifecycle.Event) {
	s.Notify(notifier.FormatEvent(e))
}

// OnProgress forwards terminal action progress.
func (s *Scheduler) OnProgress(p tracker.Progress) {
	if !p.Status.Terminal() {
		return
	}
	s.Notify(notifier.FormatActionResult(tracker.Result{Progress: p, Outcome: outcomeOf(p.Status)}))
}

func outcomeOf(st model.ActionStatus) tracker.Outcome {
	switch st {
	case model.StatusCompleted:
		return tracker.OutcomeCompleted
	case model.StatusCancelled:
		return tracker.OutcomeCancelled
	}
	return tracker.OutcomeFailed
}

func (s *Scheduler) sendLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case text := <-s.outbox:
			s.trySend(ctx, text)
		}
	}
}

func (s *Scheduler) trySend(ctx context.Context, text string) {
	var err error
	if rs, ok := s.sender.(retrySender); ok {
		err = rs.SendWithRetry(ctx, text, notifyRetries)
	} else {
		err = s.sender.Send(ctx, text)
	}
	if err != nil && ctx.Err() == nil {
		s.log.Error().Err(err).Msg("send notification failed")
	}
}

// RunSyncNow executes one sync cycle immediately.
func (s *Scheduler) RunSyncNow() error {
	return s.ctrl.Sync(s.ctx)
}

// RunProductionNow produces one card immediately.
func (s *Scheduler) RunProductionNow() (*model.Card, error) {
	card, err := s.ctrl.Produce(s.ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("production failed")
		s.Notify(notifier.FormatProductionFailure(err))
		return nil, err
	}
	return card, nil
}

// RunVerificationNow executes a verification sweep immediately.
func (s *Scheduler) RunVerificationNow() (verification.Report, error) {
	return s.verifier.Sweep(s.ctx)
}

func (s *Scheduler) syncTask() {
	if err := s.RunSyncNow(); err != nil {
		s.log.Warn().Err(err).Msg("sync cycle failed")
	}
}

func (s *Scheduler) productionTask() {
	s.log.Info().Msg("running production cycle")
	_, _ = s.RunProductionNow()
}

func (s *Scheduler) verificationTask() {
	if _, err := s.RunVerificationNow(); err != nil {
		s.log.Warn().Err(err).Msg("verification sweep failed")
	}
}

const helpText = "사용 가능한 명령:\n" +
	"• /cards 카드 현황\n" +
	"• /sell &lt;id&gt; 매도\n" +
	"• /delete &lt;id&gt; 삭제\n" +
	"• /cancel &lt;id&gt; &lt;sell|delete&gt; 작업 취소\n" +
	"• /verify 검증 실행\n" +
	"• /produce 카드 생산\n" +
	"• /stats 예측 통계"

// HandleCommand processes a user command and returns a reply.
func (s *Scheduler) HandleCommand(ctx context.Context, command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return helpText
	}
	args := fields[1:]

	switch fields[0] {
	case "/cards", "카드":
		q := s.ctrl.Queue()
		inFlight, _ := q.InFlight()
		return notifier.FormatCardBoard(s.ctrl.Snapshot(), q.Pending(), inFlight)

	case "/sell", "/delete":
		if len(args) != 1 {
			return "사용법: " + fields[0] + " &lt;id&gt;"
		}
		id, err := s.resolve(args[0])
		if err != nil {
			return "⚠️ " + html.EscapeString(err.Error())
		}
		request, kind := s.ctrl.RequestSell, model.KindSell
		if fields[0] == "/delete" {
			request, kind = s.ctrl.RequestDelete, model.KindDelete
		}
		if _, err := request(ctx, id); err != nil {
			if errors.Is(err, tracker.ErrAlreadyActive) {
				return fmt.Sprintf("⏳ <code>%s</code> %s 이미 진행 중", notifier.ShortID(id), kind)
			}
			return fmt.Sprintf("⚠️ <code>%s</code> %s 시작 실패: %s", notifier.ShortID(id), kind, html.EscapeString(err.Error()))
		}
		return fmt.Sprintf("▶️ <code>%s</code> %s 시작", notifier.ShortID(id), kind)

	case "/cancel":
		if len(args) != 2 || !model.ActionKind(args[1]).Valid() {
			return "사용법: /cancel &lt;id&gt; &lt;sell|delete&gt;"
		}
		id, err := s.resolve(args[0])
		if err != nil {
			return "⚠️ " + html.EscapeString(err.Error())
		}
		if err := s.ctrl.CancelAction(ctx, id, model.ActionKind(args[1])); err != nil {
			return fmt.Sprintf("⚠️ <code>%s</code> 취소 실패: %s", notifier.ShortID(id), html.EscapeString(err.Error()))
		}
		return fmt.Sprintf("⏹ <code>%s</code> %s 취소됨", notifier.ShortID(id), args[1])

	case "/verify":
		report, err := s.RunVerificationNow()
		if err != nil {
			return "⚠️ 검증 실패: " + html.EscapeString(err.Error())
		}
		return notifier.FormatVerificationReport(report)

	case "/produce":
		card, err := s.RunProductionNow()
		if err != nil {
			return ""
		}
		return fmt.Sprintf("🆕 #%d <code>%s</code> 생산 완료", card.ProductionNumber, notifier.ShortID(card.ID))

	case "/stats":
		acc, err := s.rec.Accuracy()
		if err != nil {
			s.log.Warn().Err(err).Msg("read accuracy failed")
		}
		realized, unrealized := s.ctrl.PnLSummary()
		return notifier.FormatStats(acc, realized, unrealized)
	}
	return helpText
}

// resolve maps a full id or a unique id prefix to a tracked card id.
func (s *Scheduler) resolve(ref string) (string, error) {
	var matches []string
	for _, e := range s.ctrl.Snapshot() {
		if e.CardID == ref {
			return ref, nil
		}
		if strings.HasPrefix(e.CardID, ref) {
			matches = append(matches, e.CardID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("card %q not found", ref)
	case 1:
		return matches[0], nil
	}
	return "", fmt.Errorf("card prefix %q is ambiguous (%d cards)", ref, len(matches))
}
