package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"CardSentinel/internal/lifecycle"
	"CardSentinel/internal/model"
	"CardSentinel/internal/queue"
	"CardSentinel/internal/recorder"
	"CardSentinel/internal/tracker"
	"CardSentinel/internal/verification"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeLifecycle struct {
	mu         sync.Mutex
	entries    []lifecycle.Entry
	q          *queue.Queue
	produceErr error
	syncs      int
	sells      []string
	deletes    []string
	cancels    []string
	requestErr error
}

func (f *fakeLifecycle) Sync(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs++
	return nil
}

func (f *fakeLifecycle) Produce(ctx context.Context) (*model.Card, error) {
	if f.produceErr != nil {
		return nil, f.produceErr
	}
	return &model.Card{ID: "new-card-123456", ProductionNumber: 9}, nil
}

func (f *fakeLifecycle) Snapshot() []lifecycle.Entry { return f.entries }
func (f *fakeLifecycle) Queue() *queue.Queue          { return f.q }

func (f *fakeLifecycle) RequestSell(ctx context.Context, id string) (*tracker.Run, error) {
	f.sells = append(f.sells, id)
	return nil, f.requestErr
}

func (f *fakeLifecycle) RequestDelete(ctx context.Context, id string) (*tracker.Run, error) {
	f.deletes = append(f.deletes, id)
	return nil, f.requestErr
}

func (f *fakeLifecycle) CancelAction(ctx context.Context, id string, kind model.ActionKind) error {
	f.cancels = append(f.cancels, id+":"+string(kind))
	return nil
}

func (f *fakeLifecycle) PnLSummary() (decimal.Decimal, decimal.Decimal) {
	return decimal.NewFromInt(1200), decimal.NewFromInt(-300)
}

type fakeSweeper struct{ report verification.Report }

func (f fakeSweeper) Sweep(ctx context.Context) (verification.Report, error) { return f.report, nil }

type recordingSender struct {
	mu   sync.Mutex
	sent []string
}

func (r *recordingSender) Send(ctx context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, text)
	return nil
}

func (r *recordingSender) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func newTestScheduler(t *testing.T, ctrl *fakeLifecycle, sender *recordingSender) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ctrl.q = queue.New(ctx, queue.AnalyzerFunc(func(context.Context, string) error { return nil }), 0, zerolog.Nop())
	ctrl.entries = []lifecycle.Entry{
		{CardID: "aaaa1111", ProductionNumber: 1, State: lifecycle.StateBuyDecided, Label: lifecycle.StateBuyDecided.Label()},
		{CardID: "aaaa2222", ProductionNumber: 2, State: lifecycle.StateHoldDecided, Label: lifecycle.StateHoldDecided.Label()},
		{CardID: "bbbb3333", ProductionNumber: 3, State: lifecycle.StateAwaitingAnalysis, Label: lifecycle.StateAwaitingAnalysis.Label()},
	}
	return NewScheduler(ctx, ctrl, fakeSweeper{}, sender, recorder.NewNoopRecorder(), zerolog.Nop())
}

func TestHandleCommand(t *testing.T) {
	ctrl := &fakeLifecycle{}
	s := newTestScheduler(t, ctrl, &recordingSender{})
	ctx := context.Background()

	assert.Contains(t, s.HandleCommand(ctx, "/cards"), "#3 <code>bbbb3333</code> 분석 대기")

	assert.Contains(t, s.HandleCommand(ctx, "/sell bbbb"), "sell 시작")
	assert.Equal(t, []string{"bbbb3333"}, ctrl.sells)

	assert.Contains(t, s.HandleCommand(ctx, "/delete aaaa"), "ambiguous")
	assert.Contains(t, s.HandleCommand(ctx, "/delete zzzz"), "not found")
	assert.Empty(t, ctrl.deletes)
	assert.Contains(t, s.HandleCommand(ctx, "/delete aaaa2222"), "delete 시작")
	assert.Equal(t, []string{"aaaa2222"}, ctrl.deletes)

	assert.Contains(t, s.HandleCommand(ctx, "/cancel aaaa1111 buy"), "사용법")
	assert.Contains(t, s.HandleCommand(ctx, "/cancel aaaa1111 sell"), "취소됨")
	assert.Equal(t, []string{"aaaa1111:sell"}, ctrl.cancels)

	assert.Contains(t, s.HandleCommand(ctx, "/produce"), "#9 <code>new-card</code> 생산 완료")
	assert.Contains(t, s.HandleCommand(ctx, "/stats"), "실현 손익: 1200")
	assert.Contains(t, s.HandleCommand(ctx, "/verify"), "0건 확인")
	assert.Contains(t, s.HandleCommand(ctx, "hello"), "/cards")
}

func TestHandleCommand_RequestErrors(t *testing.T) {
	ctrl := &fakeLifecycle{requestErr: tracker.ErrAlreadyActive}
	s := newTestScheduler(t, ctrl, &recordingSender{})
	assert.Contains(t, s.HandleCommand(context.Background(), "/sell aaaa1111"), "이미 진행 중")

	ctrl.requestErr = lifecycle.ErrNotHolding
	assert.Contains(t, s.HandleCommand(context.Background(), "/sell aaaa1111"), lifecycle.ErrNotHolding.Error())
}

func TestNotifications(t *testing.T) {
	ctrl := &fakeLifecycle{produceErr: errors.New("card limit reached")}
	sender := &recordingSender{}
	s := newTestScheduler(t, ctrl, sender)
	require.NoError(t, s.RegisterAll(Schedules{Sync: "@every 1h"}))
	s.Start()
	defer s.Stop()

	assert.Empty(t, s.HandleCommand(context.Background(), "/produce"))
	s.OnEvent(lifecycle.Event{CardID: "c1", From: lifecycle.StateGenerating, To: lifecycle.StateAwaitingAnalysis})
	s.OnEvent(lifecycle.Event{CardID: "c1", ProductionNumber: 4, From: lifecycle.StateAwaitingAnalysis, To: lifecycle.StateFailDecided, Warning: true})
	s.OnProgress(tracker.Progress{CardID: "c2", Kind: model.KindSell, Status: model.StatusProcessing})
	s.OnProgress(tracker.Progress{CardID: "c2", Kind: model.KindSell, Status: model.StatusCompleted, Percent: 100})

	require.Eventually(t, func() bool { return len(sender.messages()) == 3 }, time.Second, 5*time.Millisecond)
	msgs := sender.messages()
	assert.Contains(t, msgs[0], "카드 생산 실패")
	assert.Contains(t, msgs[1], "⚠️ #4")
	assert.Contains(t, msgs[2], "매도 완료")
}

func TestRegisterAll_RejectsBadSpec(t *testing.T) {
	s := newTestScheduler(t, &fakeLifecycle{}, &recordingSender{})
	err := s.RegisterAll(Schedules{Sync: "every now and then"})
	assert.ErrorContains(t, err, "register sync task")
}
