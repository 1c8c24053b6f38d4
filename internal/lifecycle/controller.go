// Package lifecycle drives every card through its state machine: it feeds
// cards to the analysis queue, turns oracle judgments into transitions,
// routes sells and user deletes through the action tracker, removes HOLD
// and FAIL decisions after a grace delay, and reconciles its view with the
// backend on every sync cycle.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"CardSentinel/internal/backend"
	"CardSentinel/internal/calculator"
	"CardSentinel/internal/capacity"
	"CardSentinel/internal/history"
	"CardSentinel/internal/judgment"
	"CardSentinel/internal/model"
	"CardSentinel/internal/queue"
	"CardSentinel/internal/recorder"
	"CardSentinel/internal/task"
	"CardSentinel/internal/tracker"
	"CardSentinel/internal/verification"
)

var (
	// ErrUnknownCard is returned for user operations on a card the controller does not track.
	ErrUnknownCard = errors.New("unknown card")
	// ErrNotHolding is returned when selling a card without an open position.
	ErrNotHolding = errors.New("card holds no position")
	// ErrRemoved is returned for user operations on a removed card.
	ErrRemoved = errors.New("card already removed")
)

// DefaultHoldRemovalDelay is the grace period before a HOLD/FAIL card is removed.
const DefaultHoldRemovalDelay = 1500 * time.Millisecond

// Backend is the part of the card backend the controller calls directly.
type Backend interface {
	ListCards(ctx context.Context, kind string) ([]*model.Card, error)
	GetCard(ctx context.Context, cardID string) (*model.Card, error)
	UpdateCard(ctx context.Context, cardID string, fields map[string]any) error
	DeleteCard(ctx context.Context, cardID string) error
	BuyCard(ctx context.Context, cardID string) error
	ProduceCard(ctx context.Context, kind string) (*model.Card, error)
	Analyze(ctx context.Context, cardID string) (map[string]any, error)
}

// Verifier reconciles predictions.
type Verifier interface {
	Verify(ctx context.Context, snapshot []*model.Card, filter func(*model.Card) bool) verification.Report
	VerifyPredecessor(ctx context.Context, produced *model.Card) (verification.Report, error)
}

// Options configures a Controller. Only Trackers is required.
type Options struct {
	Kind             string
	InterItemDelay   time.Duration
	HoldRemovalDelay time.Duration
	Trackers         *tracker.Registry
	Verifier         Verifier
	Capacity         *capacity.Manager
	Recorder         recorder.Recorder
	History          *history.Store
}

// Controller owns the per-card state machine.
type Controller struct {
	mu        sync.Mutex
	entries   map[string]*Entry
	removals  map[string]*task.Handle
	listeners []func(Event)
	produceMu sync.Mutex

	backend   Backend
	trackers  *tracker.Registry
	queue     *queue.Queue
	verifier  Verifier
	capacity  *capacity.Manager
	rec       recorder.Recorder
	hist      *history.Store
	kind      string
	holdDelay time.Duration
	baseCtx   context.Context
	pending   sync.WaitGroup
	log       zerolog.Logger
	now       func() time.Time
}

// New creates a controller. Its analysis queue and removal timers run under
// baseCtx; cancel it and call Wait to stop.
func New(baseCtx context.Context, b Backend, opts Options, log zerolog.Logger) *Controller {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if opts.HoldRemovalDelay <= 0 {
		opts.HoldRemovalDelay = DefaultHoldRemovalDelay
	}
	rec := opts.Recorder
	if rec == nil {
		rec = recorder.NewNoopRecorder()
	}
	c := &Controller{
		entries:   make(map[string]*Entry),
		removals:  make(map[string]*task.Handle),
		backend:   b,
		trackers:  opts.Trackers,
		verifier:  opts.Verifier,
		capacity:  opts.Capacity,
		rec:       rec,
		hist:      opts.History,
		kind:      opts.Kind,
		holdDelay: opts.HoldRemovalDelay,
		baseCtx:   baseCtx,
		log:       log.With().Str("component", "lifecycle").Logger(),
		now:       time.Now,
	}
	c.queue = queue.New(baseCtx, c, opts.InterItemDelay, log)
	c.trackers.Subscribe(c)
	if c.capacity != nil {
		c.capacity.OnEvicted = func(ctx context.Context, cardID string) {
			c.markRemoved(cardID, "evicted")
		}
	}
	return c
}

// Subscribe registers fn for every state change.
func (c *Controller) Subscribe(fn func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Queue exposes the analysis queue for inspection.
func (c *Controller) Queue() *queue.Queue { return c.queue }

// Wait blocks until the analysis queue and pending removals have stopped.
func (c *Controller) Wait() {
	c.queue.Wait()
	c.pending.Wait()
}

// Entry returns the view of one card.
func (c *Controller) Entry(cardID string) (Entry, bool) {
	c.mu.Lock()
	e, ok := c.entries[cardID]
	var cp Entry
	if ok {
		cp = e.clone()
	}
	c.mu.Unlock()
	if ok {
		c.attachProgress(&cp)
	}
	return cp, ok
}

// Snapshot returns every tracked card, oldest production first.
func (c *Controller) Snapshot() []Entry {
	c.mu.Lock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.clone())
	}
	c.mu.Unlock()
	for i := range out {
		c.attachProgress(&out[i])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductionNumber < out[j].ProductionNumber })
	return out
}

func (c *Controller) attachProgress(e *Entry) {
	for _, kind := range []model.ActionKind{model.KindSell, model.KindDelete} {
		if p, ok := c.trackers.Inspect(e.CardID, kind); ok {
			e.Action = &p
			return
		}
	}
}

// Track registers a card the controller has not seen yet and returns its state.
func (c *Controller) Track(card *model.Card) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[card.ID]; ok {
		return e.State
	}
	c.entries[card.ID] = &Entry{
		CardID:           card.ID,
		ProductionNumber: card.ProductionNumber,
		State:            StateGenerating,
		Label:            StateGenerating.Label(),
		Card:             card.Clone(),
		UpdatedAt:        c.now(),
		trackedAt:        c.now(),
	}
	return StateGenerating
}

// OnCardProduced takes a freshly produced card into the lifecycle: it is
// queued for analysis and its predecessor is verified right away.
func (c *Controller) OnCardProduced(ctx context.Context, card *model.Card) {
	c.Track(card)
	c.transition(card.ID, StateAwaitingAnalysis, "", nil)
	c.queue.Enqueue(card.ID)

	if c.verifier == nil {
		return
	}
	report, err := c.verifier.VerifyPredecessor(ctx, card)
	if err != nil {
		c.log.Warn().Err(err).Str("card_id", card.ID).Msg("eager verification failed")
		return
	}
	c.applyVerification(report)
}

// Produce admits one more card against the capacity limit, asks the backend
// to produce it and takes it into the lifecycle.
func (c *Controller) Produce(ctx context.Context) (*model.Card, error) {
	c.produceMu.Lock()
	defer c.produceMu.Unlock()

	if c.capacity != nil && c.capacity.Max() > 0 {
		cards, err := c.backend.ListCards(ctx, c.kind)
		if err != nil {
			return nil, fmt.Errorf("list cards: %w", err)
		}
		if _, err := c.capacity.Admit(ctx, cards); err != nil {
			return nil, fmt.Errorf("admit: %w", err)
		}
	}
	card, err := c.backend.ProduceCard(ctx, c.kind)
	if err != nil {
		return nil, fmt.Errorf("produce card: %w", err)
	}
	c.log.Info().Str("card_id", card.ID).Int64("production_number", card.ProductionNumber).Msg("card produced")
	c.OnCardProduced(ctx, card)
	return card, nil
}

// Sync reconciles the controller with a fresh backend snapshot, queues
// cards that still need a judgment or a sell signal, and runs a
// verification sweep over the same snapshot. A card missing from the
// snapshot is removed only if it was tracked before the snapshot was taken
// and the backend confirms it is gone.
func (c *Controller) Sync(ctx context.Context) error {
	since := c.now()
	cards, err := c.backend.ListCards(ctx, c.kind)
	if err != nil {
		return fmt.Errorf("list cards: %w", err)
	}
	seen := make(map[string]bool, len(cards))
	reconcileAll := func() {
		for _, card := range cards {
			seen[card.ID] = true
			c.reconcile(ctx, card)
		}
	}
	if c.hist != nil {
		if err := c.hist.Batch(reconcileAll); err != nil {
			c.log.Warn().Err(err).Msg("save history failed")
		}
	} else {
		reconcileAll()
	}

	c.mu.Lock()
	var vanished []string
	for id, e := range c.entries {
		if seen[id] || e.State == StateRemoved || e.State == StateGenerating {
			continue
		}
		if !e.trackedAt.Before(since) {
			continue
		}
		vanished = append(vanished, id)
	}
	c.mu.Unlock()
	for _, id := range vanished {
		if c.trackers.Busy(id) {
			continue
		}
		_, err := c.backend.GetCard(ctx, id)
		switch {
		case err == nil:
			continue
		case !backend.IsStale(err):
			c.log.Warn().Err(err).Str("card_id", id).Msg("confirm missing card failed")
			continue
		}
		c.markRemoved(id, "missing from backend")
	}

	if c.verifier != nil {
		c.applyVerification(c.verifier.Verify(ctx, cards, nil))
	}
	return nil
}

func (c *Controller) reconcile(ctx context.Context, card *model.Card) {
	if card.IsRemoved() {
		c.markRemoved(card.ID, "removed remotely")
		return
	}
	if c.Track(card) == StateGenerating {
		to := derive(card)
		c.transition(card.ID, to, "", nil)
		if to == StateHoldDecided || to == StateFailDecided {
			c.scheduleRemoval(card.ID)
		}
	}

	c.mu.Lock()
	e := c.entries[card.ID]
	e.Card = card.Clone()
	e.ProductionNumber = card.ProductionNumber
	state := e.State
	c.mu.Unlock()

	if c.hist != nil {
		if err := c.hist.RecordScore(card.ID, history.ScoreEntry{NBValue: card.NBValue, Price: card.LastPrice(), Time: c.now()}); err != nil {
			c.log.Warn().Err(err).Str("card_id", card.ID).Msg("record score failed")
		}
	}

	switch state {
	case StateAwaitingAnalysis:
		c.queue.Enqueue(card.ID)
	case StateBuyDecided:
		if card.IsHolding() {
			c.recordLivePnL(card)
			if !c.trackers.Busy(card.ID) {
				c.queue.Enqueue(card.ID)
			}
		}
	case StateSold:
		c.transition(card.ID, StateAwaitingVerification, "", nil)
		fallthrough
	case StateAwaitingVerification:
		if card.IsVerified() {
			c.transition(card.ID, StateVerified, "", nil)
		}
	}
}

// derive maps a card first seen during sync onto a lifecycle state.
func derive(card *model.Card) State {
	switch {
	case card.IsRemoved():
		return StateRemoved
	case card.IsSold() && card.IsVerified():
		return StateVerified
	case card.IsSold():
		return StateAwaitingVerification
	case card.IsHolding():
		return StateBuyDecided
	}
	switch card.LastJudgment {
	case model.ActionHold:
		return StateHoldDecided
	case model.ActionSell, model.ActionFail:
		return StateFailDecided
	}
	return StateAwaitingAnalysis
}

func (c *Controller) applyVerification(report verification.Report) {
	for _, out := range report.Outcomes {
		c.mu.Lock()
		e, ok := c.entries[out.CardID]
		var state State
		if ok {
			state = e.State
			if e.Card != nil {
				e.Card.VerificationStatus = out.Status
				if out.Verification != nil {
					v := *out.Verification
					e.Card.Verification = &v
				}
			}
		}
		c.mu.Unlock()
		if ok && out.Verification != nil && (state == StateAwaitingVerification || state == StateSold) {
			c.transition(out.CardID, StateVerified, "", nil)
		}
	}
}

// Analyze is run by the analysis queue for one card at a time.
func (c *Controller) Analyze(ctx context.Context, cardID string) error {
	c.mu.Lock()
	e, ok := c.entries[cardID]
	var state State
	if ok {
		state = e.State
	}
	c.mu.Unlock()
	if !ok || state == StateRemoved || c.trackers.Busy(cardID) {
		return nil
	}

	card, err := c.backend.GetCard(ctx, cardID)
	if err != nil {
		if backend.IsStale(err) {
			c.markRemoved(cardID, "not found before analysis")
			return nil
		}
		c.analysisFailed(cardID, state, err)
		return err
	}
	c.mu.Lock()
	if e, ok := c.entries[cardID]; ok {
		e.Card = card.Clone()
	}
	c.mu.Unlock()

	raw, err := c.backend.Analyze(ctx, cardID)
	if err != nil {
		if backend.IsStale(err) {
			c.markRemoved(cardID, "not found during analysis")
			return nil
		}
		c.analysisFailed(cardID, state, err)
		return err
	}
	res, err := judgment.Normalize(raw)
	if err != nil {
		c.analysisFailed(cardID, state, err)
		return err
	}
	c.storeJudgment(ctx, card, res)

	if card.IsHolding() {
		c.watchSell(ctx, card, res)
		return nil
	}
	c.decide(ctx, card, res)
	return nil
}

// analysisFailed gives the card a terminal display state. A card watching
// for its sell signal keeps its position and only shows the failure.
func (c *Controller) analysisFailed(cardID string, state State, err error) {
	c.log.Warn().Err(err).Str("card_id", cardID).Msg("analysis failed")
	if state == StateBuyDecided {
		c.setSubStatus(cardID, SubAnalysisFailed, true)
		return
	}
	c.transition(cardID, StateFailDecided, SubAnalysisFailed, func(e *Entry) { e.Judgment = model.ActionFail })
}

func (c *Controller) storeJudgment(ctx context.Context, card *model.Card, res judgment.Result) {
	fields := map[string]any{"last_judgment": res.Action}
	pred := res.Prediction(c.now())
	if pred != nil && card.Prediction == nil {
		fields["prediction"] = pred
		card.Prediction = pred
	}
	if err := c.backend.UpdateCard(ctx, card.ID, fields); err != nil {
		c.log.Warn().Err(err).Str("card_id", card.ID).Msg("persist judgment failed")
	}
	if c.hist != nil {
		if err := c.hist.RecordPrediction(history.PredictionEntry{
			CardID:           card.ID,
			ProductionNumber: card.ProductionNumber,
			Action:           res.Action,
			Confidence:       res.Confidence,
			PredictedZone:    res.PredictedZone,
			PredictedPrice:   res.PredictedPrice,
			Time:             c.now(),
		}); err != nil {
			c.log.Warn().Err(err).Str("card_id", card.ID).Msg("record prediction failed")
		}
	}
	c.mu.Lock()
	if e, ok := c.entries[card.ID]; ok {
		e.Judgment = res.Action
		e.Confidence = res.Confidence
		if e.Card != nil && e.Card.Prediction == nil && pred != nil {
			p := *pred
			e.Card.Prediction = &p
		}
	}
	c.mu.Unlock()
}

func (c *Controller) decide(ctx context.Context, card *model.Card, res judgment.Result) {
	log := c.log.With().Str("card_id", card.ID).Str("judgment", string(res.Action)).Logger()
	switch res.Action {
	case model.ActionBuy:
		c.transition(card.ID, StateBuyDecided, "", nil)
		c.recordJudgment(card, res, StateBuyDecided, false, "")
		if err := c.backend.BuyCard(ctx, card.ID); err != nil {
			if backend.IsStale(err) {
				c.markRemoved(card.ID, "not found on buy")
				return
			}
			log.Warn().Err(err).Msg("buy failed")
			c.transition(card.ID, StateFailDecided, SubBuyFailed, nil)
			return
		}
		c.setSubStatus(card.ID, SubAwaitingSell, false)

	case model.ActionSell:
		log.Warn().Bool("contradiction", true).Msg("sell judgment without an open position")
		c.transition(card.ID, StateFailDecided, SubContradiction, func(e *Entry) { e.Contradiction = true })
		c.recordJudgment(card, res, StateFailDecided, true, "sell before buy")
		c.scheduleRemoval(card.ID)

	case model.ActionHold:
		c.transition(card.ID, StateHoldDecided, SubRemovalPending, nil)
		c.recordJudgment(card, res, StateHoldDecided, false, "")
		c.scheduleRemoval(card.ID)

	default:
		c.transition(card.ID, StateFailDecided, SubRemovalPending, nil)
		c.recordJudgment(card, res, StateFailDecided, false, "unrecognized judgment")
		c.scheduleRemoval(card.ID)
	}
}

// watchSell handles a judgment on a card with an open position: only a
// SELL signal changes anything.
func (c *Controller) watchSell(ctx context.Context, card *model.Card, res judgment.Result) {
	if res.Action != model.ActionSell {
		c.transition(card.ID, StateBuyDecided, SubAwaitingSell, nil)
		c.recordLivePnL(card)
		return
	}
	c.recordJudgment(card, res, StateSellDecided, false, "")
	if _, err := c.startSell(ctx, card.ID); err != nil && !errors.Is(err, tracker.ErrAlreadyActive) {
		c.log.Warn().Err(err).Str("card_id", card.ID).Msg("sell start failed")
	}
}

func (c *Controller) startSell(ctx context.Context, cardID string) (*tracker.Run, error) {
	c.transition(cardID, StateSellDecided, "", func(e *Entry) {
		if e.State != StateSellDecided && e.State != StateWaitingSell {
			e.prevState = e.State
		}
	})
	run, err := c.trackers.Start(ctx, cardID, model.KindSell)
	switch {
	case err == nil, errors.Is(err, tracker.ErrAlreadyActive):
		c.transition(cardID, StateWaitingSell, "", nil)
		return run, err
	case backend.IsStale(err):
		c.markRemoved(cardID, "not found on sell start")
	default:
		c.transition(cardID, StateBuyDecided, SubActionFailed, nil)
	}
	return nil, err
}

func (c *Controller) recordLivePnL(card *model.Card) {
	buy, ok := card.OpenPosition()
	if !ok {
		return
	}
	price := card.LastPrice()
	pnl := calculator.PnL(buy.Price, price, buy.Quantity)
	pct, _ := calculator.PnLPercent(buy.Price, price)

	c.mu.Lock()
	if e, ok := c.entries[card.ID]; ok {
		e.PnL, e.PnLPercent = pnl, pct
	}
	c.mu.Unlock()

	if c.hist == nil {
		return
	}
	if err := c.hist.RecordPnL(card.ID, history.PnLEntry{
		EntryPrice: buy.Price,
		Price:      price,
		PnL:        pnl,
		PnLPercent: pct,
		Status:     SubAwaitingSell,
		Time:       c.now(),
	}); err != nil {
		c.log.Warn().Err(err).Str("card_id", card.ID).Msg("record pnl failed")
	}
}

func (c *Controller) recordJudgment(card *model.Card, res judgment.Result, state State, contradiction bool, note string) {
	if err := c.rec.RecordJudgment(&recorder.JudgmentEvent{
		CardID:           card.ID,
		ProductionNumber: card.ProductionNumber,
		Action:           res.Action,
		Confidence:       res.Confidence,
		PredictedZone:    res.PredictedZone,
		PredictedPrice:   res.PredictedPrice,
		State:            string(state),
		Contradiction:    contradiction,
		Note:             note,
	}); err != nil {
		c.log.Warn().Err(err).Str("card_id", card.ID).Msg("record judgment failed")
	}
}

// scheduleRemoval deletes the card after the grace delay with an immediate
// backend delete. It does not consult the card's own verification.
func (c *Controller) scheduleRemoval(cardID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.removals[cardID]; ok {
		return
	}
	c.pending.Add(1)
	c.removals[cardID] = task.Go(c.baseCtx, func(ctx context.Context) error {
		defer c.pending.Done()
		defer func() {
			c.mu.Lock()
			delete(c.removals, cardID)
			c.mu.Unlock()
		}()
		if err := task.Sleep(ctx, c.holdDelay); err != nil {
			return err
		}
		c.removeNow(ctx, cardID)
		return nil
	})
}

func (c *Controller) removeNow(ctx context.Context, cardID string) {
	if c.trackers.Busy(cardID) {
		return
	}
	err := c.backend.DeleteCard(ctx, cardID)
	switch {
	case err == nil:
		c.markRemoved(cardID, "auto removal")
	case backend.IsStale(err):
		c.markRemoved(cardID, "already gone")
	case backend.IsConflict(err):
		c.log.Warn().Err(err).Str("card_id", cardID).Msg("auto removal refused")
		c.setSubStatus(cardID, SubRemovalBlocked, true)
	default:
		c.log.Warn().Err(err).Str("card_id", cardID).Msg("auto removal failed")
		c.setSubStatus(cardID, SubRemovalFailed, true)
	}
}

// RequestSell starts a user sell through the action tracker.
func (c *Controller) RequestSell(ctx context.Context, cardID string) (*tracker.Run, error) {
	e, ok := c.Entry(cardID)
	if !ok {
		return nil, ErrUnknownCard
	}
	if e.State == StateRemoved {
		return nil, ErrRemoved
	}
	if e.Card == nil || !e.Card.IsHolding() {
		return nil, ErrNotHolding
	}
	return c.startSell(ctx, cardID)
}

// RequestDelete starts a user delete through the action tracker.
func (c *Controller) RequestDelete(ctx context.Context, cardID string) (*tracker.Run, error) {
	e, ok := c.Entry(cardID)
	if !ok {
		return nil, ErrUnknownCard
	}
	if e.State == StateRemoved {
		return nil, ErrRemoved
	}
	run, err := c.trackers.Start(ctx, cardID, model.KindDelete)
	switch {
	case err == nil:
		c.setSubStatus(cardID, SubDeletePending, false)
	case backend.IsStale(err):
		c.markRemoved(cardID, "not found on delete start")
	}
	return run, err
}

// CancelAction cancels a running sell or delete.
func (c *Controller) CancelAction(ctx context.Context, cardID string, kind model.ActionKind) error {
	return c.trackers.Cancel(ctx, cardID, kind)
}

// ActionFinished is called by the tracker registry once a run has ended.
func (c *Controller) ActionFinished(ctx context.Context, res tracker.Result) {
	if err := c.rec.RecordAction(&recorder.ActionEvent{
		RunID:    res.RunID,
		CardID:   res.CardID,
		Kind:     res.Kind,
		Outcome:  string(res.Outcome),
		Percent:  res.Percent,
		Message:  res.Message,
		Duration: res.UpdatedAt.Sub(res.StartedAt),
	}); err != nil {
		c.log.Warn().Err(err).Str("card_id", res.CardID).Msg("record action failed")
	}

	switch {
	case res.Outcome == tracker.OutcomeStale:
		c.markRemoved(res.CardID, "vanished during "+string(res.Kind))
	case res.Outcome == tracker.OutcomeCompleted && res.Kind == model.KindDelete:
		c.markRemoved(res.CardID, "deleted")
	case res.Outcome == tracker.OutcomeCompleted && res.Kind == model.KindSell:
		c.sold(ctx, res.CardID)
	case res.Outcome == tracker.OutcomeCancelled:
		c.restore(res.CardID, res.Kind, SubActionCancelled)
	default:
		c.restore(res.CardID, res.Kind, SubActionFailed)
	}
}

func (c *Controller) sold(ctx context.Context, cardID string) {
	c.transition(cardID, StateSold, "", nil)
	card, err := c.backend.GetCard(ctx, cardID)
	if err != nil {
		if backend.IsStale(err) {
			c.markRemoved(cardID, "not found after sell")
			return
		}
		c.log.Warn().Err(err).Str("card_id", cardID).Msg("refresh after sell failed")
	} else {
		c.mu.Lock()
		if e, ok := c.entries[cardID]; ok {
			e.Card = card.Clone()
			if sell := lastSold(card); sell != nil {
				e.PnL = sell.PnL
			}
		}
		c.mu.Unlock()
	}
	c.transition(cardID, StateAwaitingVerification, "", nil)
}

func lastSold(card *model.Card) *model.HistoryEvent {
	for i := len(card.History) - 1; i >= 0; i-- {
		if card.History[i].Type == model.EventSold {
			return &card.History[i]
		}
	}
	return nil
}

// restore returns the card to the state it had before the action.
func (c *Controller) restore(cardID string, kind model.ActionKind, sub string) {
	c.mu.Lock()
	e, ok := c.entries[cardID]
	var to State
	if ok {
		to = e.State
		if kind == model.KindSell && e.prevState != "" {
			to = e.prevState
		}
		if kind == model.KindSell && (to == StateSellDecided || to == StateWaitingSell) {
			to = StateBuyDecided
		}
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.transition(cardID, to, sub, nil)
}

func (c *Controller) markRemoved(cardID, reason string) {
	c.mu.Lock()
	e, ok := c.entries[cardID]
	already := ok && e.State == StateRemoved
	if h, pending := c.removals[cardID]; pending {
		h.Cancel()
	}
	c.mu.Unlock()
	if !ok || already {
		return
	}
	c.log.Info().Str("card_id", cardID).Str("reason", reason).Msg("card removed")
	c.transition(cardID, StateRemoved, "", nil)
	if c.hist != nil {
		if err := c.hist.Forget(cardID); err != nil {
			c.log.Warn().Err(err).Str("card_id", cardID).Msg("forget history failed")
		}
	}
}

// transition moves a card to a new state. REMOVED is terminal.
func (c *Controller) transition(cardID string, to State, sub string, mutate func(e *Entry)) {
	c.mu.Lock()
	e, ok := c.entries[cardID]
	if !ok || (e.State == StateRemoved && to != StateRemoved) {
		c.mu.Unlock()
		return
	}
	from := e.State
	if mutate != nil {
		mutate(e)
	}
	e.State = to
	e.Label = to.Label()
	e.SubStatus = sub
	e.UpdatedAt = c.now()
	evt := Event{
		CardID:           cardID,
		ProductionNumber: e.ProductionNumber,
		From:             from,
		To:               to,
		SubStatus:        sub,
		Warning:          to == StateFailDecided,
		Time:             e.UpdatedAt,
	}
	listeners := append(([]func(Event))(nil), c.listeners...)
	c.mu.Unlock()

	if from == to && sub == "" {
		return
	}
	c.log.Debug().Str("card_id", cardID).Str("from", string(from)).Str("to", string(to)).Str("sub", sub).Msg("transition")
	for _, fn := range listeners {
		fn(evt)
	}
}

func (c *Controller) setSubStatus(cardID, sub string, warning bool) {
	c.mu.Lock()
	e, ok := c.entries[cardID]
	if !ok || e.SubStatus == sub {
		c.mu.Unlock()
		return
	}
	e.SubStatus = sub
	e.UpdatedAt = c.now()
	evt := Event{CardID: cardID, ProductionNumber: e.ProductionNumber, From: e.State, To: e.State, SubStatus: sub, Warning: warning, Time: e.UpdatedAt}
	listeners := append(([]func(Event))(nil), c.listeners...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(evt)
	}
}

// PnLSummary sums realized and unrealized results over tracked cards.
func (c *Controller) PnLSummary() (realized, unrealized decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.Card == nil {
			continue
		}
		if e.Card.IsHolding() {
			unrealized = unrealized.Add(e.PnL)
			continue
		}
		for _, h := range e.Card.History {
			if h.Type == model.EventSold {
				realized = realized.Add(h.PnL)
			}
		}
	}
	return realized, unrealized
}
