// Package verification reconciles each card's stored prediction with the
// realized zone and price of the card produced right after it.
package verification

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"CardSentinel/internal/calculator"
	"CardSentinel/internal/history"
	"CardSentinel/internal/model"
	"CardSentinel/internal/recorder"
)

// DefaultTolerancePercent is the largest price error still counted as correct.
var DefaultTolerancePercent = decimal.NewFromInt(2)

// Backend is the part of the card backend the engine needs.
type Backend interface {
	ListCards(ctx context.Context, kind string) ([]*model.Card, error)
	UpdateCard(ctx context.Context, cardID string, fields map[string]any) error
	LearnFromVerification(ctx context.Context, cardID string) error
}

// Options configures an Engine. Recorder and History are optional.
type Options struct {
	Kind             string
	TolerancePercent decimal.Decimal
	Recorder         recorder.Recorder
	History          *history.Store
}

// Outcome is the result of evaluating one card.
type Outcome struct {
	CardID       string                   `json:"card_id"`
	Status       model.VerificationStatus `json:"status"`
	Verification *model.Verification      `json:"verification,omitempty"`
	Persisted    bool                     `json:"persisted"`
}

// Report summarizes one sweep.
type Report struct {
	Checked  int       `json:"checked"`
	Verified int       `json:"verified"`
	Outcomes []Outcome `json:"outcomes"`
}

// Engine runs verification sweeps. Sweeps never overlap.
type Engine struct {
	mu        sync.Mutex
	backend   Backend
	kind      string
	tolerance decimal.Decimal
	rec       recorder.Recorder
	hist      *history.Store
	log       zerolog.Logger
	now       func() time.Time
}

// New creates an engine.
func New(b Backend, opts Options, log zerolog.Logger) *Engine {
	tol := opts.TolerancePercent
	if !tol.IsPositive() {
		tol = DefaultTolerancePercent
	}
	rec := opts.Recorder
	if rec == nil {
		rec = recorder.NewNoopRecorder()
	}
	return &Engine{
		backend:   b,
		kind:      opts.Kind,
		tolerance: tol,
		rec:       rec,
		hist:      opts.History,
		log:       log.With().Str("component", "verification").Logger(),
		now:       time.Now,
	}
}

// Evaluate decides the verification of card given the card produced right
// after it. next is nil when no card carries production_number+1; later
// reports whether any card with a higher number exists. Evaluate is pure:
// it reads both cards and mutates neither.
func Evaluate(card, next *model.Card, later bool, tolerancePercent decimal.Decimal, now time.Time) (model.VerificationStatus, *model.Verification) {
	pred := card.Prediction
	if !pred.HasZone() && !pred.HasPrice() {
		return model.VerifyNoPrediction, nil
	}
	if next == nil {
		if later {
			return model.VerifyNoNextCard, nil
		}
		return model.VerifyWaitingNextCard, nil
	}

	v := &model.Verification{
		NextCardID:  next.ID,
		ActualZone:  next.Zone,
		ActualPrice: next.LastPrice(),
		VerifiedAt:  now,
	}
	checked := false
	if pred.HasZone() && next.Zone.Valid() {
		ok := pred.NextZone == next.Zone
		v.ZoneCorrect = &ok
		checked = true
	}
	if pred.HasPrice() && v.ActualPrice.IsPositive() {
		ok, pct, err := calculator.WithinTolerance(pred.NextPrice, v.ActualPrice, tolerancePercent)
		if err == nil {
			v.PriceCorrect = &ok
			v.PriceErrorPercent = decimal.NewNullDecimal(pct)
			checked = true
		}
	}
	if !checked {
		if pred.HasZone() && !next.Zone.Valid() {
			return model.VerifyWaitingZone, nil
		}
		return model.VerifyWaitingInfo, nil
	}
	v.PredictionVerified = true
	return model.VerifyVerified, v
}

// Order returns the numbered cards sorted by production number, ties
// resolved by creation time, followed by the cards without a number in
// creation order. Those get numbers above the current maximum; the
// returned map lists the assignments.
func Order(cards []*model.Card) ([]*model.Card, map[string]int64) {
	var numbered, legacy []*model.Card
	var maxNumber int64
	for _, c := range cards {
		cp := c.Clone()
		if cp.ProductionNumber <= 0 {
			legacy = append(legacy, cp)
			continue
		}
		numbered = append(numbered, cp)
		if cp.ProductionNumber > maxNumber {
			maxNumber = cp.ProductionNumber
		}
	}
	sort.SliceStable(numbered, func(i, j int) bool {
		a, b := numbered[i], numbered[j]
		if a.ProductionNumber != b.ProductionNumber {
			return a.ProductionNumber < b.ProductionNumber
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	sort.SliceStable(legacy, func(i, j int) bool {
		return legacy[i].CreatedAt.Before(legacy[j].CreatedAt)
	})

	assigned := make(map[string]int64, len(legacy))
	for _, c := range legacy {
		maxNumber++
		c.ProductionNumber = maxNumber
		assigned[c.ID] = maxNumber
	}
	return append(numbered, legacy...), assigned
}

// Sweep verifies every unverified live card of the backend.
func (e *Engine) Sweep(ctx context.Context) (Report, error) {
	cards, err := e.backend.ListCards(ctx, e.kind)
	if err != nil {
		return Report{}, fmt.Errorf("list cards: %w", err)
	}
	return e.Verify(ctx, cards, nil), nil
}

// VerifyPredecessor runs eagerly after a card was produced: it verifies the
// card whose successor is produced.
func (e *Engine) VerifyPredecessor(ctx context.Context, produced *model.Card) (Report, error) {
	cards, err := e.backend.ListCards(ctx, e.kind)
	if err != nil {
		return Report{}, fmt.Errorf("list cards: %w", err)
	}
	target := produced.ProductionNumber - 1
	return e.Verify(ctx, cards, func(c *model.Card) bool { return c.ProductionNumber == target }), nil
}

// Verify evaluates the unverified live cards of a snapshot that match
// filter (nil matches all) and persists every change. Only the evaluated
// card is ever written.
func (e *Engine) Verify(ctx context.Context, snapshot []*model.Card, filter func(*model.Card) bool) Report {
	e.mu.Lock()
	defer e.mu.Unlock()

	cards, assigned := Order(snapshot)
	for id, n := range assigned {
		if err := e.backend.UpdateCard(ctx, id, map[string]any{"production_number": n}); err != nil {
			e.log.Warn().Err(err).Str("card_id", id).Int64("production_number", n).Msg("persist assigned production number failed")
		}
	}

	byNumber := make(map[int64]*model.Card, len(cards))
	var maxNumber int64
	for _, c := range cards {
		if _, dup := byNumber[c.ProductionNumber]; !dup {
			byNumber[c.ProductionNumber] = c
		}
		if c.ProductionNumber > maxNumber {
			maxNumber = c.ProductionNumber
		}
	}

	var report Report
	now := e.now()
	for _, card := range cards {
		if card.IsRemoved() || card.IsVerified() {
			continue
		}
		if filter != nil && !filter(card) {
			continue
		}
		report.Checked++
		next := byNumber[card.ProductionNumber+1]
		status, v := Evaluate(card, next, maxNumber > card.ProductionNumber, e.tolerance, now)
		out := Outcome{CardID: card.ID, Status: status, Verification: v}

		if status != card.VerificationStatus || v != nil {
			fields := map[string]any{"verification_status": status}
			if v != nil {
				fields["verification"] = v
			}
			if err := e.backend.UpdateCard(ctx, card.ID, fields); err != nil {
				e.log.Warn().Err(err).Str("card_id", card.ID).Str("status", string(status)).Msg("persist verification failed")
			} else {
				out.Persisted = true
			}
		}
		if v != nil {
			report.Verified++
			e.afterVerified(ctx, card, next, v)
		}
		report.Outcomes = append(report.Outcomes, out)
	}
	if report.Verified > 0 {
		e.log.Info().Int("checked", report.Checked).Int("verified", report.Verified).Msg("verification sweep done")
	}
	return report
}

// afterVerified forwards the outcome to the learning endpoint, the audit
// log and the local validation series. None of them can undo verification.
func (e *Engine) afterVerified(ctx context.Context, card, next *model.Card, v *model.Verification) {
	log := e.log.With().Str("card_id", card.ID).Str("next_card_id", next.ID).Logger()
	if err := e.backend.LearnFromVerification(ctx, card.ID); err != nil {
		log.Warn().Err(err).Msg("learn from verification failed")
	}
	pred := card.Prediction
	if err := e.rec.RecordVerification(&recorder.VerificationEvent{
		CardID:            card.ID,
		NextCardID:        next.ID,
		ProductionNumber:  card.ProductionNumber,
		Status:            model.VerifyVerified,
		PredictedZone:     pred.NextZone,
		ActualZone:        v.ActualZone,
		PredictedPrice:    pred.NextPrice,
		ActualPrice:       v.ActualPrice,
		PriceErrorPercent: v.PriceErrorPercent,
		ZoneCorrect:       v.ZoneCorrect,
		PriceCorrect:      v.PriceCorrect,
	}); err != nil {
		log.Warn().Err(err).Msg("record verification failed")
	}
	if e.hist != nil {
		if err := e.hist.RecordPriceValidation(card.ID, history.ValidationEntry{
			NextCardID:        next.ID,
			PredictedZone:     pred.NextZone,
			ActualZone:        v.ActualZone,
			PredictedPrice:    pred.NextPrice,
			ActualPrice:       v.ActualPrice,
			PriceErrorPercent: v.PriceErrorPercent,
			ZoneCorrect:       v.ZoneCorrect,
			PriceCorrect:      v.PriceCorrect,
			Time:              v.VerifiedAt,
		}); err != nil {
			log.Warn().Err(err).Msg("record price validation failed")
		}
	}
	log.Info().
		Bool("zone_checked", v.ZoneCorrect != nil).
		Bool("price_checked", v.PriceCorrect != nil).
		Msg("prediction verified")
}
