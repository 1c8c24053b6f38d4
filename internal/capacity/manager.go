// Package capacity enforces the maximum number of live cards at production
// time by evicting safe candidates, oldest first.
package capacity

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"CardSentinel/internal/backend"
	"CardSentinel/internal/model"
	"CardSentinel/internal/recorder"
)

var (
	// ErrNoEvictionCandidate fails production when the limit is reached and
	// no card is safe to evict.
	ErrNoEvictionCandidate = errors.New("card limit reached and no card can be evicted")
	// ErrCapacityExhausted fails production when every candidate was tried
	// and not enough cards could be freed.
	ErrCapacityExhausted = errors.New("card limit reached and eviction did not free enough cards")
)

// Deleter removes a card immediately, without the action wait window.
type Deleter interface {
	DeleteCard(ctx context.Context, cardID string) error
}

// Reason is why a card qualifies for eviction.
type Reason string

const (
	ReasonSold Reason = "sold"
	ReasonHold Reason = "hold"
)

// Candidate is a card that may be evicted.
type Candidate struct {
	Card   *model.Card
	Reason Reason
}

// Manager admits new production against the configured maximum.
type Manager struct {
	max     int
	backend Deleter
	rec     recorder.Recorder
	log     zerolog.Logger

	// OnEvicted, when set, is called for every card that is gone after an
	// eviction attempt (deleted or already missing).
	OnEvicted func(ctx context.Context, cardID string)
}

// New creates a manager. max <= 0 means unbounded.
func New(b Deleter, max int, rec recorder.Recorder, log zerolog.Logger) *Manager {
	if rec == nil {
		rec = recorder.NewNoopRecorder()
	}
	return &Manager{
		max:     max,
		backend: b,
		rec:     rec,
		log:     log.With().Str("component", "capacity").Logger(),
	}
}

// Max is the configured limit; zero or less is unbounded.
func (m *Manager) Max() int { return m.max }

// LiveCount counts cards that are not removed.
func LiveCount(cards []*model.Card) int {
	n := 0
	for _, c := range cards {
		if !c.IsRemoved() {
			n++
		}
	}
	return n
}

// Candidates lists eviction candidates in eviction order: sold cards
// first, then cards whose latest judgment is HOLD and that hold no open
// position. Within each group the oldest production comes first.
func Candidates(cards []*model.Card) []Candidate {
	var sold, hold []*model.Card
	for _, c := range cards {
		switch {
		case c.IsRemoved():
		case c.IsSold():
			sold = append(sold, c)
		case c.LastJudgment == model.ActionHold && !c.IsHolding():
			hold = append(hold, c)
		}
	}
	oldestFirst(sold)
	oldestFirst(hold)

	out := make([]Candidate, 0, len(sold)+len(hold))
	for _, c := range sold {
		out = append(out, Candidate{Card: c, Reason: ReasonSold})
	}
	for _, c := range hold {
		out = append(out, Candidate{Card: c, Reason: ReasonHold})
	}
	return out
}

func oldestFirst(cards []*model.Card) {
	sort.SliceStable(cards, func(i, j int) bool {
		a, b := cards[i], cards[j]
		if a.ProductionNumber != b.ProductionNumber {
			return a.ProductionNumber < b.ProductionNumber
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

// Admit makes room for one more card. It returns the ids of the cards that
// are gone afterwards. Each candidate is tried once per call: a card that
// refuses deletion is skipped in favor of the next-oldest one.
func (m *Manager) Admit(ctx context.Context, cards []*model.Card) ([]string, error) {
	if m.max <= 0 {
		return nil, nil
	}
	live := LiveCount(cards)
	if live < m.max {
		return nil, nil
	}
	need := live - m.max + 1
	candidates := Candidates(cards)
	if len(candidates) == 0 {
		m.log.Warn().Int("live", live).Int("max", m.max).Msg("card limit reached, nothing to evict")
		return nil, fmt.Errorf("%w (%d/%d live)", ErrNoEvictionCandidate, live, m.max)
	}

	var freed []string
	for _, cand := range candidates {
		if need == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return freed, err
		}
		log := m.log.With().Str("card_id", cand.Card.ID).Str("reason", string(cand.Reason)).Logger()
		evt := &recorder.EvictionEvent{
			CardID:           cand.Card.ID,
			ProductionNumber: cand.Card.ProductionNumber,
			Reason:           string(cand.Reason),
		}

		err := m.backend.DeleteCard(ctx, cand.Card.ID)
		switch {
		case err == nil:
			evt.Outcome = "deleted"
			log.Info().Msg("card evicted")
		case backend.IsStale(err):
			evt.Outcome = "stale"
			log.Info().Msg("eviction candidate already gone")
		case backend.IsConflict(err):
			evt.Outcome, evt.Error = "conflict", err.Error()
			log.Warn().Err(err).Msg("eviction refused, trying next candidate")
		default:
			evt.Outcome, evt.Error = "error", err.Error()
			log.Warn().Err(err).Msg("eviction failed, trying next candidate")
		}
		if recErr := m.rec.RecordEviction(evt); recErr != nil {
			log.Warn().Err(recErr).Msg("record eviction failed")
		}
		if evt.Outcome == "deleted" || evt.Outcome == "stale" {
			need--
			freed = append(freed, cand.Card.ID)
			if m.OnEvicted != nil {
				m.OnEvicted(ctx, cand.Card.ID)
			}
		}
	}
	if need > 0 {
		return freed, fmt.Errorf("%w (%d more needed after %d candidates)", ErrCapacityExhausted, need, len(candidates))
	}
	return freed, nil
}
