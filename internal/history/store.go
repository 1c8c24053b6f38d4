// Package history keeps the local, durable per-card series: prediction
// history, realtime scores, realtime P&L and actual-price validation, plus
// an aggregate prediction log. Every series is capped to its newest entries.
package history

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"CardSentinel/internal/model"
)

// Limits on series length.
const (
	MinEntries          = 50
	DefaultMaxEntries   = 200
	DefaultAggregateMax = 50
)

// AggregateKey holds the cross-card prediction log.
const AggregateKey = "prediction_cards_history"

func PredictionKey(cardID string) string      { return "prediction_history_" + cardID }
func ScoreKey(cardID string) string           { return "realtime_scores_" + cardID }
func PnLKey(cardID string) string             { return "realtime_pnl_" + cardID }
func PriceValidationKey(cardID string) string { return "price_validation_" + cardID }

// PredictionEntry is one oracle judgment with its forecast.
type PredictionEntry struct {
	CardID           string          `json:"card_id"`
	ProductionNumber int64           `json:"production_number"`
	Action           model.Action    `json:"action"`
	Confidence       float64         `json:"confidence"`
	PredictedZone    model.Zone      `json:"predicted_next_zone,omitempty"`
	PredictedPrice   decimal.Decimal `json:"predicted_next_price"`
	Time             time.Time       `json:"timestamp"`
}

// ScoreEntry is one sample of a card's technical score.
type ScoreEntry struct {
	NBValue float64         `json:"nb_value"`
	Price   decimal.Decimal `json:"price"`
	Time    time.Time       `json:"timestamp"`
}

// PnLEntry is one sample of a held position's unrealized result.
type PnLEntry struct {
	EntryPrice decimal.Decimal `json:"entry_price"`
	Price      decimal.Decimal `json:"price"`
	PnL        decimal.Decimal `json:"pnl"`
	PnLPercent decimal.Decimal `json:"pnl_percent"`
	Status     string          `json:"status"`
	Time       time.Time       `json:"timestamp"`
}

// ValidationEntry records how a prediction compared with the next card.
type ValidationEntry struct {
	NextCardID        string              `json:"next_card_id"`
	PredictedZone     model.Zone          `json:"predicted_zone,omitempty"`
	ActualZone        model.Zone          `json:"actual_zone,omitempty"`
	PredictedPrice    decimal.Decimal     `json:"predicted_price"`
	ActualPrice       decimal.Decimal     `json:"actual_price"`
	PriceErrorPercent decimal.NullDecimal `json:"price_error_percent"`
	ZoneCorrect       *bool               `json:"zone_correct,omitempty"`
	PriceCorrect      *bool               `json:"price_correct,omitempty"`
	Time              time.Time           `json:"timestamp"`
}

// Store is the mutex-guarded series store. With an empty file path it
// keeps everything in memory.
type Store struct {
	mu           sync.Mutex
	state        *State
	filePath     string
	maxEntries   int
	aggregateMax int
	batch        int
	dirty        bool
	log          zerolog.Logger
}

// NewStore loads or initializes the store at filePath.
func NewStore(filePath string, maxEntries, aggregateMax int, log zerolog.Logger) (*Store, error) {
	state := &State{Series: make(map[string][]json.RawMessage)}
	if filePath != "" {
		var err error
		if state, err = LoadState(filePath); err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if aggregateMax <= 0 {
		aggregateMax = DefaultAggregateMax
	}
	return &Store{
		state:        state,
		filePath:     filePath,
		maxEntries:   maxEntries,
		aggregateMax: aggregateMax,
		log:          log.With().Str("component", "history").Logger(),
	}, nil
}

// Append adds v to the series under key, truncates it to the newest
// entries and persists the store.
func (s *Store) Append(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := s.maxEntries
	if key == AggregateKey {
		limit = s.aggregateMax
	}
	series := append(s.state.Series[key], data)
	if len(series) > limit {
		series = append([]json.RawMessage(nil), series[len(series)-limit:]...)
	}
	s.state.Series[key] = series
	return s.save()
}

// Len is the number of entries under key.
func (s *Store) Len(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.Series[key])
}

// Forget drops every series of a card.
func (s *Store) Forget(cardID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, key := range []string{PredictionKey(cardID), ScoreKey(cardID), PnLKey(cardID), PriceValidationKey(cardID)} {
		if _, ok := s.state.Series[key]; ok {
			delete(s.state.Series, key)
			removed++
		}
	}
	if removed == 0 {
		return nil
	}
	s.log.Debug().Str("card_id", cardID).Int("series", removed).Msg("history forgotten")
	return s.save()
}

// RecordPrediction appends to the card's prediction history and the aggregate log.
func (s *Store) RecordPrediction(e PredictionEntry) error {
	if err := s.Append(PredictionKey(e.CardID), e); err != nil {
		return err
	}
	return s.Append(AggregateKey, e)
}

func (s *Store) RecordScore(cardID string, e ScoreEntry) error {
	return s.Append(ScoreKey(cardID), e)
}

func (s *Store) RecordPnL(cardID string, e PnLEntry) error {
	return s.Append(PnLKey(cardID), e)
}

func (s *Store) RecordPriceValidation(cardID string, e ValidationEntry) error {
	return s.Append(PriceValidationKey(cardID), e)
}

// Read decodes the series under key, oldest first.
func Read[T any](s *Store, key string) ([]T, error) {
	s.mu.Lock()
	raw := append([]json.RawMessage(nil), s.state.Series[key]...)
	s.mu.Unlock()

	out := make([]T, 0, len(raw))
	for i, r := range raw {
		var v T
		if err := json.Unmarshal(r, &v); err != nil {
			return nil, fmt.Errorf("decode %s[%d]: %w", key, i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// LatestPnL returns the newest P&L sample of a card.
func (s *Store) LatestPnL(cardID string) (PnLEntry, bool) {
	entries, err := Read[PnLEntry](s, PnLKey(cardID))
	if err != nil || len(entries) == 0 {
		return PnLEntry{}, false
	}
	return entries[len(entries)-1], true
}

// Batch runs fn with saving suspended and writes the file once afterwards
// if anything changed. Batches nest.
func (s *Store) Batch(fn func()) error {
	s.mu.Lock()
	s.batch++
	s.mu.Unlock()

	fn()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.batch--
	if s.batch > 0 || !s.dirty {
		return nil
	}
	s.dirty = false
	return s.save()
}

func (s *Store) save() error {
	if s.filePath == "" {
		return nil
	}
	if s.batch > 0 {
		s.dirty = true
		return nil
	}
	if err := SaveState(s.filePath, s.state); err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	return nil
}
