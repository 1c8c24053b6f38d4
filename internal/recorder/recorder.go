package recorder

import (
	"time"

	"github.com/shopspring/decimal"

	"CardSentinel/internal/model"
)

// JudgmentEvent records one interpreted oracle judgment.
type JudgmentEvent struct {
	CardID           string
	ProductionNumber int64
	Action           model.Action
	Confidence       float64
	PredictedZone    model.Zone
	PredictedPrice   decimal.Decimal
	State            string // lifecycle state after the judgment
	Contradiction    bool   // SELL without an open position
	Note             string
}

// ActionEvent records how a sell/delete run ended.
type ActionEvent struct {
	RunID    string
	CardID   string
	Kind     model.ActionKind
	Outcome  string // "completed", "cancelled", "failed", "stale"
	Percent  int
	Message  string
	Duration time.Duration
}

// VerificationEvent records one reconciled prediction.
type VerificationEvent struct {
	CardID            string
	NextCardID        string
	ProductionNumber  int64
	Status            model.VerificationStatus
	PredictedZone     model.Zone
	ActualZone        model.Zone
	PredictedPrice    decimal.Decimal
	ActualPrice       decimal.Decimal
	PriceErrorPercent decimal.NullDecimal
	ZoneCorrect       *bool
	PriceCorrect      *bool
}

// EvictionEvent records one capacity eviction attempt.
type EvictionEvent struct {
	CardID           string
	ProductionNumber int64
	Reason           string // "sold" or "hold"
	Outcome          string // "deleted", "stale", "conflict", "error"
	Error            string
}

// Accuracy summarizes verified predictions.
type Accuracy struct {
	Verified     int `json:"verified"`
	ZoneChecked  int `json:"zone_checked"`
	ZoneCorrect  int `json:"zone_correct"`
	PriceChecked int `json:"price_checked"`
	PriceCorrect int `json:"price_correct"`
}

// Recorder persists the audit trail of the card lifecycle.
type Recorder interface {
	RecordJudgment(evt *JudgmentEvent) error
	RecordAction(evt *ActionEvent) error
	RecordVerification(evt *VerificationEvent) error
	RecordEviction(evt *EvictionEvent) error
	Accuracy() (Accuracy, error)
	Close() error
}
