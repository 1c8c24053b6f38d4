package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Zone is the binary market regime label carried by a card.
type Zone string

const (
	ZoneBlue   Zone = "BLUE"   // up-biased
	ZoneOrange Zone = "ORANGE" // down-biased
)

// Valid reports whether z is one of the known zones.
func (z Zone) Valid() bool {
	return z == ZoneBlue || z == ZoneOrange
}

// CardState is the backend lifecycle marker of a card.
type CardState string

const (
	CardActive        CardState = "ACTIVE"
	CardOverlapActive CardState = "OVERLAP_ACTIVE"
	CardRemoved       CardState = "REMOVED"
)

// EventType classifies an entry of a card's history list.
type EventType string

const (
	EventNew  EventType = "NEW"
	EventBuy  EventType = "BUY"
	EventSold EventType = "SOLD"
)

// HistoryEvent is one typed entry of a card's append-only history.
type HistoryEvent struct {
	Type     EventType       `json:"type"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	PnL      decimal.Decimal `json:"pnl"`
	Time     time.Time       `json:"timestamp"`
}

// Prediction is the oracle's forecast for the next produced card.
// It is written once and only touched afterwards by verification.
type Prediction struct {
	NextZone    Zone            `json:"predicted_next_zone,omitempty"`
	NextPrice   decimal.Decimal `json:"predicted_next_price"`
	Confidence  float64         `json:"confidence"`
	Reasoning   string          `json:"reasoning,omitempty"`
	PredictedAt time.Time       `json:"predicted_at"`
}

// HasZone reports whether a zone was predicted.
func (p *Prediction) HasZone() bool { return p != nil && p.NextZone.Valid() }

// HasPrice reports whether a positive price was predicted.
func (p *Prediction) HasPrice() bool { return p != nil && p.NextPrice.IsPositive() }

// VerificationStatus describes where a card's prediction is in reconciliation.
type VerificationStatus string

const (
	VerifyNoPrediction    VerificationStatus = "no_prediction"
	VerifyWaitingNextCard VerificationStatus = "waiting_next_card"
	VerifyWaitingZone     VerificationStatus = "waiting_zone"
	VerifyWaitingInfo     VerificationStatus = "waiting_info"
	VerifyVerified        VerificationStatus = "verified"
	VerifyNoNextCard      VerificationStatus = "no_next_card"
)

// Verification is the reconciled outcome of a card's prediction against
// the realized zone and price of the card produced right after it.
type Verification struct {
	PredictionVerified bool                `json:"prediction_verified"`
	ZoneCorrect        *bool               `json:"zone_prediction_correct,omitempty"`
	PriceCorrect       *bool               `json:"price_prediction_correct,omitempty"`
	ActualZone         Zone                `json:"prediction_actual_zone,omitempty"`
	ActualPrice        decimal.Decimal     `json:"prediction_actual_price"`
	PriceErrorPercent  decimal.NullDecimal `json:"prediction_price_error_percent"`
	NextCardID         string              `json:"next_card_id"`
	VerifiedAt         time.Time           `json:"verified_at"`
}

// Card is one trading-signal lifecycle unit.
type Card struct {
	ID               string    `json:"card_id"`
	ProductionNumber int64     `json:"production_number"`
	Kind             string    `json:"kind,omitempty"`
	CreatedAt        time.Time `json:"created_at"`

	NBValue      float64           `json:"nb_value"`
	NBMax        float64           `json:"nb_max"`
	NBMin        float64           `json:"nb_min"`
	Prices       []decimal.Decimal `json:"price_series,omitempty"`
	CurrentPrice decimal.Decimal   `json:"current_price"`
	Zone         Zone              `json:"zone,omitempty"`

	State        CardState      `json:"card_state"`
	LastJudgment Action         `json:"last_judgment,omitempty"`
	History      []HistoryEvent `json:"history_list,omitempty"`

	Prediction         *Prediction        `json:"prediction,omitempty"`
	VerificationStatus VerificationStatus `json:"verification_status,omitempty"`
	Verification       *Verification      `json:"verification,omitempty"`
}

// IsRemoved reports whether the backend marked the card removed.
func (c *Card) IsRemoved() bool { return c.State == CardRemoved }

// IsSold reports whether the card has a SOLD history entry.
func (c *Card) IsSold() bool {
	for _, e := range c.History {
		if e.Type == EventSold {
			return true
		}
	}
	return false
}

// OpenPosition returns the BUY event of a position that has not been sold yet.
func (c *Card) OpenPosition() (HistoryEvent, bool) {
	var open *HistoryEvent
	for i := range c.History {
		switch c.History[i].Type {
		case EventBuy:
			open = &c.History[i]
		case EventSold:
			open = nil
		}
	}
	if open == nil {
		return HistoryEvent{}, false
	}
	return *open, true
}

// IsHolding reports whether the card carries an open position.
func (c *Card) IsHolding() bool {
	_, ok := c.OpenPosition()
	return ok
}

// HasBought reports whether the card was ever bought.
func (c *Card) HasBought() bool {
	for _, e := range c.History {
		if e.Type == EventBuy {
			return true
		}
	}
	return false
}

// LastPrice is the last chart price, falling back to the current price.
func (c *Card) LastPrice() decimal.Decimal {
	for i := len(c.Prices) - 1; i >= 0; i-- {
		if c.Prices[i].IsPositive() {
			return c.Prices[i]
		}
	}
	return c.CurrentPrice
}

// IsVerified reports whether the card's prediction has been reconciled.
func (c *Card) IsVerified() bool {
	return c.Verification != nil && c.Verification.PredictionVerified
}

// Clone returns a deep copy so snapshots never share mutable state.
func (c *Card) Clone() *Card {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Prices != nil {
		cp.Prices = append([]decimal.Decimal(nil), c.Prices...)
	}
	if c.History != nil {
		cp.History = append([]HistoryEvent(nil), c.History...)
	}
	if c.Prediction != nil {
		p := *c.Prediction
		cp.Prediction = &p
	}
	if c.Verification != nil {
		v := *c.Verification
		if v.ZoneCorrect != nil {
			z := *v.ZoneCorrect
			v.ZoneCorrect = &z
		}
		if v.PriceCorrect != nil {
			p := *v.PriceCorrect
			v.PriceCorrect = &p
		}
		cp.Verification = &v
	}
	return &cp
}
