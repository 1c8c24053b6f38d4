package judgment

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"CardSentinel/internal/model"
)

// Result is the typed view of one oracle analysis response. It is built
// once by Normalize; nothing downstream reads the raw payload.
type Result struct {
	Action         model.Action
	Confidence     float64 // 0.0 ~ 1.0
	Reasoning      string
	PredictedZone  model.Zone
	PredictedPrice decimal.Decimal
	Details        map[string]any
}

// Prediction extracts the forecast part of the result, or nil when the
// oracle predicted neither a zone nor a price.
func (r Result) Prediction(now time.Time) *model.Prediction {
	if !r.PredictedZone.Valid() && !r.PredictedPrice.IsPositive() {
		return nil
	}
	return &model.Prediction{
		NextZone:    r.PredictedZone,
		NextPrice:   r.PredictedPrice,
		Confidence:  r.Confidence,
		Reasoning:   r.Reasoning,
		PredictedAt: now,
	}
}

// Precedence tables: the first source holding a usable value wins.
// Dotted paths descend into nested objects.
var (
	ActionSources         = []string{"action", "decision", "judgment", "analysis_details.action"}
	PredictedZoneSources  = []string{"predicted_next_zone", "analysis_details.predicted_next_zone", "ml_ai_zone", "basic_ai_zone", "zone"}
	PredictedPriceSources = []string{"predicted_next_price", "analysis_details.predicted_next_price", "target_price"}
	ConfidenceSources     = []string{"confidence", "analysis_details.confidence"}
	ReasoningSources      = []string{"reasoning", "analysis_details.reasoning", "message"}

	// RealizedZoneSources locate the zone a produced card actually landed in.
	RealizedZoneSources = []string{"zone", "current_zone", "ml_ai_zone", "basic_ai_zone", "analysis_details.zone"}
)

var actionAliases = map[string]model.Action{
	"BUY":  model.ActionBuy,
	"매수":   model.ActionBuy,
	"SELL": model.ActionSell,
	"매도":   model.ActionSell,
	"HOLD": model.ActionHold,
	"WAIT": model.ActionHold,
	"대기":   model.ActionHold,
	"보류":   model.ActionHold,
}

var zoneAliases = map[string]model.Zone{
	"BLUE":   model.ZoneBlue,
	"UP":     model.ZoneBlue,
	"ORANGE": model.ZoneOrange,
	"DOWN":   model.ZoneOrange,
}

// ErrEmptyResponse is returned for a nil or empty oracle payload.
var ErrEmptyResponse = errors.New("empty analysis response")

// Normalize converts a raw oracle payload into a Result.
func Normalize(raw map[string]any) (Result, error) {
	if len(raw) == 0 {
		return Result{}, ErrEmptyResponse
	}
	res := Result{
		Action:         ParseAction(firstString(raw, ActionSources)),
		PredictedZone:  firstZone(raw, PredictedZoneSources),
		PredictedPrice: firstDecimal(raw, PredictedPriceSources),
		Reasoning:      firstString(raw, ReasoningSources),
	}
	if conf := firstDecimal(raw, ConfidenceSources); conf.IsPositive() {
		if conf.GreaterThan(decimal.NewFromInt(1)) {
			conf = conf.Div(decimal.NewFromInt(100))
		}
		res.Confidence = conf.InexactFloat64()
	}
	if d, ok := raw["analysis_details"].(map[string]any); ok {
		res.Details = d
	}
	return res, nil
}

// ParseAction maps a judgment label to an Action. Unknown labels are FAIL.
func ParseAction(s string) model.Action {
	if a, ok := actionAliases[strings.ToUpper(strings.TrimSpace(s))]; ok {
		return a
	}
	return model.ActionFail
}

// ParseZone maps a zone label to a Zone, or "" when unknown.
func ParseZone(s string) model.Zone {
	return zoneAliases[strings.ToUpper(strings.TrimSpace(s))]
}

// RealizedZone reads the zone of a raw card payload.
func RealizedZone(raw map[string]any) model.Zone {
	return firstZone(raw, RealizedZoneSources)
}

// Sources of a prediction already persisted on a card payload. ml_ai_zone
// and zone are not consulted here; on a card they describe the card itself.
var (
	StoredZoneSources       = []string{"prediction.predicted_next_zone", "predicted_next_zone"}
	StoredPriceSources      = []string{"prediction.predicted_next_price", "predicted_next_price"}
	StoredConfidenceSources = []string{"prediction.confidence", "prediction_confidence"}
)

// StoredPrediction reads the prediction persisted on a raw card payload.
func StoredPrediction(raw map[string]any) *model.Prediction {
	zone := firstZone(raw, StoredZoneSources)
	price := firstDecimal(raw, StoredPriceSources)
	if !zone.Valid() && !price.IsPositive() {
		return nil
	}
	p := &model.Prediction{NextZone: zone, NextPrice: price}
	if conf := firstDecimal(raw, StoredConfidenceSources); conf.IsPositive() {
		p.Confidence = conf.InexactFloat64()
	}
	p.Reasoning = firstString(raw, []string{"prediction.reasoning", "prediction_reasoning"})
	return p
}

func lookup(raw map[string]any, path string) (any, bool) {
	cur := any(raw)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

func firstString(raw map[string]any, paths []string) string {
	for _, p := range paths {
		v, ok := lookup(raw, p)
		if !ok {
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func firstZone(raw map[string]any, paths []string) model.Zone {
	for _, p := range paths {
		v, ok := lookup(raw, p)
		if !ok {
			continue
		}
		if s, ok := v.(string); ok {
			if z := ParseZone(s); z.Valid() {
				return z
			}
		}
	}
	return ""
}

func firstDecimal(raw map[string]any, paths []string) decimal.Decimal {
	for _, p := range paths {
		v, ok := lookup(raw, p)
		if !ok {
			continue
		}
		if d, err := toDecimal(v); err == nil && !d.IsZero() {
			return d
		}
	}
	return decimal.Zero
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case json.Number:
		return decimal.NewFromString(n.String())
	case string:
		return decimal.NewFromString(strings.TrimSpace(n))
	default:
		return decimal.Zero, fmt.Errorf("unsupported number type %T", v)
	}
}
