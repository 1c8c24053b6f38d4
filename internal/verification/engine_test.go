package verification

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CardSentinel/internal/backend"
	"CardSentinel/internal/history"
	"CardSentinel/internal/model"
)

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func price(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func predicted(id string, n int64, zone model.Zone, p string) *model.Card {
	c := &model.Card{ID: id, ProductionNumber: n, State: model.CardActive, CreatedAt: now.Add(time.Duration(n) * time.Minute)}
	pred := &model.Prediction{NextZone: zone}
	if p != "" {
		pred.NextPrice = price(p)
	}
	c.Prediction = pred
	return c
}

func realized(id string, n int64, zone model.Zone, p string) *model.Card {
	c := &model.Card{ID: id, ProductionNumber: n, State: model.CardActive, Zone: zone, CreatedAt: now.Add(time.Duration(n) * time.Minute)}
	if p != "" {
		c.Prices = []decimal.Decimal{price("1"), price(p)}
	}
	return c
}

func TestEvaluate_ToleranceBoundary(t *testing.T) {
	tests := []struct {
		actual string
		want   bool
		pct    string
	}{
		{"102000", true, "2"},
		{"102010", false, "2.01"},
		{"98000", true, "2"},
		{"100000", true, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.actual, func(t *testing.T) {
			a := predicted("a", 1, "", "100000")
			b := realized("b", 2, "", tt.actual)
			status, v := Evaluate(a, b, true, DefaultTolerancePercent, now)
			require.Equal(t, model.VerifyVerified, status)
			require.NotNil(t, v.PriceCorrect)
			assert.Equal(t, tt.want, *v.PriceCorrect)
			assert.True(t, v.PriceErrorPercent.Valid)
			assert.True(t, v.PriceErrorPercent.Decimal.Equal(price(tt.pct)), "error pct %s", v.PriceErrorPercent.Decimal)
			assert.Nil(t, v.ZoneCorrect)
		})
	}
}

func TestEvaluate_Statuses(t *testing.T) {
	tests := []struct {
		name  string
		card  *model.Card
		next  *model.Card
		later bool
		want  model.VerificationStatus
	}{
		{"no prediction", &model.Card{ID: "a", ProductionNumber: 1}, realized("b", 2, model.ZoneBlue, "100"), true, model.VerifyNoPrediction},
		{"newest card", predicted("a", 1, model.ZoneBlue, ""), nil, false, model.VerifyWaitingNextCard},
		{"gap in sequence", predicted("a", 1, model.ZoneBlue, ""), nil, true, model.VerifyNoNextCard},
		{"zone not yet known", predicted("a", 1, model.ZoneBlue, ""), realized("b", 2, "", ""), true, model.VerifyWaitingZone},
		{"price only, next has no price", predicted("a", 1, "", "100"), realized("b", 2, model.ZoneBlue, ""), true, model.VerifyWaitingInfo},
		{"zone alone verifies", predicted("a", 1, model.ZoneBlue, ""), realized("b", 2, model.ZoneOrange, ""), true, model.VerifyVerified},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, v := Evaluate(tt.card, tt.next, tt.later, DefaultTolerancePercent, now)
			assert.Equal(t, tt.want, status)
			assert.Equal(t, status == model.VerifyVerified, v != nil)
		})
	}
}

func TestEvaluate_SymmetryAndIdempotence(t *testing.T) {
	a := predicted("a", 10, model.ZoneOrange, "50000")
	b := realized("b", 11, model.ZoneOrange, "50600")
	bBefore := b.Clone()

	s1, v1 := Evaluate(a, b, true, DefaultTolerancePercent, now)
	s2, v2 := Evaluate(a, b, true, DefaultTolerancePercent, now.Add(time.Hour))

	assert.Equal(t, bBefore, b, "verifying A must not touch B")
	assert.Nil(t, a.Verification, "Evaluate is pure")
	assert.Equal(t, s1, s2)
	require.NotNil(t, v1.ZoneCorrect)
	assert.Equal(t, *v1.ZoneCorrect, *v2.ZoneCorrect)
	assert.Equal(t, *v1.PriceCorrect, *v2.PriceCorrect)
	assert.True(t, *v1.ZoneCorrect)
	assert.True(t, *v1.PriceCorrect) // 1.2%
}

func TestOrder_AssignsMissingNumbers(t *testing.T) {
	cards := []*model.Card{
		{ID: "c", ProductionNumber: 3, CreatedAt: now.Add(3 * time.Minute)},
		{ID: "legacy", CreatedAt: now.Add(4 * time.Minute)},
		{ID: "a", ProductionNumber: 1, CreatedAt: now.Add(time.Minute)},
		{ID: "b", ProductionNumber: 2, CreatedAt: now.Add(2 * time.Minute)},
	}
	sorted, assigned := Order(cards)
	ids := make([]string, len(sorted))
	for i, c := range sorted {
		ids[i] = c.ID
	}
	assert.Equal(t, []string{"a", "b", "c", "legacy"}, ids)
	assert.Equal(t, map[string]int64{"legacy": 4}, assigned)
	assert.Equal(t, int64(0), cards[1].ProductionNumber, "input is not mutated")
}

func TestOrder_LegacyCardsGoAfterNumberedOnes(t *testing.T) {
	cards := []*model.Card{
		{ID: "legacy-2", CreatedAt: now.Add(6 * time.Minute)},
		{ID: "one", ProductionNumber: 1, CreatedAt: now.Add(5 * time.Minute)},
		{ID: "legacy-1", CreatedAt: now.Add(3 * time.Minute)},
		{ID: "two", ProductionNumber: 2, CreatedAt: now.Add(time.Minute)},
	}
	for i := 0; i < 3; i++ {
		sorted, assigned := Order(cards)
		ids := make([]string, len(sorted))
		for j, c := range sorted {
			ids[j] = c.ID
		}
		assert.Equal(t, []string{"one", "two", "legacy-1", "legacy-2"}, ids)
		assert.Equal(t, map[string]int64{"legacy-1": 3, "legacy-2": 4}, assigned)
		cards = append(cards[1:], cards[0])
	}
}

func TestEngine_SweepPersistsOnlyTheVerifiedCard(t *testing.T) {
	mem := backend.NewMemory(0)
	mem.Put(predicted("a", 1, model.ZoneBlue, "100000"))
	mem.Put(realized("b", 2, model.ZoneBlue, "102000"))
	mem.Put(predicted("c", 3, model.ZoneOrange, ""))

	hist, err := history.NewStore("", 0, 0, zerolog.Nop())
	require.NoError(t, err)
	eng := New(mem, Options{History: hist}, zerolog.Nop())
	eng.now = func() time.Time { return now }

	report, err := eng.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Verified)

	a, _ := mem.Card("a")
	require.True(t, a.IsVerified())
	assert.Equal(t, model.VerifyVerified, a.VerificationStatus)
	assert.True(t, *a.Verification.ZoneCorrect)
	assert.True(t, *a.Verification.PriceCorrect)
	assert.Equal(t, "b", a.Verification.NextCardID)

	b, _ := mem.Card("b")
	assert.Nil(t, b.Verification, "the successor never receives the predecessor's verification")
	assert.Equal(t, model.ZoneBlue, b.Zone)
	assert.Equal(t, model.VerifyNoPrediction, b.VerificationStatus)

	c, _ := mem.Card("c")
	assert.Equal(t, model.VerifyWaitingNextCard, c.VerificationStatus)

	assert.Equal(t, []string{"a"}, mem.Learned())
	assert.Equal(t, 1, hist.Len(history.PriceValidationKey("a")))

	// already verified cards are left alone
	updates := mem.Calls(backend.OpUpdate)
	_, err = eng.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, updates, mem.Calls(backend.OpUpdate))
}
