package model

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestCard_Position(t *testing.T) {
	d := decimal.NewFromInt
	tests := []struct {
		name     string
		history  []HistoryEvent
		holding  bool
		sold     bool
		entryPx  int64
		everBuys bool
	}{
		{"new", []HistoryEvent{{Type: EventNew}}, false, false, 0, false},
		{"bought", []HistoryEvent{{Type: EventNew}, {Type: EventBuy, Price: d(100)}}, true, false, 100, true},
		{"sold", []HistoryEvent{{Type: EventBuy, Price: d(100)}, {Type: EventSold, Price: d(110)}}, false, true, 0, true},
		{"bought again", []HistoryEvent{{Type: EventBuy, Price: d(100)}, {Type: EventSold}, {Type: EventBuy, Price: d(120)}}, true, true, 120, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Card{History: tt.history}
			buy, ok := c.OpenPosition()
			assert.Equal(t, tt.holding, ok)
			assert.Equal(t, tt.holding, c.IsHolding())
			assert.Equal(t, tt.sold, c.IsSold())
			assert.Equal(t, tt.everBuys, c.HasBought())
			if ok {
				assert.True(t, buy.Price.Equal(d(tt.entryPx)))
			}
		})
	}
}

func TestCard_LastPrice(t *testing.T) {
	c := &Card{CurrentPrice: decimal.NewFromInt(7)}
	assert.True(t, c.LastPrice().Equal(decimal.NewFromInt(7)))

	c.Prices = []decimal.Decimal{decimal.NewFromInt(5), decimal.NewFromInt(6), decimal.Zero}
	assert.True(t, c.LastPrice().Equal(decimal.NewFromInt(6)))
}

func TestCard_CloneIsDeep(t *testing.T) {
	yes := true
	c := &Card{
		ID:           "a",
		Prices:       []decimal.Decimal{decimal.NewFromInt(1)},
		History:      []HistoryEvent{{Type: EventNew}},
		Prediction:   &Prediction{NextZone: ZoneBlue},
		Verification: &Verification{PredictionVerified: true, ZoneCorrect: &yes},
	}
	cp := c.Clone()
	cp.Prices[0] = decimal.NewFromInt(2)
	cp.History[0].Type = EventBuy
	cp.Prediction.NextZone = ZoneOrange
	*cp.Verification.ZoneCorrect = false

	assert.True(t, c.Prices[0].Equal(decimal.NewFromInt(1)))
	assert.Equal(t, EventNew, c.History[0].Type)
	assert.Equal(t, ZoneBlue, c.Prediction.NextZone)
	assert.True(t, *c.Verification.ZoneCorrect)
	assert.True(t, c.IsVerified())
	assert.Nil(t, (*Card)(nil).Clone())
}

func TestEnums(t *testing.T) {
	assert.True(t, ZoneBlue.Valid())
	assert.False(t, Zone("GREEN").Valid())
	assert.True(t, KindDelete.Valid())
	assert.False(t, ActionKind("buy").Valid())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusWaiting.Terminal())
	assert.False(t, (*Prediction)(nil).HasZone())
	assert.True(t, (&Prediction{NextPrice: decimal.NewFromInt(1)}).HasPrice())
}
