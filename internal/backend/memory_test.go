package backend

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CardSentinel/internal/model"
)

func TestMemory_ProduceAssignsSequence(t *testing.T) {
	m := NewMemory(0)
	m.Put(&model.Card{ID: "seed", ProductionNumber: 7})

	c, err := m.ProduceCard(context.Background(), "btc")
	require.NoError(t, err)
	assert.Equal(t, int64(8), c.ProductionNumber)
	assert.Equal(t, model.CardActive, c.State)

	cards, err := m.ListCards(context.Background(), "btc")
	require.NoError(t, err)
	require.Len(t, cards, 2)
	assert.Equal(t, "seed", cards[0].ID)
}

func TestMemory_WaitWindowGatesExecute(t *testing.T) {
	m := NewMemory(time.Hour)
	m.Put(&model.Card{ID: "c1", ProductionNumber: 1, CurrentPrice: decimal.NewFromInt(100)})
	ctx := context.Background()

	require.NoError(t, m.BuyCard(ctx, "c1"))
	require.NoError(t, m.StartAction(ctx, "c1", model.KindSell))

	st, err := m.ExecuteAction(ctx, "c1", model.KindSell)
	require.NoError(t, err)
	assert.Equal(t, model.StatusWaiting, st.Status)
	assert.Less(t, st.Progress, 100)

	m.WaitWindow = 0
	st, err = m.ExecuteAction(ctx, "c1", model.KindSell)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, st.Status)

	c, ok := m.Card("c1")
	require.True(t, ok)
	assert.True(t, c.IsSold())
	assert.False(t, c.IsHolding())
}

func TestMemory_DeleteRules(t *testing.T) {
	yes := true
	m := NewMemory(0)
	m.Put(&model.Card{
		ID: "protected",
		Verification: &model.Verification{
			PredictionVerified: true,
			ZoneCorrect:        &yes,
		},
	})
	ctx := context.Background()

	err := m.DeleteCard(ctx, "protected")
	assert.True(t, IsConflict(err))

	err = m.DeleteCard(ctx, "missing")
	assert.True(t, IsStale(err))

	m.FailNext(OpDelete, "", ErrBackend)
	m.Put(&model.Card{ID: "plain"})
	assert.ErrorIs(t, m.DeleteCard(ctx, "plain"), ErrBackend)
	assert.NoError(t, m.DeleteCard(ctx, "plain"))
	assert.Equal(t, 4, m.Calls(OpDelete))
}

func TestMemory_CancelledActionReportsCancelled(t *testing.T) {
	m := NewMemory(time.Hour)
	m.Put(&model.Card{ID: "c1"})
	ctx := context.Background()

	require.NoError(t, m.StartAction(ctx, "c1", model.KindDelete))
	require.NoError(t, m.CancelAction(ctx, "c1", model.KindDelete))
	st, err := m.ActionStatus(ctx, "c1", model.KindDelete)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, st.Status)
}

func TestMemory_UpdateMergesFields(t *testing.T) {
	m := NewMemory(0)
	m.Put(&model.Card{ID: "c1", ProductionNumber: 3, Zone: model.ZoneBlue})
	yes := true
	err := m.UpdateCard(context.Background(), "c1", map[string]any{
		"verification_status": model.VerifyVerified,
		"verification":        &model.Verification{PredictionVerified: true, PriceCorrect: &yes},
	})
	require.NoError(t, err)

	c, _ := m.Card("c1")
	assert.Equal(t, model.VerifyVerified, c.VerificationStatus)
	assert.True(t, c.IsVerified())
	assert.Equal(t, model.ZoneBlue, c.Zone)
	assert.Equal(t, int64(3), c.ProductionNumber)
}
