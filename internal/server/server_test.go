package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CardSentinel/internal/backend"
	"CardSentinel/internal/lifecycle"
	"CardSentinel/internal/model"
	"CardSentinel/internal/tracker"
	"CardSentinel/internal/verification"
)

type fixture struct {
	srv *httptest.Server
	mem *backend.Memory
	reg *tracker.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zerolog.Nop()
	ctx, cancel := context.WithCancel(context.Background())

	mem := backend.NewMemory(time.Hour)
	mem.Oracle = func(*model.Card) (map[string]any, error) { return nil, errors.New("offline") }
	p := decimal.NewFromInt(100000)
	mem.Put(&model.Card{ID: "fresh", ProductionNumber: 1, State: model.CardActive, Prices: []decimal.Decimal{p}})
	mem.Put(&model.Card{ID: "held", ProductionNumber: 2, State: model.CardActive, Prices: []decimal.Decimal{p},
		History: []model.HistoryEvent{{Type: model.EventBuy, Price: p, Quantity: decimal.NewFromInt(1)}}})

	reg := tracker.NewRegistry(ctx, mem, tracker.DefaultConfig(), log)
	eng := verification.New(mem, verification.Options{}, log)
	ctrl := lifecycle.New(ctx, mem, lifecycle.Options{InterItemDelay: time.Millisecond, Trackers: reg, Verifier: eng}, log)
	require.NoError(t, ctrl.Sync(ctx))

	s := New(Config{Log: log, Lifecycle: ctrl, Actions: reg, Verifier: eng})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		reg.Shutdown()
		reg.Wait()
		ctrl.Wait()
	})
	return &fixture{srv: srv, mem: mem, reg: reg}
}

func (f *fixture) do(t *testing.T, method, path string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthAndCards(t *testing.T) {
	f := newFixture(t)

	var health map[string]string
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", &health))
	assert.Equal(t, "healthy", health["status"])

	var cards []lifecycle.Entry
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/cards", &cards))
	require.Len(t, cards, 2)
	assert.Equal(t, "fresh", cards[0].CardID)
	assert.Equal(t, lifecycle.StateBuyDecided, cards[1].State)

	var one lifecycle.Entry
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/cards/held", &one))
	assert.Equal(t, "held", one.CardID)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/cards/nope", nil))
}

func TestActionEndpoints(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/cards/nope/sell", nil))
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/cards/fresh/sell", nil))

	var p tracker.Progress
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/api/cards/held/delete", &p))
	assert.Equal(t, model.KindDelete, p.Kind)
	assert.NotEmpty(t, p.RunID)

	var dup map[string]any
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/cards/held/delete", &dup))
	assert.Contains(t, dup, "action")

	var active []tracker.Progress
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/actions", &active))
	require.Len(t, active, 1)
	assert.Equal(t, p.RunID, active[0].RunID)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/cards/held/buy/cancel", nil))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/cards/held/sell/cancel", nil))
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/cards/held/delete/cancel", nil))

	_, ok := f.mem.Card("held")
	assert.True(t, ok)
}

func TestVerifyQueueAndStats(t *testing.T) {
	f := newFixture(t)

	var report verification.Report
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/verify", &report))
	assert.Equal(t, 2, report.Checked)

	var q map[string]any
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/queue", &q))
	assert.Contains(t, q, "pending")

	var stats map[string]any
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/stats", &stats))
	assert.Contains(t, stats, "accuracy")
	assert.Equal(t, "0", stats["realized_pnl"])
}
