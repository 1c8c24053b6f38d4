package notifier

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"CardSentinel/internal/lifecycle"
	"CardSentinel/internal/model"
	"CardSentinel/internal/recorder"
	"CardSentinel/internal/tracker"
	"CardSentinel/internal/verification"
)

func TestFormatEvent(t *testing.T) {
	tests := []struct {
		name string
		evt  lifecycle.Event
		want string
	}{
		{
			name: "contradiction warning",
			evt:  lifecycle.Event{CardID: "abcdef123456", ProductionNumber: 7, From: lifecycle.StateAwaitingAnalysis, To: lifecycle.StateFailDecided, SubStatus: lifecycle.SubContradiction, Warning: true},
			want: "⚠️ #7 <code>abcdef12</code> 실패 판정: " + lifecycle.SubContradiction,
		},
		{
			name: "sold",
			evt:  lifecycle.Event{CardID: "c1", ProductionNumber: 2, From: lifecycle.StateWaitingSell, To: lifecycle.StateSold},
			want: "💰 #2 <code>c1</code> 매도 완료",
		},
		{
			name: "routine transition is silent",
			evt:  lifecycle.Event{CardID: "c1", From: lifecycle.StateGenerating, To: lifecycle.StateAwaitingAnalysis},
		},
		{
			name: "plain sub-status change is silent",
			evt:  lifecycle.Event{CardID: "c1", From: lifecycle.StateBuyDecided, To: lifecycle.StateBuyDecided, SubStatus: lifecycle.SubAwaitingSell},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatEvent(tt.evt))
		})
	}
}

func TestFormatActionResult(t *testing.T) {
	res := tracker.Result{
		Progress: tracker.Progress{CardID: "card-1", Kind: model.KindDelete, Percent: 40},
		Outcome:  tracker.OutcomeFailed,
		Err:      errors.New("card is verified & not sold"),
	}
	out := FormatActionResult(res)
	assert.Contains(t, out, "삭제 실패")
	assert.Contains(t, out, "(40%)")
	assert.Contains(t, out, "verified &amp; not sold")
}

func TestFormatCardBoard(t *testing.T) {
	holding := &model.Card{ID: "h", History: []model.HistoryEvent{{Type: model.EventBuy}}}
	entries := []lifecycle.Entry{
		{CardID: "h", ProductionNumber: 1, State: lifecycle.StateBuyDecided, Label: lifecycle.StateBuyDecided.Label(),
			Judgment: model.ActionBuy, Confidence: 0.8, Card: holding,
			PnL: decimal.NewFromInt(1500), PnLPercent: decimal.RequireFromString("1.5"),
			SubStatus: lifecycle.SubAwaitingSell},
		{CardID: "gone", ProductionNumber: 2, State: lifecycle.StateRemoved},
	}
	out := FormatCardBoard(entries, []string{"x", "y"}, "x")
	assert.Contains(t, out, "#1 <code>h</code> 매수 판정 | BUY 80% | 손익 1500 (1.50%)")
	assert.Contains(t, out, lifecycle.SubAwaitingSell)
	assert.NotContains(t, out, "gone")
	assert.Contains(t, out, "분석 대기열: 2 (분석 중 <code>x</code>)")

	assert.Contains(t, FormatCardBoard(nil, nil, ""), "카드 없음")
}

func TestFormatStatsAndReport(t *testing.T) {
	out := FormatStats(recorder.Accuracy{Verified: 4, ZoneChecked: 4, ZoneCorrect: 3, PriceChecked: 0}, decimal.NewFromInt(2500), decimal.Zero)
	assert.Contains(t, out, "구역 적중: 3/4 (75.0%)")
	assert.Contains(t, out, "가격 적중: -")
	assert.Contains(t, out, "실현 손익: 2500")

	yes, no := true, false
	report := verification.Report{Checked: 2, Verified: 1, Outcomes: []verification.Outcome{
		{CardID: "a", Status: model.VerifyVerified, Verification: &model.Verification{
			NextCardID: "b", ZoneCorrect: &yes, PriceCorrect: &no,
			PriceErrorPercent: decimal.NewNullDecimal(decimal.RequireFromString("2.01")),
		}},
		{CardID: "c", Status: model.VerifyWaitingNextCard},
	}}
	out = FormatVerificationReport(report)
	assert.Contains(t, out, "2건 확인, 1건 검증")
	assert.Contains(t, out, "구역 ⭕ 가격 ❌ (오차 2.01%)")
	assert.NotContains(t, out, "<code>c</code>")
}
