package notifier

import (
	"fmt"
	"html"
	"strings"

	"github.com/shopspring/decimal"

	"CardSentinel/internal/lifecycle"
	"CardSentinel/internal/model"
	"CardSentinel/internal/recorder"
	"CardSentinel/internal/tracker"
	"CardSentinel/internal/verification"
)

// ShortID trims a card id for display.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func cardTitle(id string, n int64) string {
	return fmt.Sprintf("#%d <code>%s</code>", n, html.EscapeString(ShortID(id)))
}

// FormatEvent renders a lifecycle event worth pushing to the operator, or
// "" for routine transitions.
func FormatEvent(e lifecycle.Event) string {
	title := cardTitle(e.CardID, e.ProductionNumber)
	switch {
	case e.Warning && e.SubStatus != "":
		return fmt.Sprintf("⚠️ %s %s: %s", title, e.To.Label(), html.EscapeString(e.SubStatus))
	case e.Warning:
		return fmt.Sprintf("⚠️ %s %s", title, e.To.Label())
	case e.From == e.To:
		return ""
	}
	switch e.To {
	case lifecycle.StateBuyDecided:
		return fmt.Sprintf("🟢 %s 매수 판정", title)
	case lifecycle.StateSold:
		return fmt.Sprintf("💰 %s 매도 완료", title)
	case lifecycle.StateVerified:
		return fmt.Sprintf("✅ %s 예측 검증 완료", title)
	case lifecycle.StateRemoved:
		return fmt.Sprintf("🗑 %s 제거됨", title)
	}
	return ""
}

var outcomeLabels = map[tracker.Outcome]string{
	tracker.OutcomeCompleted: "완료",
	tracker.OutcomeCancelled: "취소",
	tracker.OutcomeFailed:    "실패",
	tracker.OutcomeStale:     "카드 없음",
}

var kindLabels = map[model.ActionKind]string{
	model.KindSell:   "매도",
	model.KindDelete: "삭제",
}

// FormatActionResult renders how a sell/delete run ended.
func FormatActionResult(r tracker.Result) string {
	var b strings.Builder
	icon := "✅"
	if r.Outcome != tracker.OutcomeCompleted {
		icon = "⚠️"
	}
	fmt.Fprintf(&b, "%s <b>%s %s</b> <code>%s</code> (%d%%)", icon, kindLabels[r.Kind], outcomeLabels[r.Outcome], html.EscapeString(ShortID(r.CardID)), r.Percent)
	if r.Err != nil {
		fmt.Fprintf(&b, "\n%s", html.EscapeString(r.Err.Error()))
	}
	return b.String()
}

// FormatCardBoard renders the status board of tracked cards.
func FormatCardBoard(entries []lifecycle.Entry, pending []string, inFlight string) string {
	var b strings.Builder
	b.WriteString("📋 <b>카드 현황</b>\n\n")

	live := 0
	for _, e := range entries {
		if e.State == lifecycle.StateRemoved {
			continue
		}
		live++
		fmt.Fprintf(&b, "%s %s", cardTitle(e.CardID, e.ProductionNumber), e.Label)
		if e.Judgment != "" {
			fmt.Fprintf(&b, " | %s %.0f%%", e.Judgment, e.Confidence*100)
		}
		if e.Card != nil && e.Card.IsHolding() && !e.PnL.IsZero() {
			fmt.Fprintf(&b, " | 손익 %s (%s%%)", e.PnL.StringFixed(0), e.PnLPercent.StringFixed(2))
		}
		if e.Action != nil {
			fmt.Fprintf(&b, " | %s %d%%", kindLabels[e.Action.Kind], e.Action.Percent)
		}
		if e.SubStatus != "" {
			fmt.Fprintf(&b, "\n   └ %s", html.EscapeString(e.SubStatus))
		}
		b.WriteString("\n")
	}
	if live == 0 {
		b.WriteString("카드 없음\n")
	}

	b.WriteString(fmt.Sprintf("\n분석 대기열: %d", len(pending)))
	if inFlight != "" {
		fmt.Fprintf(&b, " (분석 중 <code>%s</code>)", html.EscapeString(ShortID(inFlight)))
	}
	b.WriteString("\n")
	return b.String()
}

func ratio(ok, total int) string {
	if total == 0 {
		return "-"
	}
	return fmt.Sprintf("%d/%d (%.1f%%)", ok, total, float64(ok)*100/float64(total))
}

// FormatStats renders prediction accuracy and P&L totals.
func FormatStats(acc recorder.Accuracy, realized, unrealized decimal.Decimal) string {
	var b strings.Builder
	b.WriteString("📊 <b>예측 통계</b>\n\n")
	fmt.Fprintf(&b, "검증 완료: %d\n", acc.Verified)
	fmt.Fprintf(&b, "구역 적중: %s\n", ratio(acc.ZoneCorrect, acc.ZoneChecked))
	fmt.Fprintf(&b, "가격 적중: %s\n", ratio(acc.PriceCorrect, acc.PriceChecked))
	fmt.Fprintf(&b, "실현 손익: %s\n", realized.StringFixed(0))
	fmt.Fprintf(&b, "평가 손익: %s\n", unrealized.StringFixed(0))
	return b.String()
}

// FormatVerificationReport summarizes a manual verification sweep.
func FormatVerificationReport(r verification.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🔍 <b>검증 실행</b>: %d건 확인, %d건 검증\n", r.Checked, r.Verified)
	for _, o := range r.Outcomes {
		if o.Verification == nil {
			continue
		}
		v := o.Verification
		fmt.Fprintf(&b, "<code>%s</code> → <code>%s</code>", html.EscapeString(ShortID(o.CardID)), html.EscapeString(ShortID(v.NextCardID)))
		if v.ZoneCorrect != nil {
			fmt.Fprintf(&b, " 구역 %s", mark(*v.ZoneCorrect))
		}
		if v.PriceCorrect != nil {
			fmt.Fprintf(&b, " 가격 %s", mark(*v.PriceCorrect))
			if v.PriceErrorPercent.Valid {
				fmt.Fprintf(&b, " (오차 %s%%)", v.PriceErrorPercent.Decimal.StringFixed(2))
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

func mark(ok bool) string {
	if ok {
		return "⭕"
	}
	return "❌"
}

// FormatProductionFailure renders a failed production cycle.
func FormatProductionFailure(err error) string {
	return fmt.Sprintf("🚫 <b>카드 생산 실패</b>\n%s", html.EscapeString(err.Error()))
}
