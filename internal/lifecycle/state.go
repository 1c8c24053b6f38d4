package lifecycle

import (
	"time"

	"github.com/shopspring/decimal"

	"CardSentinel/internal/model"
	"CardSentinel/internal/tracker"
)

// State is the lifecycle state of a card as seen by the controller.
type State string

const (
	StateGenerating           State = "GENERATING"
	StateAwaitingAnalysis     State = "AWAITING_ANALYSIS"
	StateBuyDecided           State = "BUY_DECIDED"
	StateSellDecided          State = "SELL_DECIDED"
	StateHoldDecided          State = "HOLD_DECIDED"
	StateFailDecided          State = "FAIL_DECIDED"
	StateWaitingSell          State = "WAITING_SELL"
	StateSold                 State = "SOLD"
	StateAwaitingVerification State = "AWAITING_VERIFICATION"
	StateVerified             State = "VERIFIED"
	StateRemoved              State = "REMOVED"
)

var labels = map[State]string{
	StateGenerating:           "생성 중",
	StateAwaitingAnalysis:     "분석 대기",
	StateBuyDecided:           "매수 판정",
	StateSellDecided:          "매도 판정",
	StateHoldDecided:          "대기 판정",
	StateFailDecided:          "실패 판정",
	StateWaitingSell:          "매도 진행 중",
	StateSold:                 "매도 완료",
	StateAwaitingVerification: "검증 대기",
	StateVerified:             "검증 완료",
	StateRemoved:              "제거됨",
}

// Label is the display text of the state. It is never parsed back.
func (s State) Label() string {
	if l, ok := labels[s]; ok {
		return l
	}
	return string(s)
}

// Display sub-statuses.
const (
	SubAnalysisFailed  = "분석 실패"
	SubAwaitingSell    = "매도 신호 대기"
	SubContradiction   = "매수 이력 없는 매도 판정"
	SubBuyFailed       = "매수 실패"
	SubRemovalPending  = "자동 제거 예정"
	SubRemovalBlocked  = "검증 완료 미매도 카드, 제거 보류"
	SubRemovalFailed   = "제거 실패"
	SubDeletePending   = "삭제 진행 중"
	SubActionCancelled = "작업 취소됨"
	SubActionFailed    = "작업 실패"
)

// Entry is the controller's view of one card.
type Entry struct {
	CardID           string            `json:"card_id"`
	ProductionNumber int64             `json:"production_number"`
	State            State             `json:"state"`
	Label            string            `json:"label"`
	SubStatus        string            `json:"sub_status,omitempty"`
	Judgment         model.Action      `json:"judgment,omitempty"`
	Confidence       float64           `json:"confidence,omitempty"`
	Contradiction    bool              `json:"contradiction,omitempty"`
	PnL              decimal.Decimal   `json:"pnl"`
	PnLPercent       decimal.Decimal   `json:"pnl_percent"`
	Action           *tracker.Progress `json:"action,omitempty"`
	Card             *model.Card       `json:"card,omitempty"`
	UpdatedAt        time.Time         `json:"updated_at"`

	prevState State
	trackedAt time.Time
}

func (e *Entry) clone() Entry {
	cp := *e
	cp.Card = e.Card.Clone()
	if e.Action != nil {
		p := *e.Action
		cp.Action = &p
	}
	return cp
}

// Event is emitted on every state change.
type Event struct {
	CardID           string
	ProductionNumber int64
	From             State
	To               State
	SubStatus        string
	Warning          bool
	Time             time.Time
}
