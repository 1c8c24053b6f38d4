package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"CardSentinel/internal/model"
)

// Memory is an in-process backend for development and testing. It keeps
// the same contract as the real service: a wait window before sell/delete
// can execute, 404 for unknown cards, and the verified-and-unsold delete rule.
type Memory struct {
	// WaitWindow is how long an action must run before execute succeeds.
	WaitWindow time.Duration
	// Oracle scripts the analysis response. Defaults to a HOLD judgment.
	Oracle func(card *model.Card) (map[string]any, error)
	// Producer fills in a freshly produced card. Defaults to a flat price series.
	Producer func(card *model.Card)

	mu       sync.Mutex
	cards    map[string]*model.Card
	nextNum  int64
	actions  map[actionKey]*memAction
	failures map[failureKey][]error
	calls    map[string]int
	learned  []string
	now      func() time.Time
}

type actionKey struct {
	cardID string
	kind   model.ActionKind
}

type memAction struct {
	startedAt time.Time
	status    model.ActionStatus
}

type failureKey struct {
	op     string
	cardID string
}

// Operation names used by Calls and FailNext.
const (
	OpList    = "list"
	OpGet     = "get"
	OpUpdate  = "update"
	OpDelete  = "delete"
	OpBuy     = "buy"
	OpProduce = "produce"
	OpStart   = "start"
	OpStatus  = "status"
	OpExecute = "execute"
	OpCancel  = "cancel"
	OpAnalyze = "analyze"
	OpLearn   = "learn"
)

// NewMemory creates an empty in-memory backend.
func NewMemory(waitWindow time.Duration) *Memory {
	return &Memory{
		WaitWindow: waitWindow,
		cards:      make(map[string]*model.Card),
		actions:    make(map[actionKey]*memAction),
		failures:   make(map[failureKey][]error),
		calls:      make(map[string]int),
		now:        time.Now,
	}
}

// Put stores a copy of card, replacing any card with the same id.
func (m *Memory) Put(card *model.Card) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := card.Clone()
	if cp.State == "" {
		cp.State = model.CardActive
	}
	m.cards[cp.ID] = cp
	if cp.ProductionNumber > m.nextNum {
		m.nextNum = cp.ProductionNumber
	}
}

// Card returns a copy of the stored card.
func (m *Memory) Card(cardID string) (*model.Card, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[cardID]
	return c.Clone(), ok
}

// FailNext makes the next call of op on cardID return err. An empty cardID
// matches any card. Errors queue up in call order.
func (m *Memory) FailNext(op, cardID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := failureKey{op: op, cardID: cardID}
	m.failures[k] = append(m.failures[k], err)
}

// Calls returns how often op was invoked.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Learned returns the card ids forwarded to the learning endpoint.
func (m *Memory) Learned() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.learned...)
}

// enter counts the call and pops a scripted failure. Caller holds mu.
func (m *Memory) enter(op, cardID string) error {
	m.calls[op]++
	for _, k := range []failureKey{{op, cardID}, {op, ""}} {
		if errs := m.failures[k]; len(errs) > 0 {
			m.failures[k] = errs[1:]
			return errs[0]
		}
	}
	return nil
}

func notFound(op, cardID string) error {
	return &APIError{Op: op, Status: http.StatusNotFound, Body: fmt.Sprintf("card %s not found", cardID)}
}

func (m *Memory) ListCards(ctx context.Context, kind string) ([]*model.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpList, ""); err != nil {
		return nil, err
	}
	out := make([]*model.Card, 0, len(m.cards))
	for _, c := range m.cards {
		if kind != "" && c.Kind != "" && c.Kind != kind {
			continue
		}
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductionNumber < out[j].ProductionNumber })
	return out, nil
}

func (m *Memory) GetCard(ctx context.Context, cardID string) (*model.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpGet, cardID); err != nil {
		return nil, err
	}
	c, ok := m.cards[cardID]
	if !ok {
		return nil, notFound("get card", cardID)
	}
	return c.Clone(), nil
}

// UpdateCard merges fields into the card through its JSON representation,
// the way a PATCH on the real backend would.
func (m *Memory) UpdateCard(ctx context.Context, cardID string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpUpdate, cardID); err != nil {
		return err
	}
	c, ok := m.cards[cardID]
	if !ok {
		return notFound("update card", cardID)
	}
	buf, err := json.Marshal(c)
	if err != nil {
		return err
	}
	var merged map[string]any
	if err := json.Unmarshal(buf, &merged); err != nil {
		return err
	}
	for k, v := range fields {
		merged[k] = v
	}
	if buf, err = json.Marshal(merged); err != nil {
		return fmt.Errorf("update card: %w", err)
	}
	var updated model.Card
	if err := json.Unmarshal(buf, &updated); err != nil {
		return fmt.Errorf("update card: %w", err)
	}
	m.cards[cardID] = &updated
	return nil
}

func (m *Memory) DeleteCard(ctx context.Context, cardID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpDelete, cardID); err != nil {
		return err
	}
	return m.deleteLocked("delete card", cardID)
}

func (m *Memory) deleteLocked(op, cardID string) error {
	c, ok := m.cards[cardID]
	if !ok {
		return notFound(op, cardID)
	}
	if verifiedCorrect(c) && !c.IsSold() {
		return &APIError{Op: op, Status: http.StatusConflict, Body: "card is verified and not sold"}
	}
	delete(m.cards, cardID)
	return nil
}

func verifiedCorrect(c *model.Card) bool {
	v := c.Verification
	if v == nil || !v.PredictionVerified {
		return false
	}
	return (v.ZoneCorrect != nil && *v.ZoneCorrect) || (v.PriceCorrect != nil && *v.PriceCorrect)
}

func (m *Memory) BuyCard(ctx context.Context, cardID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpBuy, cardID); err != nil {
		return err
	}
	c, ok := m.cards[cardID]
	if !ok {
		return notFound("buy card", cardID)
	}
	if c.IsHolding() {
		return &APIError{Op: "buy card", Status: http.StatusBadRequest, Body: "already holding"}
	}
	c.History = append(c.History, model.HistoryEvent{
		Type:     model.EventBuy,
		Price:    c.LastPrice(),
		Quantity: decimal.NewFromInt(1),
		Time:     m.now(),
	})
	return nil
}

func (m *Memory) ProduceCard(ctx context.Context, kind string) (*model.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpProduce, ""); err != nil {
		return nil, err
	}
	m.nextNum++
	price := decimal.NewFromInt(100000)
	c := &model.Card{
		ID:               uuid.NewString(),
		ProductionNumber: m.nextNum,
		Kind:             kind,
		CreatedAt:        m.now(),
		State:            model.CardActive,
		Prices:           []decimal.Decimal{price},
		CurrentPrice:     price,
		History:          []model.HistoryEvent{{Type: model.EventNew, Price: price, Time: m.now()}},
	}
	if m.Producer != nil {
		m.Producer(c)
	}
	m.cards[c.ID] = c
	return c.Clone(), nil
}

func (m *Memory) StartAction(ctx context.Context, cardID string, kind model.ActionKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpStart, cardID); err != nil {
		return err
	}
	if _, ok := m.cards[cardID]; !ok {
		return notFound(string(kind)+" start", cardID)
	}
	m.actions[actionKey{cardID, kind}] = &memAction{startedAt: m.now(), status: model.StatusProcessing}
	return nil
}

func (m *Memory) ActionStatus(ctx context.Context, cardID string, kind model.ActionKind) (model.ActionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpStatus, cardID); err != nil {
		return model.ActionState{}, err
	}
	a, ok := m.actions[actionKey{cardID, kind}]
	if !ok {
		return model.ActionState{}, notFound(string(kind)+" status", cardID)
	}
	return model.ActionState{Status: a.status, Progress: m.progressLocked(a)}, nil
}

func (m *Memory) ExecuteAction(ctx context.Context, cardID string, kind model.ActionKind) (model.ActionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpExecute, cardID); err != nil {
		return model.ActionState{}, err
	}
	op := string(kind) + " execute"
	a, ok := m.actions[actionKey{cardID, kind}]
	if !ok {
		return model.ActionState{}, notFound(op, cardID)
	}
	if a.status.Terminal() {
		return model.ActionState{Status: a.status, Progress: 100}, nil
	}
	if m.now().Sub(a.startedAt) < m.WaitWindow {
		return model.ActionState{Status: model.StatusWaiting, Progress: m.progressLocked(a), Message: "waiting for the confirmation window"}, nil
	}
	switch kind {
	case model.KindSell:
		if err := m.sellLocked(op, cardID); err != nil {
			return model.ActionState{}, err
		}
	case model.KindDelete:
		if err := m.deleteLocked(op, cardID); err != nil {
			return model.ActionState{}, err
		}
	}
	a.status = model.StatusCompleted
	return model.ActionState{Status: model.StatusCompleted, Progress: 100}, nil
}

func (m *Memory) sellLocked(op, cardID string) error {
	c, ok := m.cards[cardID]
	if !ok {
		return notFound(op, cardID)
	}
	buy, holding := c.OpenPosition()
	if !holding {
		return &APIError{Op: op, Status: http.StatusBadRequest, Body: "no open position"}
	}
	price := c.LastPrice()
	qty := buy.Quantity
	if qty.IsZero() {
		qty = decimal.NewFromInt(1)
	}
	c.History = append(c.History, model.HistoryEvent{
		Type:     model.EventSold,
		Price:    price,
		Quantity: qty,
		PnL:      price.Sub(buy.Price).Mul(qty),
		Time:     m.now(),
	})
	return nil
}

func (m *Memory) progressLocked(a *memAction) int {
	if a.status == model.StatusCompleted {
		return 100
	}
	if m.WaitWindow <= 0 {
		return 99
	}
	pct := int(m.now().Sub(a.startedAt) * 100 / m.WaitWindow)
	if pct > 99 {
		pct = 99
	}
	return pct
}

func (m *Memory) CancelAction(ctx context.Context, cardID string, kind model.ActionKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpCancel, cardID); err != nil {
		return err
	}
	if _, ok := m.cards[cardID]; !ok {
		return notFound(string(kind)+" cancel", cardID)
	}
	if a, ok := m.actions[actionKey{cardID, kind}]; ok && !a.status.Terminal() {
		a.status = model.StatusCancelled
	}
	return nil
}

func (m *Memory) Analyze(ctx context.Context, cardID string) (map[string]any, error) {
	m.mu.Lock()
	if err := m.enter(OpAnalyze, cardID); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	c, ok := m.cards[cardID]
	oracle := m.Oracle
	var snapshot *model.Card
	if ok {
		snapshot = c.Clone()
	}
	m.mu.Unlock()

	if !ok {
		return nil, notFound("analyze", cardID)
	}
	if oracle == nil {
		return map[string]any{"action": "HOLD", "confidence": 0.5}, nil
	}
	return oracle(snapshot)
}

func (m *Memory) LearnFromVerification(ctx context.Context, cardID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpLearn, cardID); err != nil {
		return err
	}
	m.learned = append(m.learned, cardID)
	return nil
}

var (
	_ API = (*Memory)(nil)
	_ API = (*Client)(nil)
)
