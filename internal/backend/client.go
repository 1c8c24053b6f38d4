package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"CardSentinel/internal/judgment"
	"CardSentinel/internal/model"
)

// API is everything the bot consumes from the card backend and the oracle.
// Client talks to the real service; Memory implements it in-process.
type API interface {
	ListCards(ctx context.Context, kind string) ([]*model.Card, error)
	GetCard(ctx context.Context, cardID string) (*model.Card, error)
	UpdateCard(ctx context.Context, cardID string, fields map[string]any) error
	DeleteCard(ctx context.Context, cardID string) error
	BuyCard(ctx context.Context, cardID string) error
	ProduceCard(ctx context.Context, kind string) (*model.Card, error)

	StartAction(ctx context.Context, cardID string, kind model.ActionKind) error
	ActionStatus(ctx context.Context, cardID string, kind model.ActionKind) (model.ActionState, error)
	ExecuteAction(ctx context.Context, cardID string, kind model.ActionKind) (model.ActionState, error)
	CancelAction(ctx context.Context, cardID string, kind model.ActionKind) error

	Analyze(ctx context.Context, cardID string) (map[string]any, error)
	LearnFromVerification(ctx context.Context, cardID string) error
}

// Client implements API over HTTP+JSON.
type Client struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

// NewClient creates a client with optional proxy support.
func NewClient(baseURL, apiKey, proxyURL string, timeout time.Duration) *Client {
	transport := &http.Transport{}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

func (c *Client) ListCards(ctx context.Context, kind string) ([]*model.Card, error) {
	q := url.Values{}
	if kind != "" {
		q.Set("kind", kind)
	}
	var raws []map[string]any
	if err := c.do(ctx, "list cards", http.MethodGet, "/cards", q, nil, &raws); err != nil {
		return nil, err
	}
	cards := make([]*model.Card, 0, len(raws))
	for _, raw := range raws {
		card, err := decodeCard(raw)
		if err != nil {
			return nil, fmt.Errorf("list cards: %w", err)
		}
		cards = append(cards, card)
	}
	sort.SliceStable(cards, func(i, j int) bool { return cards[i].ProductionNumber < cards[j].ProductionNumber })
	return cards, nil
}

func (c *Client) GetCard(ctx context.Context, cardID string) (*model.Card, error) {
	var raw map[string]any
	if err := c.do(ctx, "get card", http.MethodGet, cardPath(cardID), nil, nil, &raw); err != nil {
		return nil, err
	}
	card, err := decodeCard(raw)
	if err != nil {
		return nil, fmt.Errorf("get card: %w", err)
	}
	return card, nil
}

func (c *Client) UpdateCard(ctx context.Context, cardID string, fields map[string]any) error {
	return c.do(ctx, "update card", http.MethodPatch, cardPath(cardID), nil, fields, nil)
}

func (c *Client) DeleteCard(ctx context.Context, cardID string) error {
	return c.do(ctx, "delete card", http.MethodDelete, cardPath(cardID), nil, nil, nil)
}

func (c *Client) BuyCard(ctx context.Context, cardID string) error {
	return c.do(ctx, "buy card", http.MethodPost, cardPath(cardID)+"/buy", nil, nil, nil)
}

func (c *Client) ProduceCard(ctx context.Context, kind string) (*model.Card, error) {
	var raw map[string]any
	if err := c.do(ctx, "produce card", http.MethodPost, "/cards", nil, map[string]any{"kind": kind}, &raw); err != nil {
		return nil, err
	}
	card, err := decodeCard(raw)
	if err != nil {
		return nil, fmt.Errorf("produce card: %w", err)
	}
	return card, nil
}

func (c *Client) StartAction(ctx context.Context, cardID string, kind model.ActionKind) error {
	return c.do(ctx, string(kind)+" start", http.MethodPost, actionPath(cardID, kind, "start"), nil, nil, nil)
}

func (c *Client) ActionStatus(ctx context.Context, cardID string, kind model.ActionKind) (model.ActionState, error) {
	var ws wireState
	if err := c.do(ctx, string(kind)+" status", http.MethodPost, actionPath(cardID, kind, "status"), nil, nil, &ws); err != nil {
		return model.ActionState{}, err
	}
	return ws.state(model.StatusProcessing), nil
}

// ExecuteAction attempts the irreversible call. Before the wait window has
// passed the backend answers with a waiting state instead of an error.
func (c *Client) ExecuteAction(ctx context.Context, cardID string, kind model.ActionKind) (model.ActionState, error) {
	var ws wireState
	if err := c.do(ctx, string(kind)+" execute", http.MethodPost, cardPath(cardID)+"/"+string(kind), nil, nil, &ws); err != nil {
		return model.ActionState{}, err
	}
	return ws.state(model.StatusWaiting), nil
}

func (c *Client) CancelAction(ctx context.Context, cardID string, kind model.ActionKind) error {
	return c.do(ctx, string(kind)+" cancel", http.MethodPost, actionPath(cardID, kind, "cancel"), nil, nil, nil)
}

func (c *Client) Analyze(ctx context.Context, cardID string) (map[string]any, error) {
	var raw map[string]any
	if err := c.do(ctx, "analyze", http.MethodPost, "/ai/analyze", nil, map[string]any{"card_id": cardID}, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) LearnFromVerification(ctx context.Context, cardID string) error {
	return c.do(ctx, "learn from verification", http.MethodPost, "/ai/learn-from-verification", nil, map[string]any{"card_id": cardID}, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	endpoint := c.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrBackend, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func cardPath(cardID string) string {
	return "/cards/" + url.PathEscape(cardID)
}

func actionPath(cardID string, kind model.ActionKind, step string) string {
	return cardPath(cardID) + "/" + string(kind) + "/" + step
}

// wireState is the action status payload. Older backends only report
// {"success": true} once the action went through.
type wireState struct {
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message"`
	Success  *bool   `json:"success"`
}

var statusAliases = map[string]model.ActionStatus{
	"pending":     model.StatusPending,
	"started":     model.StatusProcessing,
	"processing":  model.StatusProcessing,
	"in_progress": model.StatusProcessing,
	"waiting":     model.StatusWaiting,
	"completed":   model.StatusCompleted,
	"complete":    model.StatusCompleted,
	"done":        model.StatusCompleted,
	"success":     model.StatusCompleted,
	"cancelled":   model.StatusCancelled,
	"canceled":    model.StatusCancelled,
	"failed":      model.StatusFailed,
	"error":       model.StatusFailed,
}

func (w wireState) state(fallback model.ActionStatus) model.ActionState {
	st, ok := statusAliases[strings.ToLower(strings.TrimSpace(w.Status))]
	if !ok {
		st = fallback
		if w.Status == "" && w.Success != nil && *w.Success {
			st = model.StatusCompleted
		}
	}
	pct := int(w.Progress)
	if pct < 0 {
		pct = 0
	}
	return model.ActionState{Status: st, Progress: pct, Message: w.Message}
}

// decodeCard maps a raw card payload onto model.Card. The typed fields come
// from the JSON tags; zone, judgment and prediction go through the
// normalization tables since backends disagree on where they live.
func decodeCard(raw map[string]any) (*model.Card, error) {
	if s, ok := raw["created_at"].(string); ok {
		if _, err := time.Parse(time.RFC3339Nano, s); err != nil {
			raw = withoutKey(raw, "created_at")
		}
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var card model.Card
	if err := json.Unmarshal(buf, &card); err != nil {
		return nil, fmt.Errorf("decode card: %w", err)
	}
	if card.ID == "" {
		if id, ok := raw["id"].(string); ok {
			card.ID = id
		}
	}
	card.Zone = judgment.RealizedZone(raw)
	if card.LastJudgment != "" {
		card.LastJudgment = judgment.ParseAction(string(card.LastJudgment))
	}
	if !card.Prediction.HasZone() && !card.Prediction.HasPrice() {
		card.Prediction = judgment.StoredPrediction(raw)
	}
	card.State = model.CardState(strings.ToUpper(string(card.State)))
	if card.State == "" {
		card.State = model.CardActive
	}
	return &card, nil
}

func withoutKey(raw map[string]any, key string) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		if k != key {
			out[k] = v
		}
	}
	return out
}
