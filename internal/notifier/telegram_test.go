package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTelegram struct {
	mu      sync.Mutex
	sent    []string
	polled  int
	offset  string
	failing bool
}

func (f *fakeTelegram) handler(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		if f.failing {
			http.Error(w, "flood control", http.StatusTooManyRequests)
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.sent = append(f.sent, body["text"])
		_, _ = w.Write([]byte(`{"ok":true}`))
	case strings.HasSuffix(r.URL.Path, "/getUpdates"):
		f.polled++
		if f.polled == 1 {
			_, _ = w.Write([]byte(`{"ok":true,"result":[{"update_id":41,"message":{"text":" /cards "}},{"update_id":42}]}`))
			return
		}
		f.offset = r.URL.Query().Get("offset")
		_, _ = w.Write([]byte(`{"ok":true,"result":[]}`))
	}
}

func (f *fakeTelegram) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func newTestNotifier(t *testing.T, f *fakeTelegram) *TelegramNotifier {
	srv := httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(srv.Close)
	n := NewTelegramNotifier("token", "chat", "", zerolog.Nop())
	n.APIBase = srv.URL
	return n
}

func TestSend(t *testing.T) {
	f := &fakeTelegram{}
	n := newTestNotifier(t, f)

	require.NoError(t, n.Send(context.Background(), "hello"))
	assert.Equal(t, []string{"hello"}, f.messages())

	f.mu.Lock()
	f.failing = true
	f.mu.Unlock()
	err := n.SendWithRetry(context.Background(), "again", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 429")
}

func TestSendWithRetry_StopsOnCancel(t *testing.T) {
	f := &fakeTelegram{failing: true}
	n := newTestNotifier(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := n.SendWithRetry(ctx, "x", 3)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStartPolling_DispatchesCommands(t *testing.T) {
	f := &fakeTelegram{}
	n := newTestNotifier(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var got []string
	go func() {
		defer close(done)
		n.StartPolling(ctx, func(ctx context.Context, cmd string) string {
			got = append(got, cmd)
			return "board"
		})
	}()

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.sent) == 1 && f.polled >= 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, []string{"/cards"}, got)
	assert.Equal(t, []string{"board"}, f.messages())
	f.mu.Lock()
	assert.Equal(t, "43", f.offset)
	f.mu.Unlock()
}
