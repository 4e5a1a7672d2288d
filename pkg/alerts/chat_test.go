package alerts_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ogulcanaydogan/balance-guardian/pkg/alerts"
	"github.com/ogulcanaydogan/balance-guardian/pkg/model"
)

// fakeBotAPI serves the two Bot API methods the notifier uses.
type fakeBotAPI struct {
	mu       sync.Mutex
	failures int
	texts    []string
	chatIDs  []string
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/getMe"):
		w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"balguard","username":"balguard_bot"}}`))
	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		_ = r.ParseForm()
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failures > 0 {
			f.failures--
			w.Write([]byte(`{"ok":false,"error_code":500,"description":"Internal Server Error"}`))
			return
		}
		f.texts = append(f.texts, r.PostForm.Get("text"))
		f.chatIDs = append(f.chatIDs, r.PostForm.Get("chat_id"))
		w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`))
	default:
		http.NotFound(w, r)
	}
}

func newTelegram(t *testing.T, api *fakeBotAPI, retries int) *alerts.TelegramNotifier {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	n, err := alerts.NewTelegramNotifierWithEndpoint("TOKEN", "42", srv.URL+"/bot%s/%s", srv.Client(), retries, time.Millisecond)
	require.NoError(t, err)
	return n
}

func TestTelegramNotifier_Send(t *testing.T) {
	api := &fakeBotAPI{}
	n := newTelegram(t, api, 3)
	assert.Equal(t, "telegram", n.Name())

	require.NoError(t, n.Send(context.Background(), lowBalanceAlert()))
	require.Len(t, api.texts, 1)
	assert.Equal(t, "42", api.chatIDs[0])
	assert.Contains(t, api.texts[0], "Low balance: Zadarma")
	assert.Contains(t, api.texts[0], "7.50 USD")
}

func TestTelegramNotifier_Retries(t *testing.T) {
	api := &fakeBotAPI{failures: 2}
	n := newTelegram(t, api, 3)

	require.NoError(t, n.Send(context.Background(), lowBalanceAlert()))
	assert.Len(t, api.texts, 1)
}

func TestTelegramNotifier_GivesUp(t *testing.T) {
	api := &fakeBotAPI{failures: 5}
	n := newTelegram(t, api, 2)

	err := n.Send(context.Background(), lowBalanceAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 2 retries")
}

func TestTelegramNotifier_InvalidChatID(t *testing.T) {
	_, err := alerts.NewTelegramNotifierWithEndpoint("TOKEN", "not-a-number", "http://127.0.0.1/bot%s/%s", nil, 1, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid chat ID")
}

type fakePublisher struct {
	subject string
	data    []byte
	err     error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.subject = subject
	p.data = data
	return p.err
}

func TestNATSNotifier_Send(t *testing.T) {
	pub := &fakePublisher{}
	n := alerts.NewNATSNotifier(pub, "ops.balances.")
	assert.Equal(t, "nats", n.Name())

	require.NoError(t, n.Send(context.Background(), lowBalanceAlert()))
	assert.Equal(t, "ops.balances.low_balance", pub.subject)

	var decoded model.Alert
	require.NoError(t, json.Unmarshal(pub.data, &decoded))
	assert.Equal(t, "zadarma", decoded.ServiceKey)
	assert.True(t, decoded.Threshold.Equal(lowBalanceAlert().Threshold))
}

func TestNATSNotifier_DefaultPrefixAndError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats: connection closed")}
	n := alerts.NewNATSNotifier(pub, "")

	err := n.Send(context.Background(), alerts.Alert{Kind: model.AlertMonthlyDue})
	require.Error(t, err)
	assert.Equal(t, "balguard.alerts.monthly_due", pub.subject)
}

func TestPushoverNotifier_Send(t *testing.T) {
	var form map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		form = map[string]string{
			"token":    r.PostForm.Get("token"),
			"title":    r.PostForm.Get("title"),
			"priority": r.PostForm.Get("priority"),
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := alerts.NewPushoverNotifier("tok", "usr", srv.URL)
	alert := lowBalanceAlert()
	alert.Kind = model.AlertSourceUnavailable
	alert.Level = alerts.LevelCritical

	require.NoError(t, n.Send(context.Background(), alert))
	assert.Equal(t, "tok", form["token"])
	assert.Equal(t, "Balance source unavailable: Zadarma", form["title"])
	assert.Equal(t, "1", form["priority"])
}

func TestPushoverNotifier_RequiresCredentials(t *testing.T) {
	n := alerts.NewPushoverNotifier("", "", "")
	assert.Error(t, n.Send(context.Background(), lowBalanceAlert()))
}

func TestLogNotifier_Send(t *testing.T) {
	var buf strings.Builder
	n := alerts.NewLogNotifier(slog.New(slog.NewTextHandler(&buf, nil)))

	require.NoError(t, n.Send(context.Background(), lowBalanceAlert()))
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "service=zadarma")
}

func TestFormatText(t *testing.T) {
	a := lowBalanceAlert()
	a.Kind = model.AlertMonthlyDue
	a.Level = alerts.LevelInfo
	a.DueDate = time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)

	text := alerts.FormatText(a)
	lines := strings.Split(text, "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "Payment due: Zadarma")
	assert.Equal(t, a.Message, lines[1])
	assert.Equal(t, "Due: 2026-03-11", lines[2])
	assert.Equal(t, "At: 2026-03-01 10:00 UTC", lines[3])
}
