package alerts

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const pushoverEndpoint = "https://api.pushover.net/1/messages.json"

// PushoverNotifier sends alerts through the Pushover API.
type PushoverNotifier struct {
	token    string
	user     string
	endpoint string
	client   *http.Client
}

// NewPushoverNotifier creates a Pushover notifier. An empty endpoint uses
// the public API.
func NewPushoverNotifier(token, user, endpoint string) *PushoverNotifier {
	if endpoint == "" {
		endpoint = pushoverEndpoint
	}
	return &PushoverNotifier{
		token:    token,
		user:     user,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *PushoverNotifier) Name() string { return "pushover" }

func (p *PushoverNotifier) Send(ctx context.Context, alert Alert) error {
	if p.token == "" || p.user == "" {
		return errors.New("pushover token and user are required")
	}

	data := url.Values{}
	data.Set("token", p.token)
	data.Set("user", p.user)
	data.Set("title", Title(alert))
	data.Set("message", alert.Message)
	if alert.Level == LevelCritical {
		data.Set("priority", "1")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("create pushover request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("send pushover alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("pushover returned status %s", resp.Status)
	}
	return nil
}
