package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ogulcanaydogan/balance-guardian/pkg/model"
)

// SlackNotifier sends alerts to a Slack webhook.
type SlackNotifier struct {
	webhookURL string
	channel    string
	client     *http.Client
}

// NewSlackNotifier creates a Slack webhook notifier.
func NewSlackNotifier(webhookURL, channel string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		channel:    channel,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (s *SlackNotifier) Name() string { return "slack" }

func (s *SlackNotifier) Send(ctx context.Context, alert Alert) error {
	color := "#36a64f" // green
	switch alert.Level {
	case LevelWarning:
		color = "#ff9900" // orange
	case LevelCritical:
		color = "#ff0000" // red
	}

	payload := slackPayload{
		Channel: s.channel,
		Attachments: []slackAttachment{
			{
				Color:  color,
				Title:  "Balance Guardian: " + Title(alert),
				Text:   alert.Message,
				Fields: slackFields(alert),
				Footer: "Balance Guardian",
				Ts:     alert.FiredAt.Unix(),
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send slack alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}
	return nil
}

func slackFields(a Alert) []slackField {
	money := func(d decimal.Decimal) string {
		return d.StringFixed(2) + " " + a.Currency
	}

	fields := []slackField{{Title: "Service", Value: a.ServiceName, Short: true}}
	switch a.Kind {
	case model.AlertLowBalance:
		fields = append(fields,
			slackField{Title: "Balance", Value: money(a.Observed), Short: true},
			slackField{Title: "Threshold", Value: money(a.Threshold), Short: true},
		)
	case model.AlertDailyTopup:
		fields = append(fields,
			slackField{Title: "Balance", Value: money(a.Observed), Short: true},
			slackField{Title: "Runway", Value: a.RunwayDays.StringFixed(1) + " days", Short: true},
		)
	case model.AlertMonthlyDue:
		fields = append(fields,
			slackField{Title: "Amount", Value: money(a.MonthlyFee), Short: true},
			slackField{Title: "Due", Value: a.DueDate.Format("2006-01-02"), Short: true},
		)
	case model.AlertSourceUnavailable:
		fields = append(fields,
			slackField{Title: "Failures", Value: strconv.Itoa(a.Failures), Short: true},
		)
	case model.AlertTopupDetected:
		fields = append(fields,
			slackField{Title: "Balance", Value: money(a.Observed), Short: true},
		)
	}
	return fields
}

type slackPayload struct {
	Channel     string            `json:"channel,omitempty"`
	Attachments []slackAttachment `json:"attachments"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text,omitempty"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}
