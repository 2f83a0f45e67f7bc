package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// SlackNotifier posts run and domain setup outcomes to a Slack webhook
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
}

// SlackMessage represents a Slack message payload
type SlackMessage struct {
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack message attachment
type SlackAttachment struct {
	Color     string       `json:"color"`
	Title     string       `json:"title,omitempty"`
	TitleLink string       `json:"title_link,omitempty"`
	Text      string       `json:"text"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
}

// SlackField is one short key/value cell of an attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewSlackNotifier creates a new Slack notifier
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// ToJSON converts the message to JSON
func (m *SlackMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// SlackColor returns the Slack color for a notification type
func SlackColor(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "good"
	case NotifyWarning:
		return "warning"
	case NotifyError:
		return "danger"
	default:
		return "#439FE0"
	}
}

// SlackFields lays out the run or location context as attachment fields.
// Unset values are left out.
func SlackFields(n Notification) []SlackField {
	var fields []SlackField
	add := func(title, value string) {
		if value != "" {
			fields = append(fields, SlackField{Title: title, Value: value, Short: true})
		}
	}
	add("Job", n.Job)
	add("State", n.State)
	if n.Pct != nil {
		add("Progress", strconv.FormatFloat(*n.Pct*100, 'f', 0, 64)+"%")
	}
	if n.ExitCode != nil {
		add("Exit code", strconv.Itoa(*n.ExitCode))
	}
	add("Location", n.LocID)
	add("Domain", n.DomainURL)
	add("Failed step", n.FailedStep)
	return fields
}

// BuildSlackMessage renders a notification as a webhook payload
func BuildSlackMessage(n Notification) SlackMessage {
	att := SlackAttachment{
		Color:  SlackColor(n.Type),
		Text:   n.Message,
		Fields: SlackFields(n),
		Footer: "provision-runner",
	}
	switch {
	case n.RunID != "":
		att.Title = "Run " + n.RunID
	case n.LocID != "":
		att.Title = "Location " + n.LocID
	}
	if n.DomainURL != "" {
		att.TitleLink = n.DomainURL
		if !strings.Contains(n.DomainURL, "://") {
			att.TitleLink = "https://" + n.DomainURL
		}
	}
	return SlackMessage{Text: n.Title, Attachments: []SlackAttachment{att}}
}

// Send sends a notification to Slack
func (s *SlackNotifier) Send(n Notification) error {
	if s.webhookURL == "" {
		return nil // Disabled
	}

	msg := BuildSlackMessage(n)
	payload, err := msg.ToJSON()
	if err != nil {
		return err
	}

	resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned %d", resp.StatusCode)
	}

	return nil
}
