package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Person is a participant as the receiving automation expects it.
type Person struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	HebrewName string `json:"hebrewName"`
}

// Payload is the completed brief posted to the webhook.
type Payload struct {
	DraftID              string   `json:"draftId"`
	ClientName           string   `json:"clientName"`
	MeetingDate          string   `json:"meetingDate"`
	Participants         []Person `json:"participants"`
	CreativeWriter       Person   `json:"creativeWriter"`
	Presenter            Person   `json:"presenter"`
	PresentationMaker    Person   `json:"presentationMaker"`
	AccountManager       Person   `json:"accountManager"`
	MediaPerson          *Person  `json:"mediaPerson,omitempty"`
	AboutBrand           string   `json:"aboutBrand"`
	TargetAudiences      string   `json:"targetAudiences"`
	Goals                string   `json:"goals"`
	Insight              string   `json:"insight"`
	Strategy             string   `json:"strategy"`
	MediaStrategy        string   `json:"mediaStrategy"`
	Creative             string   `json:"creative"`
	CreativePresentation string   `json:"creativePresentation"`
	InfluencersExample   string   `json:"influencersExample"`
	AdditionalNotes      string   `json:"additionalNotes"`
	BudgetDistribution   string   `json:"budgetDistribution"`
	CreativeDeadline     string   `json:"creativeDeadline"`
	InternalDeadline     string   `json:"internalDeadline"`
	ClientDeadline       string   `json:"clientDeadline"`
}

type Webhook struct {
	url    string
	client *http.Client
}

func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Deliver posts payload as JSON. Any transport error or non-2xx response is
// returned as an error.
func (w *Webhook) Deliver(ctx context.Context, payload Payload) error {
	if w.url == "" {
		return fmt.Errorf("webhook url is not configured")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
