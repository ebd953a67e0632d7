package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/homelistingai/followup/internal/models"
)

const defaultWebhookTimeout = 10 * time.Second

// Webhook posts collaborator requests as JSON to a single URL. It implements
// every delivery interface and ContextProvider; which one it serves depends
// on where it is wired.
type Webhook struct {
	URL    string
	Token  string
	Client *http.Client
}

// NewWebhook constructs a webhook client with defaults applied.
func NewWebhook(url, token string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &Webhook{
		URL:    strings.TrimSpace(url),
		Token:  token,
		Client: &http.Client{Timeout: timeout},
	}
}

// webhookResponse accepts the id field names our collaborators use.
type webhookResponse struct {
	ID         string `json:"id"`
	DeliveryID string `json:"delivery_id"`
	TaskID     string `json:"task_id"`
	MeetingID  string `json:"meeting_id"`
	CallID     string `json:"callId"`
}

func (r webhookResponse) ref() string {
	for _, v := range []string{r.ID, r.DeliveryID, r.TaskID, r.MeetingID, r.CallID} {
		if v != "" {
			return v
		}
	}
	return ""
}

type messagePayload struct {
	Message
	To models.Contact `json:"to"`
}

// Send implements MessageSender.
func (w *Webhook) Send(ctx context.Context, msg Message, to models.Contact) (string, error) {
	if strings.TrimSpace(to.Email) == "" {
		return "", errors.New("recipient email is empty")
	}
	return w.dispatch(ctx, messagePayload{Message: msg, To: to})
}

type taskPayload struct {
	Description string `json:"description"`
	DueContext
}

// Create implements TaskCreator.
func (w *Webhook) Create(ctx context.Context, description string, due DueContext) (string, error) {
	return w.dispatch(ctx, taskPayload{Description: description, DueContext: due})
}

type meetingPayload struct {
	models.MeetingDetails
	LeadContext
}

// Schedule implements MeetingScheduler.
func (w *Webhook) Schedule(ctx context.Context, details models.MeetingDetails, lead LeadContext) (string, error) {
	return w.dispatch(ctx, meetingPayload{MeetingDetails: details, LeadContext: lead})
}

// SendSMS implements SMSSender.
func (w *Webhook) SendSMS(ctx context.Context, sms SMS) (string, error) {
	if strings.TrimSpace(sms.To) == "" {
		return "", errors.New("recipient phone is empty")
	}
	return w.dispatch(ctx, sms)
}

// PlaceCall implements CallPlacer.
func (w *Webhook) PlaceCall(ctx context.Context, req CallRequest) (string, error) {
	if strings.TrimSpace(req.LeadPhone) == "" {
		return "", errors.New("lead phone is empty")
	}
	return w.dispatch(ctx, req)
}

// Resolve implements ContextProvider.
func (w *Webhook) Resolve(ctx context.Context, refs models.ContextRefs) (*models.ResolvedContext, error) {
	body, err := w.postJSON(ctx, refs)
	if err != nil {
		return nil, err
	}
	var resolved models.ResolvedContext
	if err := json.Unmarshal(body, &resolved); err != nil {
		return nil, fmt.Errorf("decode context response: %w", err)
	}
	if resolved.Lead.ID == "" {
		resolved.Lead.ID = refs.LeadID
	}
	return &resolved, nil
}

func (w *Webhook) dispatch(ctx context.Context, payload any) (string, error) {
	body, err := w.postJSON(ctx, payload)
	if err != nil {
		return "", err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return "", nil
	}
	var resp webhookResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode webhook response: %w", err)
	}
	return resp.ref(), nil
}

func (w *Webhook) httpClient() *http.Client {
	if w.Client == nil {
		w.Client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	return w.Client
}

func (w *Webhook) postJSON(ctx context.Context, payload any) ([]byte, error) {
	if w == nil || w.URL == "" {
		return nil, errors.New("webhook URL is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.Token)
	}

	resp, err := w.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("call webhook: %w", err)
	}
	defer resp.Body.Close()

	return readResponseBody(resp)
}

func readResponseBody(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read webhook response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		snippet := strings.TrimSpace(string(body))
		if snippet == "" {
			snippet = resp.Status
		}
		return nil, fmt.Errorf("webhook request failed (%s): %s", resp.Status, snippet)
	}

	return body, nil
}
