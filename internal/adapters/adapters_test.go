package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/homelistingai/followup/internal/config"
	"github.com/homelistingai/followup/internal/models"
)

func TestWebhookSend(t *testing.T) {
	var got map[string]any
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"delivery_id":"msg-42"}`))
	}))
	defer server.Close()

	hook := NewWebhook(server.URL, "secret", 0)
	ref, err := hook.Send(context.Background(), Message{Subject: "Hi", HTMLBody: "<p>Hi</p>"}, models.Contact{Name: "John Smith", Email: "john@example.com"})
	require.NoError(t, err)
	require.Equal(t, "msg-42", ref)
	require.Equal(t, "Bearer secret", auth)
	require.Equal(t, "Hi", got["subject"])
	to := got["to"].(map[string]any)
	require.Equal(t, "john@example.com", to["email"])
}

func TestWebhookPlaceCallPayload(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"callId":"call-7"}`))
	}))
	defer server.Close()

	ref, err := NewWebhook(server.URL, "", 0).PlaceCall(context.Background(), CallRequest{
		LeadID:    "lead-1",
		AgentID:   "agent-1",
		Script:    "Hello John",
		LeadName:  "John Smith",
		LeadPhone: "+15550001111",
		CallType:  "sales",
	})
	require.NoError(t, err)
	require.Equal(t, "call-7", ref)
	require.Equal(t, "lead-1", got["leadId"])
	require.Equal(t, "+15550001111", got["leadPhone"])
	require.Equal(t, "sales", got["callType"])
}

func TestWebhookErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "provider unavailable", http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := NewWebhook(server.URL, "", 0).SendSMS(context.Background(), SMS{To: "+15550001111", Message: "hi"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "provider unavailable")

	_, err = NewWebhook(server.URL, "", 0).SendSMS(context.Background(), SMS{Message: "hi"})
	require.Error(t, err)
}

func TestWebhookResolve(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var refs models.ContextRefs
		require.NoError(t, json.NewDecoder(r.Body).Decode(&refs))
		require.Equal(t, "lead-1", refs.LeadID)
		_ = json.NewEncoder(w).Encode(models.ResolvedContext{
			Lead:  models.Lead{Name: "John Smith", Email: "john@example.com"},
			Agent: models.Agent{ID: refs.AgentID, Name: "Jane Doe"},
		})
	}))
	defer server.Close()

	resolved, err := NewWebhook(server.URL, "", 0).Resolve(context.Background(), models.ContextRefs{LeadID: "lead-1", AgentID: "agent-1"})
	require.NoError(t, err)
	require.Equal(t, "lead-1", resolved.Lead.ID)
	require.Equal(t, "Jane Doe", resolved.Agent.Name)
	require.Nil(t, resolved.Property)
}

const contextsYAML = `
leads:
  - id: lead-1
    name: John Smith
    email: john@example.com
    phone: "+1-555-123-4567"
properties:
  - id: prop-1
    address: 123 Main Street
    price: 450000
agents:
  - id: agent-1
    name: Jane Doe
    company: Acme Realty
    phone: "+1-555-987-6543"
`

func TestStaticContextProvider(t *testing.T) {
	provider, err := ParseStaticContexts([]byte(contextsYAML))
	require.NoError(t, err)

	resolved, err := provider.Resolve(context.Background(), models.ContextRefs{LeadID: "lead-1", PropertyID: "prop-1", AgentID: "agent-1"})
	require.NoError(t, err)
	require.Equal(t, "John Smith", resolved.Lead.Name)
	require.Equal(t, "123 Main Street", resolved.Property.Address)
	require.Equal(t, "+1-555-987-6543", resolved.Agent.Phone)
	require.Equal(t, "450,000", resolved.Fields()["property"]["price"])

	_, err = provider.Resolve(context.Background(), models.ContextRefs{LeadID: "nobody"})
	require.True(t, errors.Is(err, ErrLeadNotFound))

	_, err = provider.Resolve(context.Background(), models.ContextRefs{LeadID: "lead-1", PropertyID: "prop-x"})
	require.True(t, errors.Is(err, ErrPropertyNotFound))

	withoutOptional, err := provider.Resolve(context.Background(), models.ContextRefs{LeadID: "lead-1"})
	require.NoError(t, err)
	require.Nil(t, withoutOptional.Property)
}

func TestStaticContextsRequireIDs(t *testing.T) {
	_, err := ParseStaticContexts([]byte("leads:\n  - name: No Id\n"))
	require.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "contexts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contextsYAML), 0o644))

	collaborators, err := FromConfig(config.CollaboratorsConfig{
		MessageURL:   "http://127.0.0.1:9/messages",
		ContextsFile: path,
	}, zerolog.Nop())
	require.NoError(t, err)

	require.IsType(t, &Webhook{}, collaborators.Messages)
	require.IsType(t, &LogSink{}, collaborators.SMS)
	require.IsType(t, &StaticContextProvider{}, collaborators.Contexts)
	require.True(t, collaborators.Supports(models.StepTypeAIEmail))
	require.Contains(t, collaborators.Describe(), "messages=webhook")
	require.Contains(t, collaborators.Describe(), "sms=log")

	empty := &Collaborators{}
	require.False(t, empty.Supports(models.StepTypeTask))
}

func TestLogSinkReturnsReferences(t *testing.T) {
	sink := NewLogSink(zerolog.Nop())

	ref, err := sink.Send(context.Background(), Message{Subject: "Hi"}, models.Contact{Email: "john@example.com"})
	require.NoError(t, err)
	require.Contains(t, ref, "msg-")

	ref, err = sink.Create(context.Background(), "Call John", DueContext{LeadID: "lead-1"})
	require.NoError(t, err)
	require.Contains(t, ref, "task-")
}
