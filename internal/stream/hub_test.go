package stream

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/homelistingai/followup/internal/models"
	"github.com/homelistingai/followup/internal/scheduler"
)

func dispatchFor(leadID string) scheduler.DispatchEvent {
	return scheduler.DispatchEvent{
		ExecutionID: "exec-" + leadID,
		LeadID:      leadID,
		StepType:    models.StepTypeEmail,
		Success:     true,
		Timestamp:   time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func receive(t *testing.T, sub *Subscriber) Message {
	t.Helper()
	select {
	case data, ok := <-sub.Send:
		if !ok {
			t.Fatal("subscriber channel closed")
		}
		var msg Message
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

func TestPublishFiltersByLead(t *testing.T) {
	hub := NewHub()
	all := hub.Subscribe("")
	onlyA := hub.Subscribe("lead-a")
	require.Equal(t, 2, hub.Len())

	hub.Publish(dispatchFor("lead-b"))
	hub.Publish(dispatchFor("lead-a"))

	msg := receive(t, all)
	require.Equal(t, MessageTypeDispatch, msg.Type)
	require.Equal(t, "lead-b", msg.Dispatch.LeadID)
	require.Equal(t, "lead-a", receive(t, all).Dispatch.LeadID)

	msg = receive(t, onlyA)
	require.Equal(t, "exec-lead-a", msg.Dispatch.ExecutionID)
	require.True(t, msg.Dispatch.Success)
	select {
	case <-onlyA.Send:
		t.Fatal("filtered subscriber received another lead's event")
	default:
	}
}

func TestSlowSubscriberDropped(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("")
	for i := 0; i < sendBuffer+1; i++ {
		hub.Publish(dispatchFor("lead-1"))
	}
	require.Equal(t, 0, hub.Len())

	drained := 0
	for range sub.Send {
		drained++
	}
	require.Equal(t, sendBuffer, drained)

	// Unsubscribing again is a no-op.
	hub.Unsubscribe(sub)
}

func TestRunClosesSubscribersOnCancel(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("")
	events := make(chan scheduler.DispatchEvent, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx, events) }()

	events <- dispatchFor("lead-1")
	require.Equal(t, "lead-1", receive(t, sub).Dispatch.LeadID)

	cancel()
	require.NoError(t, <-done)
	_, ok := <-sub.Send
	require.False(t, ok, "subscriber should be closed after Run returns")

	late := hub.Subscribe("")
	_, ok = <-late.Send
	require.False(t, ok, "subscribing to a closed hub yields a closed channel")
}

func TestHandleWebSocket(t *testing.T) {
	hub := NewHub()
	e := echo.New()
	e.GET("/v1/events", hub.HandleWebSocket)
	srv := httptest.NewServer(e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events?lead_id=lead-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, 10*time.Millisecond)

	hub.Publish(dispatchFor("lead-2"))
	hub.Publish(dispatchFor("lead-1"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "lead-1", msg.Dispatch.LeadID)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}
