package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type recordingSink struct {
	events []Event
}

func (r *recordingSink) Consume(_ context.Context, ev Event) {
	r.events = append(r.events, ev)
}

func TestBus_PublishFansOut(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{}
	bus := NewBus(a, b)

	bus.Publish(context.Background(), Event{Type: TypeStoreClaimed, Message: "claimed"})

	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1)
	assert.Equal(t, TypeStoreClaimed, a.events[0].Type)
	assert.False(t, a.events[0].Timestamp.IsZero())
}

func TestWebhookSink_PostsFilteredEvents(t *testing.T) {
	var got []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		got = append(got, body)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, TypeStoreClaimed, TypePipelineFailed)
	sink.Consume(context.Background(), Event{Type: TypeStoreClaimed, Message: "store claimed by Jane"})
	sink.Consume(context.Background(), Event{Type: TypeStepSent, Message: "not forwarded"})

	require.Len(t, got, 1)
	assert.Equal(t, "store claimed by Jane", got[0]["text"])
}

func TestWebhookSink_NoURLIsNoop(t *testing.T) {
	sink := NewWebhookSink("")
	// Must not panic or block.
	sink.Consume(context.Background(), Event{Type: TypeStoreClaimed})
}

func TestWebhookSink_ServerErrorDoesNotPropagate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL)
	// Consume swallows the failure.
	sink.Consume(context.Background(), Event{Type: TypeStoreClaimed})
}
