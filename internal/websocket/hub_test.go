package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gabrielkendy/agenciabase-sub002/internal/model"
)

func TestNotifyReachesChannelSubscribers(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	org := &Client{Channel: model.OrgChannel("org-1"), Send: make(chan []byte, 4)}
	other := &Client{Channel: model.OrgChannel("org-2"), Send: make(chan []byte, 4)}
	h.Register(org)
	h.Register(other)

	h.Notify(model.OrgChannel("org-1"), model.EventJobUpdate, map[string]string{"jobId": "j1"})

	select {
	case raw := <-org.Send:
		var msg model.WSEventMessage
		require.NoError(t, json.Unmarshal(raw, &msg))
		assert.Equal(t, model.WSMessageTypeEvent, msg.Type)
		assert.Equal(t, model.EventJobUpdate, msg.Event)
		assert.Equal(t, "org:org-1", msg.Channel)
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}

	select {
	case <-other.Send:
		t.Fatal("message leaked to another channel")
	case <-time.After(50 * time.Millisecond):
	}

	h.Unregister(org)
	_, open := <-org.Send
	assert.False(t, open, "unregister closes the send channel")
}

func TestNotifyNeverBlocks(t *testing.T) {
	h := NewHub()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < broadcastBuffer*2; i++ {
			h.Notify("org:x", model.EventJobUpdate, i)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked without a running hub")
	}
}
