package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	mu      sync.Mutex
	anchors map[string]gatewayStatusResponse
	auth    string
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.auth = r.Header.Get("Authorization")
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/anchors":
		var req gatewaySubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConsentID == "" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(gatewayError{Error: "bad_request", Message: "consentId required"})
			return
		}
		handle := "h-" + req.ConsentID
		g.anchors[handle] = gatewayStatusResponse{Status: "pending"}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(gatewaySubmitResponse{Handle: handle})
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/anchors/"):
		st, ok := g.anchors[strings.TrimPrefix(r.URL.Path, "/anchors/")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(gatewayError{Error: "not_found", Message: "unknown handle"})
			return
		}
		_ = json.NewEncoder(w).Encode(st)
	default:
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(gatewayError{Error: "internal", Message: "boom"})
	}
}

func (g *fakeGateway) set(handle string, st gatewayStatusResponse) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.anchors[handle] = st
}

func TestGatewayClient_SubmitAndPoll(t *testing.T) {
	gw := &fakeGateway{anchors: map[string]gatewayStatusResponse{}}
	srv := httptest.NewServer(gw)
	defer srv.Close()

	c := NewGatewayClient(srv.URL, "secret", 5*time.Second)
	ctx := context.Background()

	handle, err := c.Submit(ctx, "c1", testCommitment("c1"))
	require.NoError(t, err)
	assert.Equal(t, "h-c1", handle)
	assert.Equal(t, "Bearer secret", gw.auth)

	conf, err := c.PollConfirmation(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, StatePending, conf.State)

	gw.set(handle, gatewayStatusResponse{Status: "confirmed", TxHash: "0xabc", BlockNumber: 42})
	conf, err = c.PollConfirmation(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, Confirmation{State: StateConfirmed, TxHash: "0xabc", BlockNumber: 42}, conf)

	gw.set(handle, gatewayStatusResponse{Status: "failed", Reason: "rejected"})
	conf, err = c.PollConfirmation(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, conf.State)
	assert.Equal(t, "rejected", conf.Reason)
}

func TestGatewayClient_UnknownHandle(t *testing.T) {
	srv := httptest.NewServer(&fakeGateway{anchors: map[string]gatewayStatusResponse{}})
	defer srv.Close()

	conf, err := NewGatewayClient(srv.URL, "", time.Second).PollConfirmation(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, conf.State)
}

func TestGatewayClient_Errors(t *testing.T) {
	gw := &fakeGateway{anchors: map[string]gatewayStatusResponse{}}
	srv := httptest.NewServer(gw)
	defer srv.Close()
	c := NewGatewayClient(srv.URL, "", time.Second)

	_, err := c.Submit(context.Background(), "", testCommitment("x"))
	assert.ErrorContains(t, err, "status 400")

	_, err = c.Submit(context.Background(), "c1", "short")
	assert.ErrorIs(t, err, ErrInvalidCommitment)

	gw.set("weird", gatewayStatusResponse{Status: "mystery"})
	_, err = c.PollConfirmation(context.Background(), "weird")
	assert.ErrorContains(t, err, "unknown status")

	gw.set("nohash", gatewayStatusResponse{Status: "confirmed"})
	_, err = c.PollConfirmation(context.Background(), "nohash")
	assert.Error(t, err)
}

func TestGatewayClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewGatewayClient(srv.URL, "", 5*time.Second).Submit(ctx, "c1", testCommitment("c1"))
	assert.Error(t, err)
}
