package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"teamsrelay/pkg/relay"
)

func relayStub(t *testing.T, handler func(w http.ResponseWriter, req relay.InboundRequest, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, relay.InboundPath, r.URL.Path)
		var req relay.InboundRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		handler(w, req, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAskOK(t *testing.T) {
	srv := relayStub(t, func(w http.ResponseWriter, req relay.InboundRequest, r *http.Request) {
		require.Equal(t, "secret", r.Header.Get(relay.TokenHeader))
		require.True(t, strings.HasPrefix(req.RequestID, "req_"))
		require.Equal(t, "c1", req.ChatID)
		require.Equal(t, "u1", req.SenderID)
		require.Equal(t, "tenant", req.Metadata["tenant_id"])
		_ = json.NewEncoder(w).Encode(relay.InboundResponse{Status: relay.StatusOK, Content: "hi " + req.Content, RequestID: req.RequestID})
	})

	c, err := New(srv.URL+"/", "secret", nil)
	require.NoError(t, err)

	result, err := c.Ask(context.Background(), Request{ChatID: "c1", SenderID: "u1", Content: "there", Metadata: map[string]string{"tenant_id": "tenant"}})
	require.NoError(t, err)
	require.Equal(t, StatusOK, result.Status)
	require.Equal(t, "hi there", result.Content)
	require.True(t, strings.HasPrefix(result.RequestID, "req_"))
	require.Equal(t, "hi there", result.Reply())
}

func TestAskAccepted(t *testing.T) {
	srv := relayStub(t, func(w http.ResponseWriter, req relay.InboundRequest, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"accepted","request_id":"` + req.RequestID + `"}`))
	})

	c, err := New(srv.URL, "", nil)
	require.NoError(t, err)

	result, err := c.Ask(context.Background(), Request{ChatID: "c1", Content: "slow"})
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, result.Status)
	require.Empty(t, result.Content)
	require.Equal(t, AcceptedReply, result.Reply())
}

func TestAskOmitsTokenWhenUnset(t *testing.T) {
	srv := relayStub(t, func(w http.ResponseWriter, req relay.InboundRequest, r *http.Request) {
		require.Empty(t, r.Header.Get(relay.TokenHeader))
		_, _ = w.Write([]byte(`{}`))
	})

	c, err := New(srv.URL, "", nil)
	require.NoError(t, err)

	result, err := c.Ask(context.Background(), Request{ChatID: "c1", Content: "x"})
	require.NoError(t, err)
	require.Equal(t, StatusOK, result.Status)
	require.NotEmpty(t, result.RequestID)
	require.Equal(t, EmptyReply, result.Reply())
}

func TestAskHTTPError(t *testing.T) {
	srv := relayStub(t, func(w http.ResponseWriter, _ relay.InboundRequest, _ *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})

	c, err := New(srv.URL, "wrong", nil)
	require.NoError(t, err)

	result, err := c.Ask(context.Background(), Request{ChatID: "c1", Content: "x"})
	require.Error(t, err)
	require.Equal(t, StatusError, result.Status)
	require.Contains(t, result.Error, "401")
	require.Contains(t, result.Error, "unauthorized")
	require.True(t, strings.HasPrefix(result.RequestID, "req_"))
	require.Contains(t, result.Reply(), result.RequestID)
}

func TestAskInvalidResponse(t *testing.T) {
	srv := relayStub(t, func(w http.ResponseWriter, _ relay.InboundRequest, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	})

	c, err := New(srv.URL, "", nil)
	require.NoError(t, err)

	result, err := c.Ask(context.Background(), Request{ChatID: "c1", Content: "x"})
	require.Error(t, err)
	require.Equal(t, StatusError, result.Status)
}

func TestAskUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(url, "", nil)
	require.NoError(t, err)

	result, err := c.Ask(context.Background(), Request{ChatID: "c1", Content: "x"})
	require.Error(t, err)
	require.Equal(t, StatusError, result.Status)
	require.NotEmpty(t, result.Error)
}

func TestNewValidatesURL(t *testing.T) {
	_, err := New("", "", nil)
	require.Error(t, err)

	_, err = New("localhost:18800", "", nil)
	require.Error(t, err)

	c, err := New(" http://127.0.0.1:18800/ ", "", nil)
	require.NoError(t, err)
	require.Equal(t, "http://127.0.0.1:18800"+relay.InboundPath, c.Endpoint())
}

func TestErrorText(t *testing.T) {
	require.Equal(t, "bad", errorText([]byte(`{"error":"bad"}`)))
	require.Equal(t, "plain", errorText([]byte("plain\n")))
	require.Equal(t, "empty body", errorText(nil))
	require.Len(t, errorText([]byte(strings.Repeat("x", 500))), 200)
}
