package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvbiljouw/awsum-backend/apps/server/service/business"
)

func TestSocketStreamRoundTrip(t *testing.T) {
	received := make(chan *business.ClientRequest, 1)
	serverDone := make(chan error, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			serverDone <- err
			return
		}
		defer func() { _ = conn.Close() }()

		stream := newSocketStream(conn, 5*time.Second)

		req, err := stream.Receive()
		if err != nil {
			serverDone <- err
			return
		}
		received <- req

		serverDone <- stream.Send(business.WrapMessage(business.SubscribeToGroupResponse{Success: true}))
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	defer func() { _ = client.Close() }()

	body, err := json.Marshal(business.SubscribeToGroupRequest{GroupID: 10})
	require.NoError(t, err)
	require.NoError(t, client.WriteJSON(business.ClientRequest{
		Type: business.OpSubscribeToGroup,
		Body: body,
	}))

	select {
	case req := <-received:
		assert.Equal(t, business.OpSubscribeToGroup, req.Type)

		var decoded business.SubscribeToGroupRequest
		require.NoError(t, json.Unmarshal(req.Body, &decoded))
		assert.Equal(t, int64(10), decoded.GroupID)
	case <-time.After(time.Second):
		t.Fatal("server never received the request")
	}

	var env struct {
		Type string          `json:"type"`
		Body json.RawMessage `json:"body"`
	}
	require.NoError(t, client.ReadJSON(&env))
	assert.Equal(t, "SubscribeToGroupResponse", env.Type)

	var ack business.SubscribeToGroupResponse
	require.NoError(t, json.Unmarshal(env.Body, &ack))
	assert.True(t, ack.Success)

	require.NoError(t, <-serverDone)
}

func TestSocketStreamReceiveAfterClose(t *testing.T) {
	streamCh := make(chan *socketStream, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		streamCh <- newSocketStream(conn, time.Second)
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	stream := <-streamCh
	require.NoError(t, client.Close())

	_, err = stream.Receive()
	require.Error(t, err)
}

func TestSocketStreamCloseUnblocksReceive(t *testing.T) {
	streamCh := make(chan *socketStream, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		streamCh <- newSocketStream(conn, time.Second)
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	defer func() { _ = client.Close() }()

	stream := <-streamCh

	// Receive blocks while the client stays silent; a server-side Close
	// has to break it loose so sessions can be torn down.
	result := make(chan error, 1)
	go func() {
		_, err := stream.Receive()
		result <- err
	}()

	require.NoError(t, stream.Close())

	select {
	case err := <-result:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Receive did not return after Close")
	}
}
