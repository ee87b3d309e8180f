package client_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	zapclient "github.com/ZaparooProject/zaparoo-app-go"
	"github.com/ZaparooProject/zaparoo-app-go/client"
)

// coreServer fakes a Core device: a real WebSocket endpoint answering
// JSON-RPC requests and able to push notifications.
type coreServer struct {
	t  *testing.T
	mu sync.Mutex

	srv  *httptest.Server
	conn *gws.Conn
}

func newCoreServer(t *testing.T) *coreServer {
	t.Helper()

	cs := &coreServer{t: t}
	upgrader := gws.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0.1", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cs.mu.Lock()
		cs.conn = conn
		cs.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			cs.handle(conn, data)
		}
	})
	cs.srv = httptest.NewServer(mux)
	t.Cleanup(cs.srv.Close)
	return cs
}

func (cs *coreServer) handle(conn *gws.Conn, data []byte) {
	if string(data) == "ping" {
		cs.write(conn, []byte("pong"))
		return
	}

	var req struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      string          `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}

	var result any
	switch req.Method {
	case "version":
		result = map[string]string{"version": "1.5.0", "platform": "mister"}
	case "launch", "stop", "write.cancel":
		result = true
	case "tokens.history":
		result = map[string]any{"entries": []map[string]any{{
			"time": "2025-08-30T12:00:00Z", "type": "nfc",
			"uid": "04a2b3", "text": "launch.random", "success": true,
		}}}
	default:
		cs.write(conn, []byte(`{"jsonrpc":"2.0","id":"`+req.ID+
			`","error":{"code":-32601,"message":"Method not found"}}`))
		return
	}

	resp, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0", "id": req.ID, "result": result,
	})
	cs.write(conn, resp)
}

func (cs *coreServer) write(conn *gws.Conn, data []byte) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	conn.WriteMessage(gws.TextMessage, data)
}

func (cs *coreServer) push(text string) {
	cs.mu.Lock()
	conn := cs.conn
	cs.mu.Unlock()
	require.NotNil(cs.t, conn)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	require.NoError(cs.t, conn.WriteMessage(gws.TextMessage, []byte(text)))
}

// address returns the server's host:port for use as a device address.
func (cs *coreServer) address() string {
	return strings.TrimPrefix(cs.srv.URL, "http://")
}

func newClient(t *testing.T, address string) *client.Client {
	t.Helper()
	c, err := client.New(&client.Config{
		Address:           address,
		DeviceID:          "core",
		GracePeriod:       50 * time.Millisecond,
		ReconnectDelayMin: 10 * time.Millisecond,
		ReconnectDelayMax: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func waitConnected(t *testing.T, c *client.Client) {
	t.Helper()
	require.Eventually(t, c.Connected, 5*time.Second, 10*time.Millisecond)
}

func TestVersionRoundtrip(t *testing.T) {
	t.Parallel()

	srv := newCoreServer(t)
	c := newClient(t, srv.address())

	c.Connect()
	waitConnected(t, c)

	info, err := c.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.5.0", info.Version)
	assert.Equal(t, "mister", info.Platform)
}

func TestLaunchAndHistory(t *testing.T) {
	t.Parallel()

	srv := newCoreServer(t)
	c := newClient(t, srv.address())
	c.Connect()
	waitConnected(t, c)

	res, err := c.Launch(context.Background(), client.LaunchParams{UID: "04a2b3"})
	require.NoError(t, err)
	assert.False(t, res.Cancelled)

	hist, err := c.TokensHistory(context.Background())
	require.NoError(t, err)
	require.Len(t, hist.Entries, 1)
	assert.Equal(t, "04a2b3", hist.Entries[0].UID)
}

func TestUnknownMethodReturnsServerError(t *testing.T) {
	t.Parallel()

	srv := newCoreServer(t)
	c := newClient(t, srv.address())
	c.Connect()
	waitConnected(t, c)

	_, err := c.Call(context.Background(), "no.such.method", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Method not found")
}

func TestNotificationsReachSubscribers(t *testing.T) {
	t.Parallel()

	srv := newCoreServer(t)
	c := newClient(t, srv.address())

	notes := make(chan zapclient.Notification, 1)
	sub := c.OnNotification(func(deviceID string, n zapclient.Notification) {
		notes <- n
	})
	defer sub.Cancel()

	c.Connect()
	waitConnected(t, c)

	srv.push(`{"jsonrpc":"2.0","method":"media.started","params":{"name":"Sonic"}}`)

	select {
	case n := <-notes:
		assert.Equal(t, zapclient.NotifMediaStarted, n.Method)
	case <-time.After(5 * time.Second):
		t.Fatal("notification never delivered")
	}
}

func TestCallQueuedBeforeConnect(t *testing.T) {
	t.Parallel()

	srv := newCoreServer(t)
	c := newClient(t, srv.address())

	// Issued before any connection exists; must be queued, then sent on
	// connect.
	pc, err := c.CallWithTracking(context.Background(), zapclient.MethodVersion, nil)
	require.NoError(t, err)

	c.Connect()
	res, err := pc.Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Cancelled)
	assert.Contains(t, string(res.Raw), "1.5.0")
}

func TestWriteTrackingAndCancel(t *testing.T) {
	t.Parallel()

	srv := newCoreServer(t)
	c := newClient(t, srv.address())
	c.Connect()
	waitConnected(t, c)

	pc, err := c.Write(context.Background(), "launch.random")
	require.NoError(t, err)
	assert.NotEmpty(t, pc.ID(), "tracked call exposes its correlation id")

	res, err := c.CancelWrite(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Cancelled)
}

func TestCallWithoutDevice(t *testing.T) {
	t.Parallel()

	c, err := client.New(nil)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Call(context.Background(), zapclient.MethodVersion, nil)
	assert.ErrorIs(t, err, zapclient.ErrNoEndpoint)
	assert.Equal(t, zapclient.StateIdle, c.State())
}

func TestNewFromFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "devices.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
devices:
  - id: living-room
    address: 10.0.0.17
  - id: arcade
    address: arcade.local:8000
active: arcade
`), 0o600))

	c, err := client.NewFromFile(path, nil)
	require.NoError(t, err)
	defer c.Close()

	require.NotNil(t, c.Active())
	assert.Equal(t, "arcade", c.Active().ID())

	d, ok := c.Device("living-room")
	require.True(t, ok)
	assert.Equal(t, "ws://10.0.0.17:7497/api/v0.1", d.Endpoint())
}

func TestReconnectAfterServerRestart(t *testing.T) {
	t.Parallel()

	srv := newCoreServer(t)
	c := newClient(t, srv.address())
	c.Connect()
	waitConnected(t, c)

	// Kill the server side of the connection; the client reconnects on
	// its own and calls work again.
	srv.mu.Lock()
	srv.conn.Close()
	srv.mu.Unlock()

	// A frame accepted by the dying transport is lost, so each attempt
	// gets its own deadline rather than blocking on the call timeout.
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		info, err := c.Version(ctx)
		return err == nil && info != nil
	}, 10*time.Second, 100*time.Millisecond)
}
