package dispatcher_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	zapclient "github.com/ZaparooProject/zaparoo-app-go"
	"github.com/ZaparooProject/zaparoo-app-go/internal/dispatcher"
)

// fakeTransport records sent frames and lets tests toggle connectivity.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	sent      []string
	sendErr   error
}

func (f *fakeTransport) Send(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) CurrentState() zapclient.ConnectionState {
	if f.IsConnected() {
		return zapclient.StateConnected
	}
	return zapclient.StateDisconnected
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) setConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = v
}

func (f *fakeTransport) sentFrames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// sentMethod extracts the method of the i-th sent frame.
func (f *fakeTransport) sentMethod(t *testing.T, i int) string {
	t.Helper()
	frames := f.sentFrames()
	require.Greater(t, len(frames), i)
	var req struct {
		Method string `json:"method"`
	}
	require.NoError(t, json.Unmarshal([]byte(frames[i]), &req))
	return req.Method
}

func responseFor(id string, result string) []byte {
	return fmt.Appendf(nil, `{"jsonrpc":"2.0","id":%q,"result":%s}`, id, result)
}

func TestCallRoutesResponsesByID(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{connected: true}
	d := dispatcher.New(dispatcher.Config{})
	d.SetTransport(tr)

	a, err := d.CallWithTracking(context.Background(), "version", nil)
	require.NoError(t, err)
	b, err := d.CallWithTracking(context.Background(), "tokens.history", nil)
	require.NoError(t, err)
	require.Len(t, tr.sentFrames(), 2)

	// Deliver B's response before A's; each must land on its own call.
	_, err = d.ProcessReceived(responseFor(b.ID(), `"for-b"`))
	require.NoError(t, err)
	_, err = d.ProcessReceived(responseFor(a.ID(), `"for-a"`))
	require.NoError(t, err)

	resA, err := a.Wait(context.Background())
	require.NoError(t, err)
	resB, err := b.Wait(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `"for-a"`, string(resA.Raw))
	assert.JSONEq(t, `"for-b"`, string(resB.Raw))
	assert.Zero(t, d.PendingCount())
}

func TestCallErrorResponse(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{connected: true}
	d := dispatcher.New(dispatcher.Config{})
	d.SetTransport(tr)

	pc, err := d.CallWithTracking(context.Background(), "launch", map[string]any{"uid": "nope"})
	require.NoError(t, err)

	_, err = d.ProcessReceived(fmt.Appendf(nil,
		`{"jsonrpc":"2.0","id":%q,"error":{"code":-32601,"message":"Method not found"}}`, pc.ID()))
	require.NoError(t, err)

	_, err = pc.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Method not found")
}

func TestQueuedCallsFlushInOrder(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{}
	d := dispatcher.New(dispatcher.Config{})
	d.SetTransport(tr)

	first, err := d.CallWithTracking(context.Background(), "version", nil)
	require.NoError(t, err)
	second, err := d.CallWithTracking(context.Background(), "tokens.history", nil)
	require.NoError(t, err)

	assert.Empty(t, tr.sentFrames(), "nothing sent while disconnected")
	assert.Equal(t, 2, d.QueuedCount())

	tr.setConnected(true)
	d.FlushQueue()

	require.Len(t, tr.sentFrames(), 2)
	assert.Equal(t, "version", tr.sentMethod(t, 0))
	assert.Equal(t, "tokens.history", tr.sentMethod(t, 1))
	assert.Zero(t, d.QueuedCount())
	assert.Equal(t, 2, d.PendingCount(), "flushed entries still await responses")

	_, err = d.ProcessReceived(responseFor(first.ID(), `"1.5.0"`))
	require.NoError(t, err)
	_, err = d.ProcessReceived(responseFor(second.ID(), `[]`))
	require.NoError(t, err)

	res, err := first.Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Cancelled)
}

func TestStaleQueuedCallIsDroppedNotSent(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{}
	d := dispatcher.New(dispatcher.Config{QueueTTL: 20 * time.Millisecond})
	d.SetTransport(tr)

	stale, err := d.CallWithTracking(context.Background(), "version", nil)
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	fresh, err := d.CallWithTracking(context.Background(), "launch", nil)
	require.NoError(t, err)

	tr.setConnected(true)
	d.FlushQueue()

	// Only the fresh call went out; the stale one resolved cancelled.
	require.Len(t, tr.sentFrames(), 1)
	assert.Equal(t, "launch", tr.sentMethod(t, 0))

	res, err := stale.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Cancelled)

	_, err = d.ProcessReceived(responseFor(fresh.ID(), `true`))
	require.NoError(t, err)
	res, err = fresh.Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Cancelled)
}

func TestAbortedContextNeverSends(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{connected: true}
	d := dispatcher.New(dispatcher.Config{})
	d.SetTransport(tr)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := d.Call(ctx, "launch", nil)
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Empty(t, tr.sentFrames())
	assert.Zero(t, d.PendingCount())
}

func TestQueuedCallCancelledBeforeFlush(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{}
	d := dispatcher.New(dispatcher.Config{})
	d.SetTransport(tr)

	ctx, cancel := context.WithCancel(context.Background())
	pc, err := d.CallWithTracking(ctx, "launch", nil)
	require.NoError(t, err)
	cancel()

	tr.setConnected(true)
	d.FlushQueue()

	assert.Empty(t, tr.sentFrames())
	res, err := pc.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
}

func TestCallTimeout(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{connected: true}
	d := dispatcher.New(dispatcher.Config{CallTimeout: 20 * time.Millisecond})
	d.SetTransport(tr)

	_, err := d.Call(context.Background(), "version", nil)
	require.ErrorIs(t, err, zapclient.ErrRequestTimeout)
	assert.Zero(t, d.PendingCount())
}

func TestSendFailureRejectsCall(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{connected: true, sendErr: errors.New("broken pipe")}
	d := dispatcher.New(dispatcher.Config{})
	d.SetTransport(tr)

	_, err := d.CallWithTracking(context.Background(), "version", nil)
	require.ErrorIs(t, err, zapclient.ErrSendFailed)
	assert.Contains(t, err.Error(), "broken pipe")
	assert.Zero(t, d.PendingCount())
}

func TestResetRejectsEverythingAndIsIdempotent(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{connected: true}
	d := dispatcher.New(dispatcher.Config{})
	d.SetTransport(tr)

	sent, err := d.CallWithTracking(context.Background(), "version", nil)
	require.NoError(t, err)

	tr.setConnected(false)
	queued, err := d.CallWithTracking(context.Background(), "launch", nil)
	require.NoError(t, err)

	d.Reset()

	_, err = sent.Wait(context.Background())
	require.ErrorIs(t, err, zapclient.ErrConnectionReset)
	_, err = queued.Wait(context.Background())
	require.ErrorIs(t, err, zapclient.ErrConnectionReset)
	assert.Zero(t, d.PendingCount())
	assert.Zero(t, d.QueuedCount())

	// A second reset with nothing pending is a no-op.
	d.Reset()
}

func TestProcessReceivedClassification(t *testing.T) {
	t.Parallel()

	d := dispatcher.New(dispatcher.Config{})

	tests := []struct {
		name     string
		raw      string
		wantErr  bool
		wantNote string
	}{
		{name: "heartbeat pong", raw: "pong"},
		{name: "heartbeat ping", raw: "ping"},
		{name: "malformed json", raw: `{"jsonrpc":`, wantErr: true},
		{name: "wrong version", raw: `{"jsonrpc":"3.0","id":"x"}`, wantErr: true},
		{name: "unmatched response id", raw: `{"jsonrpc":"2.0","id":"ghost","result":true}`},
		{
			name:     "notification",
			raw:      `{"jsonrpc":"2.0","method":"tokens.added","params":{"uid":"04a2b3"}}`,
			wantNote: "tokens.added",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			note, err := d.ProcessReceived([]byte(tt.raw))
			if tt.wantErr {
				require.ErrorIs(t, err, zapclient.ErrProtocol)
				return
			}
			require.NoError(t, err)
			if tt.wantNote == "" {
				assert.Nil(t, note)
			} else {
				require.NotNil(t, note)
				assert.Equal(t, tt.wantNote, note.Method)
			}
		})
	}
}

func TestBadMessageDoesNotCorruptState(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{connected: true}
	d := dispatcher.New(dispatcher.Config{})
	d.SetTransport(tr)

	pc, err := d.CallWithTracking(context.Background(), "version", nil)
	require.NoError(t, err)

	_, err = d.ProcessReceived([]byte(`{"jsonrpc":`))
	require.ErrorIs(t, err, zapclient.ErrProtocol)

	// Heartbeat right after the bad frame still parses cleanly.
	note, err := d.ProcessReceived([]byte("pong"))
	require.NoError(t, err)
	assert.Nil(t, note)

	// And the pending call is still matchable.
	_, err = d.ProcessReceived(responseFor(pc.ID(), `"1.5.0"`))
	require.NoError(t, err)
	res, err := pc.Wait(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `"1.5.0"`, string(res.Raw))
}

func TestFlushWithDisconnectedTransportKeepsQueue(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{}
	d := dispatcher.New(dispatcher.Config{})
	d.SetTransport(tr)

	_, err := d.CallWithTracking(context.Background(), "version", nil)
	require.NoError(t, err)

	d.FlushQueue()

	assert.Empty(t, tr.sentFrames())
	assert.Equal(t, 1, d.QueuedCount(), "fresh entry survives a premature flush")
}
