package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildURL(t *testing.T) {
	got, err := BuildURL("wss://noname.chat/socket.io/", "tok en")
	require.NoError(t, err)

	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "wss", u.Scheme)
	assert.Equal(t, "/socket.io/", u.Path)
	assert.Equal(t, "4", u.Query().Get("EIO"))
	assert.Equal(t, "websocket", u.Query().Get("transport"))
	assert.Equal(t, "tok en", u.Query().Get("chatAuth"))

	got, err = BuildURL("https://example.test", "t")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, "wss://example.test/?"), got)

	_, err = BuildURL("ftp://example.test", "t")
	assert.Error(t, err)
	_, err = BuildURL("  ", "t")
	assert.Error(t, err)
}

func TestDialFirstFallsBack(t *testing.T) {
	d := &PipeDialer{Fail: map[string]error{"ws://primary": errors.New("refused")}}

	conn, used, err := DialFirst(context.Background(), d, "ws://primary", "ws://fallback")
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, "ws://fallback", used)
	assert.Equal(t, []string{"ws://primary", "ws://fallback"}, d.Dials())
}

func TestDialFirstSkipsEmptyAndJoinsErrors(t *testing.T) {
	errA := errors.New("a down")
	errB := errors.New("b down")
	d := &PipeDialer{Fail: map[string]error{"ws://a": errA, "ws://b": errB}}

	_, _, err := DialFirst(context.Background(), d, "ws://a", "", "ws://b")
	require.Error(t, err)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Equal(t, []string{"ws://a", "ws://b"}, d.Dials())

	_, _, err = DialFirst(context.Background(), d, "", " ")
	assert.Error(t, err)
}

func TestPipeLifecycle(t *testing.T) {
	p := NewPipe()
	require.NoError(t, p.Send("40"))
	require.True(t, p.Inject("2"))
	assert.Equal(t, "2", <-p.Frames())

	p.Drop(4001, "kicked")
	_, open := <-p.Frames()
	assert.False(t, open)
	assert.Equal(t, 4001, p.Closure().Code)
	assert.ErrorIs(t, p.Send("3"), ErrClosed)
	assert.False(t, p.Inject("2"))

	// The first closure wins.
	require.NoError(t, p.Close())
	assert.Equal(t, "kicked", p.Closure().Reason)
	assert.Equal(t, []string{"40"}, p.TakeSent())
	assert.Empty(t, p.Sent())
}

func TestWSDialerRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_ = c.WriteMessage(websocket.TextMessage, []byte(`0{"sid":"abc"}`))
		_, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		_ = c.WriteMessage(websocket.TextMessage, append([]byte("echo:"), data...))
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(4000, "bye"))
		_, _, _ = c.ReadMessage()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := NewWSDialer(time.Second, time.Second).Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, `0{"sid":"abc"}`, recv(t, conn))
	require.NoError(t, conn.Send("40"))
	assert.Equal(t, "echo:40", recv(t, conn))

	select {
	case _, open := <-conn.Frames():
		require.False(t, open)
	case <-time.After(5 * time.Second):
		t.Fatal("connection did not close")
	}
	assert.Equal(t, 4000, conn.Closure().Code)
	assert.Equal(t, "bye", conn.Closure().Reason)
	assert.ErrorIs(t, conn.Send("2"), ErrClosed)
}

func TestWSDialerReportsHandshakeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewWSDialer(time.Second, time.Second).Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func recv(t *testing.T, conn Conn) string {
	t.Helper()
	select {
	case f, ok := <-conn.Frames():
		require.True(t, ok, "connection closed early")
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
		return ""
	}
}
