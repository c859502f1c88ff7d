package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientReply(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"response":"Hi!","is_last":true,"message_number":3,"emotion":"happy","extra":1}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second)
	resp, err := c.Reply(context.Background(), Request{Model: "m1", UserID: "chat_1", Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, Request{Model: "m1", UserID: "chat_1", Message: "hello"}, got)
	assert.Equal(t, "Hi!", resp.Text)
	assert.True(t, resp.IsLast)
	assert.Equal(t, 3, resp.MessageNumber)
	assert.Equal(t, "happy", resp.Emotion)
	assert.Equal(t, srv.URL, resp.Endpoint)
}

func TestHTTPClientRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL, time.Second).Reply(context.Background(), Request{})
	require.ErrorIs(t, err, ErrGatewayStatus)
	assert.Contains(t, err.Error(), "503")

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "overloaded", se.Body)
	assert.True(t, IsTransient(err))
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "too many requests", err: &StatusError{Code: 429}, want: true},
		{name: "bad gateway wrapped", err: fmt.Errorf("primary: %w", &StatusError{Code: 502}), want: true},
		{name: "bad request", err: &StatusError{Code: 400}, want: false},
		{name: "missing text", err: ErrMissingResponse, want: false},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}

func TestHTTPClientMissingResponse(t *testing.T) {
	for _, body := range []string{`{}`, `{"response":""}`, `{"is_last":true}`} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(body))
		}))
		_, err := NewHTTPClient(srv.URL, time.Second).Reply(context.Background(), Request{})
		srv.Close()
		assert.True(t, IsMissingResponse(err), "body %s: error = %v", body, err)
	}
}

func TestHTTPClientTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	_, err := NewHTTPClient(srv.URL, 50*time.Millisecond).Reply(context.Background(), Request{})
	require.Error(t, err)
}

type stubClient struct {
	calls atomic.Int32
	resp  Reply
	err   error
}

func (s *stubClient) Reply(context.Context, Request) (Reply, error) {
	s.calls.Add(1)
	return s.resp, s.err
}

// hangingClient blocks until its context ends.
type hangingClient struct {
	calls atomic.Int32
}

func (h *hangingClient) Reply(ctx context.Context, _ Request) (Reply, error) {
	h.calls.Add(1)
	<-ctx.Done()
	return Reply{}, ctx.Err()
}

func TestFallbackClientUsesSecondaryOnce(t *testing.T) {
	primary := &stubClient{err: errors.New("boom")}
	secondary := &stubClient{resp: Reply{Text: "from fallback"}}
	c := NewFallbackClient(primary, secondary)

	var failovers int
	c.OnFailover(func(error) { failovers++ })

	resp, err := c.Reply(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "from fallback", resp.Text)
	assert.EqualValues(t, 1, primary.calls.Load())
	assert.EqualValues(t, 1, secondary.calls.Load())
	assert.Equal(t, 1, failovers)
}

func TestFallbackClientSkipsSecondaryOnSuccess(t *testing.T) {
	primary := &stubClient{resp: Reply{Text: "ok"}}
	secondary := &stubClient{resp: Reply{Text: "unused"}}

	resp, err := NewFallbackClient(primary, secondary).Reply(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Zero(t, secondary.calls.Load())
}

func TestFallbackClientJoinsErrors(t *testing.T) {
	primary := &stubClient{err: ErrMissingResponse}
	secondary := &stubClient{err: ErrGatewayStatus}

	_, err := NewFallbackClient(primary, secondary).Reply(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrMissingResponse)
	assert.ErrorIs(t, err, ErrGatewayStatus)
}

func TestFallbackClientStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	primary := &stubClient{err: context.Canceled}
	secondary := &stubClient{resp: Reply{Text: "late"}}

	_, err := NewFallbackClient(primary, secondary).Reply(ctx, Request{})
	require.Error(t, err)
	assert.Zero(t, secondary.calls.Load())
}

func TestFallbackClientTriesSecondaryAfterPrimaryTimeout(t *testing.T) {
	primary := &hangingClient{}
	secondary := &stubClient{resp: Reply{Text: "from fallback"}}
	c := NewFallbackClient(primary, secondary)
	c.SetAttemptTimeout(50 * time.Millisecond)

	var primaryErr error
	c.OnFailover(func(err error) { primaryErr = err })

	resp, err := c.Reply(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "from fallback", resp.Text)
	assert.EqualValues(t, 1, primary.calls.Load())
	assert.ErrorIs(t, primaryErr, context.DeadlineExceeded)
}

func TestNewClientFallsBackWhenPrimaryHangs(t *testing.T) {
	release := make(chan struct{})
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer primary.Close()
	defer close(release)

	var fallbackHits atomic.Int32
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fallbackHits.Add(1)
		_, _ = w.Write([]byte(`{"response":"hi"}`))
	}))
	defer fallback.Close()

	timeout := 100 * time.Millisecond
	c, err := NewClient(Config{PrimaryURL: primary.URL, FallbackURL: fallback.URL, Timeout: timeout})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*timeout)
	defer cancel()
	resp, err := c.Reply(ctx, Request{Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Text)
	assert.Equal(t, fallback.URL, resp.Endpoint)
	assert.EqualValues(t, 1, fallbackHits.Load())
}

func TestNewClientModes(t *testing.T) {
	c, err := NewClient(Config{PrimaryURL: "http://a"})
	require.NoError(t, err)
	assert.IsType(t, &HTTPClient{}, c)

	c, err = NewClient(Config{PrimaryURL: "http://a", FallbackURL: "http://b", Timeout: time.Second})
	require.NoError(t, err)
	fb, ok := c.(*FallbackClient)
	require.True(t, ok, "NewClient() = %T, want *FallbackClient", c)
	assert.Equal(t, "http://b", fb.Secondary().(*HTTPClient).URL())
	assert.Equal(t, time.Second, fb.attemptTimeout)

	_, err = NewClient(Config{Mode: "http"})
	assert.Error(t, err)
	_, err = NewClient(Config{Mode: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestMockClientMarksFifthReplyLast(t *testing.T) {
	m := NewMockClient()
	var last Reply
	for i := 0; i < 5; i++ {
		resp, err := m.Reply(context.Background(), Request{UserID: "chat_1", Message: "hi"})
		require.NoError(t, err)
		if i < 4 {
			assert.False(t, resp.IsLast, "reply %d flagged last", i+1)
		}
		last = resp
	}
	assert.True(t, last.IsLast)
}
