package connectivity

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/fellowship/internal/metrics"
	"github.com/blueberrycongee/fellowship/internal/transport"
)

func TestStatus_Online(t *testing.T) {
	assert.True(t, StatusConnected.Online())
	assert.False(t, StatusDisconnected.Online())
	assert.False(t, StatusUnknown.Online())
}

func TestManual_SetNotifiesOnChange(t *testing.T) {
	m := NewManual(StatusDisconnected, nil)
	var got []Status
	unsubscribe := m.Subscribe(func(s Status) { got = append(got, s) })

	assert.True(t, m.Set(StatusConnected))
	assert.False(t, m.Set(StatusConnected), "same status is not a change")
	assert.True(t, m.Set(StatusDisconnected))
	assert.Equal(t, []Status{StatusConnected, StatusDisconnected}, got)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.ConnectivityStatus))

	unsubscribe()
	unsubscribe()
	m.Set(StatusConnected)
	assert.Len(t, got, 2)
	assert.Equal(t, StatusConnected, m.Current())
}

func TestManual_ListenerPanicDoesNotStopOthers(t *testing.T) {
	m := NewManual("", nil)
	assert.Equal(t, StatusUnknown, m.Current())

	var called bool
	m.Subscribe(func(Status) { panic("bad listener") })
	m.Subscribe(func(Status) { called = true })

	assert.NotPanics(t, func() { m.Set(StatusConnected) })
	assert.True(t, called)
}

func TestProber_ProbeOnce(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tr, err := transport.NewHTTP(transport.Config{})
	require.NoError(t, err)
	p := NewProber(ProberConfig{URL: server.URL, FailureThreshold: 2}, tr, nil)
	assert.Equal(t, StatusUnknown, p.Current())

	ctx := context.Background()
	assert.Equal(t, StatusConnected, p.ProbeOnce(ctx))

	healthy.Store(false)
	assert.Equal(t, StatusConnected, p.ProbeOnce(ctx), "below failure threshold")
	assert.Equal(t, StatusDisconnected, p.ProbeOnce(ctx))

	healthy.Store(true)
	assert.Equal(t, StatusConnected, p.ProbeOnce(ctx))
}

func TestProber_StartProbesOnInterval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var (
		mu    sync.Mutex
		calls int
		fail  bool
	)
	tr := transport.Func(func(context.Context, *transport.Request) (*transport.Response, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if fail {
			return nil, stderrors.New("no route to host")
		}
		return &transport.Response{StatusCode: http.StatusOK}, nil
	})

	p := NewProber(ProberConfig{URL: "http://relay/health", Interval: time.Minute}, tr, nil, WithProberClock(clock))
	changes := make(chan Status, 4)
	p.Subscribe(func(s Status) { changes <- s })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	p.Start(ctx)

	assert.Equal(t, StatusConnected, <-changes)

	mu.Lock()
	fail = true
	mu.Unlock()

	require.Eventually(t, func() bool {
		clock.Advance(time.Minute)
		return p.Current() == StatusDisconnected
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusDisconnected, <-changes)
}
