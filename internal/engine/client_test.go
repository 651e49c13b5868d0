package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cmu-sei/gameboard-engine/pkg/config"
	pkgerrors "github.com/cmu-sei/gameboard-engine/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func testClient(url string) *HTTPClient {
	c := NewHTTPClient(config.EngineConfig{URL: url, APIKey: "testkey", MaxRetries: 3})
	c.backoff = func(int) time.Duration { return 0 }
	return c
}

func TestLoadGamespace_RetriesTransientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "Bearer testkey", r.Header.Get("Authorization"))
		w.Write([]byte(`{"id":"c1","isActive":true,"vms":[{"name":"vm-1","url":"https://consoles/vm-1"}]}`))
	}))
	defer srv.Close()

	state, err := testClient(srv.URL).LoadGamespace(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, state.IsActive)
	require.Len(t, state.VMs, 1)
	assert.Equal(t, "vm-1", state.VMs[0].Name)
	assert.NotEmpty(t, state.Raw)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestLoadGamespace_UnknownResource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).LoadGamespace(context.Background(), "gone")
	assert.ErrorIs(t, err, pkgerrors.ErrResourceUnknown)
}

func TestStartGamespace_InactiveIsStartFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"c1","isActive":false}`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).StartGamespace(context.Background(), "c1", "vsphere")
	var startErr *pkgerrors.GamespaceStartError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, "c1", startErr.ChallengeID)
}

func TestDo_GivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).LoadGamespace(context.Background(), "c1")
	require.Error(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestDo_CancellationCutsBackoffShort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPClient(config.EngineConfig{URL: srv.URL, MaxRetries: 3})
	c.backoff = func(int) time.Duration { return time.Minute }

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := c.LoadGamespace(ctx, "c1")
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second, "cancellation must not wait out the backoff")
}
