package ctlclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuzkov/dashcam/session"
	"github.com/tuzkov/dashcam/storage"
)

func TestNewClientConfig(t *testing.T) {
	_, err := NewClient(nil, nil)
	assert.Error(t, err)

	_, err = NewClient(nil, &Config{})
	assert.Error(t, err)

	_, err = NewClient(nil, &Config{Address: "127.0.0.1:8090"})
	assert.NoError(t, err)
}

func TestClientCalls(t *testing.T) {
	var seen []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.Path)
		assert.NotEmpty(t, r.Header.Get(RequestIDHeader))

		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/segments":
			json.NewEncoder(w).Encode([]storage.Segment{{Name: "20240309-070502.mp4", Size: 42}})
		case "/start":
			json.NewEncoder(w).Encode(session.Status{State: session.AwaitingPreview})
		default:
			json.NewEncoder(w).Encode(session.Status{State: session.Recording, Rotations: 1})
		}
	}))
	defer ts.Close()

	// bare host:port gets a scheme
	cli, err := NewClient(nil, &Config{Address: strings.TrimPrefix(ts.URL, "http://")})
	require.NoError(t, err)
	ctx := context.Background()

	st, err := cli.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.AwaitingPreview, st.State)

	st, err = cli.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.Recording, st.State)
	assert.Equal(t, 1, st.Rotations)

	_, err = cli.Rotate(ctx)
	require.NoError(t, err)
	_, err = cli.Stop(ctx)
	require.NoError(t, err)

	segs, err := cli.Segments(ctx)
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.EqualValues(t, 42, segs[0].Size)

	assert.Equal(t, []string{"POST /start", "GET /status", "POST /rotate", "POST /stop", "GET /segments"}, seen)
}

func TestClientErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "recorder service closed", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	cli, err := NewClient(nil, &Config{Address: ts.URL})
	require.NoError(t, err)

	_, err = cli.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "recorder service closed")
}

func TestClientUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	addr := ts.URL
	ts.Close()

	cli, err := NewClient(nil, &Config{Address: addr})
	require.NoError(t, err)
	_, err = cli.Status(context.Background())
	assert.Error(t, err)
}

// flakyServer drops the connection of the first request to every path.
func flakyServer(t *testing.T) (*httptest.Server, *sync.Map) {
	t.Helper()
	hits := &sync.Map{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, _ := hits.LoadOrStore(r.URL.Path, new(atomic.Int32))
		if n.(*atomic.Int32).Add(1) == 1 {
			if conn, _, err := w.(http.Hijacker).Hijack(); err == nil {
				conn.Close()
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(session.Status{State: session.Recording})
	}))
	t.Cleanup(ts.Close)
	return ts, hits
}

func TestRetryPolicy(t *testing.T) {
	tests := []struct {
		name    string
		call    func(Client, context.Context) (*session.Status, error)
		path    string
		wantErr bool
		hits    int32
	}{
		{"status is retried", Client.Status, "/status", false, 2},
		{"start is retried", Client.Start, "/start", false, 2},
		{"stop is retried", Client.Stop, "/stop", false, 2},
		{"rotate is sent once", Client.Rotate, "/rotate", true, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, hits := flakyServer(t)
			cli, err := NewClient(nil, &Config{Address: ts.URL, Retries: 2})
			require.NoError(t, err)

			_, err = tt.call(cli, context.Background())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			n, ok := hits.Load(tt.path)
			require.True(t, ok)
			assert.Equal(t, tt.hits, n.(*atomic.Int32).Load())
		})
	}
}
