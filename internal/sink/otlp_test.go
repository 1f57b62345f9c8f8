package sink

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/collector/pdata/plog/plogotlp"

	"github.com/coral-mesh/plankton/internal/profile"
	"github.com/coral-mesh/plankton/internal/retry"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).Level(zerolog.Disabled)
}

func newTestClient(t *testing.T, endpoint string) *OTLPClient {
	t.Helper()
	c, err := NewOTLPClient(Options{
		Endpoint:    endpoint,
		ServiceName: "plankton-test",
		Timeout:     5 * time.Second,
		Retry: retry.Config{
			MaxRetries:     3,
			InitialBackoff: time.Millisecond,
		},
	}, testLogger())
	require.NoError(t, err)
	return c
}

func TestOTLPClientExportsRecords(t *testing.T) {
	var received atomic.Pointer[plogotlp.ExportRequest]
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/logs", r.URL.Path)
		require.Equal(t, "application/x-protobuf", r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		req := plogotlp.NewExportRequest()
		require.NoError(t, req.UnmarshalProto(body))
		received.Store(&req)

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	rec := profile.Record{
		profile.KeyHarvestSeq: int64(3),
		profile.KeySampleSeq:  0,
		profile.KeyTimeNanos:  int64(1_000_000),
		"cpu_nanoseconds":     int64(15_000),
		profile.LocationKey(0): "root:0",
	}
	require.NoError(t, c.RecordEvent(ctx, "ProfileCPU", rec))

	// Mutating the caller's buffer after recording must not leak into the
	// export; records are reused across samples.
	rec["cpu_nanoseconds"] = int64(999)

	require.NoError(t, c.Flush(ctx))

	req := received.Load()
	require.NotNil(t, req)

	ld := req.Logs()
	require.Equal(t, 1, ld.LogRecordCount())

	rl := ld.ResourceLogs().At(0)
	svc, ok := rl.Resource().Attributes().Get("service.name")
	require.True(t, ok)
	require.Equal(t, "plankton-test", svc.Str())

	lr := rl.ScopeLogs().At(0).LogRecords().At(0)
	require.Equal(t, "ProfileCPU", lr.Body().Str())
	require.Equal(t, int64(1_000_000), int64(lr.Timestamp()))

	metric, ok := lr.Attributes().Get("cpu_nanoseconds")
	require.True(t, ok)
	require.Equal(t, int64(15_000), metric.Int())

	loc, ok := lr.Attributes().Get("location.0")
	require.True(t, ok)
	require.Equal(t, "root:0", loc.Str())
}

func TestOTLPClientRetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	require.NoError(t, c.RecordEvent(ctx, "ProfileHeap", profile.Record{"heap_bytes": int64(35)}))
	require.NoError(t, c.Flush(ctx))
	require.Equal(t, int32(2), calls.Load())
}

func TestOTLPClientDoesNotRetryRejection(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	require.NoError(t, c.RecordEvent(ctx, "ProfileCPU", profile.Record{}))
	require.Error(t, c.Flush(ctx))
	require.Equal(t, int32(1), calls.Load())
}

func TestOTLPClientFlushEmpty(t *testing.T) {
	c := newTestClient(t, "http://localhost:1")
	require.NoError(t, c.Flush(context.Background()))
}

func TestOTLPClientClosedRejectsRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	require.NoError(t, c.Close())
	require.Error(t, c.RecordEvent(context.Background(), "ProfileCPU", profile.Record{}))
}

func TestOTLPClientRequiresEndpoint(t *testing.T) {
	_, err := NewOTLPClient(Options{}, testLogger())
	require.Error(t, err)
}
