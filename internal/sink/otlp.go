// Package sink ships marshalled profile records to an OTLP/HTTP logs
// endpoint. Each record becomes one log record whose attributes are the
// flat record keys, so backends can index harvest_seq, the metric key, and
// the location.N frames directly.
package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/process"
	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/plog"
	"go.opentelemetry.io/collector/pdata/plog/plogotlp"

	planktonerrors "github.com/coral-mesh/plankton/internal/errors"
	"github.com/coral-mesh/plankton/internal/profile"
	"github.com/coral-mesh/plankton/internal/retry"
	"github.com/coral-mesh/plankton/internal/safe"
)

// Options configures the OTLP client.
type Options struct {
	// Endpoint is the collector base URL, e.g. http://localhost:4318.
	// The /v1/logs path is appended.
	Endpoint string

	// Timeout bounds each export request. Defaults to 10s.
	Timeout time.Duration

	// ServiceName is reported as the service.name resource attribute.
	ServiceName string

	// Headers are added to every export request (auth tokens and the like).
	Headers map[string]string

	// Retry controls export retries on transient failures.
	Retry retry.Config
}

// logEvent is one buffered record awaiting export.
type logEvent struct {
	eventType string
	timeNanos int64
	attrs     map[string]any
}

// OTLPClient buffers profile records and exports them as OTLP logs on
// Flush. It is safe for concurrent use.
type OTLPClient struct {
	opts       Options
	httpClient *http.Client
	resource   map[string]any
	logger     zerolog.Logger

	mu      sync.Mutex
	pending []logEvent
	closed  bool
}

// NewOTLPClient builds a client for the given collector endpoint. Resource
// attributes describing this process are captured once at construction.
func NewOTLPClient(opts Options, logger zerolog.Logger) (*OTLPClient, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Retry.MaxRetries <= 0 {
		opts.Retry = retry.Config{
			MaxRetries:     3,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			Jitter:         0.2,
		}
	}

	return &OTLPClient{
		opts:       opts,
		httpClient: &http.Client{Timeout: opts.Timeout},
		resource:   resourceAttributes(opts.ServiceName),
		logger:     logger.With().Str("component", "otlp_sink").Logger(),
	}, nil
}

// resourceAttributes describes the profiled process. Lookup failures leave
// the corresponding attribute out rather than failing construction.
func resourceAttributes(serviceName string) map[string]any {
	attrs := map[string]any{
		"service.name":        serviceName,
		"service.instance.id": uuid.NewString(),
		"process.pid":         int64(os.Getpid()),
	}
	if hostname, err := os.Hostname(); err == nil {
		attrs["host.name"] = hostname
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if name, err := proc.Name(); err == nil {
			attrs["process.executable.name"] = name
		}
	}
	return attrs
}

// RecordEvent buffers one record for the next Flush. The record's attribute
// map is copied because callers reuse record buffers across samples.
func (c *OTLPClient) RecordEvent(_ context.Context, eventType string, attrs profile.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("client is closed")
	}

	ev := logEvent{
		eventType: eventType,
		attrs:     make(map[string]any, len(attrs)),
	}
	for k, v := range attrs {
		ev.attrs[k] = v
	}
	if t, ok := attrs[profile.KeyTimeNanos].(int64); ok {
		ev.timeNanos = t
	}

	c.pending = append(c.pending, ev)
	return nil
}

// Flush exports all buffered records. Transient failures (network errors,
// 5xx, 429) are retried with backoff; the buffer is dropped only once the
// export succeeds or retries are exhausted.
func (c *OTLPClient) Flush(ctx context.Context) error {
	c.mu.Lock()
	events := c.pending
	c.pending = nil
	c.mu.Unlock()

	if len(events) == 0 {
		return nil
	}

	body, err := c.encode(events)
	if err != nil {
		return fmt.Errorf("encoding export request: %w", err)
	}

	err = retry.Do(ctx, c.opts.Retry, func() error {
		return c.export(ctx, body)
	}, isTransientExportError)
	if err != nil {
		return fmt.Errorf("exporting %d profile records: %w", len(events), err)
	}

	c.logger.Debug().Int("records", len(events)).Msg("Exported profile records")
	return nil
}

// encode builds the OTLP logs payload for a batch of events.
func (c *OTLPClient) encode(events []logEvent) ([]byte, error) {
	ld := plog.NewLogs()
	rl := ld.ResourceLogs().AppendEmpty()
	putAttributes(rl.Resource().Attributes(), c.resource)

	sl := rl.ScopeLogs().AppendEmpty()
	sl.Scope().SetName("plankton")

	for _, ev := range events {
		lr := sl.LogRecords().AppendEmpty()
		lr.SetTimestamp(pcommon.Timestamp(ev.timeNanos))
		lr.Body().SetStr(ev.eventType)
		lr.Attributes().PutStr("event.type", ev.eventType)
		putAttributes(lr.Attributes(), ev.attrs)
	}

	req := plogotlp.NewExportRequestFromLogs(ld)
	return req.MarshalProto()
}

func putAttributes(dest pcommon.Map, attrs map[string]any) {
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			dest.PutStr(k, val)
		case int:
			dest.PutInt(k, int64(val))
		case int64:
			dest.PutInt(k, val)
		case uint64:
			clamped, _ := safe.Uint64ToInt64(val)
			dest.PutInt(k, clamped)
		case float64:
			dest.PutDouble(k, val)
		case bool:
			dest.PutBool(k, val)
		default:
			dest.PutStr(k, fmt.Sprint(val))
		}
	}
}

// transientStatusError marks an HTTP status worth retrying.
type transientStatusError struct {
	status int
}

func (e *transientStatusError) Error() string {
	return fmt.Sprintf("collector returned status %d", e.status)
}

func isTransientExportError(err error) bool {
	var perm *permanentStatusError
	return !errors.As(err, &perm)
}

// permanentStatusError marks a 4xx response that retrying will not fix.
type permanentStatusError struct {
	status int
}

func (e *permanentStatusError) Error() string {
	return fmt.Sprintf("collector rejected export with status %d", e.status)
}

// export performs one HTTP export attempt.
func (c *OTLPClient) export(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.Endpoint+"/v1/logs", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building export request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	for k, v := range c.opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting export request: %w", err)
	}
	defer planktonerrors.DeferClose(c.logger, resp.Body, "failed to close export response body")

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &transientStatusError{status: resp.StatusCode}
	default:
		return &permanentStatusError{status: resp.StatusCode}
	}
}

// Close flushes any remaining records and marks the client closed.
func (c *OTLPClient) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
	defer cancel()

	err := c.Flush(ctx)

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("flushing on close: %w", err)
	}
	return nil
}
