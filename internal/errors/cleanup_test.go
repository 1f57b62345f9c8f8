package errors

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

type failingCloser struct{}

func (failingCloser) Close() error { return errors.New("close failed") }

type okCloser struct{ closed bool }

func (c *okCloser) Close() error {
	c.closed = true
	return nil
}

func TestDeferCloseLogsFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	DeferClose(logger, failingCloser{}, "failed to close thing")

	if !strings.Contains(buf.String(), "failed to close thing") {
		t.Errorf("expected close failure to be logged, got: %s", buf.String())
	}
}

func TestDeferCloseQuietOnSuccess(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	c := &okCloser{}
	DeferClose(logger, c, "failed to close thing")

	if !c.closed {
		t.Error("expected closer to be closed")
	}
	if buf.Len() != 0 {
		t.Errorf("expected no log output, got: %s", buf.String())
	}
}

func TestDeferCloseNil(t *testing.T) {
	// Must not panic.
	DeferClose(zerolog.Nop(), nil, "unused")
	DeferRollback(zerolog.Nop(), nil)
}
