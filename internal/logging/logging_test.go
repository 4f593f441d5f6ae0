package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"Warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelWarn,
	}
	for input, want := range cases {
		got, err := ParseLevel(input)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestSimpleTextHandlerFormatsLevelMessageAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := &simpleTextHandler{handler: slog.NewTextHandler(&buf, nil), writer: &buf}
	logger := slog.New(h)
	logger.Info("pipeline started", "request_id", "req-1")

	out := buf.String()
	assert.Contains(t, out, "INFO")
	assert.Contains(t, out, "pipeline started")
	assert.Contains(t, out, "request_id=req-1")
}

func TestFilteringHandlerSuppressesThirdPartyAboveDebug(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewTextHandler(&buf, nil)
	h := &filteringHandler{handler: base, minLevel: slog.LevelInfo}

	// Records logged from this test file carry a PC inside the cadorch
	// module and count as own-package; a record whose PC points into the
	// standard library stands in for a third-party caller and is filtered
	// out above Debug level.
	pc := reflect.ValueOf(strings.ToUpper).Pointer()
	record := slog.NewRecord(time.Now(), slog.LevelInfo, "third-party noise", pc)
	require.NoError(t, h.Handle(context.Background(), record))
	assert.Empty(t, buf.String())
}

func TestFilteringHandlerAllowsEverythingAtDebugLevel(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewTextHandler(&buf, nil)
	h := &filteringHandler{handler: base, minLevel: slog.LevelDebug}
	logger := slog.New(h)

	logger.Info("shown at debug level")
	assert.Contains(t, buf.String(), "shown at debug level")
}

func TestGetLoggerInitializesOnFirstUse(t *testing.T) {
	defaultLogger = nil
	logger := GetLogger()
	assert.NotNil(t, logger)
	assert.Same(t, defaultLogger, logger)
}

func TestOpenLogFileCreatesAndAppends(t *testing.T) {
	path := t.TempDir() + "/cadorch.log"
	f, cleanup, err := OpenLogFile(path)
	require.NoError(t, err)
	defer cleanup()

	_, err = f.WriteString("hello\n")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
}
