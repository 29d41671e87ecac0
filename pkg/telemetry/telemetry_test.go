package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWithoutEndpointLogsJSON(t *testing.T) {
	var buf bytes.Buffer
	tel, err := Init(context.Background(), Options{ServiceName: "provisioner", Out: &buf, Level: "debug"})
	require.NoError(t, err)

	tel.Logger.Debug().Str("file", "01_ext.sql").Msg("executing")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "provisioner", entry["service"])
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, "01_ext.sql", entry["file"])

	require.NoError(t, tel.Flush(context.Background()))
	require.NoError(t, tel.Shutdown(context.Background()))
}

func TestInitValidation(t *testing.T) {
	_, err := Init(context.Background(), Options{})
	require.Error(t, err)

	_, err = Init(context.Background(), Options{ServiceName: "x", Level: "loud"})
	require.Error(t, err)
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(Options{ServiceName: "x", Out: &buf, Level: "WARN"})
	require.NoError(t, err)

	logger.Info().Msg("hidden")
	assert.Zero(t, buf.Len())
	logger.Warn().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestHTTPClientWrapsTransport(t *testing.T) {
	base := &http.Client{}
	client := HTTPClient(base)
	require.NotNil(t, client.Transport)
	assert.Nil(t, base.Transport)
}

func TestWithTraceWithoutSpan(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(Options{ServiceName: "x", Out: &buf})
	require.NoError(t, err)

	l := WithTrace(context.Background(), logger)
	l.Info().Msg("m")
	assert.NotContains(t, buf.String(), "trace_id")
}
