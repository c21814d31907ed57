package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, logrus.WarnLevel, ParseLevel("WARN"))
	assert.Equal(t, logrus.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, logrus.InfoLevel, ParseLevel(""))
}

func TestJSONOutputCarriesRunAndRequest(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("LOG_LEVEL", "info")
	var buf bytes.Buffer
	log := NewWithOutput(&buf)

	req := httptest.NewRequest("POST", "/score", nil)
	req.Header.Set("X-Request-ID", "req-1")
	log.WithRun("run-1").WithRequest(req).Info("scored")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "run-1", line["run_id"])
	assert.Equal(t, "req-1", line["req_id"])
	assert.Equal(t, "/score", line["path"])
	assert.Equal(t, "qci-scorer", line["service"])
	assert.Equal(t, "scored", line["msg"])
}

func TestWithError(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	var buf bytes.Buffer
	log := NewWithOutput(&buf)

	log.WithError(errors.New("boom")).Warn("failed")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "boom", line["error"])

	assert.Equal(t, log.Entry, log.WithError(nil))
}

func TestDebugSuppressedAtInfo(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("LOG_LEVEL", "")
	var buf bytes.Buffer
	NewWithOutput(&buf).Debug("hidden")
	assert.Empty(t, buf.String())
}
