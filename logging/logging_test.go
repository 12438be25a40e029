package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorsGoToStderr(t *testing.T) {
	var out, errOut bytes.Buffer
	logger, err := newLogger("info", 0, &out, &errOut)
	require.NoError(t, err)

	logger.Info("hello")
	logger.Error("boom")
	require.NoError(t, logger.Sync())

	assert.Contains(t, out.String(), `"msg":"hello"`)
	assert.NotContains(t, out.String(), "boom")
	assert.Contains(t, errOut.String(), `"msg":"boom"`)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out.String())), &entry))
	assert.Equal(t, float64(0), entry["rank"])
	assert.Contains(t, entry, "caller")
}

func TestWorkerRanksOnlyWarn(t *testing.T) {
	var out, errOut bytes.Buffer
	logger, err := newLogger("debug", 2, &out, &errOut)
	require.NoError(t, err)

	logger.Info("quiet")
	logger.Warn("loud")
	require.NoError(t, logger.Sync())

	assert.NotContains(t, out.String(), "quiet")
	assert.Contains(t, out.String(), `"rank":2`)
}

func TestLevelFiltering(t *testing.T) {
	var out, errOut bytes.Buffer
	logger, err := newLogger("warn", 0, &out, &errOut)
	require.NoError(t, err)
	logger.Info("dropped")
	require.NoError(t, logger.Sync())
	assert.Empty(t, out.String())

	_, err = newLogger("chatty", 0, &out, &errOut)
	assert.Error(t, err)
}
