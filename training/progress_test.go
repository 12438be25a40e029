package training

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProgressBarRendersSortedMetrics(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar(&buf, "Epoch 1 train", 4)
	pb.Update(2, map[string]float64{"loss": 0.5, "lr": 0.0002})

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "\rEpoch 1 train:  50%|"))
	assert.Contains(t, out, "| 2/4 [")
	assert.Less(t, strings.Index(out, "loss="), strings.Index(out, "lr="))

	buf.Reset()
	pb.Finish()
	assert.Contains(t, buf.String(), "100%")
	assert.True(t, strings.HasSuffix(buf.String(), "]\n"))
}

func TestProgressBarWithoutWriter(t *testing.T) {
	pb := NewProgressBar(nil, "quiet", 0)
	pb.Update(1, nil)
	pb.Finish()
	assert.Contains(t, pb.line(), "0/0")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "01:05", formatDuration(65*time.Second))
	assert.Equal(t, "00:00", formatDuration(-time.Second))
}
