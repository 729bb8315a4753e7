package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFallsBackToInfo(t *testing.T) {
	l := New(LoggingConfig{Level: "nonsense"})
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())
}

func TestComponentFieldIsAttached(t *testing.T) {
	l := New(LoggingConfig{Level: "debug", Format: "json"}).Named("raffle")
	var buf bytes.Buffer
	l.SetOutput(&buf)

	l.WithField("round", 3).WithError(errors.New("boom")).Warn("payout stalled")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "raffle", entry["component"])
	assert.Equal(t, float64(3), entry["round"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "warning", entry["level"])
}

func TestNewDefault(t *testing.T) {
	l := NewDefault("keeper")
	assert.Equal(t, "keeper", l.Component())
}
