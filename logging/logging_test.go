package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	logger, err := New("debug", "json")
	require.NoError(t, err)
	var buf bytes.Buffer
	logger.SetOutput(&buf)

	logger.WithField("route", "http://a.example:80").Debug("connection created")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, "connection created", entry["msg"])
	assert.Equal(t, "http://a.example:80", entry["route"])
}

func TestNewDefaults(t *testing.T) {
	logger, err := New("", "")
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)
}

func TestNewRejects(t *testing.T) {
	_, err := New("loud", "text")
	assert.Error(t, err)
	_, err = New("info", "xml")
	assert.EqualError(t, err, "invalid log format: xml")
}
