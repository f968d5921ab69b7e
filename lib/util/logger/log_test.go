package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captured(t *testing.T) (*Logger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	l := &Logger{Logger: logrus.New()}
	l.SetOutput(buf)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})
	l.SetLevel(logrus.DebugLevel)
	return l, buf
}

func TestEntryKeepsChainedFields(t *testing.T) {
	l, buf := captured(t)
	l.WithFields(Fields{"at": "(Router) SendPrivate"}).
		WithField("reason", "peer_unreachable").
		Debug("no transport reaches peer")

	out := buf.String()
	assert.Contains(t, out, `at="(Router) SendPrivate"`)
	assert.Contains(t, out, "reason=peer_unreachable")
	assert.Contains(t, out, "no transport reaches peer")
}

func TestSlogBridge(t *testing.T) {
	l, buf := captured(t)
	s := l.Slog("broker")
	s.With("client", "c1").WithGroup("pkt").Info("connected", "qos", 1)

	out := buf.String()
	assert.Contains(t, out, "component=broker")
	assert.Contains(t, out, "client=c1")
	assert.Contains(t, out, "pkt.qos=1")
	assert.Contains(t, out, "level=info")
}

func TestSlogRespectsLevel(t *testing.T) {
	l, buf := captured(t)
	l.SetLevel(logrus.WarnLevel)
	s := l.Slog("broker")
	assert.False(t, s.Enabled(context.Background(), slog.LevelInfo))
	s.Info("hidden")
	s.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestSetLevel(t *testing.T) {
	require.Error(t, SetLevel("loud"))
	require.NoError(t, SetLevel("error"))
	assert.Equal(t, logrus.ErrorLevel, GetLogger().GetLevel())
	t.Cleanup(func() {
		GetLogger().SetOutput(io.Discard)
		GetLogger().Logger.SetLevel(logrus.PanicLevel)
	})
}
