package log

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubLoggerPrefix(t *testing.T) {
	base := New("tandem")
	sub := SubLogger(base, "pin")

	cl, ok := sub.Handler().(*log.Logger)
	require.True(t, ok)
	assert.Equal(t, "tandem/pin", cl.GetPrefix())
}

func TestFromContext(t *testing.T) {
	assert.Equal(t, slog.Default(), FromContext(context.Background()))

	l := New("ctx")
	ctx := IntoContext(context.Background(), l)
	assert.Same(t, l, FromContext(ctx))
}

func TestSetLevel(t *testing.T) {
	t.Cleanup(func() { _ = SetLevel("info") })

	require.NoError(t, SetLevel("DEBUG"))
	assert.Equal(t, int64(log.DebugLevel), level.Load())

	assert.Error(t, SetLevel("loud"))
	assert.Equal(t, int64(log.DebugLevel), level.Load())
}

func TestSecretIsRedacted(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(newHandler(&buf, "test"))

	l.Info("publishing", "token", Secret("hunter2"))

	assert.NotContains(t, buf.String(), "hunter2")
	assert.True(t, strings.Contains(buf.String(), "***"))
	assert.Equal(t, "hunter2", Secret("hunter2").Reveal())
}
