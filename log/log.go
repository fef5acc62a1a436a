package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

var level atomic.Int64

func init() {
	level.Store(int64(log.InfoLevel))
}

// SetLevel changes the level of every logger created afterwards. Unknown
// names leave the level unchanged and are reported as an error.
func SetLevel(name string) error {
	l, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil {
		return err
	}
	level.Store(int64(l))
	return nil
}

func NewHandler(name string) slog.Handler {
	return newHandler(os.Stderr, name)
}

func newHandler(w io.Writer, name string) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		Prefix:          name,
		Level:           log.Level(level.Load()),
	})
}

func New(name string) *slog.Logger {
	return slog.New(NewHandler(name))
}

type ctxKey struct{}

// IntoContext adds a logger to a context. Use FromContext to
// pull the logger out.
func IntoContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger stored in ctx, or the default slog logger.
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
			return l
		}
	}
	return slog.Default()
}

// SubLogger derives a new logger from an existing one by appending a suffix to its prefix.
func SubLogger(base *slog.Logger, suffix string) *slog.Logger {
	if cl, ok := base.Handler().(*log.Logger); ok {
		prefix := cl.GetPrefix()
		if prefix != "" {
			prefix = prefix + "/" + suffix
		} else {
			prefix = suffix
		}
		return slog.New(cl.WithPrefix(prefix))
	}

	return slog.New(NewHandler(suffix))
}

// Secret wraps a credential so that it never reaches a log line.
type Secret string

func (s Secret) LogValue() slog.Value {
	if s == "" {
		return slog.StringValue("")
	}
	return slog.StringValue("***")
}

func (s Secret) String() string {
	return "***"
}

// Reveal returns the plaintext value. Only pass the result to child processes.
func (s Secret) Reveal() string {
	return string(s)
}
