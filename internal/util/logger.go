package util

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	loggerMu sync.Mutex
	logger   *slog.Logger
)

// InitLogger installs the global slog text logger. Verbose enables per-frame
// debug output.
func InitLogger(verbose bool) {
	InitLoggerTo(os.Stderr, verbose)
}

// InitLoggerTo is InitLogger with an explicit destination.
func InitLoggerTo(w io.Writer, verbose bool) {
	opts := &slog.HandlerOptions{
		Level:       slog.LevelInfo,
		ReplaceAttr: flattenErrors,
	}
	if verbose {
		opts.Level = slog.LevelDebug
	}

	loggerMu.Lock()
	defer loggerMu.Unlock()
	logger = slog.New(slog.NewTextHandler(w, opts))
	slog.SetDefault(logger)
}

// flattenErrors logs errors by message. The text handler formats values
// with %+v, which makes pkg/errors print a stack trace per line.
func flattenErrors(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindAny {
		return a
	}
	if err, ok := a.Value.Any().(error); ok {
		return slog.String(a.Key, err.Error())
	}
	return a
}

// GetLogger returns the configured logger, falling back to INFO on stderr.
func GetLogger() *slog.Logger {
	loggerMu.Lock()
	l := logger
	loggerMu.Unlock()
	if l == nil {
		InitLogger(false)
		return GetLogger()
	}
	return l
}

// IsVerbose checks the command line for --verbose before flags are parsed.
func IsVerbose() bool {
	for _, arg := range os.Args {
		if arg == "--verbose" {
			return true
		}
	}
	return false
}

// NewStdLogger adapts l for APIs that still want a *log.Logger, such as
// http.Server.ErrorLog. Lines are logged at warn level.
func NewStdLogger(l *slog.Logger) *log.Logger {
	return log.New(&logWriter{logger: l}, "", 0)
}

type logWriter struct {
	logger *slog.Logger
}

func (w *logWriter) Write(p []byte) (n int, err error) {
	w.logger.Warn(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
