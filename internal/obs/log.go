package obs

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	loggerOnce sync.Once
	logger     *logrus.Logger
)

// Logger returns the shared structured logger used across the service.
// All request, audit, and lifecycle logging goes through this instance so
// every line shares one JSON shape.
func Logger() *logrus.Logger {
	loggerOnce.Do(func() {
		logger = logrus.New()
		logger.SetOutput(os.Stdout)
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
		logger.SetLevel(logrus.InfoLevel)
	})
	return logger
}

// SetOutput redirects the shared logger, returning the previous writer.
// Used by tests to capture log lines.
func SetOutput(w io.Writer) io.Writer {
	l := Logger()
	prev := l.Out
	l.SetOutput(w)
	return prev
}

// LogRequest emits a structured log line with common HTTP fields.
func LogRequest(fields map[string]any) {
	Logger().WithFields(logrus.Fields(fields)).Info("request_complete")
}
