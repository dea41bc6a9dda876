package obs

import (
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	loggerOnce sync.Once
	logger     *logrus.Logger
)

// Logger returns the shared structured logger used across the service.
func Logger() *logrus.Logger {
	loggerOnce.Do(func() {
		logger = logrus.New()
		logger.SetOutput(os.Stdout)
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: "ts",
			},
		})
		logger.SetLevel(logrus.InfoLevel)
	})
	return logger
}

// SetLevel adjusts the shared logger level; unknown names fall back to info.
func SetLevel(name string) {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(name))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Logger().SetLevel(lvl)
}

// LogRequest emits a structured line with common HTTP fields. A nil logger
// selects the shared one.
func LogRequest(l *logrus.Logger, fields logrus.Fields) {
	if l == nil {
		l = Logger()
	}
	l.WithFields(fields).Info("request_complete")
}
