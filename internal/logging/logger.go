package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Setup configures the process-wide logrus logger from config values.
// JSON output everywhere except development, where colored text is easier
// to scan.
func Setup(level, environment string) {
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
	logrus.SetOutput(os.Stdout)

	if environment == "development" {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	} else {
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	}
}

// WithComponent returns an entry tagged with the originating component, the
// field every package uses so log lines can be filtered per subsystem.
func WithComponent(name string) *logrus.Entry {
	return logrus.WithField("component", name)
}
