// Package logging configures the process-wide logrus logger from the
// AS_LOG_LEVEL environment variable.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Setup reads AS_LOG_LEVEL (trace|debug|info|warn|error|fatal|panic,
// default info) and configures logrus's standard logger accordingly,
// returning it for components that want a scoped entry.
func Setup() *logrus.Logger {
	log := logrus.StandardLogger()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	level := os.Getenv("AS_LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		log.WithField("AS_LOG_LEVEL", level).Warn("unrecognized log level, defaulting to info")
		parsed = logrus.InfoLevel
	}
	log.SetLevel(parsed)
	return log
}
