// Package logger provides the shared application logger.
package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

const levelEnvVar = "PEERWAVE_LOG_LEVEL"

func NewLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})

	level := logrus.InfoLevel
	if raw := os.Getenv(levelEnvVar); raw != "" {
		parsed, err := logrus.ParseLevel(raw)
		if err == nil {
			level = parsed
		}
	}
	log.SetLevel(level)

	return log
}
