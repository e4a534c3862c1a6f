package logging

import (
	"github.com/sirupsen/logrus"

	"github.com/erebus-sh/erebus/pkg/config"
)

// Logger represents a logger instance
type Logger = *logrus.Logger

// Fields represents structured logging fields
type Fields = logrus.Fields

// Level represents a log level
type Level = logrus.Level

// Log levels
const (
	DebugLevel = logrus.DebugLevel
	InfoLevel  = logrus.InfoLevel
	WarnLevel  = logrus.WarnLevel
	ErrorLevel = logrus.ErrorLevel
)

// NewLogger creates a new configured logger instance
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(config.GetLogLevel())
	return logger
}

// NewLoggerWithService creates a logger with a service field
func NewLoggerWithService(serviceName string) *logrus.Logger {
	logger := NewLogger()

	// Add service name to all log entries
	logger = logger.WithField("service", serviceName).Logger

	return logger
}

// ChannelFields is the shared field shape identifying one channel actor.
// Every gateway log line about a channel carries these so operators can
// filter a single (project, channel, location) triple.
func ChannelFields(projectID, channelName, locationHint string) Fields {
	return Fields{
		"project_id": projectID,
		"channel":    channelName,
		"location":   locationHint,
	}
}
