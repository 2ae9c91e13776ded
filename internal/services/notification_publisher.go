package services

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/reservahub/booking-engine/internal/config"
)

// NewNotificationPublisher builds the publisher notification effects are sent through.
// "redis" publishes to a Redis stream; "memory" hands messages to in-process
// subscribers and drops them when nobody listens.
func NewNotificationPublisher(cfg *config.NotificationConfig, rdb redis.UniversalClient, wlogger watermill.LoggerAdapter) (message.Publisher, error) {
	switch cfg.Backend {
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis notification backend requires a redis client")
		}
		publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{
			Client: rdb,
		}, wlogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis stream publisher: %w", err)
		}
		return publisher, nil
	case "memory":
		return gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
			Persistent:          false,
		}, wlogger), nil
	default:
		return nil, fmt.Errorf("unknown notification backend %q", cfg.Backend)
	}
}

// ============================================================================
// LOGRUS ADAPTER
// ============================================================================

// LogrusWatermillLogger routes watermill's logs into logrus
type LogrusWatermillLogger struct {
	entry *logrus.Entry
}

// NewLogrusWatermillLogger wraps a logrus logger for watermill
func NewLogrusWatermillLogger(logger *logrus.Logger) *LogrusWatermillLogger {
	return &LogrusWatermillLogger{entry: logrus.NewEntry(logger).WithField("component", "watermill")}
}

func (l *LogrusWatermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.entry.WithFields(logrus.Fields(fields)).WithError(err).Error(msg)
}

func (l *LogrusWatermillLogger) Info(msg string, fields watermill.LogFields) {
	l.entry.WithFields(logrus.Fields(fields)).Info(msg)
}

func (l *LogrusWatermillLogger) Debug(msg string, fields watermill.LogFields) {
	l.entry.WithFields(logrus.Fields(fields)).Debug(msg)
}

func (l *LogrusWatermillLogger) Trace(msg string, fields watermill.LogFields) {
	l.entry.WithFields(logrus.Fields(fields)).Trace(msg)
}

func (l *LogrusWatermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &LogrusWatermillLogger{entry: l.entry.WithFields(logrus.Fields(fields))}
}
