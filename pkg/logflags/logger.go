package logflags

import (
	"github.com/sirupsen/logrus"
)

// Logger is the logging interface used by every layer of sohook.
type Logger interface {
	// WithField returns a Logger that adds key=value to every message.
	WithField(key string, value interface{}) Logger

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// layerKey is the entry field holding the Layer a message comes from.
const layerKey = "layer"

type logrusLogger struct {
	*logrus.Entry
}

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{l.Entry.WithField(key, value)}
}

// layerFormatter prints the layer of an entry in front of its message
// instead of as a key=value field.
type layerFormatter struct {
	logrus.TextFormatter
}

func (f *layerFormatter) Format(e *logrus.Entry) ([]byte, error) {
	layer, ok := e.Data[layerKey].(Layer)
	if !ok {
		return f.TextFormatter.Format(e)
	}
	c := *e
	c.Data = make(logrus.Fields, len(e.Data)-1)
	for k, v := range e.Data {
		if k != layerKey {
			c.Data[k] = v
		}
	}
	c.Message = "[" + string(layer) + "] " + e.Message
	return f.TextFormatter.Format(&c)
}
