// Package log provides the logrus formatter used by offline_sync.
package log

import (
	"time"

	"github.com/sirupsen/logrus"
)

// ComponentField is the field name used to tag log entries with the emitting component.
const ComponentField = "component"

// Formatter renders entries as text and lifts the component field into a message prefix.
type Formatter struct {
	text *logrus.TextFormatter
}

// NewFormatter creates a formatter with full RFC3339 timestamps and sorted fields
func NewFormatter(noColors bool) *Formatter {
	return &Formatter{
		text: &logrus.TextFormatter{
			DisableColors:   noColors,
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
		},
	}
}

// Format implements logrus.Formatter
func (f *Formatter) Format(entry *logrus.Entry) ([]byte, error) {
	component, ok := entry.Data[ComponentField].(string)
	if !ok || component == "" {
		return f.text.Format(entry)
	}

	// Work on a copy so other hooks still see the original entry
	data := make(logrus.Fields, len(entry.Data))
	for k, v := range entry.Data {
		if k != ComponentField {
			data[k] = v
		}
	}
	clone := &logrus.Entry{
		Logger:  entry.Logger,
		Data:    data,
		Time:    entry.Time,
		Level:   entry.Level,
		Caller:  entry.Caller,
		Context: entry.Context,
		Message: "[" + component + "] " + entry.Message,
	}
	return f.text.Format(clone)
}

// WithComponent returns a logger entry tagged with the given component name
func WithComponent(name string) *logrus.Entry {
	return logrus.WithField(ComponentField, name)
}
