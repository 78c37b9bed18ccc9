package audit

import (
	"context"
	"errors"
)

// MultiLogger writes each record to every logger. One failing logger does
// not stop the others.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger creates a logger fanning out to loggers
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

// LogDecision writes rec to every logger and joins their errors
func (m *MultiLogger) LogDecision(ctx context.Context, rec *DecisionRecord) error {
	var errs []error
	for _, l := range m.loggers {
		if err := l.LogDecision(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every logger
func (m *MultiLogger) Close() error {
	var errs []error
	for _, l := range m.loggers {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
