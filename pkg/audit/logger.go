package audit

import "context"

// Logger records admission decisions
type Logger interface {
	LogDecision(ctx context.Context, rec *DecisionRecord) error
	Close() error
}

// NoOpLogger discards every record
type NoOpLogger struct{}

func (NoOpLogger) LogDecision(context.Context, *DecisionRecord) error { return nil }

func (NoOpLogger) Close() error { return nil }
