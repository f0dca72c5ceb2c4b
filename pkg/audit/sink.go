package audit

import (
	"context"

	"github.com/LittleThigas/fatalzera/pkg/domain"
)

// Sink persists or forwards audit entries.
type Sink interface {
	Name() string
	Write(ctx context.Context, entry domain.AuditEntry) error
}

// LogAppender is the store capability the store sink needs.
type LogAppender interface {
	AppendLog(ctx context.Context, entry domain.AuditEntry) error
}

// StoreSink appends entries to the audit log collection.
type StoreSink struct {
	Store LogAppender
}

func (s StoreSink) Name() string { return "store" }

func (s StoreSink) Write(ctx context.Context, entry domain.AuditEntry) error {
	return s.Store.AppendLog(ctx, entry)
}

// JSONPublisher publishes a JSON document under a routing key.
type JSONPublisher interface {
	PublishJSON(ctx context.Context, key string, v any) error
}

// PublisherSink mirrors entries to a message exchange under "audit.<action>".
type PublisherSink struct {
	Publisher JSONPublisher
}

func (s PublisherSink) Name() string { return "amqp" }

func (s PublisherSink) Write(ctx context.Context, entry domain.AuditEntry) error {
	return s.Publisher.PublishJSON(ctx, "audit."+entry.Action, entry)
}
