package logger

import (
	"context"
	"log/slog"
)

type fieldsKey struct{}

// Fields are attached to every record logged with a context that carries them.
type Fields struct {
	RequestID string
	ChatID    string
	Channel   string
	SenderID  string
}

// WithFields merges fields into ctx; non-empty values replace existing ones.
func WithFields(ctx context.Context, fields Fields) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	merged := FieldsFrom(ctx)
	if fields.RequestID != "" {
		merged.RequestID = fields.RequestID
	}
	if fields.ChatID != "" {
		merged.ChatID = fields.ChatID
	}
	if fields.Channel != "" {
		merged.Channel = fields.Channel
	}
	if fields.SenderID != "" {
		merged.SenderID = fields.SenderID
	}
	return context.WithValue(ctx, fieldsKey{}, merged)
}

func FieldsFrom(ctx context.Context) Fields {
	if ctx == nil {
		return Fields{}
	}
	if fields, ok := ctx.Value(fieldsKey{}).(Fields); ok {
		return fields
	}
	return Fields{}
}

func (f Fields) attrs() []slog.Attr {
	attrs := make([]slog.Attr, 0, 4)
	if f.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", f.RequestID))
	}
	if f.ChatID != "" {
		attrs = append(attrs, slog.String("chat_id", f.ChatID))
	}
	if f.Channel != "" {
		attrs = append(attrs, slog.String("channel", f.Channel))
	}
	if f.SenderID != "" {
		attrs = append(attrs, slog.String("sender_id", f.SenderID))
	}
	return attrs
}

// contextHandler enriches records with Fields found on the logging context.
type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, record slog.Record) error {
	if attrs := FieldsFrom(ctx).attrs(); len(attrs) > 0 {
		record = record.Clone()
		record.AddAttrs(attrs...)
	}
	return h.Handler.Handle(ctx, record)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{Handler: h.Handler.WithGroup(name)}
}
