package broadcast

import (
	"context"
	"errors"

	"wisefido-energy/internal/models"
)

// CompletionHandler in-process consumer of session completions
type CompletionHandler interface {
	OnSessionCompleted(ctx context.Context, evt *models.SessionCompletedEvent) error
}

// HandlerFunc adapts a function to CompletionHandler
type HandlerFunc func(ctx context.Context, evt *models.SessionCompletedEvent) error

func (f HandlerFunc) OnSessionCompleted(ctx context.Context, evt *models.SessionCompletedEvent) error {
	return f(ctx, evt)
}

// HandlerSink runs completion handlers in registration order. A retry reruns
// every handler, so handlers must be idempotent per session.
type HandlerSink struct {
	name     string
	handlers []CompletionHandler
}

func NewHandlerSink(name string, handlers ...CompletionHandler) *HandlerSink {
	return &HandlerSink{name: name, handlers: handlers}
}

func (s *HandlerSink) Name() string { return s.name }

func (s *HandlerSink) SendStatus(context.Context, *models.StatusEvent) error { return nil }

func (s *HandlerSink) SendCompletion(ctx context.Context, evt *models.SessionCompletedEvent) error {
	var errs []error
	for _, h := range s.handlers {
		if err := h.OnSessionCompleted(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
