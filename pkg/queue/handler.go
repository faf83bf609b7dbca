package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

type (
	// Handler executes tasks of one name.
	Handler interface {
		Name() string
		Handle(ctx context.Context, payload json.RawMessage) error
	}

	TaskHandlerFunc[T any]   func(ctx context.Context, payload T) error
	RecurringTaskHandlerFunc func(ctx context.Context) error
)

// NewTaskHandler wraps a typed function as a Handler. The task name is derived
// from the payload type, so enqueuing a value of the same type routes to this
// handler without manual name bookkeeping.
func NewTaskHandler[T any](handler TaskHandlerFunc[T]) Handler {
	var payload T
	return &taskHandler[T]{
		name:    qualifiedStructName(payload),
		handler: handler,
	}
}

// NewRecurringTaskHandler wraps a payload-less function for scheduler-created
// tasks, which are addressed by explicit name.
func NewRecurringTaskHandler(name string, handler RecurringTaskHandlerFunc) Handler {
	return &recurringTaskHandler{
		name:    name,
		handler: handler,
	}
}

type taskHandler[T any] struct {
	name    string
	handler TaskHandlerFunc[T]
}

func (h *taskHandler[T]) Name() string {
	return h.name
}

func (h *taskHandler[T]) Handle(ctx context.Context, payload json.RawMessage) error {
	var t T
	if err := json.Unmarshal(payload, &t); err != nil {
		return err
	}
	return h.handler(ctx, t)
}

type recurringTaskHandler struct {
	name    string
	handler RecurringTaskHandlerFunc
}

func (h *recurringTaskHandler) Name() string {
	return h.name
}

func (h *recurringTaskHandler) Handle(ctx context.Context, _ json.RawMessage) error {
	return h.handler(ctx)
}

func qualifiedStructName(v any) string {
	return strings.TrimLeft(fmt.Sprintf("%T", v), "*")
}
