package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// ErrNotExecutable is returned by Execute for kinds declared without a function.
var ErrNotExecutable = errors.New("handler: kind has no function")

// Settings are the delivery defaults of a job kind.
type Settings struct {
	Lane        string
	Priority    int
	MaxAttempts int
	Timeout     time.Duration
}

// Handler is a registered job kind. Fn may be invalid for kinds that are
// only declared for enqueueing in producer processes.
type Handler struct {
	Kind     string
	Settings Settings

	fn         reflect.Value
	argsType   reflect.Type
	hasContext bool
}

// Declare returns a Handler that only carries settings.
func Declare(kind string, s Settings) *Handler {
	return &Handler{Kind: kind, Settings: s}
}

// New validates fn and wraps it. Accepted shapes are
// func(context.Context, T) error, func(T) error and func(context.Context) error.
func New(kind string, fn any, s Settings) (*Handler, error) {
	if fn == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return nil, fmt.Errorf("handler must be a function, got %s", v.Kind())
	}
	if v.IsNil() {
		return nil, fmt.Errorf("handler function cannot be nil")
	}

	t := v.Type()
	if t.NumOut() != 1 || !t.Out(0).Implements(errorType) {
		return nil, fmt.Errorf("handler must return exactly one error")
	}

	h := &Handler{Kind: kind, Settings: s, fn: v}
	switch t.NumIn() {
	case 1:
		if t.In(0).Implements(contextType) {
			h.hasContext = true
		} else {
			h.argsType = t.In(0)
		}
	case 2:
		if !t.In(0).Implements(contextType) {
			return nil, fmt.Errorf("first of two handler arguments must be context.Context")
		}
		h.hasContext = true
		h.argsType = t.In(1)
	default:
		return nil, fmt.Errorf("handler must have 1-2 arguments")
	}
	return h, nil
}

// Executable reports whether the kind can be run by a worker.
func (h *Handler) Executable() bool {
	return h != nil && h.fn.IsValid()
}

// Execute decodes payload into the handler's argument type and calls it.
// A payload that does not decode is reported as a *DecodeError.
func (h *Handler) Execute(ctx context.Context, payload []byte) error {
	if !h.Executable() {
		return ErrNotExecutable
	}

	in := make([]reflect.Value, 0, 2)
	if h.hasContext {
		in = append(in, reflect.ValueOf(ctx))
	}
	if h.argsType != nil {
		arg := reflect.New(h.argsType)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, arg.Interface()); err != nil {
				return &DecodeError{Kind: h.Kind, Err: err}
			}
		}
		in = append(in, arg.Elem())
	}

	out := h.fn.Call(in)
	if err, _ := out[0].Interface().(error); err != nil {
		return err
	}
	return nil
}

// DecodeError reports a payload that does not match the handler's argument type.
type DecodeError struct {
	Kind string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s payload: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
