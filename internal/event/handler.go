package event

import (
	"context"
	"fmt"

	"github.com/keepmind9/miraibot/internal/errs"
)

// HandlerFunc processes one event
type HandlerFunc func(ctx context.Context, ev Event) error

// Handler is a named handler registered against an event kind. Filters
// select handlers by pointer identity and by Name.
type Handler struct {
	Name string
	Help string
	Fn   HandlerFunc
}

// NewHandler creates a handler. An empty name is replaced by a
// placeholder so filters can still address it.
func NewHandler(name string, fn HandlerFunc) *Handler {
	if name == "" {
		name = fmt.Sprintf("handler-%p", fn)
	}
	return &Handler{Name: name, Fn: fn}
}

// Call invokes the handler, turning a returned error or a panic into a
// *errs.DispatchError.
func (h *Handler) Call(ctx context.Context, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &errs.DispatchError{Handler: h.Name, Kind: string(ev.Kind()), Panic: r}
		}
	}()

	if h.Fn == nil {
		return nil
	}
	if callErr := h.Fn(ctx, ev); callErr != nil {
		return &errs.DispatchError{Handler: h.Name, Kind: string(ev.Kind()), Err: callErr}
	}
	return nil
}
