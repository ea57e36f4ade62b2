package trader

import "moonwatch/internal/logger"

// HandlerRegistry maps event types to handlers. It is filled before the
// first actor starts and read-only afterwards.
type HandlerRegistry struct {
	handlers map[EventType]EventHandler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[EventType]EventHandler),
	}
}

// Register adds h, replacing any handler for the same type.
func (r *HandlerRegistry) Register(h EventHandler) {
	if h == nil {
		return
	}
	r.handlers[h.Type()] = h
}

func (r *HandlerRegistry) Get(t EventType) (EventHandler, bool) {
	h, ok := r.handlers[t]
	return h, ok
}

func (r *HandlerRegistry) RegisterDefaultHandlers() {
	r.Register(&OpenHandler{})
	r.Register(&TickHandler{})
	r.Register(&TrendHandler{})
	r.Register(&CloseHandler{})
	logger.Debugf("Trader: Registered %d event handlers", len(r.handlers))
}
