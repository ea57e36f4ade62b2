package trader

// EventHandler processes one event type inside a contract actor.
type EventHandler interface {
	Type() EventType
	Handle(ctx *HandlerContext, payload []byte, traceID string) error
}

// HandlerContext gives a handler the actor it runs on and its Trader.
type HandlerContext struct {
	trader *Trader
	actor  *contractActor
}

func newHandlerContext(t *Trader, a *contractActor) *HandlerContext {
	return &HandlerContext{trader: t, actor: a}
}

func (c *HandlerContext) Trader() *Trader { return c.trader }

// Tracker is the state machine owned by the running actor.
func (c *HandlerContext) Tracker() *Tracker { return c.actor.tracker }
