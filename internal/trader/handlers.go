package trader

import (
	"encoding/json"
	"fmt"

	"moonwatch/internal/logger"
)

type OpenHandler struct{}

func (h *OpenHandler) Type() EventType { return EvtPositionOpen }

func (h *OpenHandler) Handle(ctx *HandlerContext, _ []byte, traceID string) error {
	tr := ctx.Tracker()
	pos := tr.Position()
	t := ctx.Trader()
	t.publish(pos, []Transition{tr.Opened()})
	t.appendFact(EvtPositionOpened, pos.Contract, pos)
	for _, hook := range t.onOpen {
		hook(pos)
	}
	logger.Infof("Trader: opened %s %s @ %g conf=%.0f (raw %.0f) regime=%s target=%.2f%% trace=%s",
		pos.Side, pos.Contract, pos.EntryPrice, pos.Confidence, pos.RawConfidence, pos.Regime, pos.TargetPct, traceID)
	return nil
}

type TickHandler struct{}

func (h *TickHandler) Type() EventType { return EvtPriceTick }

func (h *TickHandler) Handle(ctx *HandlerContext, payload []byte, _ string) error {
	var tick Tick
	if err := json.Unmarshal(payload, &tick); err != nil {
		return fmt.Errorf("failed to unmarshal tick: %w", err)
	}
	step := ctx.Tracker().OnTick(tick.Price, tick.Timestamp)
	if step.Ignored {
		ctx.Trader().observer.TickDropped()
		logger.Debugf("Trader: dropped tick %s price=%v", tick.Contract, tick.Price)
		return nil
	}
	ctx.Trader().apply(ctx.actor, step)
	return nil
}

type TrendHandler struct{}

func (h *TrendHandler) Type() EventType { return EvtTrendUpdate }

func (h *TrendHandler) Handle(ctx *HandlerContext, payload []byte, _ string) error {
	var upd TrendUpdate
	if err := json.Unmarshal(payload, &upd); err != nil {
		return fmt.Errorf("failed to unmarshal trend update: %w", err)
	}
	ctx.Tracker().SetTrend(upd.Phase)
	return nil
}

type CloseHandler struct{}

func (h *CloseHandler) Type() EventType { return EvtPositionClose }

func (h *CloseHandler) Handle(ctx *HandlerContext, payload []byte, traceID string) error {
	var req CloseRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("failed to unmarshal close request: %w", err)
	}
	step := ctx.Tracker().Close(req.Reason, ctx.Trader().now())
	if step.Ignored {
		return ErrNoTracker
	}
	logger.Infof("Trader: closing %s on request (%s) trace=%s", req.Contract, req.Reason, traceID)
	ctx.Trader().apply(ctx.actor, step)
	return nil
}
