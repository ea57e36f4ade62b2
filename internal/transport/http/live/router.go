package livehttp

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"moonwatch/internal/feed"
	"moonwatch/internal/logger"
	"moonwatch/internal/memory"
	"moonwatch/internal/risk"
	"moonwatch/internal/strategy/exit"
	"moonwatch/internal/trader"
	"moonwatch/internal/types"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

// Service is what the router needs from the running tracker.
type Service interface {
	Open(ctx context.Context, sig trader.OpenSignal) (trader.Position, error)
	Tick(ctx context.Context, tick trader.Tick) error
	Trend(ctx context.Context, upd trader.TrendUpdate) error
	Close(ctx context.Context, contract string, reason types.ExitReason) (types.Result, error)
	Positions() []trader.Position
	FeedSince(ctx context.Context, since int64, limit int) ([]feed.Event, error)
	SubscribeFeed(buffer int) (<-chan feed.Event, func())
	Capital() risk.Snapshot
	Memory(symbol, side string) memory.Record
	Results(ctx context.Context, contract string, limit int) ([]types.Result, error)
}

const (
	defaultFeedLimit = 200
	maxFeedLimit     = 2000
	maxTickBatch     = 1000
	wsWriteWait      = 10 * time.Second
	wsPingEvery      = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Router struct {
	svc Service

	closeOnce sync.Once
	done      chan struct{}
}

func NewRouter(svc Service) *Router {
	return &Router{svc: svc, done: make(chan struct{})}
}

// Register mounts the live routes under group.
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.POST("/positions", r.handleOpen)
	group.GET("/positions", r.handlePositions)
	group.DELETE("/positions/:contract", r.handleClose)
	group.POST("/ticks", r.handleTicks)
	group.POST("/trend", r.handleTrend)
	group.GET("/feed", r.handleFeed)
	group.GET("/feed/ws", r.handleFeedWS)
	group.GET("/capital", r.handleCapital)
	group.GET("/memory/:symbol/:side", r.handleMemory)
	group.GET("/results", r.handleResults)
}

// CloseStreams ends every open websocket stream.
func (r *Router) CloseStreams() {
	r.closeOnce.Do(func() { close(r.done) })
}

func (r *Router) handleOpen(c *gin.Context) {
	var sig trader.OpenSignal
	if err := c.ShouldBindJSON(&sig); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	pos, err := r.svc.Open(c.Request.Context(), sig)
	if err != nil {
		logger.Warnf("[api] open %s %s rejected ip=%s err=%v", sig.Contract, sig.Side, c.ClientIP(), err)
		writeError(c, err)
		return
	}
	logger.Infof("[api] open %s %s entry=%v conf=%.0f target=%.0f%% ip=%s",
		pos.Contract, pos.Side, pos.EntryPrice, pos.Confidence, pos.TargetPct, c.ClientIP())
	c.JSON(http.StatusCreated, pos)
}

func (r *Router) handlePositions(c *gin.Context) {
	positions := r.svc.Positions()
	c.JSON(http.StatusOK, gin.H{"positions": positions, "count": len(positions)})
}

func (r *Router) handleClose(c *gin.Context) {
	contract := c.Param("contract")
	reason := types.ExitReason(strings.TrimSpace(c.Query("reason")))
	res, err := r.svc.Close(c.Request.Context(), contract, reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type tickOutcome struct {
	Contract string `json:"contract"`
	Error    string `json:"error,omitempty"`
}

// handleTicks accepts one tick object or an array of them. Prices and
// timestamps may be numbers or strings; timestamps are unix ms or RFC3339.
func (r *Router) handleTicks(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !gjson.ValidBytes(raw) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	body := gjson.ParseBytes(raw)
	ctx := c.Request.Context()
	if body.IsObject() {
		tick, err := parseTick(body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := r.svc.Tick(ctx, tick); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"accepted": 1})
		return
	}
	if !body.IsArray() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expected a tick object or array"})
		return
	}
	items := body.Array()
	if len(items) > maxTickBatch {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "too many ticks in batch", "max": maxTickBatch})
		return
	}
	accepted := 0
	var failed []tickOutcome
	for _, item := range items {
		tick, err := parseTick(item)
		if err == nil {
			err = r.svc.Tick(ctx, tick)
		}
		if err != nil {
			failed = append(failed, tickOutcome{Contract: tick.Contract, Error: err.Error()})
			continue
		}
		accepted++
	}
	c.JSON(http.StatusOK, gin.H{"accepted": accepted, "failed": failed})
}

var errBadTick = errors.New("tick needs contract and price")

func parseTick(v gjson.Result) (trader.Tick, error) {
	tick := trader.Tick{Contract: firstString(v, "contract", "symbol")}
	price := v.Get("price")
	if tick.Contract == "" || !price.Exists() {
		return tick, errBadTick
	}
	tick.Price = price.Float()
	for _, key := range []string{"timestamp", "ts"} {
		ts := v.Get(key)
		if !ts.Exists() {
			continue
		}
		if ts.Type == gjson.Number {
			tick.Timestamp = time.UnixMilli(ts.Int())
		} else if parsed, err := time.Parse(time.RFC3339Nano, ts.String()); err == nil {
			tick.Timestamp = parsed
		} else if ms, err := strconv.ParseInt(ts.String(), 10, 64); err == nil {
			tick.Timestamp = time.UnixMilli(ms)
		}
		break
	}
	return tick, nil
}

func firstString(v gjson.Result, keys ...string) string {
	for _, key := range keys {
		if s := strings.TrimSpace(v.Get(key).String()); s != "" {
			return s
		}
	}
	return ""
}

func (r *Router) handleTrend(c *gin.Context) {
	var upd trader.TrendUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(upd.Contract) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "contract is required"})
		return
	}
	upd.Phase = exit.ParseTrendPhase(string(upd.Phase))
	if err := r.svc.Trend(c.Request.Context(), upd); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": upd.Contract, "phase": upd.Phase})
}

func (r *Router) handleFeed(c *gin.Context) {
	since, err := parseInt64Query(c, "since", 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since"})
		return
	}
	limit := parseLimit(c, defaultFeedLimit, maxFeedLimit)
	events, err := r.svc.FeedSince(c.Request.Context(), since, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if events == nil {
		events = []feed.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// handleFeedWS replays events after ?since= (when given) and then streams
// new ones until the client goes away.
func (r *Router) handleFeedWS(c *gin.Context) {
	since, err := parseInt64Query(c, "since", -1)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since"})
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("[api] feed ws upgrade failed ip=%s err=%v", c.ClientIP(), err)
		return
	}
	defer conn.Close()

	stream, cancel := r.svc.SubscribeFeed(256)
	defer cancel()

	var lastSeq uint64
	if since >= 0 {
		backlog, err := r.svc.FeedSince(c.Request.Context(), since, maxFeedLimit)
		if err != nil {
			logger.Warnf("[api] feed ws backlog failed: %v", err)
		}
		for _, evt := range backlog {
			if err := writeWS(conn, evt); err != nil {
				return
			}
			lastSeq = max(lastSeq, evt.Seq)
		}
	}

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingEvery)
	defer ping.Stop()
	for {
		select {
		case evt, ok := <-stream:
			if !ok {
				return
			}
			// Events already sent from the backlog may arrive again.
			if evt.Seq != 0 && evt.Seq <= lastSeq {
				continue
			}
			if err := writeWS(conn, evt); err != nil {
				logger.Debugf("[api] feed ws write failed: %v", err)
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(wsWriteWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.done:
			deadline := time.Now().Add(wsWriteWait)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), deadline)
			return
		}
	}
}

func writeWS(conn *websocket.Conn, evt feed.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(evt)
}

func (r *Router) handleCapital(c *gin.Context) {
	snap := r.svc.Capital()
	c.JSON(http.StatusOK, gin.H{
		"capital":   snap,
		"available": snap.Available(),
	})
}

func (r *Router) handleMemory(c *gin.Context) {
	side, ok := types.ParseSide(c.Param("side"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "side must be LONG or SHORT"})
		return
	}
	rec := r.svc.Memory(c.Param("symbol"), string(side))
	c.JSON(http.StatusOK, gin.H{"memory": rec, "win_rate": rec.WinRate()})
}

func (r *Router) handleResults(c *gin.Context) {
	limit := parseLimit(c, 50, 500)
	results, err := r.svc.Results(c.Request.Context(), strings.TrimSpace(c.Query("contract")), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if results == nil {
		results = []types.Result{}
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "count": len(results)})
}

// writeError maps tracker sentinel errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, trader.ErrInvalidSignal):
		status = http.StatusBadRequest
	case errors.Is(err, trader.ErrNoTracker):
		status = http.StatusNotFound
	case errors.Is(err, trader.ErrTrackerExists):
		status = http.StatusConflict
	case errors.Is(err, trader.ErrEntryBlocked):
		status = http.StatusLocked
	case errors.Is(err, trader.ErrStopped):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func parseInt64Query(c *gin.Context, key string, def int64) (int64, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return def, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func parseLimit(c *gin.Context, def, maxLimit int) int {
	raw := strings.TrimSpace(c.Query("limit"))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return min(n, maxLimit)
}
