// Package session runs the bot: one transport connection, one dialog at a
// time, until the dialog ceiling, the search limit, a fatal signal or an
// exhausted reconnect budget ends the run.
//
// All session state is owned by a single loop goroutine. Transport frames,
// timer firings, dial results and gateway replies reach it as events; nothing
// outside the loop mutates state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ent0n29/autochat/internal/config"
	"github.com/ent0n29/autochat/internal/dialog"
	"github.com/ent0n29/autochat/internal/gateway"
	"github.com/ent0n29/autochat/internal/observability"
	"github.com/ent0n29/autochat/internal/peers"
	"github.com/ent0n29/autochat/internal/policy"
	"github.com/ent0n29/autochat/internal/protocol"
	"github.com/ent0n29/autochat/internal/reliability"
	"github.com/ent0n29/autochat/internal/schedule"
	"github.com/ent0n29/autochat/internal/stats"
	"github.com/ent0n29/autochat/internal/transport"
	"github.com/ent0n29/autochat/internal/turn"
)

const (
	eventBuffer   = 256
	recordTimeout = 5 * time.Second
)

// Deps are the collaborators of a Controller. Config, Dialer and Gateway are
// required; everything else has a working default.
type Deps struct {
	Config    config.Config
	Dialer    transport.Dialer
	Gateway   gateway.Client
	Store     stats.Store
	Metrics   *observability.Metrics
	Logger    *slog.Logger
	Clock     schedule.Clock
	Jitter    *reliability.Jitter
	Blocklist *peers.Blocklist
}

type endpoint struct {
	server string
	url    string
}

type Controller struct {
	cfg       config.Config
	endpoints []endpoint
	dialer    transport.Dialer
	gw        gateway.Client
	store     stats.Store
	metrics   *observability.Metrics
	log       *slog.Logger
	clock     schedule.Clock
	jitter    *reliability.Jitter
	redact    *policy.Redactor

	memory  *peers.Memory
	dialogs *dialog.Machine
	seq     *turn.Sequencer

	searchTimeout *schedule.Slot
	searchRetry   *schedule.Slot
	reinit        *schedule.Slot
	reconnect     *schedule.Slot
	sessionSlots  schedule.Group

	events chan event
	quit   chan struct{}
	ctx    context.Context
	bg     sync.WaitGroup
	// async runs blocking work off the loop; watch starts the frame pump of a
	// fresh connection. Tests replace both.
	async func(func())
	watch func(transport.Conn)

	conn        transport.Conn
	server      string
	sid         string
	ackID       int64
	status      Status
	attempts    int
	dialogCount int
	successful  int
	searchLimit protocol.SearchLimit
	searching   bool
	searchSince time.Time
	lastError   string
	outcome     *Outcome
	startedAt   time.Time

	started atomic.Bool
	final   atomic.Pointer[Snapshot]
}

func New(d Deps) (*Controller, error) {
	if d.Dialer == nil {
		return nil, errors.New("session: dialer is required")
	}
	if d.Gateway == nil {
		return nil, errors.New("session: gateway client is required")
	}
	cfg := d.Config
	if cfg.MaxDialogs <= 0 {
		return nil, fmt.Errorf("session: max dialogs must be positive, got %d", cfg.MaxDialogs)
	}
	endpoints := make([]endpoint, 0, 2)
	for _, server := range []string{cfg.ServerURL, cfg.FallbackServerURL} {
		if server == "" {
			continue
		}
		u, err := transport.BuildURL(server, cfg.ChatAuth)
		if err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
		endpoints = append(endpoints, endpoint{server: server, url: u})
	}
	if len(endpoints) == 0 {
		return nil, errors.New("session: no server url configured")
	}

	c := &Controller{
		cfg:       cfg,
		endpoints: endpoints,
		dialer:    d.Dialer,
		gw:        d.Gateway,
		store:     d.Store,
		metrics:   d.Metrics,
		log:       d.Logger,
		clock:     d.Clock,
		jitter:    d.Jitter,
		redact:    policy.NewRedactor(cfg.ChatAuth),
		events:    make(chan event, eventBuffer),
		quit:      make(chan struct{}),
		ctx:       context.Background(),
		status:    StatusStarting,
	}
	if c.store == nil {
		c.store = stats.NewInMemoryStore()
	}
	if c.metrics == nil {
		c.metrics = observability.NewMetrics("autochat")
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.clock == nil {
		c.clock = schedule.RealClock{}
	}
	if c.jitter == nil {
		c.jitter = reliability.NewJitter(uint64(time.Now().UnixNano()))
	}
	c.async = c.spawn
	c.watch = func(conn transport.Conn) { c.spawn(func() { c.pump(conn) }) }

	c.memory = peers.NewMemory(d.Blocklist)
	c.dialogs = dialog.NewMachine(c.clock)
	turnSlot := c.dialogs.Own("turn")
	c.seq = turn.New(emitter{c}, turnSlot, c.jitter,
		turn.Window{Min: cfg.TypingDelay.Min, Max: cfg.TypingDelay.Max},
		turn.Window{Min: cfg.ResponseDelay.Min, Max: cfg.ResponseDelay.Max},
		c.fireFor(turnSlot),
	)

	c.searchTimeout = schedule.NewSlot(c.clock, "search_timeout")
	c.searchRetry = schedule.NewSlot(c.clock, "search_retry")
	c.reinit = schedule.NewSlot(c.clock, "reinit")
	c.reconnect = schedule.NewSlot(c.clock, "reconnect")
	c.sessionSlots = schedule.Group{c.searchTimeout, c.searchRetry, c.reinit, c.reconnect}

	c.startedAt = c.clock.Now()
	c.ackID = c.startedAt.Unix() + c.jitter.Int64N(100000)
	c.searchLimit = protocol.SearchLimit{Max: cfg.SearchLimitMax}
	c.metrics.SetRunStatus(string(c.status), allStatuses...)
	return c, nil
}

// Run dials the server and processes events until the run ends or ctx is
// cancelled. It returns nil for a normal finish and an error wrapping
// ErrFatalSession or ErrReconnectExhausted otherwise. Run may be called once.
func (c *Controller) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("session: controller already ran")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.ctx = runCtx
	defer func() {
		snap := c.snapshot()
		c.final.Store(&snap)
		close(c.quit)
		cancel()
		c.bg.Wait()
	}()

	c.log.Info("run starting",
		"model", c.cfg.Model,
		"server", c.endpoints[0].server,
		"max_dialogs", c.cfg.MaxDialogs,
		"ack_id", c.ackID,
	)
	c.dial()
	for c.outcome == nil {
		select {
		case <-runCtx.Done():
			c.finish(nil, "shutdown requested")
		case ev := <-c.events:
			c.handle(ev)
		}
	}
	return c.outcome.Err
}

// Snapshot returns the current run state. After Run returns it reports the
// final state.
func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	if s := c.final.Load(); s != nil {
		return *s, nil
	}
	q := queryEvent{reply: make(chan Snapshot, 1)}
	select {
	case c.events <- q:
	case <-c.quit:
		return c.finalSnapshot()
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case s := <-q.reply:
		return s, nil
	case <-c.quit:
		return c.finalSnapshot()
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (c *Controller) finalSnapshot() (Snapshot, error) {
	if s := c.final.Load(); s != nil {
		return *s, nil
	}
	return Snapshot{}, errRunFinished
}

// Outcome reports how the run ended, once Run has returned.
func (c *Controller) Outcome() (Outcome, bool) {
	s := c.final.Load()
	if s == nil || s.Outcome == nil {
		return Outcome{}, false
	}
	return *s.Outcome, true
}

func (c *Controller) spawn(f func()) {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		f()
	}()
}

// post hands ev to the loop. It reports false once the run is over.
func (c *Controller) post(ev event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.quit:
		return false
	}
}

func (c *Controller) fireFor(slot *schedule.Slot) func(gen uint64) {
	return func(gen uint64) { c.post(timerEvent{slot: slot, gen: gen}) }
}

// pump forwards frames of conn until it closes. It keeps draining after the
// run ended so the reader is never blocked.
func (c *Controller) pump(conn transport.Conn) {
	for raw := range conn.Frames() {
		c.post(frameEvent{conn: conn, raw: raw})
	}
	c.post(closedEvent{conn: conn, closure: conn.Closure()})
}

func (c *Controller) handle(ev event) {
	if q, ok := ev.(queryEvent); ok {
		q.reply <- c.snapshot()
		return
	}
	if c.outcome != nil {
		if d, ok := ev.(dialedEvent); ok && d.conn != nil {
			_ = d.conn.Close()
		}
		return
	}
	switch ev := ev.(type) {
	case dialedEvent:
		c.onDialed(ev)
	case frameEvent:
		if ev.conn != c.conn {
			return
		}
		c.onFrame(ev.raw)
	case closedEvent:
		if ev.conn != c.conn {
			return
		}
		c.onClosed(ev.closure)
	case timerEvent:
		if !ev.slot.Claim(ev.gen) {
			return
		}
		c.onTimer(ev.slot)
	case replyEvent:
		c.onReply(ev)
	}
}

func (c *Controller) onTimer(slot *schedule.Slot) {
	switch slot {
	case c.reconnect:
		c.log.Info("reconnecting", "attempt", c.attempts, "max", c.cfg.MaxReconnectAttempts)
		c.dial()
	case c.reinit:
		c.emitInit()
	case c.searchRetry:
		c.startSearch()
	case c.searchTimeout:
		c.onSearchTimeout()
	case c.dialogs.InactivitySlot():
		if c.dialogs.Active() {
			c.endDialog(ReasonInactivity)
		}
	case c.dialogs.EndingSlot():
		c.endDialog(c.dialogs.PendingReason())
	case c.seq.Slot():
		c.onTurn()
	}
}

func (c *Controller) dial() {
	c.setStatus(StatusStarting)
	ctx := c.ctx
	urls := make([]string, len(c.endpoints))
	for i, e := range c.endpoints {
		urls[i] = e.url
	}
	c.async(func() {
		conn, used, err := transport.DialFirst(ctx, c.dialer, urls...)
		if !c.post(dialedEvent{conn: conn, endpoint: used, err: err}) && conn != nil {
			_ = conn.Close()
		}
	})
}

func (c *Controller) onDialed(ev dialedEvent) {
	if ev.err != nil {
		c.log.Warn("transport dial failed", "error", c.redact.Error(ev.err))
		c.onClosed(transport.Closure{Code: transport.CloseAbnormal, Reason: "dial failed", Err: ev.err})
		return
	}
	c.conn = ev.conn
	c.server = c.serverFor(ev.endpoint)
	c.attempts = 0
	c.sid = ""
	c.setStatus(StatusRunning)
	c.log.Info("transport open", "server", c.server)
	c.watch(ev.conn)
	_ = c.sendFrame(protocol.FrameConnect, protocol.KindConnect)
}

func (c *Controller) serverFor(url string) string {
	for _, e := range c.endpoints {
		if e.url == url {
			return e.server
		}
	}
	return ""
}

// onClosed handles the loss of the current connection or a failed dial.
func (c *Controller) onClosed(closure transport.Closure) {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.sessionSlots.StopAll()
	c.searching = false
	c.seq.Reset()
	c.dropDialog(ReasonTransportClosed)
	c.setStatus(StatusStopped)
	c.lastError = c.redact.Secrets("transport closed: " + closure.String())
	c.log.Warn("transport closed", "code", closure.Code, "reason", closure.Reason)

	limit := c.cfg.MaxReconnectAttempts
	if c.attempts >= limit {
		c.finish(fmt.Errorf("%w after %d attempts: %s", ErrReconnectExhausted, limit, c.redact.Secrets(closure.String())), "reconnect attempts exhausted")
		return
	}
	c.attempts++
	delay := c.jitter.Backoff(c.attempts, c.cfg.ReconnectDelay.Min, c.cfg.ReconnectDelay.Max)
	c.metrics.Reconnects.Inc()
	c.log.Info("reconnect scheduled", "attempt", c.attempts, "max", limit, "delay", delay)
	c.armFor(c.reconnect, delay)
}

// finish ends the run. Nothing is sent or scheduled afterwards.
func (c *Controller) finish(err error, reason string) {
	if c.outcome != nil {
		return
	}
	c.sessionSlots.StopAll()
	c.seq.Reset()
	c.dropDialog(ReasonRunStopped)
	c.searching = false

	c.outcome = &Outcome{Reason: reason, Err: err, Dialogs: c.dialogCount, Successful: c.successful}
	if err != nil {
		c.outcome.Error = err.Error()
		c.lastError = err.Error()
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.setStatus(StatusStopped)

	attrs := []any{"reason", reason, "dialogs", c.dialogCount, "successful", c.successful}
	if err != nil {
		c.log.Error("run ended", append(attrs, "error", err)...)
		return
	}
	c.log.Info("run finished", attrs...)
}

func (c *Controller) setStatus(s Status) {
	if c.status == s {
		return
	}
	c.log.Debug("status changed", "from", c.status, "to", s)
	c.status = s
	c.metrics.SetRunStatus(string(s), allStatuses...)
}

func (c *Controller) arm(slot *schedule.Slot, window config.Range) time.Duration {
	d := c.jitter.Between(window.Min, window.Max)
	c.armFor(slot, d)
	return d
}

func (c *Controller) armFor(slot *schedule.Slot, d time.Duration) {
	if c.outcome != nil {
		return
	}
	slot.Arm(d, c.fireFor(slot))
}

// emitter adapts the controller to turn.Emitter.
type emitter struct{ c *Controller }

func (e emitter) Emit(name string, args ...any) error { return e.c.emit(name, args...) }

// emit sends a named event with the next ack id.
func (c *Controller) emit(name string, args ...any) error {
	if c.outcome != nil {
		return errRunFinished
	}
	if c.conn == nil {
		return errNotConnected
	}
	id := c.ackID
	c.ackID++
	p, err := protocol.NewEvent(name, id, args...)
	if err != nil {
		return err
	}
	frame, err := protocol.Encode(p)
	if err != nil {
		return err
	}
	if err := c.sendFrame(frame, protocol.KindEvent); err != nil {
		return err
	}
	c.log.Debug("event sent", "event", name, "ack_id", id)
	return nil
}

func (c *Controller) sendAck(id int64, args ...any) {
	p, err := protocol.NewAck(id, args...)
	if err == nil {
		var frame string
		if frame, err = protocol.Encode(p); err == nil {
			err = c.sendFrame(frame, protocol.KindAck)
		}
	}
	if err != nil {
		c.log.Warn("ack not sent", "ack_id", id, "error", err)
	}
}

func (c *Controller) sendFrame(frame string, kind protocol.Kind) error {
	if c.outcome != nil {
		return errRunFinished
	}
	if c.conn == nil {
		return errNotConnected
	}
	if err := c.conn.Send(frame); err != nil {
		c.log.Warn("frame not sent", "type", kind, "error", err)
		return fmt.Errorf("send %s frame: %w", kind, err)
	}
	c.metrics.Frames.WithLabelValues("out", string(kind)).Inc()
	return nil
}

func (c *Controller) snapshot() Snapshot {
	s := Snapshot{
		Status:            c.status,
		Connected:         c.conn != nil,
		Endpoint:          c.server,
		SessionID:         c.sid,
		ReconnectAttempts: c.attempts,
		Dialogs:           c.dialogCount,
		Successful:        c.successful,
		MaxDialogs:        c.cfg.MaxDialogs,
		SearchLimit:       c.searchLimit,
		Searching:         c.searching,
		Typing:            c.seq.Typing(),
		QueuedReplies:     c.seq.Pending(),
		PeersSeen:         c.memory.Len(),
		PeersInactive:     c.memory.InactiveCount(),
		NextAckID:         c.ackID,
		LastError:         c.lastError,
		StartedAt:         c.startedAt,
	}
	if d, ok := c.dialogs.Current(); ok {
		s.Dialog = &d
	}
	if c.outcome != nil {
		o := *c.outcome
		s.Outcome = &o
	}
	return s
}
