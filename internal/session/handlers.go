package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/autochat/internal/config"
	"github.com/ent0n29/autochat/internal/dialog"
	"github.com/ent0n29/autochat/internal/gateway"
	"github.com/ent0n29/autochat/internal/observability"
	"github.com/ent0n29/autochat/internal/protocol"
	"github.com/ent0n29/autochat/internal/stats"
	"github.com/ent0n29/autochat/internal/turn"
)

const unknownPeer = "Unknown"

func (c *Controller) onFrame(raw string) {
	p, err := protocol.Decode(raw)
	if err != nil {
		c.metrics.Frames.WithLabelValues("in", "malformed").Inc()
		c.log.Warn("malformed frame dropped", "error", err, "frame", c.redact.Text(clip(raw, 100)))
		return
	}
	c.metrics.Frames.WithLabelValues("in", string(p.Kind)).Inc()

	switch p.Kind {
	case protocol.KindPing:
		if frame, err := protocol.Encode(protocol.Pong(p)); err == nil {
			_ = c.sendFrame(frame, protocol.KindPong)
		}
	case protocol.KindOpen, protocol.KindPong:
		c.log.Debug("frame received", "type", p.Kind)
	case protocol.KindConnect:
		if p.SID != "" {
			c.sid = p.SID
		}
		c.log.Info("session connected", "sid", c.sid)
		c.emitInit()
	case protocol.KindDisconnect:
		c.log.Warn("server disconnected the session, reinitializing")
		c.emitInit()
	case protocol.KindError:
		if p.Fatal {
			c.finish(fmt.Errorf("%w: %s", ErrFatalSession, p.Reason), "fatal session signal")
			return
		}
		c.log.Warn("server error, reinitializing", "reason", p.Reason)
		c.emitInit()
	case protocol.KindEvent:
		c.onEvent(p)
	case protocol.KindAck:
		c.onAck(p)
	}
}

func (c *Controller) onEvent(p protocol.Packet) {
	switch p.Name {
	case protocol.EventStartDialog:
		c.onStartDialog(p)
	case protocol.EventSendMessage:
		c.onSendMessage(p)
	case protocol.EventStopDialog:
		c.onStopDialog(p)
	case protocol.EventUpdateSearchLimit:
		c.onSearchLimit(p)
	case protocol.EventRefreshPage:
		c.log.Warn("server asked for a page refresh, reinitializing")
		c.emitInit()
	case protocol.EventPeerIsOnline, protocol.EventShowPeerTyping,
		protocol.EventHidePeerTyping, protocol.EventStopSearchRemote:
		c.log.Debug("event ignored", "event", p.Name)
	default:
		c.log.Debug("unknown event", "event", p.Name)
	}
}

func (c *Controller) onAck(p protocol.Packet) {
	if uc, ok := p.UserConfigArg(); ok {
		c.log.Info("user config received", "need_restore", uc.NeedRestoreDialog)
		if uc.NeedRestoreDialog {
			c.logEmitErr(protocol.EmitRestoreDialogWithMessage, c.emit(protocol.EmitRestoreDialogWithMessage))
			return
		}
		c.scheduleSearch()
		return
	}
	if s, ok := p.StringArg(0); ok && s == protocol.AckNoPeer {
		c.log.Info("no peer available, retrying search")
		c.scheduleSearch()
		return
	}
	c.log.Debug("ack received", "ack_id", p.AckID)
}

func (c *Controller) emitInit() {
	c.logEmitErr(protocol.EmitInit, c.emit(protocol.EmitInit))
}

func (c *Controller) scheduleSearch() {
	if c.dialogs.State() != dialog.StateIdle {
		return
	}
	c.arm(c.searchRetry, c.cfg.SearchRetryDelay)
}

func (c *Controller) startSearch() {
	if c.dialogs.State() != dialog.StateIdle {
		return
	}
	if err := c.emit(protocol.EmitStartSearch, nil); err != nil {
		c.logEmitErr(protocol.EmitStartSearch, err)
		return
	}
	c.searching = true
	c.searchSince = c.clock.Now()
	c.armFor(c.searchTimeout, c.cfg.SearchTimeout)
	c.log.Info("search started", "timeout", c.cfg.SearchTimeout)
}

func (c *Controller) onSearchTimeout() {
	if c.dialogs.State() != dialog.StateIdle {
		return
	}
	c.searching = false
	c.metrics.Stages.ObserveIndicator(ReasonSearchTimeout)
	c.log.Info("search timed out", "after", c.cfg.SearchTimeout)
	c.scheduleReinit()
}

// scheduleReinit arms the delayed back:init that starts the next search
// cycle. Nothing is scheduled once the dialog ceiling is reached.
func (c *Controller) scheduleReinit() {
	if c.dialogCount >= c.cfg.MaxDialogs {
		return
	}
	d := c.arm(c.reinit, c.cfg.ReinitDelay)
	c.log.Debug("reinit scheduled", "delay", d)
}

func (c *Controller) onStartDialog(p protocol.Packet) {
	var sd protocol.StartDialog
	if _, err := p.Arg(0, &sd); err != nil {
		c.log.Warn("start_dialog payload unreadable", "error", err)
	}
	peer := strings.TrimSpace(sd.Nickname)
	if peer == "" {
		peer = unknownPeer
	}

	c.searchTimeout.Stop()
	c.searchRetry.Stop()
	c.reinit.Stop()
	if c.searching {
		c.searching = false
		c.metrics.Stages.Observe(observability.StageSearchWait, c.clock.Now().Sub(c.searchSince))
	}
	if c.dialogs.State() != dialog.StateIdle {
		c.log.Warn("start_dialog while a dialog is in progress", "chat_id", c.dialogs.ChatID())
		c.stopTurns()
		c.dropDialog(ReasonReplaced)
	}

	if c.memory.IsInactive(peer) || c.memory.IsDuplicate(peer) {
		c.rejectPeer(peer)
		return
	}

	c.memory.Remember(peer)
	d, err := c.dialogs.Start(peer)
	if err != nil {
		c.log.Error("dialog not started", "peer", peer, "error", err)
		return
	}
	_ = c.dialogs.ArmInactivity(c.cfg.InactivityTimeout, c.fireFor(c.dialogs.InactivitySlot()))
	c.metrics.ActiveDialogs.Set(1)
	c.log.Info("dialog started", "peer", peer, "chat_id", d.ChatID, "dialog", c.dialogCount+1, "max", c.cfg.MaxDialogs)
	c.logEmitErr(protocol.EmitStopSearch, c.emit(protocol.EmitStopSearch, true))
}

// rejectPeer turns down a peer the run already talked to. The first returns
// get a fresh search cycle; past the restore limit the peer is marked
// inactive for the rest of the run.
func (c *Controller) rejectPeer(peer string) {
	attempt := c.memory.RestoreAttempt(peer)
	c.metrics.Stages.ObserveIndicator(ReasonDuplicatePeer)
	if c.memory.IsInactive(peer) || attempt >= c.cfg.MaxRestoreAttempts {
		c.memory.MarkInactive(peer)
		c.log.Warn("peer rejected, restore limit reached", "peer", peer, "attempt", attempt, "max", c.cfg.MaxRestoreAttempts)
		c.logEmitErr(protocol.EmitStopDialog, c.emit(protocol.EmitStopDialog))
		c.scheduleSearch()
		return
	}
	c.log.Info("duplicate peer, skipping", "peer", peer, "attempt", attempt)
	c.logEmitErr(protocol.EmitStopDialog, c.emit(protocol.EmitStopDialog))
	c.scheduleReinit()
}

func (c *Controller) onSendMessage(p protocol.Packet) {
	if p.HasAck {
		c.sendAck(p.AckID, true)
	}
	if !c.dialogs.Active() {
		return
	}
	var msg protocol.InboundMessage
	ok, err := p.Arg(0, &msg)
	if err != nil {
		c.log.Warn("message payload unreadable", "error", err)
		return
	}
	if !ok {
		return
	}
	current, _ := c.dialogs.Current()

	if msg.System {
		if msg.ID == protocol.SystemRemoveAfterMessage {
			c.log.Info("system notice, sending greeting", "peer", current.PeerID)
			c.enqueue(turn.Reply{PeerID: current.PeerID, Text: c.cfg.SystemGreeting, Greeting: true})
		}
		return
	}
	if msg.IsImage {
		c.log.Debug("image message ignored", "peer", current.PeerID)
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	c.log.Info("message received", "peer", current.PeerID, "text", c.redact.Text(clip(text, 50)))

	if phrase, hit := c.memory.IsBlocked(text); hit {
		c.log.Warn("blocklist match", "peer", current.PeerID, "phrase", phrase)
		c.beginEnding(ReasonBlocklist, c.cfg.GraceDelay.Min, c.cfg.GraceDelay.Max)
		return
	}

	d, err := c.dialogs.Received()
	if err != nil {
		return
	}
	_ = c.dialogs.ArmInactivity(c.cfg.InactivityTimeout, c.fireFor(c.dialogs.InactivitySlot()))
	c.askGateway(d, text)
}

func (c *Controller) askGateway(d dialog.Dialog, text string) {
	req := gateway.Request{Model: c.cfg.Model, UserID: d.PeerID, Message: text}
	chatID := d.ChatID
	ctx, timeout := c.ctx, replyBudget(c.cfg)
	c.async(func() {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		start := time.Now()
		reply, err := c.gw.Reply(callCtx, req)
		c.post(replyEvent{chatID: chatID, reply: reply, err: err, took: time.Since(start)})
	})
}

// replyBudget is the deadline for one gateway call. GatewayTimeout bounds a
// single backend attempt, so a configured fallback doubles it.
func replyBudget(cfg config.Config) time.Duration {
	if strings.TrimSpace(cfg.GatewayFallbackURL) != "" {
		return 2 * cfg.GatewayTimeout
	}
	return cfg.GatewayTimeout
}

func (c *Controller) onReply(ev replyEvent) {
	if ev.chatID != c.dialogs.ChatID() || !c.dialogs.Active() {
		c.log.Debug("reply for a finished dialog dropped", "chat_id", ev.chatID)
		return
	}
	current, _ := c.dialogs.Current()
	if ev.err != nil {
		c.metrics.GatewayErrors.WithLabelValues("exhausted").Inc()
		c.log.Warn("gateway failed, message left unanswered",
			"peer", current.PeerID,
			"transient", gateway.IsTransient(ev.err),
			"error", c.redact.Error(ev.err),
		)
		return
	}
	c.metrics.ObserveGatewayLatency(ev.took)
	c.log.Info("gateway replied",
		"peer", current.PeerID,
		"endpoint", ev.reply.Endpoint,
		"is_last", ev.reply.IsLast,
		"took", ev.took.Round(time.Millisecond),
	)
	c.enqueue(turn.Reply{PeerID: current.PeerID, Text: ev.reply.Text, Last: ev.reply.IsLast})
}

func (c *Controller) enqueue(r turn.Reply) {
	if err := c.seq.Enqueue(r); err != nil {
		c.log.Warn("reply not started", "peer", r.PeerID, "error", err)
	}
}

func (c *Controller) onTurn() {
	sent, err := c.seq.Fire()
	if err != nil {
		c.log.Warn("typing indicator not sent", "error", err)
	}
	if sent == nil {
		return
	}
	if sent.Err != nil {
		c.log.Warn("reply not sent", "peer", sent.Reply.PeerID, "error", sent.Err)
	} else {
		c.log.Info("reply sent", "peer", sent.Reply.PeerID, "text", c.redact.Text(clip(sent.Reply.Text, 50)))
	}
	switch {
	case sent.Reply.Last:
		c.beginEnding(ReasonFinalMessage, c.cfg.ConclusionDelay.Min, c.cfg.ConclusionDelay.Max)
	case sent.Reply.Greeting:
		c.beginEnding(ReasonSystemMessage, c.cfg.GraceDelay.Min, c.cfg.GraceDelay.Max)
	}
}

func (c *Controller) beginEnding(reason string, lo, hi time.Duration) {
	c.stopTurns()
	delay := c.jitter.Between(lo, hi)
	if err := c.dialogs.BeginEnding(reason, delay, c.fireFor(c.dialogs.EndingSlot())); err != nil {
		c.log.Debug("dialog end not scheduled", "reason", reason, "error", err)
		return
	}
	c.log.Info("dialog ending", "reason", reason, "delay", delay)
}

func (c *Controller) onStopDialog(p protocol.Packet) {
	switch c.dialogs.State() {
	case dialog.StateActive:
		reason, ok := p.StringArg(0)
		if !ok || strings.TrimSpace(reason) == "" {
			reason = "unknown reason"
		}
		c.endDialog(ReasonPeerEnded + ": " + reason)
	case dialog.StateEnding:
		c.endDialog(c.dialogs.PendingReason())
	}
}

func (c *Controller) onSearchLimit(p protocol.Packet) {
	var limit protocol.SearchLimit
	ok, err := p.Arg(0, &limit)
	if err != nil || !ok {
		c.log.Warn("search limit payload unreadable", "error", err)
		return
	}
	c.searchLimit = limit
	c.log.Info("search limit updated", "current", limit.Current, "max", limit.Max)
	if limit.Reached() {
		c.finish(nil, "search limit reached")
	}
}

// endDialog closes the dialog in progress, counts it and decides whether the
// run continues.
func (c *Controller) endDialog(reason string) {
	if c.dialogs.State() == dialog.StateIdle {
		return
	}
	c.stopTurns()
	d, err := c.dialogs.Release(reason)
	if err != nil {
		return
	}
	successful := reason == ReasonFinalMessage
	c.dialogCount++
	if successful {
		c.successful++
	}
	c.log.Info("dialog ended",
		"peer", d.PeerID,
		"chat_id", d.ChatID,
		"reason", reason,
		"messages", d.MessageCount,
		"duration", d.Duration(c.clock.Now()).Round(time.Second),
		"successful", successful,
		"dialogs", c.dialogCount,
		"successful_total", c.successful,
	)
	c.recordDialog(d, reason, successful)
	c.logEmitErr(protocol.EmitStopDialog, c.emit(protocol.EmitStopDialog))

	if c.dialogCount >= c.cfg.MaxDialogs {
		c.finish(nil, fmt.Sprintf("dialog ceiling reached (%d dialogs, %d successful)", c.dialogCount, c.successful))
		return
	}
	c.scheduleReinit()
}

// dropDialog releases the dialog in progress without counting it or telling
// the server.
func (c *Controller) dropDialog(reason string) {
	if c.dialogs.State() == dialog.StateIdle {
		return
	}
	d, err := c.dialogs.Release(reason)
	if err != nil {
		return
	}
	c.log.Warn("dialog dropped", "peer", d.PeerID, "chat_id", d.ChatID, "reason", reason)
	c.recordDialog(d, reason, false)
}

// stopTurns lowers the typing indicator and forgets queued replies.
func (c *Controller) stopTurns() {
	if _, err := c.seq.StopTyping(); err != nil {
		c.log.Debug("typing stop not sent", "error", err)
	}
	c.seq.Reset()
}

func (c *Controller) recordDialog(d dialog.Dialog, reason string, successful bool) {
	now := c.clock.Now()
	c.metrics.ObserveDialog(reasonLabel(reason), d.Duration(now))
	c.metrics.ActiveDialogs.Set(0)

	rec := stats.Record{
		ChatID:     d.ChatID,
		PeerID:     d.PeerID,
		Model:      c.cfg.Model,
		Reason:     reason,
		Successful: successful,
		Messages:   d.MessageCount,
		StartedAt:  d.StartedAt,
		EndedAt:    now,
	}
	ctx := context.WithoutCancel(c.ctx)
	c.async(func() {
		rctx, cancel := context.WithTimeout(ctx, recordTimeout)
		defer cancel()
		if err := c.store.Record(rctx, rec); err != nil {
			c.log.Warn("dialog record not saved", "chat_id", rec.ChatID, "error", err)
		}
	})
}

func (c *Controller) logEmitErr(name string, err error) {
	if err != nil {
		c.log.Warn("event not sent", "event", name, "error", err)
	}
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
