package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nethesis/satellite/internal/ari"
	"github.com/nethesis/satellite/internal/bus"
	"github.com/nethesis/satellite/internal/commons"
	"github.com/nethesis/satellite/internal/ringbuffer"
	"github.com/nethesis/satellite/internal/rtpserver"
	"golang.org/x/sync/errgroup"
)

// Connector is the subset of the STT Connector's lifecycle the orchestrator
// drives; internal/stt.Connector implements it. Kept as an interface here so
// the two packages don't import each other's concrete types circularly.
type Connector interface {
	Start(ctx context.Context) error
	Close(ctx context.Context)
}

// ConnectorFactory builds a Connector for one call's pair of RTP streams.
type ConnectorFactory func(call *Call, streamIn, streamOut *ringbuffer.RingBuffer) Connector

// Orchestrator drives the per-call state machine off the ARI event stream.
type Orchestrator struct {
	ari       *ari.Client
	rtp       *rtpserver.Server
	bus       *bus.Client
	logger    commons.Logger
	registry  *Registry
	newConn   ConnectorFactory
	rtpHost   string

	connectors map[string]Connector // by channel id, owned by the event loop goroutine
}

// New builds an Orchestrator. rtpHost is the externally-reachable host:port
// the PBX should stream external-media audio to.
func New(ariClient *ari.Client, rtp *rtpserver.Server, busClient *bus.Client, rtpHost string, newConn ConnectorFactory, logger commons.Logger) *Orchestrator {
	return &Orchestrator{
		ari:        ariClient,
		rtp:        rtp,
		bus:        busClient,
		logger:     logger,
		registry:   NewRegistry(),
		newConn:    newConn,
		rtpHost:    rtpHost,
		connectors: make(map[string]Connector),
	}
}

// HandleEvent dispatches one ARI event, matching §4.3's four core events.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev ari.Event) {
	switch ev.Type {
	case "StasisStart":
		o.handleStasisStart(ctx, ev)
	case "StasisEnd", "ChannelHangupRequest", "channelHangup":
		o.handleTeardownEvent(ctx, ev)
	case "ChannelLeftBridge":
		o.handleChannelLeftBridge(ctx, ev)
	}
}

func (o *Orchestrator) handleStasisStart(ctx context.Context, ev ari.Event) {
	if ev.Channel == nil {
		return
	}
	ch := ev.Channel
	switch {
	case isAuxChannel(ch.Name, "snoop-"):
		o.handleSnoopStart(ctx, ch)
	case isAuxChannel(ch.Name, "ext-media-"):
		o.handleExtMediaStart(ctx, ch)
	default:
		o.handleNormalStart(ctx, ch)
	}
}

func (o *Orchestrator) handleNormalStart(ctx context.Context, ch *ari.Channel) {
	linkedID, _ := o.ari.GetChannelVariable(ctx, ch.ID, "CHANNEL(linkedid)")

	call := NewCall(ch.ID, linkedID, ch.Dialplan.Context)
	call.CallerNumber = ch.Caller.Number
	call.CallerName = ch.Caller.Name
	o.registry.Add(call)

	if o.registry.TakePendingTranscriptionRequest(ch.ID, linkedID) {
		call.TranscriptionRequested = true
	}

	for _, dir := range []string{DirIn, DirOut} {
		snoopID := fmt.Sprintf("snoop-%s-%s", dir, ch.ID)
		if err := o.ari.CreateSnoopChannel(ctx, ch.ID, snoopID, dir); err != nil {
			o.logger.Errorw("create snoop channel failed", "call", ch.ID, "direction", dir, "error", err)
			continue
		}
		call.Taps[dir].SnoopID = snoopID
	}

	o.resolveInternalCallerID(ctx, call)
}

// resolveInternalCallerID overwrites the connected-party identity with the
// CALLERIDNUMINTERNAL/CALLERIDNAMEINTERNAL channel variables when present;
// lookup failures are ignored.
func (o *Orchestrator) resolveInternalCallerID(ctx context.Context, call *Call) {
	num, _ := o.ari.GetChannelVariable(ctx, call.ChannelID, "CALLERIDNUMINTERNAL")
	name, _ := o.ari.GetChannelVariable(ctx, call.ChannelID, "CALLERIDNAMEINTERNAL")
	call.mu.Lock()
	call.ConnectedNumber = firstNonEmpty(num, call.ConnectedNumber)
	call.ConnectedName = firstNonEmpty(name, call.ConnectedName)
	call.mu.Unlock()
}

// resolveAnsweredElapsedSeconds tries CHANNEL(answeredtime) then
// ANSWEREDTIME in order, accepting the first non-negative parseable value,
// mirroring _get_answered_elapsed_seconds's two-variable fallback.
func (o *Orchestrator) resolveAnsweredElapsedSeconds(ctx context.Context, channelID string) (float64, bool) {
	for _, variable := range []string{"CHANNEL(answeredtime)", "ANSWEREDTIME"} {
		v, err := o.ari.GetChannelVariable(ctx, channelID, variable)
		if err != nil || v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			continue
		}
		return f, true
	}
	return 0, false
}

func (o *Orchestrator) handleSnoopStart(ctx context.Context, ch *ari.Channel) {
	parentID, dir, ok := parseAuxChannelName(ch.Name, "snoop-")
	if !ok {
		return
	}
	call, ok := o.registry.Get(parentID)
	if !ok {
		return
	}
	call.mu.Lock()
	call.Taps[dir].SnoopReady = true
	call.mu.Unlock()

	extID := fmt.Sprintf("ext-media-%s-%s", dir, parentID)
	addr := o.rtpHost
	res, err := o.ari.CreateExternalMedia(ctx, extID, addr, "slin16")
	if err != nil {
		o.logger.Errorw("create external media failed", "call", parentID, "direction", dir, "error", err)
		return
	}
	call.mu.Lock()
	call.Taps[dir].ExtMediaID = extID
	if port, err := strconv.Atoi(res.ChannelVars.LocalPort); err == nil {
		call.Taps[dir].LocalPort = port
	}
	call.mu.Unlock()
}

func (o *Orchestrator) handleExtMediaStart(ctx context.Context, ch *ari.Channel) {
	parentID, dir, ok := parseAuxChannelName(ch.Name, "ext-media-")
	if !ok {
		return
	}
	call, ok := o.registry.Get(parentID)
	if !ok {
		return
	}
	call.mu.Lock()
	tap := call.Taps[dir]
	tap.ExtMediaReady = true
	bridgeID := fmt.Sprintf("bridge-%s-%s", dir, parentID)
	tap.BridgeID = bridgeID
	call.mu.Unlock()

	if err := o.ari.CreateBridge(ctx, bridgeID); err != nil {
		o.logger.Errorw("create bridge failed", "call", parentID, "direction", dir, "error", err)
		return
	}
	if err := o.ari.AddChannelToBridge(ctx, bridgeID, tap.SnoopID); err != nil {
		o.logger.Errorw("add snoop to bridge failed", "call", parentID, "error", err)
	}
	if err := o.ari.AddChannelToBridge(ctx, bridgeID, tap.ExtMediaID); err != nil {
		o.logger.Errorw("add ext-media to bridge failed", "call", parentID, "error", err)
	}

	call.mu.Lock()
	tap.BridgeReady = true
	call.mu.Unlock()

	if call.AllTapsBridged() {
		o.finishAudioReady(ctx, call)
	}
}

// finishAudioReady implements the AUDIO_READY step: allocate RtpStreams,
// wait briefly for packets, reconcile speaker identity, return the original
// channel to the dialplan, and start the connector if requested.
func (o *Orchestrator) finishAudioReady(ctx context.Context, call *Call) {
	call.mu.Lock()
	portIn := call.Taps[DirIn].LocalPort
	portOut := call.Taps[DirOut].LocalPort
	call.mu.Unlock()

	streamIn := o.rtp.CreateStream(portIn)
	streamOut := o.rtp.CreateStream(portOut)

	time.Sleep(100 * time.Millisecond)

	if streamIn.RemoteAddr() != nil && streamIn.RemoteAddr().Port == portOut {
		call.SwapDirections()
		streamIn, streamOut = streamOut, streamIn
	}

	call.mu.Lock()
	call.AudioReady = true
	call.mu.Unlock()

	if err := o.ari.ContinueInDialplan(ctx, call.ChannelID); err != nil {
		o.logger.Warnw("continue in dialplan failed", "call", call.ChannelID, "error", err)
	}

	if call.TranscriptionRequested {
		o.startConnector(ctx, call, streamIn.Reader, streamOut.Reader)
	}
}

func (o *Orchestrator) startConnector(ctx context.Context, call *Call, streamIn, streamOut *ringbuffer.RingBuffer) {
	if o.newConn == nil {
		return
	}
	conn := o.newConn(call, streamIn, streamOut)
	o.connectors[call.ChannelID] = conn
	call.mu.Lock()
	call.ConnectorStarted = true
	call.mu.Unlock()

	go func() {
		if err := conn.Start(ctx); err != nil {
			o.logger.Errorw("stt connector start failed", "call", call.ChannelID, "error", err)
		}
	}()
}

func (o *Orchestrator) handleChannelLeftBridge(ctx context.Context, ev ari.Event) {
	if ev.Channel == nil {
		return
	}
	if call, ok := o.registry.FindByAny(ev.Channel.ID); ok {
		o.teardown(ctx, call)
	}
}

func (o *Orchestrator) handleTeardownEvent(ctx context.Context, ev ari.Event) {
	if ev.Channel == nil {
		return
	}
	if call, ok := o.registry.FindByAny(ev.Channel.ID); ok {
		o.teardown(ctx, call)
	}
}

// teardown releases all telephony resources for call, best-effort in the
// order specified by §4.3: connector, bridges, ext-media, snoops, RTP
// streams, registry entry, pending request.
func (o *Orchestrator) teardown(ctx context.Context, call *Call) {
	call.mu.Lock()
	if call.Closed {
		call.mu.Unlock()
		return
	}
	call.Closed = true
	taps := make(map[string]*Tap, len(call.Taps))
	for d, t := range call.Taps {
		cp := *t
		taps[d] = &cp
	}
	call.mu.Unlock()

	if conn, ok := o.connectors[call.ChannelID]; ok {
		conn.Close(ctx)
		delete(o.connectors, call.ChannelID)
	}

	// Each category (bridges, then ext-media channels, then snoop channels)
	// tears down its two directions concurrently; errgroup fences one tap's
	// failure from blocking or crashing its sibling's teardown, matching
	// the best-effort/non-fatal contract the rest of this method follows.
	o.teardownCategory(ctx, call, taps, func(t *Tap) (string, bool) { return t.BridgeID, t.BridgeID != "" },
		"delete bridge failed", o.ari.DeleteBridge)
	o.teardownCategory(ctx, call, taps, func(t *Tap) (string, bool) { return t.ExtMediaID, t.ExtMediaID != "" },
		"delete ext-media channel failed", o.ari.DeleteChannel)
	o.teardownCategory(ctx, call, taps, func(t *Tap) (string, bool) { return t.SnoopID, t.SnoopID != "" },
		"delete snoop channel failed", o.ari.DeleteChannel)

	for _, t := range taps {
		if t.LocalPort != 0 {
			o.rtp.EndStream(t.LocalPort)
		}
	}

	o.registry.Remove(call.ChannelID)
	o.registry.DequeuePending(call.ChannelID)
	o.registry.DequeuePending(call.LinkedID)
}

// teardownCategory runs deleteFn over every tap that has an id for this
// category concurrently, logging (not propagating) each failure.
func (o *Orchestrator) teardownCategory(
	ctx context.Context,
	call *Call,
	taps map[string]*Tap,
	id func(*Tap) (string, bool),
	failMsg string,
	deleteFn func(context.Context, string) error,
) {
	var g errgroup.Group
	for _, t := range taps {
		t := t
		idVal, ok := id(t)
		if !ok {
			continue
		}
		g.Go(func() error {
			if err := deleteFn(ctx, idVal); err != nil {
				o.logger.Warnw(failMsg, "call", call.ChannelID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// StartTranscription implements the start_transcription(call_id) contract.
func (o *Orchestrator) StartTranscription(ctx context.Context, callID string) {
	call, ok := o.registry.FindByAny(callID)
	if !ok {
		o.registry.QueueTranscriptionRequest(callID)
		return
	}

	call.mu.Lock()
	call.TranscriptionRequested = true
	call.mu.Unlock()

	if f, ok := o.resolveAnsweredElapsedSeconds(ctx, call.ChannelID); ok {
		call.mu.Lock()
		call.CallElapsedAtStart = &f
		call.mu.Unlock()
	}

	call.mu.Lock()
	ready := call.AudioReady
	started := call.ConnectorStarted
	portIn := call.Taps[DirIn].LocalPort
	portOut := call.Taps[DirOut].LocalPort
	call.mu.Unlock()

	if ready && !started {
		streamIn := o.rtp.CreateStream(portIn)
		streamOut := o.rtp.CreateStream(portOut)
		o.startConnector(ctx, call, streamIn.Reader, streamOut.Reader)
	}
}

// StopTranscription implements the stop_transcription(call_id) contract.
func (o *Orchestrator) StopTranscription(ctx context.Context, callID string) {
	o.registry.DequeuePending(callID)

	call, ok := o.registry.FindByAny(callID)
	if !ok {
		return
	}
	call.mu.Lock()
	call.TranscriptionRequested = false
	call.ConnectorStarted = false
	call.mu.Unlock()

	if conn, ok := o.connectors[call.ChannelID]; ok {
		conn.Close(ctx)
		delete(o.connectors, call.ChannelID)
	}
}

// ShutdownSweep tears down every tracked call, used on process shutdown.
func (o *Orchestrator) ShutdownSweep(ctx context.Context) {
	for _, call := range o.registry.All() {
		o.teardown(ctx, call)
	}
}

func isAuxChannel(name, prefix string) bool {
	return strings.HasPrefix(name, prefix)
}

// parseAuxChannelName splits e.g. "snoop-in-<channelid>" into (channelid, "in", true).
func parseAuxChannelName(name, prefix string) (parentID, direction string, ok bool) {
	rest := strings.TrimPrefix(name, prefix)
	parts := strings.SplitN(rest, "-", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[1], parts[0], true
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
