// Package orchestrator implements the Call Orchestrator (§4.3 C5): the
// per-call state machine driven off the ARI event stream, grounded on
// original_source/asterisk_bridge.py's Call/CallManager classes.
package orchestrator

import (
	"sync"
	"time"
)

// direction tokens used in auxiliary channel id prefixes.
const (
	DirIn  = "in"
	DirOut = "out"
)

// Tap is one direction's snoop/external-media/bridge/RTP-port tuple.
type Tap struct {
	Direction      string
	SnoopID        string
	ExtMediaID     string
	BridgeID       string
	LocalPort      int
	SnoopReady     bool
	ExtMediaReady  bool
	BridgeReady    bool
}

// Call tracks one PBX channel's journey through the tap pipeline.
type Call struct {
	mu sync.Mutex

	ChannelID string
	LinkedID  string
	Language  string

	CallerNumber    string
	CallerName      string
	ConnectedNumber string
	ConnectedName   string

	Taps map[string]*Tap // keyed by direction

	TranscriptionRequested bool
	ConnectorStarted       bool
	CallElapsedAtStart     *float64

	AudioReady bool
	Closed     bool

	createdAt time.Time
}

// NewCall starts tracking a freshly-stasis'd normal channel.
func NewCall(channelID, linkedID, language string) *Call {
	return &Call{
		ChannelID: channelID,
		LinkedID:  linkedID,
		Language:  language,
		Taps: map[string]*Tap{
			DirIn:  {Direction: DirIn},
			DirOut: {Direction: DirOut},
		},
		createdAt: time.Now(),
	}
}

// Matches reports whether id refers to this call, either by channel id or
// by linked id — external callers may use either per §4.3.
func (c *Call) Matches(id string) bool {
	return id == c.ChannelID || (c.LinkedID != "" && id == c.LinkedID)
}

// AllTapsBridged reports whether both directions have reached BRIDGE_READY.
func (c *Call) AllTapsBridged() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.Taps {
		if !t.BridgeReady {
			return false
		}
	}
	return true
}

// SwapDirections exchanges the two Tap records' local ports and the
// caller/connected identities, used by port
// reconciliation when the PBX hands back external-media ports in reverse
// order relative to direction (§4.3).
func (c *Call) SwapDirections() {
	c.mu.Lock()
	defer c.mu.Unlock()
	in, out := c.Taps[DirIn], c.Taps[DirOut]
	in.LocalPort, out.LocalPort = out.LocalPort, in.LocalPort
	c.CallerNumber, c.ConnectedNumber = c.ConnectedNumber, c.CallerNumber
	c.CallerName, c.ConnectedName = c.ConnectedName, c.CallerName
}

// Registry tracks in-flight Calls plus pending transcription requests that
// arrived before the matching StasisStart.
type Registry struct {
	mu                       sync.Mutex
	calls                    map[string]*Call // by channel id
	pendingTranscriptionReqs map[string]bool  // by channel_id or linkedid
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		calls:                    make(map[string]*Call),
		pendingTranscriptionReqs: make(map[string]bool),
	}
}

// Add registers a new Call under its channel id.
func (r *Registry) Add(c *Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[c.ChannelID] = c
}

// Remove drops a Call from the registry.
func (r *Registry) Remove(channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.calls, channelID)
}

// Get looks up a Call by its own channel id.
func (r *Registry) Get(channelID string) (*Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[channelID]
	return c, ok
}

// FindByAny looks up a Call by channel id or linked id.
func (r *Registry) FindByAny(id string) (*Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.calls[id]; ok {
		return c, true
	}
	for _, c := range r.calls {
		if c.Matches(id) {
			return c, true
		}
	}
	return nil, false
}

// QueueTranscriptionRequest records a start_transcription call that named
// a call id the registry doesn't know about yet.
func (r *Registry) QueueTranscriptionRequest(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingTranscriptionReqs[id] = true
}

// TakePendingTranscriptionRequest reports and clears whether id (channel id
// or linked id) has a queued transcription request, consumed once a
// matching StasisStart arrives.
func (r *Registry) TakePendingTranscriptionRequest(channelID, linkedID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range []string{channelID, linkedID} {
		if key == "" {
			continue
		}
		if r.pendingTranscriptionReqs[key] {
			delete(r.pendingTranscriptionReqs, key)
			return true
		}
	}
	return false
}

// DequeuePending removes any pending transcription request for id without
// reporting whether one existed, used by stop_transcription.
func (r *Registry) DequeuePending(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pendingTranscriptionReqs, id)
}

// All returns a snapshot slice of every tracked Call, used by the shutdown
// sweep.
func (r *Registry) All() []*Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Call, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c)
	}
	return out
}
