package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nethesis/satellite/internal/ari"
	"github.com/nethesis/satellite/internal/commons"
	"github.com/nethesis/satellite/internal/ringbuffer"
	"github.com/nethesis/satellite/internal/rtpserver"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) commons.Logger {
	l, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	return l
}

// fakeARI is a minimal in-process stand-in for an ARI REST endpoint,
// recording every DELETE it receives so teardown ordering/idempotency can
// be asserted without a real Asterisk instance.
type fakeARI struct {
	mu       sync.Mutex
	deletes  []string
	vars     map[string]string // variable name -> value; absent means 404
}

func newFakeARI(t *testing.T, vars map[string]string) (*ari.Client, *fakeARI) {
	t.Helper()
	f := &fakeARI{vars: vars}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ari/channels/{id}/variable", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("variable")
		v, ok := f.vars[name]
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"value": v})
	})
	mux.HandleFunc("POST /ari/channels/{id}/snoop", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /ari/channels/externalMedia", func(w http.ResponseWriter, r *http.Request) {
		channelID := r.URL.Query().Get("channelId")
		port := "20000"
		if strings.HasPrefix(channelID, "ext-media-out-") {
			port = "20002"
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"channelvars": map[string]string{"UNICASTRTP_LOCAL_PORT": port},
		})
	})
	mux.HandleFunc("POST /ari/bridges", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /ari/bridges/{id}/addChannel", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /ari/channels/{id}/continue", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("DELETE /ari/bridges/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.recordDelete("bridge:" + r.PathValue("id"))
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("DELETE /ari/channels/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.recordDelete("channel:" + r.PathValue("id"))
		w.WriteHeader(http.StatusNoContent)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := ari.New(srv.URL, "satellite", "user", "pass", testLogger(t))
	return client, f
}

func (f *fakeARI) recordDelete(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, id)
}

func (f *fakeARI) deleteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deletes)
}

func (f *fakeARI) hasDelete(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.deletes {
		if d == id {
			return true
		}
	}
	return false
}

// fakeConnector is a Connector test double recording Start/Close calls.
type fakeConnector struct {
	mu      sync.Mutex
	started bool
	closed  bool
}

func (f *fakeConnector) Start(ctx context.Context) error {
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConnector) Close(ctx context.Context) {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeConnector) wasStarted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func newTestOrchestrator(t *testing.T, ariClient *ari.Client, newConn ConnectorFactory) *Orchestrator {
	t.Helper()
	rtp := rtpserver.New("127.0.0.1", 0, false, 12, testLogger(t))
	return New(ariClient, rtp, nil, "127.0.0.1", newConn, testLogger(t))
}

func TestParseAuxChannelName(t *testing.T) {
	parent, dir, ok := parseAuxChannelName("snoop-in-1700000000.1", "snoop-")
	if !ok || parent != "1700000000.1" || dir != "in" {
		t.Fatalf("got parent=%q dir=%q ok=%v", parent, dir, ok)
	}

	parent, dir, ok = parseAuxChannelName("ext-media-out-1700000000.2", "ext-media-")
	if !ok || parent != "1700000000.2" || dir != "out" {
		t.Fatalf("got parent=%q dir=%q ok=%v", parent, dir, ok)
	}

	if _, _, ok := parseAuxChannelName("not-an-aux-channel", "snoop-"); ok {
		t.Fatalf("expected ok=false for malformed name")
	}
}

// TestParseAuxChannelName_ChannelIDsContainingDirectionSubstrings guards
// §9's open question: a parent/channel id that itself contains the literal
// substrings "in"/"out" must not confuse the prefix+first-hyphen split.
func TestParseAuxChannelName_ChannelIDsContainingDirectionSubstrings(t *testing.T) {
	parent, dir, ok := parseAuxChannelName("snoop-in-pbxtrunk-outbound-42", "snoop-")
	if !ok || dir != "in" || parent != "pbxtrunk-outbound-42" {
		t.Fatalf("got parent=%q dir=%q ok=%v", parent, dir, ok)
	}

	parent, dir, ok = parseAuxChannelName("ext-media-out-inbound-gw-7", "ext-media-")
	if !ok || dir != "out" || parent != "inbound-gw-7" {
		t.Fatalf("got parent=%q dir=%q ok=%v", parent, dir, ok)
	}
}

func TestCall_SwapDirections(t *testing.T) {
	c := NewCall("chan-1", "linked-1", "from-internal")
	c.Taps[DirIn].LocalPort = 4000
	c.Taps[DirOut].LocalPort = 4002
	c.CallerNumber = "1001"
	c.ConnectedNumber = "2002"

	c.SwapDirections()

	if c.Taps[DirIn].LocalPort != 4002 || c.Taps[DirOut].LocalPort != 4000 {
		t.Fatalf("ports not swapped: in=%d out=%d", c.Taps[DirIn].LocalPort, c.Taps[DirOut].LocalPort)
	}
	if c.CallerNumber != "2002" || c.ConnectedNumber != "1001" {
		t.Fatalf("identities not swapped: caller=%q connected=%q", c.CallerNumber, c.ConnectedNumber)
	}
}

func TestRegistry_PendingTranscriptionRequest(t *testing.T) {
	r := NewRegistry()
	r.QueueTranscriptionRequest("call-A")

	if !r.TakePendingTranscriptionRequest("call-A", "") {
		t.Fatalf("expected pending request to be found")
	}
	if r.TakePendingTranscriptionRequest("call-A", "") {
		t.Fatalf("expected request to be consumed on first take")
	}
}

func TestRegistry_FindByAny(t *testing.T) {
	r := NewRegistry()
	c := NewCall("chan-1", "linked-1", "ctx")
	r.Add(c)

	if got, ok := r.FindByAny("linked-1"); !ok || got != c {
		t.Fatalf("expected to find call by linked id")
	}
	if _, ok := r.FindByAny("unknown"); ok {
		t.Fatalf("expected no match for unknown id")
	}
}

// TestHandleEvent_ChannelHangupTriggersTeardown is a regression test for the
// dispatch gap where a literal "channelHangup" event type (as opposed to
// "StasisEnd"/"ChannelHangupRequest") was silently dropped instead of
// tearing the call down.
func TestHandleEvent_ChannelHangupTriggersTeardown(t *testing.T) {
	ariClient, fake := newFakeARI(t, nil)
	o := newTestOrchestrator(t, ariClient, nil)

	call := NewCall("chan-1", "linked-1", "from-internal")
	call.Taps[DirIn].BridgeID = "bridge-in-chan-1"
	call.Taps[DirOut].BridgeID = "bridge-out-chan-1"
	o.registry.Add(call)

	o.HandleEvent(context.Background(), ari.Event{
		Type:    "channelHangup",
		Channel: &ari.Channel{ID: "chan-1"},
	})

	if !call.Closed {
		t.Fatalf("expected call to be torn down on channelHangup")
	}
	if _, ok := o.registry.Get("chan-1"); ok {
		t.Fatalf("expected call removed from registry after teardown")
	}
	if !fake.hasDelete("bridge:bridge-in-chan-1") || !fake.hasDelete("bridge:bridge-out-chan-1") {
		t.Fatalf("expected both bridges deleted, got %v", fake.deletes)
	}
}

// TestHandleEvent_StasisEndAndChannelHangupRequestAlsoTeardown asserts the
// two event types that already worked before the channelHangup fix still
// dispatch correctly, guarding against a future regression the other way.
func TestHandleEvent_StasisEndAndChannelHangupRequestAlsoTeardown(t *testing.T) {
	for _, evType := range []string{"StasisEnd", "ChannelHangupRequest"} {
		ariClient, _ := newFakeARI(t, nil)
		o := newTestOrchestrator(t, ariClient, nil)

		call := NewCall("chan-1", "linked-1", "from-internal")
		o.registry.Add(call)

		o.HandleEvent(context.Background(), ari.Event{Type: evType, Channel: &ari.Channel{ID: "chan-1"}})

		if !call.Closed {
			t.Fatalf("event type %q: expected call torn down", evType)
		}
	}
}

// TestHandleEvent_FullPipeline drives a normal channel through
// snoop -> ext-media -> bridge -> AUDIO_READY and asserts the connector
// starts once a transcription was requested ahead of StasisStart.
func TestHandleEvent_FullPipeline(t *testing.T) {
	ariClient, _ := newFakeARI(t, map[string]string{"CHANNEL(linkedid)": "linked-1"})

	conn := &fakeConnector{}
	newConn := func(call *Call, streamIn, streamOut *ringbuffer.RingBuffer) Connector { return conn }
	o := newTestOrchestrator(t, ariClient, newConn)

	ctx := context.Background()

	o.registry.QueueTranscriptionRequest("chan-1")

	o.HandleEvent(ctx, ari.Event{
		Type:    "StasisStart",
		Channel: &ari.Channel{ID: "chan-1", Name: "PJSIP/200-000001", Dialplan: ari.Dialplan{Context: "from-internal"}},
	})

	call, ok := o.registry.Get("chan-1")
	if !ok {
		t.Fatalf("expected call registered after normal StasisStart")
	}
	if !call.TranscriptionRequested {
		t.Fatalf("expected queued transcription request to be claimed")
	}

	for _, dir := range []string{DirIn, DirOut} {
		snoopID := fmt.Sprintf("snoop-%s-chan-1", dir)
		o.HandleEvent(ctx, ari.Event{
			Type:    "StasisStart",
			Channel: &ari.Channel{ID: snoopID, Name: snoopID},
		})
	}
	for _, dir := range []string{DirIn, DirOut} {
		extID := fmt.Sprintf("ext-media-%s-chan-1", dir)
		o.HandleEvent(ctx, ari.Event{
			Type:    "StasisStart",
			Channel: &ari.Channel{ID: extID, Name: extID},
		})
	}

	deadline := time.Now().Add(2 * time.Second)
	for !call.AllTapsBridged() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if !call.AllTapsBridged() {
		t.Fatalf("expected both taps bridged")
	}

	// finishAudioReady sleeps 100ms before flipping AudioReady; give it room.
	deadline = time.Now().Add(2 * time.Second)
	for !call.AudioReady && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !call.AudioReady {
		t.Fatalf("expected call marked audio-ready")
	}
	if !call.ConnectorStarted {
		t.Fatalf("expected connector marked started")
	}

	deadline = time.Now().Add(2 * time.Second)
	for !conn.wasStarted() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !conn.wasStarted() {
		t.Fatalf("expected connector.Start to have been invoked")
	}
}

// TestHandleEvent_ChannelLeftBridgeTearsDownByLinkedID asserts
// ChannelLeftBridge locates the call by linked id, not just channel id.
func TestHandleEvent_ChannelLeftBridgeTearsDownByLinkedID(t *testing.T) {
	ariClient, _ := newFakeARI(t, nil)
	o := newTestOrchestrator(t, ariClient, nil)

	call := NewCall("chan-1", "linked-1", "from-internal")
	o.registry.Add(call)

	o.HandleEvent(context.Background(), ari.Event{
		Type:    "ChannelLeftBridge",
		Channel: &ari.Channel{ID: "linked-1"},
	})

	if !call.Closed {
		t.Fatalf("expected teardown via linked id match")
	}
}

// TestTeardown_IsIdempotent asserts a second teardown of an already-closed
// call issues no further ARI deletes.
func TestTeardown_IsIdempotent(t *testing.T) {
	ariClient, fake := newFakeARI(t, nil)
	o := newTestOrchestrator(t, ariClient, nil)

	call := NewCall("chan-1", "linked-1", "from-internal")
	call.Taps[DirIn].SnoopID = "snoop-in-chan-1"
	o.registry.Add(call)

	o.teardown(context.Background(), call)
	n := fake.deleteCount()
	if n == 0 {
		t.Fatalf("expected first teardown to issue deletes")
	}

	o.teardown(context.Background(), call)
	if fake.deleteCount() != n {
		t.Fatalf("expected second teardown to be a no-op, deletes went from %d to %d", n, fake.deleteCount())
	}
}

// TestHandleStasisStart_AuxChannelIDsContainingDirectionSubstrings exercises
// the §9 open question end to end: a parent channel id embedding the
// literal substrings "in"/"out" must still route snoop/ext-media
// StasisStart events back to the right Call.
func TestHandleStasisStart_AuxChannelIDsContainingDirectionSubstrings(t *testing.T) {
	ariClient, _ := newFakeARI(t, nil)
	o := newTestOrchestrator(t, ariClient, nil)

	parentID := "inbound-trunk-outcall-99"
	call := NewCall(parentID, "", "from-internal")
	o.registry.Add(call)

	snoopName := fmt.Sprintf("snoop-%s-%s", DirIn, parentID)
	o.HandleEvent(context.Background(), ari.Event{
		Type:    "StasisStart",
		Channel: &ari.Channel{ID: snoopName, Name: snoopName},
	})

	call.mu.Lock()
	ready := call.Taps[DirIn].SnoopReady
	call.mu.Unlock()
	if !ready {
		t.Fatalf("expected snoop tap marked ready for parent id %q", parentID)
	}
}
