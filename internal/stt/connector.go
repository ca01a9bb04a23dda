// Package stt implements the STT Connector (§4.4 C3): pairs two directional
// RTP ring buffers into interleaved stereo PCM, maintains a realtime
// provider WebSocket, and routes inbound transcription events to the
// message bus. Grounded on original_source/deepgram_connector.py.
package stt

import (
	"context"
	"encoding/binary"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/nethesis/satellite/internal/bus"
	"github.com/nethesis/satellite/internal/commons"
	"github.com/nethesis/satellite/internal/ringbuffer"
)

const (
	targetSize  = 5120
	pollChunk   = 320
	pollTimeout = 250 * time.Millisecond
	queueCap    = 100
)

// TranscriptEvent is one alternative emitted by the realtime provider.
type TranscriptEvent struct {
	Transcript    string
	TimestampSecs float64
	ChannelIndex0 int // 0 selects the "in" direction, nonzero "out"
	IsFinal       bool
}

// Provider is the realtime STT backend contract; internal/providers/stt
// implements it against Deepgram's streaming API.
type Provider interface {
	Connect(ctx context.Context, onTranscript func(TranscriptEvent), onError func(error)) error
	Send(data []byte) error
	Finalize(ctx context.Context) error
}

// Speakers carries the two directions' identity for publishing.
type Speakers struct {
	NameIn, NumberIn   string
	NameOut, NumberOut string
}

type utterance struct {
	speakerName              string
	speakerNumber            string
	counterpartName          string
	counterpartNumber        string
	transcription            string
	timestamp                float64
}

// Connector drives one call's audio pump/shipper/transcript-handling
// lifecycle, per §4.4.
type Connector struct {
	uniqueID string
	in, out  *ringbuffer.RingBuffer
	provider Provider
	busc     *bus.Client
	speakers Speakers
	logger   commons.Logger

	callElapsedAtStart *float64

	queue chan []byte

	mu          sync.Mutex
	active      bool
	closeOnce   sync.Once
	completeCall []utterance

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Connector. callElapsedAtStart, if non-nil, is added to each
// utterance's provider timestamp to derive call_elapsed_seconds.
func New(uniqueID string, in, out *ringbuffer.RingBuffer, provider Provider, busc *bus.Client, speakers Speakers, callElapsedAtStart *float64, logger commons.Logger) *Connector {
	return &Connector{
		uniqueID:           uniqueID,
		in:                 in,
		out:                out,
		provider:           provider,
		busc:               busc,
		speakers:           speakers,
		callElapsedAtStart: callElapsedAtStart,
		logger:             logger,
		queue:              make(chan []byte, queueCap),
	}
}

// Start connects the provider and launches the pump and shipper tasks.
func (c *Connector) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if err := c.provider.Connect(runCtx, c.onTranscript, c.onError); err != nil {
		cancel()
		return fmt.Errorf("stt: provider connect: %w", err)
	}

	c.mu.Lock()
	c.active = true
	c.mu.Unlock()

	c.wg.Add(2)
	go c.pump(runCtx)
	go c.shipper(runCtx)

	c.logger.Infow("stt connector started", "uniqueid", c.uniqueID)
	return nil
}

func (c *Connector) isActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// pump collects up to targetSize bytes per direction within pollTimeout,
// pads the shorter side, interleaves as 16-bit stereo, and enqueues.
func (c *Connector) pump(ctx context.Context) {
	defer c.wg.Done()
	for c.isActive() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		bufIn := make([]byte, 0, targetSize)
		bufOut := make([]byte, 0, targetSize)
		deadline := time.Now().Add(pollTimeout)

		for (len(bufIn) < targetSize || len(bufOut) < targetSize) && time.Now().Before(deadline) {
			if len(bufIn) < targetSize {
				if chunk := c.in.Read(pollChunk); chunk != nil {
					bufIn = append(bufIn, chunk...)
				}
			}
			if len(bufOut) < targetSize {
				if chunk := c.out.Read(pollChunk); chunk != nil {
					bufOut = append(bufOut, chunk...)
				}
			}
			runtime.Gosched()
		}

		if len(bufIn) == 0 && len(bufOut) == 0 {
			sleepCtx(ctx, 10*time.Millisecond)
			continue
		}

		interleaved := interleaveStereo16(bufIn, bufOut)
		select {
		case c.queue <- interleaved:
		case <-ctx.Done():
			return
		}
	}
}

// shipper drains the queue and forwards each buffer to the provider as a
// single binary frame, never dropping on back-pressure.
func (c *Connector) shipper(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.queue:
			if err := c.provider.Send(data); err != nil {
				c.logger.Warnw("stt provider send failed", "uniqueid", c.uniqueID, "error", err)
			}
		case <-time.After(10 * time.Millisecond):
			if !c.isActive() {
				return
			}
		}
	}
}

// onTranscript is the inbound transcript handler (§4.4).
func (c *Connector) onTranscript(ev TranscriptEvent) {
	transcript := strings.TrimSpace(ev.Transcript)
	if transcript == "" {
		return
	}

	var speakerName, speakerNumber, counterName, counterNumber string
	if ev.ChannelIndex0 == 0 {
		speakerName, speakerNumber = c.speakers.NameIn, c.speakers.NumberIn
		counterName, counterNumber = c.speakers.NameOut, c.speakers.NumberOut
	} else {
		speakerName, speakerNumber = c.speakers.NameOut, c.speakers.NumberOut
		counterName, counterNumber = c.speakers.NameIn, c.speakers.NumberIn
	}

	payload := map[string]interface{}{
		"uniqueid":                   c.uniqueID,
		"transcription":              transcript,
		"timestamp":                  ev.TimestampSecs,
		"speaker_name":               speakerName,
		"speaker_number":             speakerNumber,
		"speaker_counterpart_name":   counterName,
		"speaker_counterpart_number": counterNumber,
		"is_final":                   ev.IsFinal,
	}
	if c.callElapsedAtStart != nil {
		payload["call_elapsed_seconds"] = *c.callElapsedAtStart + ev.TimestampSecs
	}

	c.busc.Publish(context.Background(), "transcription", payload)

	if ev.IsFinal {
		c.mu.Lock()
		c.completeCall = append(c.completeCall, utterance{
			speakerName:       speakerName,
			speakerNumber:     speakerNumber,
			counterpartName:   counterName,
			counterpartNumber: counterNumber,
			transcription:     transcript,
			timestamp:         ev.TimestampSecs,
		})
		c.mu.Unlock()
	}
}

func (c *Connector) onError(err error) {
	c.logger.Errorw("stt provider error", "uniqueid", c.uniqueID, "error", err)
	c.Close(context.Background())
}

// Close is idempotent: stops both tasks, finalizes the provider, and
// publishes the consolidated transcript on the final topic.
func (c *Connector) Close(ctx context.Context) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.active = false
		c.mu.Unlock()

		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()

		if err := c.provider.Finalize(ctx); err != nil {
			c.logger.Debugw("provider finalize failed", "uniqueid", c.uniqueID, "error", err)
		}

		c.publishFinal(ctx)
		c.logger.Infow("stt connector closed", "uniqueid", c.uniqueID)
	})
}

// publishFinal concatenates utterances grouped by consecutive same-speaker
// runs, matching deepgram_connector.py's close() text assembly exactly.
func (c *Connector) publishFinal(ctx context.Context) {
	c.mu.Lock()
	calls := append([]utterance(nil), c.completeCall...)
	c.mu.Unlock()

	var text strings.Builder
	lastSpeaker := ""
	first := true
	for _, u := range calls {
		if first || lastSpeaker != u.speakerName {
			text.WriteString(fmt.Sprintf("\n%s: ", u.speakerName))
		}
		text.WriteString(u.transcription)
		text.WriteString("\n")
		lastSpeaker = u.speakerName
		first = false
	}

	c.busc.Publish(ctx, "final", map[string]interface{}{
		"uniqueid":          c.uniqueID,
		"raw_transcription": text.String(),
	})
}

// interleaveStereo16 zero-pads the shorter of in/out to the longer's length
// and interleaves 16-bit little-endian samples as [L0,R0,L1,R1,...].
func interleaveStereo16(in, out []byte) []byte {
	in = evenLen(in)
	out = evenLen(out)
	n := len(in)
	if len(out) > n {
		n = len(out)
	}
	if len(in) < n {
		in = append(in, make([]byte, n-len(in))...)
	}
	if len(out) < n {
		out = append(out, make([]byte, n-len(out))...)
	}

	samples := n / 2
	result := make([]byte, samples*4)
	for i := 0; i < samples; i++ {
		l := binary.LittleEndian.Uint16(in[i*2 : i*2+2])
		r := binary.LittleEndian.Uint16(out[i*2 : i*2+2])
		binary.LittleEndian.PutUint16(result[i*4:i*4+2], l)
		binary.LittleEndian.PutUint16(result[i*4+2:i*4+4], r)
	}
	return result
}

func evenLen(b []byte) []byte {
	if len(b)%2 != 0 {
		return b[:len(b)-1]
	}
	return b
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
