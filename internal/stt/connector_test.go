package stt

import (
	"encoding/binary"
	"testing"

	"github.com/nethesis/satellite/internal/bus"
	"github.com/nethesis/satellite/internal/commons"
)

func TestInterleaveStereo16_EqualLength(t *testing.T) {
	in := le16(1, 2)
	out := le16(10, 20)

	got := interleaveStereo16(in, out)

	want := []uint16{1, 10, 2, 20}
	assertSamples(t, got, want)
}

func TestInterleaveStereo16_PadsShorterSide(t *testing.T) {
	in := le16(1)
	out := le16(10, 20)

	got := interleaveStereo16(in, out)

	want := []uint16{1, 10, 0, 20}
	assertSamples(t, got, want)
}

func TestInterleaveStereo16_OddLengthTruncated(t *testing.T) {
	in := append(le16(1), 0xFF)
	out := le16(5)

	got := interleaveStereo16(in, out)

	want := []uint16{1, 5}
	assertSamples(t, got, want)
}

func le16(vals ...uint16) []byte {
	b := make([]byte, len(vals)*2)
	for i, v := range vals {
		binary.LittleEndian.PutUint16(b[i*2:i*2+2], v)
	}
	return b
}

func assertSamples(t *testing.T, got []byte, want []uint16) {
	t.Helper()
	if len(got) != len(want)*2 {
		t.Fatalf("length mismatch: got %d bytes, want %d samples", len(got), len(want))
	}
	for i, w := range want {
		v := binary.LittleEndian.Uint16(got[i*2 : i*2+2])
		if v != w {
			t.Fatalf("sample %d: got %d, want %d", i, v, w)
		}
	}
}

func TestOnTranscript_EmptyTranscriptDropped(t *testing.T) {
	logger, err := commons.NewApplicationLogger()
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	busc := bus.New("tcp://localhost:1883", "", "", "", 0, logger)
	c := New("call-1", nil, nil, nil, busc, Speakers{}, nil, logger)

	c.onTranscript(TranscriptEvent{Transcript: "   "})

	if len(c.completeCall) != 0 {
		t.Fatalf("expected no utterance recorded for empty transcript")
	}
}

func TestOnTranscript_FinalAppendsToCompleteCall(t *testing.T) {
	logger, _ := commons.NewApplicationLogger()
	busc := bus.New("tcp://localhost:1883", "", "", "", 0, logger)
	c := New("call-1", nil, nil, nil, busc, Speakers{NameIn: "Alice", NameOut: "Bob"}, nil, logger)

	c.onTranscript(TranscriptEvent{Transcript: "hi", ChannelIndex0: 0, IsFinal: true})
	c.onTranscript(TranscriptEvent{Transcript: "hello", ChannelIndex0: 1, IsFinal: true})

	if len(c.completeCall) != 2 {
		t.Fatalf("expected 2 recorded utterances, got %d", len(c.completeCall))
	}
	if c.completeCall[0].speakerName != "Alice" || c.completeCall[1].speakerName != "Bob" {
		t.Fatalf("unexpected speaker assignment: %+v", c.completeCall)
	}
}
