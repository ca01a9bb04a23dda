// Package stt holds the realtime/batch provider adapters (§4.4, §4.7, §11
// DOMAIN STACK) for speech-to-text, grounded on the teacher's own
// github.com/deepgram/deepgram-go-sdk/v3 dependency (see
// api/assistant-api/internal/transformer/deepgram/deepgram_test.go for the
// option-field names this adapter mirrors) and on
// original_source/deepgram_connector.py for the connection lifecycle.
package stt

import (
	"context"
	"fmt"

	"github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listen "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen/v1/websocket/interfaces"
	"github.com/nethesis/satellite/internal/stt"
)

// DeepgramRealtime adapts deepgram-go-sdk's streaming websocket client to
// stt.Provider.
type DeepgramRealtime struct {
	apiKey   string
	language string
	client   *listen.WSChannel
}

// NewDeepgramRealtime builds a realtime provider bound to one Deepgram API
// key and BCP-47 language tag.
func NewDeepgramRealtime(apiKey, language string) *DeepgramRealtime {
	return &DeepgramRealtime{apiKey: apiKey, language: language}
}

type dgCallback struct {
	onTranscript func(stt.TranscriptEvent)
	onError      func(error)
}

// Message implements msginterfaces.LiveMessageCallback: each decoded
// Results message yields the first alternative's transcript, matching
// deepgram_connector.py's on_message handler.
func (cb dgCallback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	channelIndex0 := 0
	if len(mr.ChannelIndex) > 0 {
		channelIndex0 = mr.ChannelIndex[0]
	}
	cb.onTranscript(stt.TranscriptEvent{
		Transcript:    alt.Transcript,
		TimestampSecs: mr.Start,
		ChannelIndex0: channelIndex0,
		IsFinal:       mr.IsFinal,
	})
	return nil
}

func (cb dgCallback) Open(*msginterfaces.OpenResponse) error             { return nil }
func (cb dgCallback) Metadata(*msginterfaces.MetadataResponse) error     { return nil }
func (cb dgCallback) SpeechStarted(*msginterfaces.SpeechStartedResponse) error { return nil }
func (cb dgCallback) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error   { return nil }
func (cb dgCallback) Close(*msginterfaces.CloseResponse) error {
	return nil
}
func (cb dgCallback) Error(er *msginterfaces.ErrorResponse) error {
	if cb.onError != nil {
		cb.onError(fmt.Errorf("deepgram: %s: %s", er.ErrCode, er.ErrMsg))
	}
	return nil
}
func (cb dgCallback) UnhandledEvent(byMsg []byte) error { return nil }

// Connect opens the streaming session with the exact options required by
// §4.4: nova-2, linear16, multichannel stereo at 16kHz, interim results,
// utterance-end and VAD events enabled, punctuation on.
func (p *DeepgramRealtime) Connect(ctx context.Context, onTranscript func(stt.TranscriptEvent), onError func(error)) error {
	cOptions := &interfaces.ClientOptions{}
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          "nova-2",
		Language:       p.language,
		Encoding:       "linear16",
		SampleRate:     16000,
		Channels:       2,
		Multichannel:   true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Punctuate:      true,
	}

	callback := dgCallback{onTranscript: onTranscript, onError: onError}

	client, err := listen.NewWSUsingCallback(ctx, p.apiKey, cOptions, tOptions, callback)
	if err != nil {
		return fmt.Errorf("deepgram: build client: %w", err)
	}
	if connected := client.Connect(); !connected {
		return fmt.Errorf("deepgram: connect failed")
	}
	p.client = client
	return nil
}

// Send ships one interleaved PCM frame as a binary WebSocket message.
func (p *DeepgramRealtime) Send(data []byte) error {
	if p.client == nil {
		return fmt.Errorf("deepgram: not connected")
	}
	_, err := p.client.Write(data)
	return err
}

// Finalize flushes and closes the underlying socket, best-effort.
func (p *DeepgramRealtime) Finalize(ctx context.Context) error {
	if p.client == nil {
		return nil
	}
	p.client.Finalize()
	p.client.Stop()
	return nil
}
