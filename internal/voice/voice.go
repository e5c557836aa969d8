// Package voice is the speech channel. It reuses the conversation pipeline
// verbatim: transcribe the audio, send the transcript through the core under
// the same idempotency scope, then synthesize the assistant's reply. The
// only difference from a text send is the fingerprint, which covers the
// audio bytes rather than the transcript.
package voice

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/design-smith/vocalbridge/internal/idempotency"
	"github.com/design-smith/vocalbridge/internal/pipeline"
)

// Transcriber converts audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Synthesizer converts text to audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// MockTranscriber is the deterministic speech-to-text stand-in. Audio that
// is valid UTF-8 comes back as-is, which keeps the voice path exercisable
// end to end without a speech backend.
type MockTranscriber struct{}

// Transcribe implements Transcriber.
func (MockTranscriber) Transcribe(_ context.Context, audio []byte) (string, error) {
	if utf8.Valid(audio) && len(audio) > 0 {
		return string(audio), nil
	}
	return fmt.Sprintf("[transcript of %d bytes of audio]", len(audio)), nil
}

// MockSynthesizer is the text-to-speech stand-in; it produces a fake RIFF
// payload wrapping the text.
type MockSynthesizer struct{}

// Synthesize implements Synthesizer.
func (MockSynthesizer) Synthesize(_ context.Context, text string) ([]byte, error) {
	out := make([]byte, 0, len(text)+8)
	out = append(out, []byte("RIFFmock")...)
	out = append(out, []byte(text)...)
	return out, nil
}

// Result is a completed voice send.
type Result struct {
	Envelope   []byte
	Transcript string
	Audio      []byte
}

// Service runs voice sends through the core pipeline.
type Service struct {
	pipeline    *pipeline.Service
	transcriber Transcriber
	synthesizer Synthesizer
}

// NewService wires the voice channel.
func NewService(p *pipeline.Service, t Transcriber, s Synthesizer) *Service {
	return &Service{pipeline: p, transcriber: t, synthesizer: s}
}

// Send transcribes, invokes the core send with the transcript, and
// synthesizes the assistant reply.
func (s *Service) Send(ctx context.Context, tenantID, sessionID, idempotencyKey, requestID string, audio []byte) (*Result, error) {
	transcript, err := s.transcriber.Transcribe(ctx, audio)
	if err != nil {
		return nil, err
	}

	env, err := s.pipeline.Send(ctx, pipeline.SendInput{
		TenantID:       tenantID,
		SessionID:      sessionID,
		IdempotencyKey: idempotencyKey,
		Content:        transcript,
		RequestID:      requestID,
		Fingerprint:    idempotency.FingerprintBytes(tenantID, audio),
	})
	if err != nil {
		return nil, err
	}

	reply := gjson.GetBytes(env, "message.content").String()
	audioOut, err := s.synthesizer.Synthesize(ctx, reply)
	if err != nil {
		return nil, err
	}

	return &Result{Envelope: env, Transcript: transcript, Audio: audioOut}, nil
}
