// Package voice defines the speech interfaces behind transcribe_audio and
// speak_text. The daemon ships with no-op engines; real engines plug in
// through the same interfaces via `voice.engine`.
package voice

import (
	"context"

	"github.com/paseo/paseo/internal/common/config"
	"github.com/paseo/paseo/internal/common/errors"
)

// TranscriptionEngine turns audio into text.
type TranscriptionEngine interface {
	// Transcribe decodes base64 audio in the given container format.
	Transcribe(ctx context.Context, audioB64, format string) (string, error)
}

// SpeechEngine turns text into audio.
type SpeechEngine interface {
	// Speak synthesizes text and returns base64 audio plus its format.
	Speak(ctx context.Context, text string) (audioB64, format string, err error)
}

// Engines bundles the configured engine pair.
type Engines struct {
	Transcription TranscriptionEngine
	Speech        SpeechEngine
}

// FromConfig selects engines by name. Unknown names fail so a typo in the
// config does not silently disable voice.
func FromConfig(cfg config.VoiceConfig) (Engines, error) {
	switch cfg.Engine {
	case "", "none":
		return Engines{Transcription: noopTranscription{}, Speech: noopSpeech{}}, nil
	default:
		return Engines{}, errors.Invalidf("unknown voice engine '%s'", cfg.Engine)
	}
}

type noopTranscription struct{}

func (noopTranscription) Transcribe(ctx context.Context, audioB64, format string) (string, error) {
	return "", errors.Unsupported("no transcription engine is configured")
}

type noopSpeech struct{}

func (noopSpeech) Speak(ctx context.Context, text string) (string, string, error) {
	return "", "", errors.Unsupported("no speech engine is configured")
}
