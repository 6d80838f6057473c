package voice

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paseo/paseo/internal/common/config"
	"github.com/paseo/paseo/internal/common/errors"
)

func TestFromConfigNone(t *testing.T) {
	for _, name := range []string{"", "none"} {
		engines, err := FromConfig(config.VoiceConfig{Engine: name})
		require.NoError(t, err)
		require.NotNil(t, engines.Transcription)
		require.NotNil(t, engines.Speech)

		_, err = engines.Transcription.Transcribe(context.Background(), "aGVsbG8=", "wav")
		assert.Equal(t, errors.CodeUnsupported, errors.CodeOf(err))

		_, _, err = engines.Speech.Speak(context.Background(), "hello")
		assert.Equal(t, errors.CodeUnsupported, errors.CodeOf(err))
	}
}

func TestFromConfigUnknown(t *testing.T) {
	_, err := FromConfig(config.VoiceConfig{Engine: "whisper-x"})
	assert.Equal(t, errors.CodeInvalid, errors.CodeOf(err))
}
