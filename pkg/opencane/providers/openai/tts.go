package openai

import (
	"context"
	"fmt"
	"io"

	"github.com/openai/openai-go"

	"github.com/iflabx/opencane/pkg/opencane/runtime"
)

const (
	DefaultTTSModel = "tts-1"
	DefaultTTSVoice = "alloy"
)

// TTS implements runtime.TTSProvider over the OpenAI speech synthesis
// endpoint, completing the provider triad (dialogue, vision, speech) the
// teacher splits across generators per modality in pkg/genx and
// pkg/speech; OpenAI has no presence in the teacher's speech stack, so
// this is new code in the teacher's idiom rather than an adaptation.
type TTS struct {
	client *openai.Client
	model  string
	voice  string
}

var _ runtime.TTSProvider = (*TTS)(nil)

type TTSOption func(*TTS)

func WithTTSModel(model string) TTSOption {
	return func(t *TTS) { t.model = model }
}

func WithTTSVoice(voice string) TTSOption {
	return func(t *TTS) { t.voice = voice }
}

func NewTTS(cfg Config, opts ...TTSOption) *TTS {
	t := &TTS{client: newClient(cfg), model: DefaultTTSModel, voice: DefaultTTSVoice}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *TTS) Synthesize(ctx context.Context, text string) ([]byte, error) {
	resp, err := t.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Model:          openai.SpeechModel(t.model),
		Input:          text,
		Voice:          openai.AudioSpeechNewParamsVoice(t.voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatPCM,
	})
	if err != nil {
		return nil, fmt.Errorf("openai: synthesize: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai: synthesize: read body: %w", err)
	}
	return data, nil
}
