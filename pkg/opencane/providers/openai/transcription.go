package openai

import (
	"bytes"
	"context"
	"fmt"

	"github.com/openai/openai-go"

	"github.com/iflabx/opencane/pkg/opencane/audiopipeline"
)

const DefaultTranscriptionModel = "whisper-1"

// Transcription implements audiopipeline.TranscriptionProvider over the
// OpenAI audio transcription endpoint. The teacher's own speech stack
// (pkg/speech, pkg/doubaospeech) targets Doubao/MiniMax rather than
// OpenAI, so this is grounded on the sibling pack member
// AltairaLabs-PromptKit/runtime/providers/openai for the audio upload
// shape, adapted to the openai-go SDK's typed Audio.Transcriptions.New
// call instead of a raw multipart request.
type Transcription struct {
	client *openai.Client
	model  string
}

var _ audiopipeline.TranscriptionProvider = (*Transcription)(nil)

type TranscriptionOption func(*Transcription)

func WithTranscriptionModel(model string) TranscriptionOption {
	return func(t *Transcription) { t.model = model }
}

func NewTranscription(cfg Config, opts ...TranscriptionOption) *Transcription {
	t := &Transcription{client: newClient(cfg), model: DefaultTranscriptionModel}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Transcribe wraps pcm as a 16kHz mono WAV file, matching the default
// TargetRate audiopipeline.Format.withDefaults resamples captures to. The
// header always says 16kHz, whatever rate the pipeline was configured with.
func (t *Transcription) Transcribe(ctx context.Context, sessionID string, pcm []byte) (audiopipeline.Transcript, error) {
	wav := wrapPCMAsWAV(pcm, 16000, 1, 16)
	resp, err := t.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		Model: t.model,
		File:  bytes.NewReader(wav),
	})
	if err != nil {
		return audiopipeline.Transcript{}, fmt.Errorf("openai: transcribe session %s: %w", sessionID, err)
	}
	return audiopipeline.Transcript{Text: resp.Text}, nil
}

// wrapPCMAsWAV prepends a canonical RIFF/WAVE header to raw signed 16-bit
// little-endian PCM, since the transcription endpoint expects a file with
// a recognizable container rather than bare samples.
func wrapPCMAsWAV(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataLen := len(pcm)

	buf := new(bytes.Buffer)
	buf.WriteString("RIFF")
	writeLE32(buf, uint32(36+dataLen))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	writeLE32(buf, 16)
	writeLE16(buf, 1) // PCM
	writeLE16(buf, uint16(channels))
	writeLE32(buf, uint32(sampleRate))
	writeLE32(buf, uint32(byteRate))
	writeLE16(buf, uint16(blockAlign))
	writeLE16(buf, uint16(bitsPerSample))
	buf.WriteString("data")
	writeLE32(buf, uint32(dataLen))
	buf.Write(pcm)
	return buf.Bytes()
}

func writeLE16(buf *bytes.Buffer, v uint16) {
	buf.WriteByte(byte(v))
	buf.WriteByte(byte(v >> 8))
}

func writeLE32(buf *bytes.Buffer, v uint32) {
	buf.WriteByte(byte(v))
	buf.WriteByte(byte(v >> 8))
	buf.WriteByte(byte(v >> 16))
	buf.WriteByte(byte(v >> 24))
}
