package audiopipeline

import (
	"context"
	"encoding/binary"
	"testing"
)

// silentFrame and loudFrame are 20ms of 16kHz mono PCM16 (640 bytes).
func silentFrame() []byte { return make([]byte, 640) }

func loudFrame() []byte {
	b := make([]byte, 640)
	for i := 0; i < len(b); i += 2 {
		binary.LittleEndian.PutUint16(b[i:], uint16(int16(20000)))
	}
	return b
}

type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _ string, pcm []byte) (Transcript, error) {
	if f.err != nil {
		return Transcript{}, f.err
	}
	return Transcript{Text: f.text}, nil
}

func TestAppendChunkInOrderMergesVoicedFrames(t *testing.T) {
	tr := &fakeTranscriber{text: "turn left"}
	p := New(Config{Transcription: tr, Format: Format{SourceRate: 16000, TargetRate: 16000}})
	p.OpenSegment("s1")

	p.AppendChunk("s1", 0, silentFrame())
	p.AppendChunk("s1", 1, loudFrame())
	p.AppendChunk("s1", 2, loudFrame())

	tr2, err := p.Finalize(context.Background(), "s1", "")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if tr2.Text != "turn left" {
		t.Fatalf("got %q, want %q", tr2.Text, "turn left")
	}
}

func TestAppendChunkOutOfOrderReorders(t *testing.T) {
	p := New(Config{Transcription: &fakeTranscriber{text: "ok"}})
	p.OpenSegment("s1")

	p.AppendChunk("s1", 0, loudFrame())
	p.AppendChunk("s1", 2, loudFrame())
	p.AppendChunk("s1", 1, loudFrame())

	tr, err := p.Finalize(context.Background(), "s1", "")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if tr.Text != "ok" {
		t.Fatalf("got %q", tr.Text)
	}
}

func TestFinalizeUsesExplicitTranscriptVerbatim(t *testing.T) {
	tr := &fakeTranscriber{text: "should not be used"}
	p := New(Config{Transcription: tr})
	p.OpenSegment("s1")
	p.AppendChunk("s1", 0, loudFrame())

	got, err := p.Finalize(context.Background(), "s1", "explicit text")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if got.Text != "explicit text" {
		t.Fatalf("got %q, want explicit text", got.Text)
	}
}

func TestFinalizeWithNoVoicedAudioReturnsEmpty(t *testing.T) {
	p := New(Config{Transcription: &fakeTranscriber{text: "unused"}})
	p.OpenSegment("s1")
	p.AppendChunk("s1", 0, silentFrame())
	p.AppendChunk("s1", 1, silentFrame())

	got, err := p.Finalize(context.Background(), "s1", "")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if got.Text != "" {
		t.Fatalf("expected empty transcript, got %q", got.Text)
	}
}

func TestFinalizeTranscriptionFailureReturnsEmptyAndError(t *testing.T) {
	p := New(Config{Transcription: &fakeTranscriber{err: context.DeadlineExceeded}})
	p.OpenSegment("s1")
	p.AppendChunk("s1", 0, loudFrame())

	got, err := p.Finalize(context.Background(), "s1", "")
	if err == nil {
		t.Fatal("expected transcription error to propagate so caller can log voice_turn_failure")
	}
	if got.Text != "" {
		t.Fatalf("expected empty transcript on failure, got %q", got.Text)
	}
}

func TestCloseSegmentDiscardsWithoutFinalizing(t *testing.T) {
	p := New(Config{Transcription: &fakeTranscriber{text: "x"}})
	p.OpenSegment("s1")
	p.AppendChunk("s1", 0, loudFrame())
	p.CloseSegment("s1")

	got, err := p.Finalize(context.Background(), "s1", "")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if got.Text != "" {
		t.Fatalf("expected no transcript after CloseSegment, got %q", got.Text)
	}
}
