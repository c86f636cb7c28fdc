package openai

import (
	"encoding/binary"
	"testing"
)

func TestWrapPCMAsWAVHeaderFields(t *testing.T) {
	pcm := make([]byte, 320) // 10ms of 16kHz mono 16-bit silence
	wav := wrapPCMAsWAV(pcm, 16000, 1, 16)

	if string(wav[0:4]) != "RIFF" {
		t.Fatalf("missing RIFF chunk id, got %q", wav[0:4])
	}
	if string(wav[8:12]) != "WAVE" {
		t.Fatalf("missing WAVE format id, got %q", wav[8:12])
	}
	if string(wav[12:16]) != "fmt " {
		t.Fatalf("missing fmt subchunk id, got %q", wav[12:16])
	}
	if string(wav[36:40]) != "data" {
		t.Fatalf("missing data subchunk id, got %q", wav[36:40])
	}

	dataLen := binary.LittleEndian.Uint32(wav[40:44])
	if int(dataLen) != len(pcm) {
		t.Fatalf("data length = %d, want %d", dataLen, len(pcm))
	}
	if len(wav) != 44+len(pcm) {
		t.Fatalf("total length = %d, want %d", len(wav), 44+len(pcm))
	}

	sampleRate := binary.LittleEndian.Uint32(wav[24:28])
	if sampleRate != 16000 {
		t.Fatalf("sample rate = %d, want 16000", sampleRate)
	}
	channels := binary.LittleEndian.Uint16(wav[22:24])
	if channels != 1 {
		t.Fatalf("channels = %d, want 1", channels)
	}
}

func TestWrapPCMAsWAVEmptyInput(t *testing.T) {
	wav := wrapPCMAsWAV(nil, 16000, 1, 16)
	if len(wav) != 44 {
		t.Fatalf("empty pcm should still produce a 44-byte header, got %d bytes", len(wav))
	}
}
