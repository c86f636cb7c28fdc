// Package audiopipeline implements the Audio Pipeline (C5): per-segment
// jitter-buffered reordering, VAD-gated speech chunking with a pre-roll,
// and finalization into a transcript via an external TranscriptionProvider.
package audiopipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/iflabx/opencane/pkg/audio/resampler"
	"github.com/iflabx/opencane/pkg/opencane/logging"
)

// Defaults from spec §4.5.
const (
	DefaultWindow          = 32
	DefaultPrebufferMs     = 200
	DefaultHangoverMs      = 600
	DefaultFrameMs         = 20
	DefaultPartialInterval = 4 // emit a partial every N voiced chunks
)

// Transcript is the result of finalizing a capture segment.
type Transcript struct {
	Text     string
	Partials []string
}

// TranscriptionProvider turns voiced PCM audio into text.
type TranscriptionProvider interface {
	Transcribe(ctx context.Context, sessionID string, pcm []byte) (Transcript, error)
}

// Format describes the input audio this pipeline expects from the device;
// SourceRate is resampled to TargetRate (default 16 kHz mono) before it is
// handed to the TranscriptionProvider.
type Format struct {
	SourceRate int
	TargetRate int
	Stereo     bool
}

func (f Format) withDefaults() Format {
	if f.SourceRate == 0 {
		f.SourceRate = 16000
	}
	if f.TargetRate == 0 {
		f.TargetRate = 16000
	}
	return f
}

// Config configures a Pipeline.
type Config struct {
	Window          int
	PrebufferMs     int
	HangoverMs      int
	FrameMs         int
	PartialInterval int
	Format          Format
	VAD             VAD
	Transcription   TranscriptionProvider
	Logger          logging.Logger
}

func (c Config) withDefaults() Config {
	if c.Window == 0 {
		c.Window = DefaultWindow
	}
	if c.PrebufferMs == 0 {
		c.PrebufferMs = DefaultPrebufferMs
	}
	if c.HangoverMs == 0 {
		c.HangoverMs = DefaultHangoverMs
	}
	if c.FrameMs == 0 {
		c.FrameMs = DefaultFrameMs
	}
	if c.PartialInterval == 0 {
		c.PartialInterval = DefaultPartialInterval
	}
	if c.VAD == nil {
		c.VAD = NewEnergyVAD()
	}
	if c.Logger == nil {
		c.Logger = logging.DefaultLogger()
	}
	c.Format = c.Format.withDefaults()
	return c
}

// Events is what AppendChunk reports back to the Connection Runtime so it
// can dispatch stt_partial commands as speech accumulates.
type Events struct {
	Partial     string
	LateDropped int
}

// segment is the per-session capture state, live between listen_start and
// listen_stop/abort.
type segment struct {
	mu sync.Mutex

	jitter *jitterBuffer

	preroll      [][]byte // ring of recent unvoiced frames, retained for pre-roll
	prerollCap   int
	voiced       [][]byte
	inSpeech     bool
	silenceMs    int
	hangoverMs   int
	frameMs      int
	chunkCount   int
	lateDropped  int
}

func newSegment(cfg Config) *segment {
	prerollCap := cfg.PrebufferMs / cfg.FrameMs
	if prerollCap < 1 {
		prerollCap = 1
	}
	return &segment{
		jitter:     newJitterBuffer(cfg.Window),
		prerollCap: prerollCap,
		hangoverMs: cfg.HangoverMs,
		frameMs:    cfg.FrameMs,
	}
}

// Pipeline manages one segment per session.
type Pipeline struct {
	cfg Config

	mu       sync.Mutex
	segments map[string]*segment
}

// New constructs a Pipeline.
func New(cfg Config) *Pipeline {
	return &Pipeline{cfg: cfg.withDefaults(), segments: make(map[string]*segment)}
}

// OpenSegment begins a new capture for sessionID, discarding any prior
// in-flight segment for that session.
func (p *Pipeline) OpenSegment(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.segments[sessionID] = newSegment(p.cfg)
}

// CloseSegment discards the in-flight segment for sessionID without
// finalizing it, used on abort/barge-in.
func (p *Pipeline) CloseSegment(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.segments, sessionID)
}

// AppendChunk feeds one inbound audio frame (already PCM16) into the
// segment's jitter buffer, classifies ready frames via VAD, and reports a
// partial transcript marker when enough speech has accumulated.
func (p *Pipeline) AppendChunk(sessionID string, seq uint32, pcm []byte) Events {
	seg := p.segment(sessionID)
	if seg == nil {
		return Events{}
	}
	seg.mu.Lock()
	defer seg.mu.Unlock()

	if seg.jitter.late(seq) {
		seg.lateDropped++
		return Events{LateDropped: seg.lateDropped}
	}

	ready := seg.jitter.push(seq, pcm)
	var emitPartial bool
	for _, pkt := range ready {
		voiced := p.cfg.VAD.IsVoiced(pkt.data)
		if voiced {
			if !seg.inSpeech {
				seg.voiced = append(seg.voiced, seg.preroll...)
			}
			seg.inSpeech = true
			seg.silenceMs = 0
			seg.voiced = append(seg.voiced, pkt.data)
			seg.chunkCount++
			if seg.chunkCount%p.cfg.PartialInterval == 0 {
				emitPartial = true
			}
		} else {
			seg.preroll = append(seg.preroll, pkt.data)
			if len(seg.preroll) > seg.prerollCap {
				seg.preroll = seg.preroll[len(seg.preroll)-seg.prerollCap:]
			}
			if seg.inSpeech {
				seg.silenceMs += seg.frameMs
				seg.voiced = append(seg.voiced, pkt.data)
				if seg.silenceMs > seg.hangoverMs {
					seg.inSpeech = false
				}
			}
		}
	}

	ev := Events{LateDropped: seg.lateDropped}
	if emitPartial {
		ev.Partial = fmt.Sprintf("(%d frames captured)", len(seg.voiced))
	}
	return ev
}

func (p *Pipeline) segment(sessionID string) *segment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.segments[sessionID]
}

// Finalize ends the session's capture. If explicitTranscript is non-empty
// (the device sent one verbatim in listen_stop), it is used as-is and no
// TranscriptionProvider call is made. Otherwise the accumulated voiced
// audio is resampled to the pipeline's target format and transcribed.
// Transcription errors yield an empty transcript; the caller is expected
// to record a voice_turn_failure telemetry event.
func (p *Pipeline) Finalize(ctx context.Context, sessionID, explicitTranscript string) (Transcript, error) {
	p.mu.Lock()
	seg := p.segments[sessionID]
	delete(p.segments, sessionID)
	p.mu.Unlock()

	if explicitTranscript != "" {
		return Transcript{Text: explicitTranscript}, nil
	}
	if seg == nil {
		return Transcript{}, nil
	}

	seg.mu.Lock()
	raw := concatFrames(seg.voiced)
	seg.mu.Unlock()

	if len(raw) == 0 || p.cfg.Transcription == nil {
		return Transcript{}, nil
	}

	pcm, err := p.resample(raw)
	if err != nil {
		p.cfg.Logger.Warn("audiopipeline: resample failed", "session_id", sessionID, "err", err)
		return Transcript{}, err
	}

	t, err := p.cfg.Transcription.Transcribe(ctx, sessionID, pcm)
	if err != nil {
		p.cfg.Logger.Warn("audiopipeline: transcription failed", "session_id", sessionID, "err", err)
		return Transcript{}, err
	}
	return t, nil
}

func (p *Pipeline) resample(pcm []byte) ([]byte, error) {
	if p.cfg.Format.SourceRate == p.cfg.Format.TargetRate {
		return pcm, nil
	}
	src := resampler.Format{SampleRate: p.cfg.Format.SourceRate, Stereo: p.cfg.Format.Stereo}
	dst := resampler.Format{SampleRate: p.cfg.Format.TargetRate, Stereo: false}
	rs, err := resampler.New(bytes.NewReader(pcm), src, dst)
	if err != nil {
		return nil, fmt.Errorf("audiopipeline: new resampler: %w", err)
	}
	defer rs.Close()
	out, err := io.ReadAll(rs)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("audiopipeline: resample: %w", err)
	}
	return out, nil
}

func concatFrames(frames [][]byte) []byte {
	var buf bytes.Buffer
	for _, f := range frames {
		buf.Write(f)
	}
	return buf.Bytes()
}
