// Package vision implements the Vision Pipeline (C8): it persists image
// bytes, deduplicates via perceptual hashing, calls out to a
// vision-language model, and indexes the resulting structured context.
package vision

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"time"

	"github.com/iflabx/opencane/pkg/opencane/errs"
	"github.com/iflabx/opencane/pkg/opencane/ingest"
	"github.com/iflabx/opencane/pkg/opencane/logging"
	"github.com/iflabx/opencane/pkg/opencane/observability"
	"github.com/iflabx/opencane/pkg/opencane/vectorindex"
	"github.com/iflabx/opencane/pkg/storage"
)

// DefaultDedupWindow and DefaultDedupThreshold match spec §4.8's defaults.
const (
	DefaultDedupWindow    = 10 * time.Minute
	DefaultDedupThreshold = 8
)

// RiskLevel is the vision provider's coarse risk classification.
type RiskLevel string

const (
	RiskP0 RiskLevel = "P0"
	RiskP1 RiskLevel = "P1"
	RiskP2 RiskLevel = "P2"
	RiskP3 RiskLevel = "P3"
)

// Result is the structured output a VisionProvider must produce. Providers
// that only return free text place it in Summary and leave the rest empty.
type Result struct {
	Summary           string    `json:"summary"`
	Objects           []string  `json:"objects,omitempty"`
	OCR               []string  `json:"ocr,omitempty"`
	RiskHints         []string  `json:"risk_hints,omitempty"`
	ActionableSummary string    `json:"actionable_summary,omitempty"`
	RiskLevel         RiskLevel `json:"risk_level,omitempty"`
	RiskScore         float64   `json:"risk_score,omitempty"`
	Confidence        float64   `json:"confidence,omitempty"`
}

// Provider calls out to an external vision-language model.
type Provider interface {
	Analyze(ctx context.Context, data []byte, mime, question string) (Result, error)
}

// Context is a persisted lifelog_contexts row.
type Context struct {
	SessionID   string
	DeviceID    string
	JobID       string
	URI         string
	DHash       uint64
	ContentHash string
	Result      Result
	CreatedAt   time.Time
}

// ContextStore persists and searches lifelog contexts by perceptual
// similarity. The concrete implementation lives in pkg/opencane/store.
type ContextStore interface {
	FindSimilar(ctx context.Context, sessionID string, dhash uint64, within time.Duration, maxDistance int) (*Context, error)
	SaveContext(ctx context.Context, c *Context) error
}

// Digest is handed back to the runtime after a job completes, so it can
// dispatch a tts_chunk (subject to the safety gate) and record the
// image_ingested lifelog event.
type Digest struct {
	Job     *ingest.Job
	Context *Context
	Deduped bool
	Failed  bool
	Reply   string
}

// OnDigest is invoked once per finished job, successful or not.
type OnDigest func(ctx context.Context, d Digest)

// Config configures a Pipeline.
type Config struct {
	Assets         storage.FileStore
	Contexts       ContextStore
	VectorIndex    *vectorindex.Index
	Provider       Provider
	DedupWindow    time.Duration
	DedupThreshold int
	Logger         logging.Logger
	Metrics        *observability.Metrics
	OnDigest       OnDigest
}

func (c Config) withDefaults() Config {
	if c.DedupWindow == 0 {
		c.DedupWindow = DefaultDedupWindow
	}
	if c.DedupThreshold == 0 {
		c.DedupThreshold = DefaultDedupThreshold
	}
	if c.Logger == nil {
		c.Logger = logging.DefaultLogger()
	}
	return c
}

// Pipeline is the C8 handler, wired as an ingest.Handler.
type Pipeline struct {
	cfg Config
}

// New constructs a Pipeline.
func New(cfg Config) *Pipeline {
	return &Pipeline{cfg: cfg.withDefaults()}
}

// Handle implements ingest.Handler and runs the 6-step sequence of spec
// §4.8 for one image job.
func (p *Pipeline) Handle(ctx context.Context, job *ingest.Job) error {
	uri, err := p.store(ctx, job)
	if err != nil {
		p.fail(ctx, job, err)
		return err
	}

	dhash, dhashErr := p.dhash(job.Bytes)
	if dhashErr != nil {
		// Non-decodable bytes still get a content-hash-only record; dHash
		// dedup is simply unavailable for this job.
		p.cfg.Logger.Warn("vision: dhash failed, continuing without perceptual dedup", "job_id", job.JobID, "err", dhashErr)
	}
	contentHash := ContentHash(job.Bytes)

	if existing, err := p.findSimilar(ctx, job.SessionID, dhash, dhashErr == nil); err == nil && existing != nil {
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.VisionDedupHits.Inc()
		}
		p.digest(ctx, job, existing, true, false, existing.Result.ActionableSummary)
		return nil
	}

	result, err := p.cfg.Provider.Analyze(ctx, job.Bytes, job.Mime, job.Question)
	if err != nil {
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.VisionProviderErr.Inc()
		}
		p.fail(ctx, job, err)
		return nil // failure is recovered locally per spec §7 propagation policy
	}

	rec := &Context{
		SessionID:   job.SessionID,
		DeviceID:    job.DeviceID,
		JobID:       job.JobID,
		URI:         uri,
		DHash:       dhash,
		ContentHash: contentHash,
		Result:      result,
		CreatedAt:   time.Now(),
	}
	if err := p.cfg.Contexts.SaveContext(ctx, rec); err != nil {
		return fmt.Errorf("vision: save context: %w", err)
	}
	if p.cfg.VectorIndex != nil {
		text := result.Summary
		if result.ActionableSummary != "" {
			text = text + "\n" + result.ActionableSummary
		}
		if text != "" {
			if err := p.cfg.VectorIndex.Add(ctx, rec.JobID, text, map[string]any{"session_id": job.SessionID}); err != nil {
				p.cfg.Logger.Warn("vision: index context failed", "job_id", job.JobID, "err", err)
			}
		}
	}

	reply := result.ActionableSummary
	if reply == "" {
		reply = result.Summary
	}
	p.digest(ctx, job, rec, false, false, reply)
	return nil
}

func (p *Pipeline) findSimilar(ctx context.Context, sessionID string, dhash uint64, dhashValid bool) (*Context, error) {
	if !dhashValid {
		return nil, nil
	}
	return p.cfg.Contexts.FindSimilar(ctx, sessionID, dhash, p.cfg.DedupWindow, p.cfg.DedupThreshold)
}

func (p *Pipeline) store(ctx context.Context, job *ingest.Job) (string, error) {
	path := assetPath(job)
	w, err := p.cfg.Assets.Write(ctx, path)
	if err != nil {
		return "", fmt.Errorf("vision: %w: %w", errs.ErrStorage, err)
	}
	if _, err := w.Write(job.Bytes); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("vision: %w: %w", errs.ErrStorage, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("vision: %w: %w", errs.ErrStorage, err)
	}
	return path, nil
}

func assetPath(job *ingest.Job) string {
	ext := extFromMime(job.Mime)
	return fmt.Sprintf("lifelog/images/%s/%s/%s%s",
		job.SessionID, job.EnqueuedAt.Format("20060102"), job.JobID, ext)
}

func extFromMime(mime string) string {
	switch mime {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	default:
		return ".bin"
	}
}

func (p *Pipeline) dhash(data []byte) (uint64, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	return DHash(img), nil
}

func (p *Pipeline) digest(ctx context.Context, job *ingest.Job, rec *Context, deduped, failed bool, reply string) {
	if p.cfg.OnDigest == nil {
		return
	}
	p.cfg.OnDigest(ctx, Digest{Job: job, Context: rec, Deduped: deduped, Failed: failed, Reply: reply})
}

// conservativeReply is returned to the device when the vision provider
// fails, per spec §4.8's failure semantics.
const conservativeReply = "I couldn't process the image clearly. Please try again."

func (p *Pipeline) fail(ctx context.Context, job *ingest.Job, err error) {
	p.cfg.Logger.Warn("vision: job failed", "job_id", job.JobID, "err", err)
	p.digest(ctx, job, nil, false, true, conservativeReply)
}
