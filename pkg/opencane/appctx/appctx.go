// Package appctx constructs the RuntimeContext: every long-lived
// component wired from a single config.Config, in dependency order. It
// mirrors the teacher's cortex command's inline construction (one place
// that owns the whole object graph) but factored out so cmd/opencane can
// stay a thin cobra entrypoint.
package appctx

import (
	"context"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/iflabx/opencane/pkg/kv"
	"github.com/iflabx/opencane/pkg/opencane/audiopipeline"
	"github.com/iflabx/opencane/pkg/opencane/config"
	"github.com/iflabx/opencane/pkg/opencane/envelope"
	"github.com/iflabx/opencane/pkg/opencane/httpapi"
	"github.com/iflabx/opencane/pkg/opencane/ingest"
	"github.com/iflabx/opencane/pkg/opencane/logging"
	"github.com/iflabx/opencane/pkg/opencane/observability"
	"github.com/iflabx/opencane/pkg/opencane/profile"
	"github.com/iflabx/opencane/pkg/opencane/providers/openai"
	"github.com/iflabx/opencane/pkg/opencane/runtime"
	"github.com/iflabx/opencane/pkg/opencane/safety"
	"github.com/iflabx/opencane/pkg/opencane/session"
	"github.com/iflabx/opencane/pkg/opencane/store"
	"github.com/iflabx/opencane/pkg/opencane/task"
	"github.com/iflabx/opencane/pkg/opencane/transport"
	"github.com/iflabx/opencane/pkg/opencane/vectorindex"
	"github.com/iflabx/opencane/pkg/opencane/vision"
	"github.com/iflabx/opencane/pkg/storage"
	"github.com/iflabx/opencane/pkg/vecstore"
)

// RuntimeContext holds every component Build constructs, so callers (the
// run command, tests) can reach into it after startup.
type RuntimeContext struct {
	Config      *config.Config
	Logger      logging.Logger
	Metrics     *observability.Metrics
	History     *observability.History
	Store       *store.Store
	Sessions    *session.Manager
	Images      *ingest.Queue
	Vision      *vision.Pipeline
	Audio       *audiopipeline.Pipeline
	Tasks       *task.Executor
	Safety      *safety.Gate
	VectorIndex *vectorindex.Index
	Runtime     *runtime.Runtime
	HTTP        *httpapi.Server
	Transports  []namedAdapter
}

type namedAdapter struct {
	Name    string
	Adapter transport.Adapter
}

// Build wires a RuntimeContext from cfg. Under cfg.StrictStartup, any
// dependency failure (storage, embedder ping skipped — no network calls
// happen here) is returned for the caller to treat as fatal; without it,
// callers may still choose to exit, since none of this runtime's
// components currently have a degraded-but-running mode.
func Build(ctx context.Context, cfg *config.Config) (*RuntimeContext, error) {
	logger := logging.DefaultLogger()
	metrics := observability.NewMetrics()
	history := observability.NewHistory(2880) // 24h at 30s ticks

	kvStore, err := buildKV(cfg)
	if err != nil {
		return nil, fmt.Errorf("appctx: storage: %w", err)
	}
	st := store.New(kvStore)

	assets, err := buildAssetStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("appctx: asset store: %w", err)
	}

	oaiCfg := openai.Config{
		APIKey:  cfg.Providers.OpenAI.APIKey,
		BaseURL: cfg.Providers.OpenAI.BaseURL,
	}
	embedder := openai.NewEmbedder(oaiCfg, openai.WithEmbeddingModel(cfg.Providers.OpenAI.EmbeddingModel), openai.WithEmbeddingDimension(cfg.Providers.OpenAI.EmbeddingDimension))
	vecIndex := vectorindex.New(buildVecStore(cfg), embedder)

	sessions := session.NewManager(st, logger)

	rc := &RuntimeContext{
		Config:      cfg,
		Logger:      logger,
		Metrics:     metrics,
		History:     history,
		Store:       st,
		Sessions:    sessions,
		VectorIndex: vecIndex,
	}

	// The vision pipeline's OnDigest needs the runtime, and the runtime's
	// Config needs the ingest queue built on top of the vision pipeline.
	// rc.Runtime is filled in below; this closure defers the dereference
	// until the digest actually fires, by which point construction has
	// finished.
	onDigest := func(ctx context.Context, d vision.Digest) {
		if rc.Runtime != nil {
			rc.Runtime.OnDigest(ctx, d)
		}
	}

	visionPipeline := vision.New(vision.Config{
		Assets:         assets,
		Contexts:       st,
		VectorIndex:    vecIndex,
		Provider:       openai.NewVision(oaiCfg, openai.WithVisionModel(cfg.Providers.OpenAI.VisionModel)),
		DedupWindow:    cfg.Vision.DedupWindow(),
		DedupThreshold: cfg.Vision.DedupThreshold,
		Logger:         logger,
		Metrics:        metrics,
		OnDigest:       onDigest,
	})
	rc.Vision = visionPipeline

	images := ingest.NewQueue(ingest.Config{
		Capacity: cfg.Ingest.Capacity,
		Workers:  cfg.Ingest.Workers,
		Overflow: cfg.Ingest.OverflowPolicy(),
		Logger:   logger,
		Metrics:  metrics,
	}, visionPipeline.Handle)
	rc.Images = images

	audio := audiopipeline.New(audiopipeline.Config{
		Transcription: openai.NewTranscription(oaiCfg, openai.WithTranscriptionModel(cfg.Providers.OpenAI.TranscriptionModel)),
		Logger:        logger,
	})
	rc.Audio = audio

	// Same forward-reference as onDigest above: Push fires only after a
	// task status transition, by which point rc.Runtime is set.
	push := func(ctx context.Context, deviceID, taskID string, status task.Status, message string, speak bool) error {
		if rc.Runtime == nil {
			return nil
		}
		if _, err := rc.Runtime.DispatchOperation(ctx, deviceID, "", envelope.TypeTaskUpdate, map[string]any{
			"task_id": taskID,
			"status":  string(status),
			"message": message,
		}); err != nil {
			return err
		}
		if speak && message != "" {
			if _, err := rc.Runtime.DispatchOperation(ctx, deviceID, "", envelope.TypeTTSChunk, map[string]any{
				"turn_id": "task-" + taskID,
				"text":    message,
				"index":   0,
			}); err != nil {
				return err
			}
		}
		return nil
	}

	tasks := task.New(task.Config{
		Store:   st,
		Push:    push,
		Logger:  logger,
		Metrics: metrics,
	})
	if err := tasks.Recover(ctx); err != nil {
		return nil, fmt.Errorf("appctx: task recovery: %w", err)
	}
	rc.Tasks = tasks

	gate := safety.New(safety.Config{
		DirectionalConfidenceThreshold: cfg.Safety.DirectionalConfidenceThreshold,
		LowConfidenceThreshold:         cfg.Safety.LowConfidenceThreshold,
		LengthCap:                      cfg.Safety.LengthCap,
		ConflictWindow:                 cfg.Safety.ConflictWindow(),
		OnAudit: func(ev safety.AuditEvent) {
			if err := st.SaveSafetyEvent(context.Background(), &ev); err != nil {
				logger.Warn("appctx: save safety event failed", "err", err)
			}
		},
	})
	rc.Safety = gate

	rt := runtime.New(runtime.Config{
		Sessions:      sessions,
		Audio:         audio,
		Images:        images,
		Tasks:         tasks,
		Safety:        gate,
		Dialogue:      openai.NewDialogue(oaiCfg, openai.WithDialogueModel(cfg.Providers.OpenAI.DialogueModel)),
		TTS:           openai.NewTTS(oaiCfg, openai.WithTTSModel(cfg.Providers.OpenAI.TTSModel), openai.WithTTSVoice(cfg.Providers.OpenAI.TTSVoice)),
		Operations:    st,
		TTSChunkBytes: cfg.TTSChunkBytes,
		Logger:        logger,
		Metrics:       metrics,
	})
	rc.Runtime = rt

	httpSrv := httpapi.New(httpapi.Config{
		Sessions:     sessions,
		Runtime:      rt,
		Images:       images,
		Tasks:        tasks,
		VectorIndex:  vecIndex,
		Store:        st,
		Metrics:      metrics,
		History:      history,
		Logger:       logger,
		AuthToken:    cfg.HTTP.AuthToken,
		RequireNonce: cfg.HTTP.RequireNonce,
		ReplayWindow: cfg.HTTP.ReplayWindow(),
	})
	rc.HTTP = httpSrv

	adapters, err := buildTransports(cfg)
	if err != nil {
		return nil, fmt.Errorf("appctx: transports: %w", err)
	}
	rc.Transports = adapters

	return rc, nil
}

func buildKV(cfg *config.Config) (kv.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return kv.NewMemory(nil), nil
	default:
		return kv.NewBadger(kv.BadgerOptions{Dir: cfg.Store.DataDir})
	}
}

func buildAssetStore(ctx context.Context, cfg *config.Config) (storage.FileStore, error) {
	switch cfg.Vision.AssetStore {
	case "s3":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Vision.S3Region))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg)
		return storage.NewS3(client, cfg.Vision.S3Bucket, cfg.Vision.S3Prefix), nil
	default:
		return storage.NewLocal(cfg.Vision.FSRoot)
	}
}

func buildVecStore(cfg *config.Config) vecstore.Index {
	dim := cfg.Providers.OpenAI.EmbeddingDimension
	if dim == 0 {
		dim = openai.DefaultEmbeddingDimension
	}
	return vecstore.NewHNSW(vecstore.HNSWConfig{Dim: dim})
}

func buildTransports(cfg *config.Config) ([]namedAdapter, error) {
	out := make([]namedAdapter, 0, len(cfg.Transports))
	for _, t := range cfg.Transports {
		tcfg := transport.Config{}
		var adapter transport.Adapter
		switch t.Kind {
		case "generic_mqtt":
			prof, err := profile.Lookup(t.ProfileName)
			if err != nil {
				return nil, err
			}
			adapter = transport.NewGenericMQTT(t.ListenAddr, prof, tcfg)
		case "ec600_mqtt":
			m, err := transport.NewEC600MQTT(t.ListenAddr, tcfg)
			if err != nil {
				return nil, err
			}
			adapter = m
		case "websocket":
			adapter = transport.NewWebSocket(t.ListenAddr, t.WSMagic, tcfg)
		default:
			return nil, fmt.Errorf("unknown transport kind %q", t.Kind)
		}
		out = append(out, namedAdapter{Name: t.Name, Adapter: adapter})
	}
	return out, nil
}

// Start brings up the HTTP surface and every configured transport. It
// returns once all listeners have been asked to start; long-running serve
// loops run in background goroutines and report through errCh.
func (rc *RuntimeContext) Start(ctx context.Context, errCh chan<- error) error {
	for _, na := range rc.Transports {
		if err := na.Adapter.Start(ctx); err != nil {
			return fmt.Errorf("transport %s: start: %w", na.Name, err)
		}
		adapter := na.Adapter
		name := na.Name
		go func() {
			if err := rc.Runtime.Serve(ctx, adapter); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("transport %s: serve: %w", name, err)
			}
		}()
	}

	go func() {
		if err := rc.HTTP.Run(ctx, rc.Config.HTTP.ListenAddr); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	go rc.recordMetricsHistory(ctx)

	return nil
}

// recordMetricsHistory snapshots Metrics into History every 30s so
// /v1/history (§6.2) has something to serve beyond process start.
func (rc *RuntimeContext) recordMetricsHistory(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rc.History.Record(time.Now(), rc.Metrics.Snapshot())
		}
	}
}

// Shutdown stops every transport adapter. The HTTP server's Run is
// expected to honor ctx cancellation itself (grounded on the teacher's
// echo-based server lifecycle).
func (rc *RuntimeContext) Shutdown(ctx context.Context) {
	for _, na := range rc.Transports {
		if err := na.Adapter.Stop(ctx); err != nil {
			rc.Logger.Warn("appctx: transport stop failed", "name", na.Name, "err", err)
		}
	}
}
