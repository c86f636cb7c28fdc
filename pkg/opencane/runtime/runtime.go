// Package runtime implements the Connection Runtime (C6): the central
// per-envelope dispatcher that resolves a Session, commits its sequence
// number, and routes by envelope type into the state machine described in
// spec §4.6, wiring together the Session Manager, Audio Pipeline, Ingest
// Queue, Vision Pipeline, Digital Task Executor and Safety Gate.
package runtime

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iflabx/opencane/pkg/opencane/audiopipeline"
	"github.com/iflabx/opencane/pkg/opencane/envelope"
	"github.com/iflabx/opencane/pkg/opencane/errs"
	"github.com/iflabx/opencane/pkg/opencane/ingest"
	"github.com/iflabx/opencane/pkg/opencane/logging"
	"github.com/iflabx/opencane/pkg/opencane/observability"
	"github.com/iflabx/opencane/pkg/opencane/safety"
	"github.com/iflabx/opencane/pkg/opencane/session"
	"github.com/iflabx/opencane/pkg/opencane/store"
	"github.com/iflabx/opencane/pkg/opencane/task"
	"github.com/iflabx/opencane/pkg/opencane/transport"
	"github.com/iflabx/opencane/pkg/opencane/vision"
)

// DefaultTTSChunkBytes is tts_audio_chunk_bytes from spec §4.6.
const DefaultTTSChunkBytes = 4096

// DialogueContext is the session-derived context passed to DialogueEngine.
type DialogueContext struct {
	SessionID string
	DeviceID  string
	Telemetry map[string]any
}

// DialogueReply is the DialogueEngine's response to a finalized transcript.
type DialogueReply struct {
	Text         string
	ThoughtTrace string
	Confidence   float64
	RiskLevel    safety.RiskLevel
}

// DialogueEngine produces a reply for a finalized voice turn.
type DialogueEngine interface {
	Reply(ctx context.Context, dctx DialogueContext, transcript string) (DialogueReply, error)
}

// TTSProvider synthesizes speech audio for server_audio mode; nil means
// every turn uses device_text mode.
type TTSProvider interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Config wires every component the runtime dispatches into.
type Config struct {
	Sessions    *session.Manager
	Audio       *audiopipeline.Pipeline
	Images      *ingest.Queue
	Tasks       *task.Executor
	Safety      *safety.Gate
	Dialogue    DialogueEngine
	TTS         TTSProvider
	Operations  *store.Store
	TTSChunkBytes int
	Logger      logging.Logger
	Metrics     *observability.Metrics
}

func (c Config) withDefaults() Config {
	if c.TTSChunkBytes == 0 {
		c.TTSChunkBytes = DefaultTTSChunkBytes
	}
	if c.Logger == nil {
		c.Logger = logging.DefaultLogger()
	}
	return c
}

// Runtime is the C6 dispatcher.
type Runtime struct {
	cfg Config

	mu       sync.Mutex
	adapters map[string]transport.Adapter // device_id -> last adapter seen
	ttsCancel map[string]context.CancelFunc // session_id -> cancel for in-flight speak
}

// New constructs a Runtime.
func New(cfg Config) *Runtime {
	cfg = cfg.withDefaults()
	return &Runtime{
		cfg:       cfg,
		adapters:  make(map[string]transport.Adapter),
		ttsCancel: make(map[string]context.CancelFunc),
	}
}

// OnDigest is the vision.Config.OnDigest callback this runtime exposes so
// callers can wire vision.New(vision.Config{..., OnDigest: rt.OnDigest}).
func (r *Runtime) OnDigest(ctx context.Context, d vision.Digest) {
	sess, err := r.cfg.Sessions.GetOrCreate(ctx, d.Job.DeviceID, d.Job.SessionID)
	if err != nil {
		r.cfg.Logger.Warn("runtime: vision digest: resolve session failed", "err", err)
		return
	}
	risk := safety.RiskP3
	confidence := 1.0
	if d.Context != nil && d.Context.Result.RiskLevel != "" {
		risk = safety.RiskLevel(d.Context.Result.RiskLevel)
		confidence = d.Context.Result.Confidence
	}
	rewritten := r.cfg.Safety.Rewrite(d.Reply, safety.Context{
		SessionID:  sess.SessionID,
		RiskLevel:  risk,
		Confidence: confidence,
		Source:     "vision",
	})
	turnID := "vision-" + d.Job.JobID
	if _, err := r.dispatchCommand(ctx, sess, envelope.TypeTTSChunk, envelope.TTSChunkPayload{
		TurnID: turnID, Text: rewritten.Text, Index: 0,
	}); err != nil {
		r.cfg.Logger.Warn("runtime: vision reply dispatch failed", "job_id", d.Job.JobID, "err", err)
	}
}

// Serve starts adapter and ranges its incoming events until ctx is
// canceled or the adapter's sequence ends. Call once per configured
// transport adapter; callers typically run one Serve per adapter in its
// own goroutine.
func (r *Runtime) Serve(ctx context.Context, adapter transport.Adapter) error {
	if err := adapter.Start(ctx); err != nil {
		return fmt.Errorf("runtime: start adapter: %w", err)
	}
	defer adapter.Stop(ctx)

	for env, err := range adapter.IncomingEvents() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			r.cfg.Logger.Warn("runtime: malformed inbound frame", "err", err)
			continue
		}
		if herr := r.handle(ctx, adapter, env); herr != nil {
			r.cfg.Logger.Warn("runtime: handle envelope failed", "device_id", env.DeviceID, "type", env.Type, "err", herr)
		}
	}
	return ctx.Err()
}

// AdapterCount reports the number of distinct devices with a remembered
// transport adapter, for the control surface's status endpoint.
func (r *Runtime) AdapterCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.adapters)
}

// DispatchOperation builds and sends an arbitrary command envelope to
// deviceID, persisting the attempt as a store.Operation with a freshly
// generated id the caller can poll or ack against. Backs
// POST /v1/device/ops/dispatch.
func (r *Runtime) DispatchOperation(ctx context.Context, deviceID, sessionID string, kind envelope.Type, payload map[string]any) (*store.Operation, error) {
	sess, err := r.cfg.Sessions.GetOrCreate(ctx, deviceID, sessionID)
	if err != nil {
		return nil, err
	}
	env, err := envelope.New(sess.DeviceID, sess.SessionID, kind, payload)
	if err != nil {
		return nil, fmt.Errorf("runtime: build command: %w", err)
	}
	seq := r.cfg.Sessions.NextOutboundSeq(ctx, sess)
	env.Seq = seq
	r.cfg.Sessions.RecordCommand(sess, seq, env)

	op := &store.Operation{
		OperationID: uuid.NewString(),
		DeviceID:    deviceID,
		Kind:        string(kind),
		Payload:     payload,
		Status:      "queued",
		CreatedAt:   time.Now(),
	}

	adapter := r.adapterFor(sess.DeviceID)
	online := adapter != nil
	if o, ok := adapter.(transport.Online); ok {
		online = o.IsOnline(sess.DeviceID)
	}
	if online {
		if err := adapter.SendCommand(ctx, env); err == nil {
			op.Status = "sent"
		} else {
			r.cfg.Sessions.AppendPending(sess, env)
		}
	} else {
		r.cfg.Sessions.AppendPending(sess, env)
	}

	if r.cfg.Operations != nil {
		if err := r.cfg.Operations.SaveOperation(ctx, op); err != nil {
			return nil, fmt.Errorf("runtime: %w", err)
		}
	}
	return op, nil
}

// Inject dispatches env through the same handling path as a live transport,
// reusing the device's last-seen adapter if one is remembered or falling
// back to a bodiless transport.Mock otherwise. Backs POST /v1/device/event,
// which exists purely for testing and replay (spec §6.2).
func (r *Runtime) Inject(ctx context.Context, env envelope.Envelope) error {
	adapter := r.adapterFor(env.DeviceID)
	if adapter == nil {
		mock := transport.NewMock(transport.Config{})
		mock.SetOnline(env.DeviceID, true)
		adapter = mock
	}
	return r.handle(ctx, adapter, env)
}

func (r *Runtime) rememberAdapter(deviceID string, adapter transport.Adapter) {
	r.mu.Lock()
	r.adapters[deviceID] = adapter
	r.mu.Unlock()
}

func (r *Runtime) adapterFor(deviceID string) transport.Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.adapters[deviceID]
}

func (r *Runtime) handle(ctx context.Context, adapter transport.Adapter, env envelope.Envelope) error {
	if env.DeviceID == "" {
		return fmt.Errorf("runtime: %w: missing device_id", errs.ErrInvalidControlPayload)
	}
	sess, err := r.cfg.Sessions.GetOrCreate(ctx, env.DeviceID, env.SessionID)
	if err != nil {
		return err
	}
	r.rememberAdapter(env.DeviceID, adapter)

	if decision := r.cfg.Sessions.CheckAndCommitSeq(ctx, sess, env.Seq); decision == session.SeqDuplicate {
		if cached, ok := sess.AckFor(env.Seq); ok {
			return r.resend(ctx, sess, adapter, cached)
		}
		_, err := r.dispatchCommand(ctx, sess, ackTypeFor(env.Type), ackPayloadFor(env, sess))
		return err
	}

	switch env.Type {
	case envelope.TypeHello:
		return r.handleHello(ctx, sess, adapter, env)
	case envelope.TypeListenStart:
		return r.handleListenStart(ctx, sess, env)
	case envelope.TypeAudioChunk:
		return r.handleAudioChunk(ctx, sess, env)
	case envelope.TypeListenStop:
		return r.handleListenStop(ctx, sess, env)
	case envelope.TypeAbort:
		return r.handleAbort(ctx, sess, env)
	case envelope.TypeImageReady:
		return r.handleImageReady(ctx, sess, env)
	case envelope.TypeHeartbeat:
		return r.handleHeartbeat(ctx, sess, env)
	case envelope.TypeTelemetry:
		return r.handleTelemetry(ctx, sess, env)
	case envelope.TypeToolResult:
		return r.handleToolResult(ctx, env)
	case envelope.TypeError:
		r.cfg.Logger.Warn("runtime: device reported error", "device_id", env.DeviceID)
		return nil
	default:
		return fmt.Errorf("runtime: unhandled envelope type %q", env.Type)
	}
}

func ackTypeFor(t envelope.Type) envelope.Type {
	if t == envelope.TypeHello {
		return envelope.TypeHelloAck
	}
	return envelope.TypeAck
}

func ackPayloadFor(env envelope.Envelope, sess *session.Session) any {
	if env.Type == envelope.TypeHello {
		return envelope.HelloAckPayload{SessionID: sess.SessionID}
	}
	return envelope.AckPayload{AckSeq: env.Seq}
}

// resend re-emits env verbatim: no new outbound seq, no replay_window entry,
// used to answer a duplicate inbound envelope with the exact ack/hello_ack
// it already received (spec §4.6's idempotent re-ack).
func (r *Runtime) resend(ctx context.Context, sess *session.Session, adapter transport.Adapter, env envelope.Envelope) error {
	if adapter != nil {
		if err := adapter.SendCommand(ctx, env); err == nil {
			return nil
		}
	}
	r.cfg.Sessions.AppendPending(sess, env)
	return nil
}

// dispatchAck sends an ack/hello_ack command and remembers it against
// inboundSeq so a retransmitted duplicate can be answered with the same
// envelope via resend instead of a newly dispatched one.
func (r *Runtime) dispatchAck(ctx context.Context, sess *session.Session, inboundSeq uint64, typ envelope.Type, payload any) error {
	ackEnv, err := r.dispatchCommand(ctx, sess, typ, payload)
	if err != nil {
		return err
	}
	sess.RecordAck(inboundSeq, ackEnv)
	return nil
}

// dispatchCommand allocates an outbound seq, records it in the replay
// window, and attempts delivery, falling back to pending_commands when the
// device is offline or delivery fails.
func (r *Runtime) dispatchCommand(ctx context.Context, sess *session.Session, typ envelope.Type, payload any) (envelope.Envelope, error) {
	env, err := envelope.New(sess.DeviceID, sess.SessionID, typ, payload)
	if err != nil {
		return env, fmt.Errorf("runtime: build command: %w", err)
	}
	seq := r.cfg.Sessions.NextOutboundSeq(ctx, sess)
	env.Seq = seq
	r.cfg.Sessions.RecordCommand(sess, seq, env)

	adapter := r.adapterFor(sess.DeviceID)
	online := adapter != nil
	if o, ok := adapter.(transport.Online); ok {
		online = o.IsOnline(sess.DeviceID)
	}
	if !online {
		r.cfg.Sessions.AppendPending(sess, env)
		r.persistOperation(ctx, sess.DeviceID, typ, payload, "queued")
		return env, nil
	}
	if err := adapter.SendCommand(ctx, env); err != nil {
		r.cfg.Sessions.AppendPending(sess, env)
		r.persistOperation(ctx, sess.DeviceID, typ, payload, "queued")
		return env, fmt.Errorf("runtime: %w", err)
	}
	r.persistOperation(ctx, sess.DeviceID, typ, payload, "sent")
	return env, nil
}

func (r *Runtime) persistOperation(ctx context.Context, deviceID string, typ envelope.Type, payload any, status string) {
	if r.cfg.Operations == nil {
		return
	}
	op := &store.Operation{
		OperationID: uuid.NewString(),
		DeviceID:    deviceID,
		Kind:        string(typ),
		Status:      status,
	}
	if m, ok := payload.(map[string]any); ok {
		op.Payload = m
	}
	if err := r.cfg.Operations.SaveOperation(ctx, op); err != nil {
		r.cfg.Logger.Warn("runtime: persist operation failed", "device_id", deviceID, "err", err)
	}
}

func (r *Runtime) handleHello(ctx context.Context, sess *session.Session, adapter transport.Adapter, env envelope.Envelope) error {
	var p envelope.HelloPayload
	if err := env.DecodePayload(&p); err != nil {
		return fmt.Errorf("runtime: %w: %w", errs.ErrInvalidControlPayload, err)
	}

	for _, replay := range sess.ReplayFrom(p.LastRecvSeq) {
		if err := adapter.SendCommand(ctx, replay); err != nil {
			r.cfg.Logger.Warn("runtime: replay send failed", "device_id", env.DeviceID, "seq", replay.Seq, "err", err)
		}
	}
	pending := sess.PendingCommands()
	for _, cmd := range pending {
		if err := adapter.SendCommand(ctx, cmd); err != nil {
			r.cfg.Logger.Warn("runtime: pending flush send failed", "device_id", env.DeviceID, "seq", cmd.Seq, "err", err)
		}
	}
	sess.ClearPendingCommands(len(pending))

	if r.cfg.Tasks != nil {
		r.cfg.Tasks.ReplayPending(ctx, env.DeviceID)
	}

	sess.SetState(session.StateReady)
	return r.dispatchAck(ctx, sess, env.Seq, envelope.TypeHelloAck, envelope.HelloAckPayload{SessionID: sess.SessionID})
}

func (r *Runtime) handleListenStart(ctx context.Context, sess *session.Session, env envelope.Envelope) error {
	if sess.State() == session.StateSpeaking {
		r.abortSpeak(sess.SessionID)
		if _, err := r.dispatchCommand(ctx, sess, envelope.TypeTTSStop, envelope.TTSStopPayload{
			TurnID: sess.ActiveTurnID(), Aborted: true,
		}); err != nil {
			r.cfg.Logger.Warn("runtime: barge-in tts_stop failed", "device_id", env.DeviceID, "err", err)
		}
	}
	sess.SetState(session.StateListening)
	if r.cfg.Audio != nil {
		r.cfg.Audio.OpenSegment(sess.SessionID)
	}
	return r.dispatchAck(ctx, sess, env.Seq, envelope.TypeAck, envelope.AckPayload{AckSeq: env.Seq})
}

func (r *Runtime) handleAudioChunk(ctx context.Context, sess *session.Session, env envelope.Envelope) error {
	if sess.State() != session.StateListening || r.cfg.Audio == nil {
		return nil
	}
	var p envelope.AudioChunkPayload
	if err := env.DecodePayload(&p); err != nil {
		return fmt.Errorf("runtime: %w: %w", errs.ErrInvalidAudioFrame, err)
	}
	pcm, err := base64.StdEncoding.DecodeString(p.AudioB64)
	if err != nil {
		return fmt.Errorf("runtime: %w: %w", errs.ErrInvalidAudioFrame, err)
	}
	r.cfg.Audio.AppendChunk(sess.SessionID, uint32(env.Seq), pcm)
	return nil
}

func (r *Runtime) handleListenStop(ctx context.Context, sess *session.Session, env envelope.Envelope) error {
	sess.SetState(session.StateThinking)
	var p envelope.ListenStopPayload
	if err := env.DecodePayload(&p); err != nil {
		return fmt.Errorf("runtime: %w: %w", errs.ErrInvalidControlPayload, err)
	}

	go r.runTurn(ctx, sess, p.Transcript)
	return nil
}

// runTurn finalizes the audio segment, calls the dialogue engine, runs the
// safety gate, and speaks the reply. It runs off the dispatch goroutine so
// a slow DialogueEngine never blocks ingestion of other sessions' events.
func (r *Runtime) runTurn(ctx context.Context, sess *session.Session, explicitTranscript string) {
	var transcriptText string
	if r.cfg.Audio != nil {
		transcript, err := r.cfg.Audio.Finalize(ctx, sess.SessionID, explicitTranscript)
		if err != nil {
			r.cfg.Logger.Warn("runtime: finalize transcript failed", "session_id", sess.SessionID, "err", err)
		}
		transcriptText = transcript.Text
	} else {
		transcriptText = explicitTranscript
	}

	turnID := uuid.NewString()
	sess.SetActiveTurnID(turnID)

	reply := DialogueReply{Text: "I'm sorry, I couldn't understand that."}
	if r.cfg.Dialogue != nil {
		out, err := r.cfg.Dialogue.Reply(ctx, DialogueContext{
			SessionID: sess.SessionID, DeviceID: sess.DeviceID, Telemetry: sess.Telemetry(),
		}, transcriptText)
		if err == nil {
			reply = out
		} else {
			r.cfg.Logger.Warn("runtime: dialogue engine failed", "session_id", sess.SessionID, "err", err)
		}
	}

	risk := reply.RiskLevel
	if risk == "" {
		risk = safety.RiskP3
	}
	rewritten := reply.Text
	if r.cfg.Safety != nil {
		res := r.cfg.Safety.Rewrite(reply.Text, safety.Context{
			SessionID: sess.SessionID, RiskLevel: risk, Confidence: reply.Confidence, Source: "dialogue",
		})
		rewritten = res.Text
	}

	sess.SetState(session.StateSpeaking)
	r.speak(ctx, sess, turnID, rewritten)
	if sess.State() == session.StateSpeaking {
		sess.SetState(session.StateReady)
	}
}

func (r *Runtime) speak(ctx context.Context, sess *session.Session, turnID, text string) {
	speakCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.ttsCancel[sess.SessionID] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.ttsCancel, sess.SessionID)
		r.mu.Unlock()
		cancel()
	}()

	mode := "device_text"
	if r.cfg.TTS != nil {
		mode = "server_audio"
	}
	if _, err := r.dispatchCommand(ctx, sess, envelope.TypeTTSStart, envelope.TTSStartPayload{TurnID: turnID, Mode: mode}); err != nil {
		r.cfg.Logger.Warn("runtime: tts_start failed", "session_id", sess.SessionID, "err", err)
	}

	aborted := false
	if mode == "server_audio" {
		audio, err := r.cfg.TTS.Synthesize(speakCtx, text)
		if err != nil {
			r.cfg.Logger.Warn("runtime: tts synthesis failed", "session_id", sess.SessionID, "err", err)
		} else {
			aborted = r.streamAudio(ctx, speakCtx, sess, turnID, audio)
		}
	} else {
		if _, err := r.dispatchCommand(ctx, sess, envelope.TypeTTSChunk, envelope.TTSChunkPayload{
			TurnID: turnID, Text: text, Index: 0,
		}); err != nil {
			r.cfg.Logger.Warn("runtime: tts_chunk failed", "session_id", sess.SessionID, "err", err)
		}
	}

	if _, err := r.dispatchCommand(ctx, sess, envelope.TypeTTSStop, envelope.TTSStopPayload{TurnID: turnID, Aborted: aborted}); err != nil {
		r.cfg.Logger.Warn("runtime: tts_stop failed", "session_id", sess.SessionID, "err", err)
	}
}

func (r *Runtime) streamAudio(ctx, speakCtx context.Context, sess *session.Session, turnID string, audio []byte) (aborted bool) {
	chunkSize := r.cfg.TTSChunkBytes
	for i, idx := 0, 0; i < len(audio); i, idx = i+chunkSize, idx+1 {
		select {
		case <-speakCtx.Done():
			return true
		default:
		}
		end := i + chunkSize
		if end > len(audio) {
			end = len(audio)
		}
		if _, err := r.dispatchCommand(ctx, sess, envelope.TypeTTSChunk, envelope.TTSChunkPayload{
			TurnID: turnID, AudioB64: base64.StdEncoding.EncodeToString(audio[i:end]), Index: idx,
		}); err != nil {
			r.cfg.Logger.Warn("runtime: tts audio chunk failed", "session_id", sess.SessionID, "err", err)
		}
	}
	return false
}

func (r *Runtime) abortSpeak(sessionID string) {
	r.mu.Lock()
	cancel, ok := r.ttsCancel[sessionID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

func (r *Runtime) handleAbort(ctx context.Context, sess *session.Session, env envelope.Envelope) error {
	var p envelope.AbortPayload
	if err := env.DecodePayload(&p); err != nil {
		return fmt.Errorf("runtime: %w: %w", errs.ErrInvalidControlPayload, err)
	}
	r.abortSpeak(sess.SessionID)
	if r.cfg.Audio != nil {
		r.cfg.Audio.CloseSegment(sess.SessionID)
	}
	if r.cfg.Images != nil {
		r.cfg.Images.CancelSession(sess.SessionID)
	}
	if p.CancelDigitalTask && r.cfg.Tasks != nil {
		if taskID := sess.ActiveTaskID(); taskID != "" {
			r.cfg.Tasks.Cancel(ctx, taskID, "abort")
		}
	}
	sess.SetState(session.StateReady)
	return r.dispatchAck(ctx, sess, env.Seq, envelope.TypeAck, envelope.AckPayload{AckSeq: env.Seq})
}

func (r *Runtime) handleImageReady(ctx context.Context, sess *session.Session, env envelope.Envelope) error {
	var p envelope.ImageReadyPayload
	if err := env.DecodePayload(&p); err != nil {
		return fmt.Errorf("runtime: %w: %w", errs.ErrInvalidControlPayload, err)
	}
	data, err := base64.StdEncoding.DecodeString(p.ImageB64)
	if err != nil {
		return fmt.Errorf("runtime: %w: %w", errs.ErrInvalidControlPayload, err)
	}
	if r.cfg.Images != nil {
		if _, err := r.cfg.Images.Enqueue(ctx, sess.SessionID, sess.DeviceID, data, p.Mime, p.Question); err != nil {
			r.cfg.Logger.Warn("runtime: image enqueue failed", "session_id", sess.SessionID, "err", err)
		}
	}
	return r.dispatchAck(ctx, sess, env.Seq, envelope.TypeAck, envelope.AckPayload{AckSeq: env.Seq})
}

func (r *Runtime) handleHeartbeat(ctx context.Context, sess *session.Session, env envelope.Envelope) error {
	return r.dispatchAck(ctx, sess, env.Seq, envelope.TypeAck, envelope.AckPayload{AckSeq: env.Seq})
}

func (r *Runtime) handleTelemetry(ctx context.Context, sess *session.Session, env envelope.Envelope) error {
	var p envelope.TelemetryPayload
	if err := env.DecodePayload(&p); err != nil {
		return fmt.Errorf("runtime: %w: %w", errs.ErrInvalidControlPayload, err)
	}
	r.cfg.Sessions.UpdateTelemetry(ctx, sess, p.Values)
	return nil
}

func (r *Runtime) handleToolResult(ctx context.Context, env envelope.Envelope) error {
	var p envelope.ToolResultPayload
	if err := env.DecodePayload(&p); err != nil {
		return fmt.Errorf("runtime: %w: %w", errs.ErrInvalidControlPayload, err)
	}
	if r.cfg.Operations == nil {
		return nil
	}
	op, err := r.cfg.Operations.LoadOperation(ctx, p.OperationID)
	if err != nil {
		return nil // unknown operation_id; nothing to update
	}
	if p.Success {
		op.Status = "acked"
	} else {
		op.Status = "failed"
	}
	return r.cfg.Operations.SaveOperation(ctx, op)
}
