package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"iter"
	"net"
	"strings"
	"sync"

	"github.com/iflabx/opencane/pkg/mqtt0"
	"github.com/iflabx/opencane/pkg/opencane/envelope"
	"github.com/iflabx/opencane/pkg/opencane/errs"
	"github.com/iflabx/opencane/pkg/opencane/profile"
)

// MQTT is the GenericMQTT/EC600MQTT transport variant (C3): an embedded
// mqtt0.Broker terminates the wire, normalizes both framed_packet and
// json_b64 audio into AudioChunkPayload, and exposes the canonical event
// stream. mqtt0.Broker only speaks QoS 0 on the wire; the "control uses
// QoS>=1" guarantee from spec §4.3 is realized above the wire by the
// runtime's replay_window and ack discipline (§4.6), not by the broker.
type MQTT struct {
	cfg     Config
	profile profile.Profile
	addr    string

	broker   *mqtt0.Broker
	listener net.Listener

	mu        sync.Mutex
	online    map[string]bool
	outQueues map[string]chan envelope.Envelope

	events chan event
	closed chan struct{}
}

type event struct {
	env envelope.Envelope
	err error
}

// NewGenericMQTT builds an MQTT adapter configured by an arbitrary profile.
func NewGenericMQTT(addr string, prof profile.Profile, cfg Config) *MQTT {
	cfg = cfg.withDefaults()
	return &MQTT{
		cfg:       cfg,
		profile:   prof,
		addr:      addr,
		online:    make(map[string]bool),
		outQueues: make(map[string]chan envelope.Envelope),
		events:    make(chan event, cfg.OutputQueueSize),
		closed:    make(chan struct{}),
	}
}

// NewEC600MQTT builds an MQTT adapter preconfigured for the legacy
// ec600mcnle_v1 profile.
func NewEC600MQTT(addr string, cfg Config) (*MQTT, error) {
	p, err := profile.Lookup("ec600mcnle_v1")
	if err != nil {
		return nil, err
	}
	return NewGenericMQTT(addr, p, cfg), nil
}

var _ Adapter = (*MQTT)(nil)
var _ Online = (*MQTT)(nil)

func (m *MQTT) Start(ctx context.Context) error {
	ln, err := mqtt0.Listen("tcp", m.addr, nil)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", m.addr, err)
	}
	m.listener = ln
	m.broker = &mqtt0.Broker{
		Authenticator: mqtt0.AllowAll{},
		Handler:       mqtt0.HandlerFunc(m.handleMessage),
		OnDisconnect:  m.handleDisconnect,
	}
	go func() {
		if err := m.broker.Serve(ln); err != nil {
			m.cfg.Logger.Warn("mqtt broker stopped", "err", err, "addr", m.addr)
		}
	}()
	return nil
}

func (m *MQTT) Stop(ctx context.Context) error {
	if m.broker != nil {
		_ = m.broker.Close()
	}
	select {
	case <-m.closed:
	default:
		close(m.closed)
	}
	return nil
}

func (m *MQTT) handleDisconnect(clientID string) {
	deviceID := deviceIDFromClientID(clientID)
	m.mu.Lock()
	m.online[deviceID] = false
	m.mu.Unlock()
}

// deviceIDFromClientID assumes clients authenticate with their device id as
// the MQTT client id, matching the topic templates in §6.1.
func deviceIDFromClientID(clientID string) string { return clientID }

func (m *MQTT) handleMessage(clientID string, msg *mqtt0.Message) {
	deviceID := deviceFromTopic(msg.Topic)
	if deviceID == "" {
		deviceID = deviceIDFromClientID(clientID)
	}
	m.mu.Lock()
	m.online[deviceID] = true
	m.mu.Unlock()

	switch {
	case strings.HasSuffix(msg.Topic, "/up/control"):
		m.handleControl(deviceID, msg.Payload)
	case strings.HasSuffix(msg.Topic, "/up/audio"):
		m.handleAudio(deviceID, msg.Payload)
	}
}

func deviceFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 2 && parts[0] == "device" {
		return parts[1]
	}
	return ""
}

func (m *MQTT) handleControl(deviceID string, payload []byte) {
	var env envelope.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		m.emitErrorEnvelope(deviceID, errs.ErrInvalidControlPayload, err)
		return
	}
	if env.DeviceID == "" {
		env.DeviceID = deviceID
	}
	m.emit(env, nil)
}

func (m *MQTT) handleAudio(deviceID string, payload []byte) {
	var audioB64 string
	var seq uint64
	switch m.profile.AudioMode {
	case profile.AudioModeJSONBase64:
		var p envelope.AudioChunkPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			m.emitErrorEnvelope(deviceID, errs.ErrInvalidAudioFrame, err)
			return
		}
		audioB64 = p.AudioB64
	default: // framed_packet
		f, err := envelope.DecodeFrame(payload, m.profile.Magic)
		if err != nil {
			m.emitErrorEnvelope(deviceID, errs.ErrInvalidAudioFrame, err)
			return
		}
		audioB64 = base64.StdEncoding.EncodeToString(f.Payload)
		seq = uint64(f.Seq)
	}
	env, err := envelope.New(deviceID, "", envelope.TypeAudioChunk, envelope.AudioChunkPayload{AudioB64: audioB64})
	if err != nil {
		m.emitErrorEnvelope(deviceID, errs.ErrInvalidAudioFrame, err)
		return
	}
	env.Seq = seq
	m.emit(env, nil)
}

func (m *MQTT) emitErrorEnvelope(deviceID string, taxonomy, cause error) {
	env, _ := envelope.New(deviceID, "", envelope.TypeError, envelope.ErrorPayload{
		Code:    taxonomy.Error(),
		Message: cause.Error(),
	})
	m.emit(env, fmt.Errorf("%w: %v", taxonomy, cause))
}

func (m *MQTT) emit(env envelope.Envelope, err error) {
	select {
	case m.events <- event{env: env, err: err}:
	case <-m.closed:
	}
}

func (m *MQTT) IncomingEvents() iter.Seq2[envelope.Envelope, error] {
	return func(yield func(envelope.Envelope, error) bool) {
		for {
			select {
			case e := <-m.events:
				if !yield(e.env, e.err) {
					return
				}
			case <-m.closed:
				return
			}
		}
	}
}

// SendCommand publishes env on the device's outbound control topic
// synchronously through the embedded broker. This adapter keeps no output
// queue, so OutputQueueSize does not bound it and it never reports a full
// queue; an error from the broker's Publish is wrapped in
// errs.ErrBackpressure.
func (m *MQTT) SendCommand(ctx context.Context, env envelope.Envelope) error {
	topic := profile.Topic(m.profile.OutboundControlTopic, env.DeviceID)
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("transport: marshal command: %w", err)
	}
	if err := m.broker.Publish(ctx, topic, b); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrBackpressure, err)
	}
	return nil
}

func (m *MQTT) Ack(ctx context.Context, deviceID string, seq uint64) error { return nil }

func (m *MQTT) CloseSession(ctx context.Context, deviceID, reason string) error {
	env, _ := envelope.New(deviceID, "", envelope.TypeClose, envelope.ClosePayload{Reason: reason})
	return m.SendCommand(ctx, env)
}

func (m *MQTT) IsOnline(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online[deviceID]
}
