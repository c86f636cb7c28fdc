// Package profile holds the static registry of modem-specific transport
// parameters: topic templates, audio mode, header constants, QoS, and
// reconnect backoff bounds. Unknown profile names are fatal at startup;
// runtime overrides may supersede any field afterward.
package profile

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AudioMode selects how audio is carried on the wire.
type AudioMode string

const (
	// AudioModeFramedPacket carries audio as 16-byte-header binary frames
	// (envelope.Frame).
	AudioModeFramedPacket AudioMode = "framed_packet"
	// AudioModeJSONBase64 carries audio base64-encoded inside the JSON
	// envelope payload.
	AudioModeJSONBase64 AudioMode = "json_b64"
)

// QoS mirrors the MQTT quality-of-service levels relevant to this runtime.
type QoS int

const (
	QoS0 QoS = 0
	QoS1 QoS = 1
	QoS2 QoS = 2
)

// Profile describes one modem dialect's wire parameters.
type Profile struct {
	Name string

	// Topic templates; "{device_id}" is substituted by the caller.
	InboundControlTopic  string
	InboundAudioTopic    string
	OutboundControlTopic string
	OutboundAudioTopic   string

	ControlQoS QoS
	AudioQoS   QoS

	KeepaliveSeconds int
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration

	AudioMode AudioMode
	Magic     byte

	SupportsToolResult          bool
	SupportsTelemetryNormalize  bool
}

// Topic substitutes {device_id} in a template.
func Topic(template, deviceID string) string {
	return strings.ReplaceAll(template, "{device_id}", deviceID)
}

func builtin(name string, magic byte, audioMode AudioMode, supportsToolResult, supportsTelemetry bool) Profile {
	return Profile{
		Name:                       name,
		InboundControlTopic:        "device/{device_id}/up/control",
		InboundAudioTopic:          "device/{device_id}/up/audio",
		OutboundControlTopic:       "device/{device_id}/down/control",
		OutboundAudioTopic:         "device/{device_id}/down/audio",
		ControlQoS:                 QoS1,
		AudioQoS:                   QoS0,
		KeepaliveSeconds:           60,
		ReconnectMin:               1 * time.Second,
		ReconnectMax:               30 * time.Second,
		AudioMode:                  audioMode,
		Magic:                      magic,
		SupportsToolResult:         supportsToolResult,
		SupportsTelemetryNormalize: supportsTelemetry,
	}
}

// builtins is the static registry. Runtime overrides are applied by callers
// on top of a copy returned from Lookup, never mutated in place.
var builtins = map[string]Profile{
	"ec600mcnle_v1": builtin("ec600mcnle_v1", 0xA1, AudioModeFramedPacket, true, true),
	"a7670c_v1":     builtin("a7670c_v1", 0xA1, AudioModeFramedPacket, true, false),
	"sim7600g_h_v1": builtin("sim7600g_h_v1", 0xA2, AudioModeJSONBase64, false, false),
	"ec800m_v1":     builtin("ec800m_v1", 0xA1, AudioModeFramedPacket, true, true),
	"ml307r_dl_v1":  builtin("ml307r_dl_v1", 0xA3, AudioModeJSONBase64, false, true),
}

// Lookup returns a copy of the named built-in profile. An unknown name is
// a fatal condition at startup per spec; callers should treat a non-nil
// error as unrecoverable.
func Lookup(name string) (Profile, error) {
	p, ok := builtins[name]
	if !ok {
		return Profile{}, fmt.Errorf("profile: unknown modem profile %q", name)
	}
	return p, nil
}

// Names returns the sorted list of built-in profile names.
func Names() []string {
	names := make([]string, 0, len(builtins))
	for n := range builtins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Override is a set of field overrides applied on top of a looked-up
// Profile. Zero-valued fields are left unchanged; use a pointer-bearing
// struct only where "unset" must be distinguishable from the zero value.
// Tagged for gopkg.in/yaml.v3 so a per-device override file can be decoded
// directly with LoadOverride.
type Override struct {
	InboundControlTopic  string        `yaml:"inbound_control_topic,omitempty"`
	InboundAudioTopic    string        `yaml:"inbound_audio_topic,omitempty"`
	OutboundControlTopic string        `yaml:"outbound_control_topic,omitempty"`
	OutboundAudioTopic   string        `yaml:"outbound_audio_topic,omitempty"`
	ControlQoS           *QoS          `yaml:"control_qos,omitempty"`
	AudioQoS             *QoS          `yaml:"audio_qos,omitempty"`
	KeepaliveSeconds     int           `yaml:"keepalive_seconds,omitempty"`
	ReconnectMin         time.Duration `yaml:"reconnect_min,omitempty"`
	ReconnectMax         time.Duration `yaml:"reconnect_max,omitempty"`
	AudioMode            AudioMode     `yaml:"audio_mode,omitempty"`
	Magic                *byte         `yaml:"magic,omitempty"`
}

// LoadOverride decodes a single profile override document, e.g. a
// per-device file referenced from opencane.yaml's profile_overrides map.
func LoadOverride(data []byte) (Override, error) {
	var o Override
	if err := yaml.Unmarshal(data, &o); err != nil {
		return Override{}, fmt.Errorf("profile: decode override: %w", err)
	}
	return o, nil
}

// Apply returns p with non-zero fields of o applied.
func (p Profile) Apply(o Override) Profile {
	if o.InboundControlTopic != "" {
		p.InboundControlTopic = o.InboundControlTopic
	}
	if o.InboundAudioTopic != "" {
		p.InboundAudioTopic = o.InboundAudioTopic
	}
	if o.OutboundControlTopic != "" {
		p.OutboundControlTopic = o.OutboundControlTopic
	}
	if o.OutboundAudioTopic != "" {
		p.OutboundAudioTopic = o.OutboundAudioTopic
	}
	if o.ControlQoS != nil {
		p.ControlQoS = *o.ControlQoS
	}
	if o.AudioQoS != nil {
		p.AudioQoS = *o.AudioQoS
	}
	if o.KeepaliveSeconds != 0 {
		p.KeepaliveSeconds = o.KeepaliveSeconds
	}
	if o.ReconnectMin != 0 {
		p.ReconnectMin = o.ReconnectMin
	}
	if o.ReconnectMax != 0 {
		p.ReconnectMax = o.ReconnectMax
	}
	if o.AudioMode != "" {
		p.AudioMode = o.AudioMode
	}
	if o.Magic != nil {
		p.Magic = *o.Magic
	}
	return p
}
