// Package config loads and validates the single YAML file that wires a
// RuntimeContext together: listen address, auth, storage, provider
// credentials, and every tunable default spec.md leaves as "implementations
// should expose it as configuration" (§9). Load-then-validate mirrors the
// teacher's pkg/genx/agentcfg shape: parse into a plain struct, then run
// Validate's field checks before any component is constructed. Schema
// generates a JSON Schema of the same struct on request; Parse does not
// apply it.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/google/jsonschema-go/jsonschema"

	"github.com/iflabx/opencane/pkg/opencane/httpapi"
	"github.com/iflabx/opencane/pkg/opencane/ingest"
	"github.com/iflabx/opencane/pkg/opencane/profile"
	"github.com/iflabx/opencane/pkg/opencane/providers/openai"
)

// Config is the root of opencane.yaml.
type Config struct {
	HTTP      HTTPConfig              `yaml:"http"`
	Store     StoreConfig             `yaml:"store"`
	Vision    VisionConfig            `yaml:"vision"`
	Ingest    IngestConfig            `yaml:"ingest"`
	Safety    SafetyConfig            `yaml:"safety"`
	Providers ProvidersConfig         `yaml:"providers"`
	Profiles  map[string]profile.Override `yaml:"profile_overrides,omitempty"`
	Transports []TransportConfig      `yaml:"transports,omitempty"`

	// TTSChunkBytes is tts_audio_chunk_bytes from spec §4.6.
	TTSChunkBytes int `yaml:"tts_chunk_bytes,omitempty"`

	// StrictStartup, when true, makes any dependency failure (storage,
	// provider ping, profile lookup) fatal at boot instead of degraded.
	StrictStartup bool `yaml:"strict_startup"`
}

type HTTPConfig struct {
	ListenAddr          string        `yaml:"listen_addr"`
	AuthToken           string        `yaml:"auth_token,omitempty"`
	RequireNonce        bool          `yaml:"require_nonce,omitempty"`
	ReplayWindowSeconds int           `yaml:"replay_window_seconds,omitempty"`
}

type StoreConfig struct {
	// Backend is "badger" or "memory". Memory is only valid with
	// StrictStartup false, matching the teacher's kv.Memory/kv.Badger pairing.
	Backend string `yaml:"backend"`
	DataDir string `yaml:"data_dir,omitempty"`
}

type VisionConfig struct {
	// AssetStore is "fs" or "s3", selecting pkg/storage's backend for
	// raw lifelog image bytes.
	AssetStore string `yaml:"asset_store"`
	FSRoot     string `yaml:"fs_root,omitempty"`
	S3Bucket   string `yaml:"s3_bucket,omitempty"`
	S3Region   string `yaml:"s3_region,omitempty"`
	S3Prefix   string `yaml:"s3_prefix,omitempty"`

	DedupWindowSeconds int `yaml:"dedup_window_seconds,omitempty"`
	DedupThreshold     int `yaml:"dedup_threshold,omitempty"`
}

type IngestConfig struct {
	Capacity int    `yaml:"capacity,omitempty"`
	Workers  int    `yaml:"workers,omitempty"`
	Overflow string `yaml:"overflow,omitempty"` // "reject" | "wait" | "drop_oldest"
}

type SafetyConfig struct {
	DirectionalConfidenceThreshold float64 `yaml:"directional_confidence_threshold,omitempty"`
	LowConfidenceThreshold         float64 `yaml:"low_confidence_threshold,omitempty"`
	LengthCap                      int     `yaml:"length_cap,omitempty"`
	ConflictWindowSeconds          int     `yaml:"conflict_window_seconds,omitempty"`
}

// TransportConfig describes one device-facing listener. Kind selects the
// transport.Adapter constructor: "generic_mqtt" (ProfileName required),
// "ec600_mqtt" (legacy ec600mcnle_v1 profile, ProfileName ignored), or
// "websocket" (WSMagic selects the expected framed-audio magic byte, 0 to
// skip the check).
type TransportConfig struct {
	Name        string `yaml:"name"`
	Kind        string `yaml:"kind"`
	ListenAddr  string `yaml:"listen_addr"`
	ProfileName string `yaml:"profile,omitempty"`
	WSMagic     byte   `yaml:"ws_magic,omitempty"`
}

type ProvidersConfig struct {
	OpenAI OpenAIProviderConfig `yaml:"openai"`
}

type OpenAIProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url,omitempty"`

	DialogueModel      string `yaml:"dialogue_model,omitempty"`
	VisionModel        string `yaml:"vision_model,omitempty"`
	TranscriptionModel string `yaml:"transcription_model,omitempty"`
	TTSModel           string `yaml:"tts_model,omitempty"`
	TTSVoice           string `yaml:"tts_voice,omitempty"`
	EmbeddingModel     string `yaml:"embedding_model,omitempty"`
	EmbeddingDimension int    `yaml:"embedding_dimension,omitempty"`
}

// Load reads and parses path, then validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.ListenAddr == "" {
		c.HTTP.ListenAddr = httpapi.DefaultListenAddr
	}
	if c.HTTP.ReplayWindowSeconds == 0 {
		c.HTTP.ReplayWindowSeconds = int(httpapi.DefaultReplayWindow / time.Second)
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "badger"
	}
	if c.Vision.AssetStore == "" {
		c.Vision.AssetStore = "fs"
	}
	if c.Ingest.Capacity == 0 {
		c.Ingest.Capacity = ingest.DefaultCapacity
	}
	if c.Ingest.Workers == 0 {
		c.Ingest.Workers = ingest.DefaultWorkers
	}
	if c.Ingest.Overflow == "" {
		c.Ingest.Overflow = "reject"
	}
	if c.TTSChunkBytes == 0 {
		c.TTSChunkBytes = 4096
	}
	if c.Providers.OpenAI.DialogueModel == "" {
		c.Providers.OpenAI.DialogueModel = openai.DefaultDialogueModel
	}
	if c.Providers.OpenAI.VisionModel == "" {
		c.Providers.OpenAI.VisionModel = openai.DefaultVisionModel
	}
	if c.Providers.OpenAI.TranscriptionModel == "" {
		c.Providers.OpenAI.TranscriptionModel = openai.DefaultTranscriptionModel
	}
	if c.Providers.OpenAI.TTSModel == "" {
		c.Providers.OpenAI.TTSModel = openai.DefaultTTSModel
	}
	if c.Providers.OpenAI.TTSVoice == "" {
		c.Providers.OpenAI.TTSVoice = openai.DefaultTTSVoice
	}
	if c.Providers.OpenAI.EmbeddingModel == "" {
		c.Providers.OpenAI.EmbeddingModel = openai.DefaultEmbeddingModel
	}
	if c.Providers.OpenAI.EmbeddingDimension == 0 {
		c.Providers.OpenAI.EmbeddingDimension = openai.DefaultEmbeddingDimension
	}
}

// Validate checks field-level constraints Schema() cannot express as plain
// JSON Schema (cross-field requirements, enumerations tied to Go constants
// from other packages). Structural shape (types, required-ness) is covered
// by Schema() for any caller that wants to check a raw document before it
// is ever unmarshaled into a Config.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "badger":
		if c.Store.DataDir == "" {
			return fmt.Errorf("store.data_dir is required when store.backend is badger")
		}
	case "memory":
		if c.StrictStartup {
			return fmt.Errorf("store.backend memory is incompatible with strict_startup")
		}
	default:
		return fmt.Errorf("store.backend must be badger or memory, got %q", c.Store.Backend)
	}

	switch c.Vision.AssetStore {
	case "fs":
		if c.Vision.FSRoot == "" {
			return fmt.Errorf("vision.fs_root is required when vision.asset_store is fs")
		}
	case "s3":
		if c.Vision.S3Bucket == "" {
			return fmt.Errorf("vision.s3_bucket is required when vision.asset_store is s3")
		}
	default:
		return fmt.Errorf("vision.asset_store must be fs or s3, got %q", c.Vision.AssetStore)
	}

	switch c.Ingest.Overflow {
	case "reject", "wait", "drop_oldest":
	default:
		return fmt.Errorf("ingest.overflow must be reject, wait or drop_oldest, got %q", c.Ingest.Overflow)
	}

	if c.Providers.OpenAI.APIKey == "" {
		return fmt.Errorf("providers.openai.api_key is required")
	}

	for i, t := range c.Transports {
		if t.Name == "" {
			return fmt.Errorf("transports[%d].name is required", i)
		}
		if t.ListenAddr == "" {
			return fmt.Errorf("transports[%d].listen_addr is required", i)
		}
		switch t.Kind {
		case "generic_mqtt":
			if t.ProfileName == "" {
				return fmt.Errorf("transports[%d].profile is required for kind generic_mqtt", i)
			}
			if _, err := profile.Lookup(t.ProfileName); err != nil {
				return fmt.Errorf("transports[%d]: %w", i, err)
			}
		case "ec600_mqtt", "websocket":
		default:
			return fmt.Errorf("transports[%d].kind must be generic_mqtt, ec600_mqtt or websocket, got %q", i, t.Kind)
		}
	}

	return nil
}

// Schema generates a JSON Schema describing Config's shape, grounded on the
// teacher's jsonschema.For[T] usage in pkg/genx.NewFuncTool. Exposed for a
// future `opencane config validate` subcommand and for documenting the
// file format without hand-maintaining a second schema.
func Schema() (*jsonschema.Schema, error) {
	return jsonschema.For[Config](nil)
}

func (c *HTTPConfig) ReplayWindow() time.Duration {
	return time.Duration(c.ReplayWindowSeconds) * time.Second
}

func (c *SafetyConfig) ConflictWindow() time.Duration {
	return time.Duration(c.ConflictWindowSeconds) * time.Second
}

func (c *VisionConfig) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowSeconds) * time.Second
}

// OverflowPolicy maps the YAML string to ingest.OverflowPolicy.
func (c *IngestConfig) OverflowPolicy() ingest.OverflowPolicy {
	switch c.Overflow {
	case "wait":
		return ingest.PolicyWait
	case "drop_oldest":
		return ingest.PolicyDropOldest
	default:
		return ingest.PolicyReject
	}
}
