package config

import "testing"

const minimalYAML = `
store:
  backend: badger
  data_dir: /var/lib/opencane
vision:
  asset_store: fs
  fs_root: /var/lib/opencane/lifelog
providers:
  openai:
    api_key: sk-test
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.HTTP.ListenAddr == "" {
		t.Fatal("expected a default listen address")
	}
	if cfg.Ingest.Capacity == 0 {
		t.Fatal("expected a default ingest capacity")
	}
	if cfg.Ingest.Overflow != "reject" {
		t.Fatalf("overflow = %q, want reject", cfg.Ingest.Overflow)
	}
	if cfg.Providers.OpenAI.DialogueModel == "" {
		t.Fatal("expected a default dialogue model")
	}
}

func TestParseRejectsMissingAPIKey(t *testing.T) {
	_, err := Parse([]byte(`
store:
  backend: badger
  data_dir: /var/lib/opencane
vision:
  asset_store: fs
  fs_root: /var/lib/opencane/lifelog
`))
	if err == nil {
		t.Fatal("expected an error for missing providers.openai.api_key")
	}
}

func TestParseRejectsBadgerWithoutDataDir(t *testing.T) {
	_, err := Parse([]byte(`
store:
  backend: badger
vision:
  asset_store: fs
  fs_root: /tmp
providers:
  openai:
    api_key: sk-test
`))
	if err == nil {
		t.Fatal("expected an error for badger backend without data_dir")
	}
}

func TestParseRejectsMemoryUnderStrictStartup(t *testing.T) {
	_, err := Parse([]byte(`
strict_startup: true
store:
  backend: memory
vision:
  asset_store: fs
  fs_root: /tmp
providers:
  openai:
    api_key: sk-test
`))
	if err == nil {
		t.Fatal("expected an error for memory backend under strict_startup")
	}
}

func TestParseRejectsUnknownOverflowPolicy(t *testing.T) {
	_, err := Parse([]byte(`
store:
  backend: badger
  data_dir: /var/lib/opencane
vision:
  asset_store: fs
  fs_root: /tmp
ingest:
  overflow: retry_forever
providers:
  openai:
    api_key: sk-test
`))
	if err == nil {
		t.Fatal("expected an error for an unknown overflow policy")
	}
}

func TestParseRejectsUnknownTransportKind(t *testing.T) {
	_, err := Parse([]byte(`
store:
  backend: badger
  data_dir: /var/lib/opencane
vision:
  asset_store: fs
  fs_root: /tmp
providers:
  openai:
    api_key: sk-test
transports:
  - name: bad
    kind: carrier_pigeon
    listen_addr: 127.0.0.1:9000
`))
	if err == nil {
		t.Fatal("expected an error for an unknown transport kind")
	}
}

func TestParseAcceptsGenericMQTTTransport(t *testing.T) {
	cfg, err := Parse([]byte(`
store:
  backend: badger
  data_dir: /var/lib/opencane
vision:
  asset_store: fs
  fs_root: /tmp
providers:
  openai:
    api_key: sk-test
transports:
  - name: ec600
    kind: generic_mqtt
    listen_addr: 0.0.0.0:1883
    profile: ec600mcnle_v1
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Transports) != 1 {
		t.Fatalf("len(Transports) = %d, want 1", len(cfg.Transports))
	}
}

func TestSchemaGenerates(t *testing.T) {
	s, err := Schema()
	if err != nil {
		t.Fatalf("Schema: %v", err)
	}
	if s == nil {
		t.Fatal("expected a non-nil schema")
	}
}
