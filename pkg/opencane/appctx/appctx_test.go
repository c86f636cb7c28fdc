package appctx

import (
	"context"
	"testing"

	"github.com/iflabx/opencane/pkg/opencane/config"
)

func TestBuildMemoryBackend(t *testing.T) {
	cfg, err := config.Parse([]byte(`
store:
  backend: memory
vision:
  asset_store: fs
  fs_root: ` + t.TempDir() + `
providers:
  openai:
    api_key: sk-test
transports:
  - name: mock
    kind: websocket
    listen_addr: 127.0.0.1:0
`))
	if err != nil {
		t.Fatalf("config.Parse: %v", err)
	}

	rc, err := Build(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if rc.Store == nil || rc.Sessions == nil || rc.Images == nil || rc.Audio == nil ||
		rc.Tasks == nil || rc.Safety == nil || rc.VectorIndex == nil || rc.Runtime == nil || rc.HTTP == nil {
		t.Fatal("Build left a component nil")
	}
	if len(rc.Transports) != 1 {
		t.Fatalf("len(Transports) = %d, want 1", len(rc.Transports))
	}
}

func TestBuildRejectsUnknownTransportKind(t *testing.T) {
	cfg, err := config.Parse([]byte(`
store:
  backend: memory
vision:
  asset_store: fs
  fs_root: ` + t.TempDir() + `
providers:
  openai:
    api_key: sk-test
`))
	if err != nil {
		t.Fatalf("config.Parse: %v", err)
	}
	cfg.Transports = append(cfg.Transports, config.TransportConfig{Name: "x", Kind: "bogus", ListenAddr: "127.0.0.1:0"})

	if _, err := Build(context.Background(), cfg); err == nil {
		t.Fatal("expected an error for an unwired transport kind")
	}
}
