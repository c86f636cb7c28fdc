// Package openai adapts an OpenAI-compatible HTTP API to every provider
// seam the runtime defines: dialogue (chat completion), vision (chat
// completion with image content), transcription, speech synthesis, and
// text embedding. All five share one *openai.Client, grounded on the
// teacher's pkg/genx.OpenAIGenerator (chat) and pkg/embed.OpenAI
// (embeddings) construction pattern.
package openai

import (
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Config configures the shared client. BaseURL lets the same code point at
// an OpenAI-compatible gateway instead of api.openai.com, matching the
// teacher's WithBaseURL option on pkg/embed.OpenAI.
type Config struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

func newClient(cfg Config) *openai.Client {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)
	return &client
}
