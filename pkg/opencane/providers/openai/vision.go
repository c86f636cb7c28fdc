package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"

	"github.com/iflabx/opencane/pkg/opencane/vision"
)

const DefaultVisionModel = "gpt-4o-mini"

var visionResultSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"summary":            {Type: "string"},
		"objects":            {Type: "array", Items: &jsonschema.Schema{Type: "string"}},
		"ocr":                {Type: "array", Items: &jsonschema.Schema{Type: "string"}},
		"risk_hints":         {Type: "array", Items: &jsonschema.Schema{Type: "string"}},
		"actionable_summary": {Type: "string"},
		"risk_level":         {Type: "string", Enum: []any{"P0", "P1", "P2", "P3"}},
		"risk_score":         {Type: "number"},
		"confidence":         {Type: "number"},
	},
	Required: []string{
		"summary", "objects", "ocr", "risk_hints",
		"actionable_summary", "risk_level", "risk_score", "confidence",
	},
	AdditionalProperties: &jsonschema.Schema{Not: &jsonschema.Schema{}},
}

// Vision implements vision.Provider over a vision-capable chat completion
// model, grounded on the teacher's OpenAIGenerator chat-message assembly
// (pkg/genx/openai.go) generalized from text/audio content parts to image
// content parts for the lifelog ingest pipeline.
type Vision struct {
	client *openai.Client
	model  string
}

var _ vision.Provider = (*Vision)(nil)

type VisionOption func(*Vision)

func WithVisionModel(model string) VisionOption {
	return func(v *Vision) { v.model = model }
}

func NewVision(cfg Config, opts ...VisionOption) *Vision {
	v := &Vision{client: newClient(cfg), model: DefaultVisionModel}
	for _, o := range opts {
		o(v)
	}
	return v
}

func (v *Vision) Analyze(ctx context.Context, data []byte, mime, question string) (vision.Result, error) {
	if mime == "" {
		mime = "image/jpeg"
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data))
	if question == "" {
		question = "Describe this scene for a visually impaired user, noting any hazards."
	}

	params := openai.ChatCompletionNewParams{
		Model: v.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfArrayOfContentParts: []openai.ChatCompletionContentPartUnionParam{
							openai.TextContentPart(question),
							openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}),
						},
					},
				},
			},
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "vision_result",
					Schema: visionResultSchema,
					Strict: param.NewOpt(true),
				},
			},
		},
	}

	resp, err := v.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return vision.Result{}, fmt.Errorf("openai: vision analyze: %w", err)
	}
	if len(resp.Choices) == 0 {
		return vision.Result{}, fmt.Errorf("openai: vision analyze: no choices")
	}
	choice := resp.Choices[0]
	if choice.Message.Refusal != "" {
		return vision.Result{}, fmt.Errorf("openai: vision analyze refused: %s", choice.Message.Refusal)
	}

	var result vision.Result
	if err := json.Unmarshal([]byte(choice.Message.Content), &result); err != nil {
		return vision.Result{}, fmt.Errorf("openai: vision analyze: decode: %w", err)
	}
	return result, nil
}
