package openai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"

	"github.com/iflabx/opencane/pkg/opencane/runtime"
	"github.com/iflabx/opencane/pkg/opencane/safety"
)

const DefaultDialogueModel = "gpt-4o-mini"

// dialogueReplySchema mirrors runtime.DialogueReply and is enforced via
// OpenAI's structured-output response format, the way the teacher's
// OpenAIGenerator.invokeJSONOutput does for FuncTool arguments.
var dialogueReplySchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"text":          {Type: "string"},
		"thought_trace": {Type: "string"},
		"confidence":    {Type: "number"},
		"risk_level":    {Type: "string", Enum: []any{"P0", "P1", "P2", "P3"}},
	},
	Required:             []string{"text", "thought_trace", "confidence", "risk_level"},
	AdditionalProperties: &jsonschema.Schema{Not: &jsonschema.Schema{}},
}

// Dialogue implements runtime.DialogueEngine over chat completions.
type Dialogue struct {
	client       *openai.Client
	model        string
	systemPrompt string
}

var _ runtime.DialogueEngine = (*Dialogue)(nil)

type DialogueOption func(*Dialogue)

func WithDialogueModel(model string) DialogueOption {
	return func(d *Dialogue) { d.model = model }
}

// WithSystemPrompt overrides the default cane-assistant system prompt.
func WithSystemPrompt(prompt string) DialogueOption {
	return func(d *Dialogue) { d.systemPrompt = prompt }
}

func NewDialogue(cfg Config, opts ...DialogueOption) *Dialogue {
	d := &Dialogue{
		client: newClient(cfg),
		model:  DefaultDialogueModel,
		systemPrompt: "You are the voice assistant embedded in an assistive smart cane. " +
			"Reply briefly and concretely, favoring the user's safety and orientation.",
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Dialogue) Reply(ctx context.Context, dctx runtime.DialogueContext, transcript string) (runtime.DialogueReply, error) {
	params := openai.ChatCompletionNewParams{
		Model: d.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(d.systemPrompt),
			openai.UserMessage(transcript),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "dialogue_reply",
					Schema: dialogueReplySchema,
					Strict: param.NewOpt(true),
				},
			},
		},
	}

	resp, err := d.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return runtime.DialogueReply{}, fmt.Errorf("openai: dialogue reply: %w", err)
	}
	if len(resp.Choices) == 0 {
		return runtime.DialogueReply{}, fmt.Errorf("openai: dialogue reply: no choices")
	}
	choice := resp.Choices[0]
	if choice.Message.Refusal != "" {
		return runtime.DialogueReply{}, fmt.Errorf("openai: dialogue reply refused: %s", choice.Message.Refusal)
	}

	var parsed struct {
		Text         string           `json:"text"`
		ThoughtTrace string           `json:"thought_trace"`
		Confidence   float64          `json:"confidence"`
		RiskLevel    safety.RiskLevel `json:"risk_level"`
	}
	if err := json.Unmarshal([]byte(choice.Message.Content), &parsed); err != nil {
		return runtime.DialogueReply{}, fmt.Errorf("openai: dialogue reply: decode: %w", err)
	}
	return runtime.DialogueReply{
		Text:         parsed.Text,
		ThoughtTrace: parsed.ThoughtTrace,
		Confidence:   parsed.Confidence,
		RiskLevel:    parsed.RiskLevel,
	}, nil
}
