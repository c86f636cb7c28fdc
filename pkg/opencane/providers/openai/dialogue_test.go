package openai

import "testing"

func TestNewDialogueAppliesDefaults(t *testing.T) {
	d := NewDialogue(Config{APIKey: "test-key"})
	if d.model != DefaultDialogueModel {
		t.Fatalf("model = %q, want %q", d.model, DefaultDialogueModel)
	}
	if d.systemPrompt == "" {
		t.Fatal("expected a non-empty default system prompt")
	}
}

func TestNewDialogueOptionsOverrideDefaults(t *testing.T) {
	d := NewDialogue(Config{APIKey: "test-key"},
		WithDialogueModel("gpt-4o"),
		WithSystemPrompt("custom prompt"),
	)
	if d.model != "gpt-4o" {
		t.Fatalf("model = %q, want gpt-4o", d.model)
	}
	if d.systemPrompt != "custom prompt" {
		t.Fatalf("systemPrompt = %q, want custom prompt", d.systemPrompt)
	}
}

func TestDialogueReplySchemaRequiresEveryProperty(t *testing.T) {
	if len(dialogueReplySchema.Required) != len(dialogueReplySchema.Properties) {
		t.Fatalf("strict OpenAI structured output requires every property listed in required: got %d required, %d properties",
			len(dialogueReplySchema.Required), len(dialogueReplySchema.Properties))
	}
}
