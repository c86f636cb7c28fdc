package openai

import "testing"

func TestNewVisionAppliesDefaults(t *testing.T) {
	v := NewVision(Config{APIKey: "test-key"})
	if v.model != DefaultVisionModel {
		t.Fatalf("model = %q, want %q", v.model, DefaultVisionModel)
	}
}

func TestNewVisionOptionOverridesModel(t *testing.T) {
	v := NewVision(Config{APIKey: "test-key"}, WithVisionModel("gpt-4o"))
	if v.model != "gpt-4o" {
		t.Fatalf("model = %q, want gpt-4o", v.model)
	}
}

func TestVisionResultSchemaRequiresEveryProperty(t *testing.T) {
	if len(visionResultSchema.Required) != len(visionResultSchema.Properties) {
		t.Fatalf("strict OpenAI structured output requires every property listed in required: got %d required, %d properties",
			len(visionResultSchema.Required), len(visionResultSchema.Properties))
	}
}
