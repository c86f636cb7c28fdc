package profile

import "testing"

func TestLookupBuiltins(t *testing.T) {
	for _, name := range []string{"ec600mcnle_v1", "a7670c_v1", "sim7600g_h_v1", "ec800m_v1", "ml307r_dl_v1"} {
		p, err := Lookup(name)
		if err != nil {
			t.Fatalf("Lookup(%q): %v", name, err)
		}
		if p.Name != name {
			t.Fatalf("Lookup(%q).Name = %q", name, p.Name)
		}
	}
}

func TestLookupUnknown(t *testing.T) {
	if _, err := Lookup("nonexistent_v9"); err == nil {
		t.Fatal("expected error for unknown profile")
	}
}

func TestTopicSubstitution(t *testing.T) {
	p, _ := Lookup("ec600mcnle_v1")
	got := Topic(p.InboundControlTopic, "dev-001")
	want := "device/dev-001/up/control"
	if got != want {
		t.Fatalf("Topic = %q, want %q", got, want)
	}
}

func TestOverrideAppliesOnlyNonZero(t *testing.T) {
	p, _ := Lookup("ec600mcnle_v1")
	qos0 := QoS0
	overridden := p.Apply(Override{AudioQoS: &qos0, KeepaliveSeconds: 120})
	if overridden.AudioQoS != QoS0 {
		t.Fatalf("AudioQoS = %v", overridden.AudioQoS)
	}
	if overridden.KeepaliveSeconds != 120 {
		t.Fatalf("KeepaliveSeconds = %d", overridden.KeepaliveSeconds)
	}
	if overridden.ControlQoS != p.ControlQoS {
		t.Fatal("ControlQoS should be unchanged")
	}
	if overridden.Magic != p.Magic {
		t.Fatal("Magic should be unchanged")
	}
}

func TestLoadOverrideDecodesYAML(t *testing.T) {
	o, err := LoadOverride([]byte("keepalive_seconds: 90\naudio_mode: json_b64\n"))
	if err != nil {
		t.Fatalf("LoadOverride: %v", err)
	}
	if o.KeepaliveSeconds != 90 {
		t.Fatalf("KeepaliveSeconds = %d, want 90", o.KeepaliveSeconds)
	}
	if o.AudioMode != AudioModeJSONBase64 {
		t.Fatalf("AudioMode = %q, want %q", o.AudioMode, AudioModeJSONBase64)
	}
}

func TestLoadOverrideRejectsMalformedYAML(t *testing.T) {
	if _, err := LoadOverride([]byte("not: [valid")); err == nil {
		t.Fatal("expected an error for malformed YAML")
	}
}
