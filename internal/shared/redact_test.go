package shared

import (
	"strings"
	"testing"
)

func TestRedact_BearerToken(t *testing.T) {
	result := Redact("Bearer abc123def456ghi789jkl0")
	if result != "Bearer [REDACTED]" {
		t.Fatalf("expected 'Bearer [REDACTED]', got %q", result)
	}
}

func TestRedact_GatewayTokenInProtocolLine(t *testing.T) {
	line := `{"type":"chat_request","gatewayToken":"a1b2c3d4e5f6g7h8","provider":"gemini"}`
	result := Redact(line)
	if strings.Contains(result, "a1b2c3d4e5f6g7h8") {
		t.Fatalf("gateway token leaked: %q", result)
	}
	if !strings.Contains(result, `"gatewayToken":"[REDACTED]"`) {
		t.Fatalf("expected JSON shape preserved, got %q", result)
	}
	if !strings.Contains(result, `"provider":"gemini"`) {
		t.Fatalf("unrelated fields altered: %q", result)
	}
}

func TestRedact_ProviderKeys(t *testing.T) {
	for _, input := range []string{
		"key is AIzaSyA1234567890abcdefghijklmnopqrstuvwx",
		"anthropic sk-ant-REDACTED",
		`api_key=abcdef1234567890abcdef`,
	} {
		if Redact(input) == input {
			t.Fatalf("expected redaction of %q", input)
		}
	}
}

func TestRedact_NoSecret(t *testing.T) {
	input := `{"type":"text","requestId":"r1","text":"hello"}`
	if result := Redact(input); result != input {
		t.Fatalf("expected no redaction, got %q", result)
	}
	if Redact("") != "" {
		t.Fatalf("expected empty")
	}
}

func TestSensitiveKey(t *testing.T) {
	cases := map[string]bool{
		"GEMINI_API_KEY":         true,
		"OPENCLAW_GATEWAY_TOKEN": true,
		"Authorization":          true,
		"NAIA_AGENT_PATH":        false,
		"NAIA_LOG_LEVEL":         false,
		"":                       false,
	}
	for key, want := range cases {
		if got := SensitiveKey(key); got != want {
			t.Errorf("SensitiveKey(%q) = %v, want %v", key, got, want)
		}
	}
}
