package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactPIISpokenPIN(t *testing.T) {
	out, changed := RedactPII("sure, my PIN is 4321 for that account")
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	if strings.Contains(out, "4321") || !strings.Contains(out, "[REDACTED_PIN]") {
		t.Fatalf("pin not masked: %q", out)
	}
}

func TestRedactPIIKeyedDTMF(t *testing.T) {
	out, changed := RedactPII("caller keyed 123456789# at the prompt")
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	if strings.Contains(out, "123456789") || !strings.Contains(out, "[REDACTED_DTMF]") {
		t.Fatalf("dtmf entry not masked: %q", out)
	}
}

func TestRedactPIICleanTranscript(t *testing.T) {
	input := "I would like to check my order status please"
	out, changed := RedactPII(input)
	if changed || out != input {
		t.Fatalf("clean transcript altered: %q", out)
	}
}
