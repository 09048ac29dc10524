package session

import "testing"

func TestPickMechanismPrefersScramSHA256(t *testing.T) {
	got, err := pickMechanism([]string{"SCRAM-SHA-256-PLUS", "SCRAM-SHA-256"})
	if err != nil {
		t.Fatalf("pickMechanism: %v", err)
	}
	if got != mechanismScramSHA256 {
		t.Errorf("pickMechanism() = %q, want %q", got, mechanismScramSHA256)
	}
}

func TestPickMechanismNoneSupported(t *testing.T) {
	_, err := pickMechanism([]string{"SCRAM-SHA-256-PLUS", "GSS-KRB5"})
	if err == nil {
		t.Fatal("expected an error when no supported mechanism is offered")
	}
}

func TestSplitAuthMessage(t *testing.T) {
	payload := []byte{0, 0, 0, 11, 'h', 'i'}
	authType, body, err := splitAuthMessage(payload)
	if err != nil {
		t.Fatalf("splitAuthMessage: %v", err)
	}
	if authType != 11 {
		t.Errorf("authType = %d, want 11", authType)
	}
	if string(body) != "hi" {
		t.Errorf("body = %q, want %q", body, "hi")
	}
}

func TestSplitAuthMessageTooShort(t *testing.T) {
	if _, _, err := splitAuthMessage([]byte{0, 0}); err == nil {
		t.Fatal("expected an error for a too-short payload")
	}
}
