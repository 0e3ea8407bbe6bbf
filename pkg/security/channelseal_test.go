package security

import "testing"

func TestSealOpenChannelIDRoundTrip(t *testing.T) {
	key, err := GenerateAgentKey()
	if err != nil {
		t.Fatalf("GenerateAgentKey() error = %v", err)
	}

	var shortID [ShortIDSize]byte
	copy(shortID[:], []byte("0123456789abcdef"))

	token, err := SealChannelID(key, shortID)
	if err != nil {
		t.Fatalf("SealChannelID() error = %v", err)
	}

	got, err := OpenChannelID(key, token)
	if err != nil {
		t.Fatalf("OpenChannelID() error = %v", err)
	}
	if got != shortID {
		t.Errorf("OpenChannelID() = %x, want %x", got, shortID)
	}
}

func TestOpenChannelIDWrongKeyFails(t *testing.T) {
	key, err := GenerateAgentKey()
	if err != nil {
		t.Fatalf("GenerateAgentKey() error = %v", err)
	}
	otherKey, err := GenerateAgentKey()
	if err != nil {
		t.Fatalf("GenerateAgentKey() error = %v", err)
	}

	var shortID [ShortIDSize]byte
	copy(shortID[:], []byte("fedcba9876543210"))

	token, err := SealChannelID(key, shortID)
	if err != nil {
		t.Fatalf("SealChannelID() error = %v", err)
	}

	if _, err := OpenChannelID(otherKey, token); err == nil {
		t.Error("OpenChannelID() with wrong key: want error, got nil")
	}
}

func TestOpenChannelIDMalformedToken(t *testing.T) {
	key, err := GenerateAgentKey()
	if err != nil {
		t.Fatalf("GenerateAgentKey() error = %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"not base64", "!!!not-base64!!!"},
		{"too short", "YWJj"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := OpenChannelID(key, tt.token); err == nil {
				t.Errorf("OpenChannelID(%q): want error, got nil", tt.token)
			}
		})
	}
}
