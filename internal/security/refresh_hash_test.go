package security

import "testing"

func TestFingerprint(t *testing.T) {
	a := Fingerprint("refresh-a")
	if a != Fingerprint("refresh-a") {
		t.Error("Fingerprint should be deterministic")
	}
	if a == Fingerprint("refresh-b") {
		t.Error("different tokens should have different fingerprints")
	}
	if len(a) != 64 {
		t.Errorf("len(Fingerprint) = %d, want 64 hex chars", len(a))
	}
}

func TestFingerprintMatches(t *testing.T) {
	stored := Fingerprint("refresh-a")
	tests := []struct {
		name   string
		token  string
		stored string
		want   bool
	}{
		{"match", "refresh-a", stored, true},
		{"other token", "refresh-b", stored, false},
		{"empty stored", "refresh-a", "", false},
		{"raw token stored", "refresh-a", "refresh-a", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FingerprintMatches(tt.token, tt.stored); got != tt.want {
				t.Errorf("FingerprintMatches = %v, want %v", got, tt.want)
			}
		})
	}
}
