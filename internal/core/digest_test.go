package core

import "testing"

func TestDigest_Deterministic(t *testing.T) {
	a := Digest("app.key:secret", "token")
	b := Digest("app.key:secret", "token")
	if a != b {
		t.Errorf("same pair produced different digests: %q vs %q", a, b)
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
}

func TestDigest_DistinguishesComponents(t *testing.T) {
	base := Digest("app.key:secret", "token")

	tests := []struct {
		name  string
		key   string
		token string
	}{
		{"different key", "app.key:other", "token"},
		{"different token", "app.key:secret", "other"},
		{"shifted boundary", "app.key:secrett", "oken"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Digest(tt.key, tt.token); got == base {
				t.Errorf("digest collision with base pair")
			}
		})
	}
}

func TestCredentials_Valid(t *testing.T) {
	tests := []struct {
		name  string
		creds Credentials
		want  bool
	}{
		{"well formed", Credentials{APIKey: "app.key:secret", AccessToken: "tok"}, true},
		{"missing colon", Credentials{APIKey: "appkeysecret", AccessToken: "tok"}, false},
		{"empty key name", Credentials{APIKey: ":secret", AccessToken: "tok"}, false},
		{"empty secret", Credentials{APIKey: "app.key:", AccessToken: "tok"}, false},
		{"empty token", Credentials{APIKey: "app.key:secret", AccessToken: ""}, false},
		{"empty everything", Credentials{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.creds.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}
