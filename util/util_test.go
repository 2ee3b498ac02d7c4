package util

import (
	"encoding/pem"
	"strings"
	"testing"
)

func TestUserDomain(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "qualified user id",
			input:    "alice@example.org",
			expected: "example.org",
		},
		{
			name:     "bare user id",
			input:    "alice",
			expected: "",
		},
		{
			name:     "at-prefixed user id",
			input:    "@alice:example.org@remote.example.org",
			expected: "remote.example.org",
		},
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UserDomain(tt.input); got != tt.expected {
				t.Errorf("UserDomain(%q) = %q, expected %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	if version == "" {
		t.Error("Expected a non-empty embedded version")
	}
	if strings.TrimSpace(version) != version {
		t.Error("Expected version with no surrounding whitespace")
	}
}

func TestGetNameAndVersion(t *testing.T) {
	nameAndVersion := GetNameAndVersion()
	if !strings.HasPrefix(nameAndVersion, Name) {
		t.Errorf("Expected '%s' to start with '%s'", nameAndVersion, Name)
	}
	if !strings.Contains(nameAndVersion, GetVersion()) {
		t.Errorf("Expected '%s' to contain the version", nameAndVersion)
	}
}

func TestPrettyPrint(t *testing.T) {
	type sample struct {
		Field string
	}
	out := PrettyPrint(sample{Field: "value"})
	if !strings.Contains(out, `"Field"`) || !strings.Contains(out, `"value"`) {
		t.Errorf("Expected indented JSON with field and value, got %s", out)
	}
}

func TestGeneratePemKeypair(t *testing.T) {
	pair := GeneratePemKeypair()

	privBlock, _ := pem.Decode([]byte(pair.Private))
	if privBlock == nil || privBlock.Type != "RSA PRIVATE KEY" {
		t.Error("Expected a PKCS1 private key block")
	}

	pubBlock, _ := pem.Decode([]byte(pair.Public))
	if pubBlock == nil || pubBlock.Type != "PUBLIC KEY" {
		t.Error("Expected a PKIX public key block")
	}
}
