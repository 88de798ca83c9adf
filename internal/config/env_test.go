package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDotEnv_FileNotFoundIsIgnored(t *testing.T) {
	t.Parallel()
	if err := LoadDotEnv(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
}

func TestLoadDotEnv_LoadsValuesAndRespectsExistingEnv(t *testing.T) {
	t.Setenv("UPSTREAM_KEEP", "from-process")
	t.Cleanup(func() {
		os.Unsetenv("UPSTREAM_A")
		os.Unsetenv("UPSTREAM_QUOTED")
	})

	path := filepath.Join(t.TempDir(), ".env")
	content := strings.Join([]string{
		"# comment",
		"UPSTREAM_A=1",
		"UPSTREAM_KEEP=from-file",
		`UPSTREAM_QUOTED="a b c"`,
		"",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}

	if got := os.Getenv("UPSTREAM_A"); got != "1" {
		t.Fatalf("UPSTREAM_A = %q, want %q", got, "1")
	}
	if got := os.Getenv("UPSTREAM_QUOTED"); got != "a b c" {
		t.Fatalf("UPSTREAM_QUOTED = %q, want %q", got, "a b c")
	}
	if got := os.Getenv("UPSTREAM_KEEP"); got != "from-process" {
		t.Fatalf("UPSTREAM_KEEP = %q, want %q", got, "from-process")
	}
}

func TestLoadDotEnv_InvalidLineReturnsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(`UPSTREAM_BAD="unterminated`), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	if err := LoadDotEnv(path); err == nil {
		t.Fatalf("LoadDotEnv() error = nil, want non-nil")
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("UPSTREAM_HOST", "example.com")

	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"https://${UPSTREAM_HOST}/x", "https://example.com/x"},
		{"${UPSTREAM_HOST}${UPSTREAM_HOST}", "example.comexample.com"},
		{"${UPSTREAM_MISSING}", "${UPSTREAM_MISSING}"},
		{"$UPSTREAM_HOST", "$UPSTREAM_HOST"},
	}

	for _, tt := range tests {
		if got := ExpandEnvVars(tt.in); got != tt.want {
			t.Errorf("ExpandEnvVars(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
