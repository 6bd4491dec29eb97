package diagnose

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadEmbedded(t *testing.T) {
	registry, err := LoadEmbedded()
	if err != nil {
		t.Fatalf("LoadEmbedded() error = %v", err)
	}

	for _, symptom := range []string{
		"missing module",
		"encoding mismatch",
		"interpreter not found",
		"port in use",
		"permission denied",
		"syntax error",
		"connection closed",
		"unhandled exception",
	} {
		p, ok := registry[symptom]
		if !ok {
			t.Errorf("embedded playbook %q missing", symptom)
			continue
		}
		if p.Cause == "" || p.Remedy == "" {
			t.Errorf("playbook %q incomplete: %+v", symptom, p)
		}
		if p.re == nil {
			t.Errorf("playbook %q pattern not compiled", symptom)
		}
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	doc := `
symptom: rate limited
pattern: '(?i)429 too many requests'
cause: the upstream API is throttling the server
remedy: add backoff or raise the provider quota
priority: 35
`
	if err := os.WriteFile(filepath.Join(dir, "rate_limited.yaml"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	// _-prefixed and non-YAML files are skipped.
	if err := os.WriteFile(filepath.Join(dir, "_draft.yaml"), []byte("symptom: draft"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not yaml"), 0o644); err != nil {
		t.Fatal(err)
	}

	registry, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	if len(registry) != 1 {
		t.Fatalf("LoadDir() = %d playbooks, want 1: %v", len(registry), registry)
	}
	if _, ok := registry["rate limited"]; !ok {
		t.Fatal("rate limited playbook missing")
	}
}

func TestLoadDir_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"missing symptom", "pattern: x\ncause: c\nremedy: r", "missing required 'symptom'"},
		{"missing pattern", "symptom: s\ncause: c\nremedy: r", "missing required 'pattern'"},
		{"missing cause", "symptom: s\npattern: x\nremedy: r", "missing required 'cause'"},
		{"missing remedy", "symptom: s\npattern: x\ncause: c", "missing required 'remedy'"},
		{"bad regex", "symptom: s\npattern: '('\ncause: c\nremedy: r", "invalid pattern"},
		{"bad yaml", "symptom: [unclosed", "invalid YAML"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(tt.doc), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := LoadDir(dir)
			if err == nil {
				t.Fatal("LoadDir() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestMergePlaybooks(t *testing.T) {
	base := map[string]*Playbook{
		"a": {Symptom: "a", Pattern: "a", Cause: "base", Remedy: "r"},
		"b": {Symptom: "b", Pattern: "b", Cause: "base", Remedy: "r"},
	}
	overlay := map[string]*Playbook{
		"b": {Symptom: "b", Pattern: "b", Cause: "overlay", Remedy: "r"},
		"c": {Symptom: "c", Pattern: "c", Cause: "overlay", Remedy: "r"},
	}
	merged := Merge(base, overlay)
	if len(merged) != 3 {
		t.Fatalf("Merge() = %d entries, want 3", len(merged))
	}
	if merged["b"].Cause != "overlay" {
		t.Fatal("overlay must win on conflict")
	}
	if base["b"].Cause != "base" {
		t.Fatal("Merge() must not mutate inputs")
	}
}

func TestNewScanner_CustomPlaybook(t *testing.T) {
	registry, err := LoadEmbedded()
	if err != nil {
		t.Fatal(err)
	}
	five := 5
	custom := map[string]*Playbook{
		"token expired": {
			Symptom:  "token expired",
			Pattern:  "(?i)401 unauthorized",
			Cause:    "the API key in the env block is stale",
			Remedy:   "rotate the key in mcp_agent.secrets.yaml",
			Priority: &five,
		},
	}
	s, err := NewScanner(Merge(registry, custom))
	if err != nil {
		t.Fatalf("NewScanner() error = %v", err)
	}

	findings := s.Scan("HTTP 401 Unauthorized\nTraceback (most recent call last):\n  boom")
	if len(findings) != 2 {
		t.Fatalf("Scan() = %d findings, want 2: %v", len(findings), findings)
	}
	if findings[0].Symptom != "token expired" {
		t.Fatalf("first symptom = %q, custom priority 5 must come before the built-ins", findings[0].Symptom)
	}
}

func TestOrdered_Deterministic(t *testing.T) {
	registry, err := LoadEmbedded()
	if err != nil {
		t.Fatal(err)
	}
	books := ordered(registry)
	if books[0].Symptom != "missing module" {
		t.Fatalf("first playbook = %q, want the most specific symptom first", books[0].Symptom)
	}
	if books[len(books)-1].Symptom != "unhandled exception" {
		t.Fatalf("last playbook = %q, want the catch-all last", books[len(books)-1].Symptom)
	}
}
