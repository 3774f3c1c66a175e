package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Listen != ":8080" {
		t.Errorf("Listen = %q, want :8080", cfg.Listen)
	}
	if !cfg.Cache.Enabled {
		t.Error("cache should be enabled by default")
	}
	if cfg.Semantic.Threshold != 0.85 {
		t.Errorf("Threshold = %v, want 0.85", cfg.Semantic.Threshold)
	}
	if cfg.Embedding.Dimension != 384 {
		t.Errorf("Dimension = %d, want 384", cfg.Embedding.Dimension)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rampart.yaml")
	data := `
listen: ":9999"
cache:
  enabled: true
  local_size: 50
  local_ttl: 30s
  remote_ttl: 2h
semantic:
  enabled: true
  threshold: 0.9
  top_k: 5
store:
  backend: sqlite
  sqlite:
    path: /tmp/test.db
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Listen != ":9999" {
		t.Errorf("Listen = %q, want :9999", cfg.Listen)
	}
	if cfg.Cache.LocalSize != 50 {
		t.Errorf("LocalSize = %d, want 50", cfg.Cache.LocalSize)
	}
	if cfg.Cache.LocalTTL != 30*time.Second {
		t.Errorf("LocalTTL = %v, want 30s", cfg.Cache.LocalTTL)
	}
	if cfg.Semantic.Threshold != 0.9 {
		t.Errorf("Threshold = %v, want 0.9", cfg.Semantic.Threshold)
	}
	if cfg.Store.Backend != "sqlite" {
		t.Errorf("Store.Backend = %q, want sqlite", cfg.Store.Backend)
	}
	// Unset sections keep their defaults
	if cfg.Vector.IndexName != "prompt_embeddings" {
		t.Errorf("IndexName = %q, want prompt_embeddings", cfg.Vector.IndexName)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RAMPART_LISTEN", ":7070")
	t.Setenv("RAMPART_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("RAMPART_SEMANTIC_THRESHOLD", "0.95")
	t.Setenv("RAMPART_CACHE_ENABLED", "false")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Listen != ":7070" {
		t.Errorf("Listen = %q, want :7070", cfg.Listen)
	}
	if cfg.Store.Redis.Addr != "redis.internal:6379" {
		t.Errorf("Store.Redis.Addr = %q", cfg.Store.Redis.Addr)
	}
	if cfg.Vector.Redis.Addr != "redis.internal:6379" {
		t.Errorf("Vector.Redis.Addr = %q", cfg.Vector.Redis.Addr)
	}
	if cfg.Semantic.Threshold != 0.95 {
		t.Errorf("Threshold = %v, want 0.95", cfg.Semantic.Threshold)
	}
	if cfg.Cache.Enabled {
		t.Error("cache should be disabled via env")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad threshold", func(c *Config) { c.Semantic.Threshold = 1.5 }},
		{"bad store backend", func(c *Config) { c.Store.Backend = "postgres" }},
		{"bad vector backend", func(c *Config) { c.Vector.Backend = "pinecone" }},
		{"zero cache size", func(c *Config) { c.Cache.LocalSize = 0 }},
		{"zero dimension", func(c *Config) { c.Embedding.Dimension = 0 }},
		{"empty listen", func(c *Config) { c.Listen = "" }},
		{"zero top_k", func(c *Config) { c.Semantic.TopK = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mutate(cfg)
			if err := cfg.validate(); err == nil {
				t.Error("validate() should have failed")
			}
		})
	}
}

func TestLoadPatternsPreservesCategoryOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.yaml")
	data := `
patterns:
  zulu:
    - name: z1
      pattern: "z+"
      severity: low
  alpha:
    - name: a1
      pattern: "a+"
      severity: high
    - name: a2
      pattern: "b+"
      severity: medium
contextual_patterns:
  - trigger: "password is"
    severity: high
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	doc, err := LoadPatterns(path)
	if err != nil {
		t.Fatalf("LoadPatterns() error = %v", err)
	}
	if len(doc.Categories) != 2 {
		t.Fatalf("got %d categories, want 2", len(doc.Categories))
	}
	if doc.Categories[0].Name != "zulu" || doc.Categories[1].Name != "alpha" {
		t.Errorf("category order = [%s, %s], want [zulu, alpha]",
			doc.Categories[0].Name, doc.Categories[1].Name)
	}
	if len(doc.Categories[1].Patterns) != 2 {
		t.Errorf("alpha has %d patterns, want 2", len(doc.Categories[1].Patterns))
	}
	if len(doc.Contextual) != 1 || doc.Contextual[0].Trigger != "password is" {
		t.Errorf("contextual = %+v", doc.Contextual)
	}
}

func TestLoadPatternsRejectsBadSeverity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.yaml")
	data := `
patterns:
  x:
    - name: p1
      pattern: "a"
      severity: catastrophic
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPatterns(path); err == nil {
		t.Error("LoadPatterns() should reject unknown severity")
	}
}

func TestLoadPoliciesRuleEnabledDefaultsTrue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	data := `
settings:
  default_policy: p1
policies:
  p1:
    name: Test
    rules:
      - type: block_stuff
        action: block
        categories: [pii]
      - type: disabled_rule
        enabled: false
        action: warn
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	doc, err := LoadPolicies(path)
	if err != nil {
		t.Fatalf("LoadPolicies() error = %v", err)
	}
	p := doc.Policies["p1"]
	if !p.Enabled {
		t.Error("policy enabled should default to true")
	}
	if p.Version != "1.0" {
		t.Errorf("Version = %q, want 1.0", p.Version)
	}
	if !p.Rules[0].Enabled {
		t.Error("rule enabled should default to true")
	}
	if p.Rules[1].Enabled {
		t.Error("explicit enabled: false should stick")
	}
}

func TestLoadPoliciesRejectsUnknownDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	data := `
settings:
  default_policy: missing
policies:
  p1:
    name: Test
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPolicies(path); err == nil {
		t.Error("LoadPolicies() should reject undefined default policy")
	}
}

func TestDefaultDocumentsAreValid(t *testing.T) {
	if err := DefaultPatterns().validate(); err != nil {
		t.Errorf("default patterns invalid: %v", err)
	}
	if err := DefaultPolicies().validate(); err != nil {
		t.Errorf("default policies invalid: %v", err)
	}
}
