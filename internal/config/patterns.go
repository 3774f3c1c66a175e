package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PatternSpec defines a single named detection pattern
type PatternSpec struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"` // regex, compiled case-insensitively
	Description string `yaml:"description"`
	Severity    string `yaml:"severity"` // low, medium, high, critical
}

// ContextualPattern defines a substring trigger matched case-insensitively
type ContextualPattern struct {
	Trigger  string `yaml:"trigger"`
	Severity string `yaml:"severity"`
}

// PatternCategory groups patterns under a category name, preserving
// the order categories appear in the document
type PatternCategory struct {
	Name     string
	Patterns []PatternSpec
}

// PatternDoc is the parsed pattern configuration document
type PatternDoc struct {
	Categories []PatternCategory
	Contextual []ContextualPattern
}

// UnmarshalYAML decodes the pattern document keeping category order.
// yaml.v3 maps lose ordering, so the patterns mapping is walked as a node.
func (d *PatternDoc) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Patterns   yaml.Node           `yaml:"patterns"`
		Contextual []ContextualPattern `yaml:"contextual_patterns"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	d.Contextual = raw.Contextual
	if raw.Patterns.IsZero() {
		return nil
	}
	if raw.Patterns.Kind != yaml.MappingNode {
		return fmt.Errorf("patterns must be a mapping of category to pattern list")
	}
	for i := 0; i+1 < len(raw.Patterns.Content); i += 2 {
		key := raw.Patterns.Content[i]
		val := raw.Patterns.Content[i+1]
		var specs []PatternSpec
		if err := val.Decode(&specs); err != nil {
			return fmt.Errorf("category %q: %w", key.Value, err)
		}
		d.Categories = append(d.Categories, PatternCategory{Name: key.Value, Patterns: specs})
	}
	return nil
}

// LoadPatterns reads a pattern configuration file, falling back to the
// built-in defaults when no path is configured
func LoadPatterns(path string) (*PatternDoc, error) {
	if path == "" {
		return DefaultPatterns(), nil
	}
	data, err := os.ReadFile(path) // #nosec G304 -- pattern path from trusted config
	if err != nil {
		return nil, fmt.Errorf("reading pattern config: %w", err)
	}
	doc := &PatternDoc{}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("parsing pattern config: %w", err)
	}
	if err := doc.validate(); err != nil {
		return nil, fmt.Errorf("validating pattern config: %w", err)
	}
	return doc, nil
}

func (d *PatternDoc) validate() error {
	for _, cat := range d.Categories {
		for _, p := range cat.Patterns {
			if p.Name == "" {
				return fmt.Errorf("category %q: pattern name is required", cat.Name)
			}
			if p.Pattern == "" {
				return fmt.Errorf("pattern %q: regex is required", p.Name)
			}
			if !ValidSeverity(p.Severity) {
				return fmt.Errorf("pattern %q: invalid severity %q", p.Name, p.Severity)
			}
		}
	}
	for _, cp := range d.Contextual {
		if cp.Trigger == "" {
			return fmt.Errorf("contextual pattern trigger is required")
		}
		if !ValidSeverity(cp.Severity) {
			return fmt.Errorf("contextual pattern %q: invalid severity %q", cp.Trigger, cp.Severity)
		}
	}
	return nil
}

// ValidSeverity reports whether s is empty or one of the four severity levels
func ValidSeverity(s string) bool {
	switch s {
	case "", "low", "medium", "high", "critical":
		return true
	}
	return false
}

// DefaultPatterns returns the built-in detection pattern set, used when no
// pattern file is configured
func DefaultPatterns() *PatternDoc {
	return &PatternDoc{
		Categories: []PatternCategory{
			{
				Name: "api_keys",
				Patterns: []PatternSpec{
					{
						Name:        "openai_api_key",
						Pattern:     `sk-[a-zA-Z0-9_-]{20,}`,
						Description: "OpenAI API key",
						Severity:    "critical",
					},
					{
						Name:        "aws_access_key",
						Pattern:     `AKIA[0-9A-Z]{16}`,
						Description: "AWS access key ID",
						Severity:    "critical",
					},
					{
						Name:        "github_token",
						Pattern:     `gh[pousr]_[a-zA-Z0-9]{36,}`,
						Description: "GitHub personal access token",
						Severity:    "critical",
					},
					{
						Name:        "generic_api_key",
						Pattern:     `(api[_-]?key|secret[_-]?key|auth[_-]?token)[:\s=]["']?[a-zA-Z0-9_.-]{16,}["']?`,
						Description: "Generic API key assignment",
						Severity:    "high",
					},
				},
			},
			{
				Name: "private_keys",
				Patterns: []PatternSpec{
					{
						Name:        "private_key_block",
						Pattern:     `-----BEGIN (RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`,
						Description: "PEM private key header",
						Severity:    "critical",
					},
				},
			},
			{
				Name: "tokens",
				Patterns: []PatternSpec{
					{
						Name:        "jwt_token",
						Pattern:     `eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
						Description: "JSON Web Token",
						Severity:    "high",
					},
					{
						Name:        "bearer_token",
						Pattern:     `bearer\s+[a-zA-Z0-9_.-]{20,}`,
						Description: "Bearer authorization token",
						Severity:    "high",
					},
				},
			},
			{
				Name: "pii",
				Patterns: []PatternSpec{
					{
						Name:        "ssn",
						Pattern:     `\b\d{3}-\d{2}-\d{4}\b`,
						Description: "US Social Security number",
						Severity:    "critical",
					},
					{
						Name:        "credit_card",
						Pattern:     `\b\d{4}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`,
						Description: "Payment card number",
						Severity:    "critical",
					},
					{
						Name:        "email",
						Pattern:     `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`,
						Description: "Email address",
						Severity:    "medium",
					},
					{
						Name:        "phone_us",
						Pattern:     `\b(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`,
						Description: "US phone number",
						Severity:    "medium",
					},
				},
			},
		},
		Contextual: []ContextualPattern{
			{Trigger: "password is", Severity: "high"},
			{Trigger: "api key is", Severity: "medium"},
			{Trigger: "private key is", Severity: "critical"},
			{Trigger: "access token is", Severity: "high"},
			{Trigger: "credentials are", Severity: "medium"},
		},
	}
}
