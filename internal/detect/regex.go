package detect

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"rampart/internal/config"
	"rampart/internal/metrics"
)

// RegexDetector scans prompts against compiled regex patterns grouped
// by category, plus contextual trigger phrases ("password is ...").
// Patterns are compiled once per load; Check never fails.
type RegexDetector struct {
	load func() (*config.PatternDoc, error)
	m    *metrics.Metrics
	log  *slog.Logger

	mu   sync.RWMutex
	snap *regexSnapshot
}

type regexSnapshot struct {
	categories []compiledCategory
	contextual []config.ContextualPattern
}

type compiledCategory struct {
	name     string
	patterns []compiledPattern
}

type compiledPattern struct {
	name        string
	re          *regexp.Regexp
	description string
	severity    Severity
}

// NewRegexDetector builds a detector from the loader, which is invoked
// once immediately and again on every Reload.
func NewRegexDetector(load func() (*config.PatternDoc, error), m *metrics.Metrics, log *slog.Logger) (*RegexDetector, error) {
	if log == nil {
		log = slog.Default()
	}
	d := &RegexDetector{load: load, m: m, log: log}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// Reload re-runs the loader, recompiles every pattern and swaps the
// compiled set in. Invalid patterns are skipped with a warning; the
// previous set stays active if loading fails.
func (d *RegexDetector) Reload() error {
	doc, err := d.load()
	if err != nil {
		return fmt.Errorf("failed to load regex patterns: %w", err)
	}

	snap := &regexSnapshot{contextual: doc.Contextual}
	total := 0
	for _, cat := range doc.Categories {
		cc := compiledCategory{name: cat.Name}
		for _, p := range cat.Patterns {
			re, err := regexp.Compile("(?i:" + p.Pattern + ")")
			if err != nil {
				d.log.Warn("skipping invalid regex pattern", "pattern", p.Name, "error", err)
				continue
			}
			cc.patterns = append(cc.patterns, compiledPattern{
				name:        p.Name,
				re:          re,
				description: p.Description,
				severity:    ParseSeverity(p.Severity),
			})
			total++
		}
		snap.categories = append(snap.categories, cc)
	}

	d.mu.Lock()
	d.snap = snap
	d.mu.Unlock()

	d.log.Info("regex patterns loaded",
		"categories", len(snap.categories),
		"total_patterns", total,
		"contextual", len(snap.contextual))
	return nil
}

func (d *RegexDetector) snapshot() *regexSnapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snap
}

// Check scans the prompt and returns one detection per matching
// pattern, carrying every match position. Detections appear in
// category then pattern declaration order, with contextual hits last.
func (d *RegexDetector) Check(prompt string) []Detection {
	snap := d.snapshot()
	var detections []Detection

	for _, cat := range snap.categories {
		for _, p := range cat.patterns {
			positions := p.re.FindAllStringIndex(prompt, -1)
			if len(positions) == 0 {
				continue
			}

			spans := make([]Span, len(positions))
			matched := make([]string, 0, 3)
			for i, pos := range positions {
				spans[i] = Span{pos[0], pos[1]}
				if i < 3 {
					matched = append(matched, prompt[pos[0]:pos[1]])
				}
			}

			detections = append(detections, Detection{
				Type:           KindRegex,
				MatchedPattern: p.name,
				Confidence:     1.0, // regex matches are exact
				Severity:       p.severity,
				Category:       cat.name,
				Positions:      spans,
				Metadata: map[string]any{
					"description":  p.description,
					"match_count":  len(positions),
					"matched_text": matched,
				},
			})

			if d.m != nil {
				d.m.RegexDetections.WithLabelValues(p.name, cat.name).Inc()
			}
			d.log.Debug("regex match found",
				"pattern", p.name,
				"category", cat.name,
				"matches", len(positions))
		}
	}

	return append(detections, d.checkContextual(snap, prompt)...)
}

// checkContextual looks for trigger phrases as case-insensitive
// substrings. The detection carries the trigger and up to 50 bytes of
// following text as context.
func (d *RegexDetector) checkContextual(snap *regexSnapshot, prompt string) []Detection {
	var detections []Detection
	lower := strings.ToLower(prompt)

	for _, cp := range snap.contextual {
		trigger := strings.ToLower(cp.Trigger)
		idx := strings.Index(lower, trigger)
		if idx < 0 {
			continue
		}

		end := idx + len(trigger) + 50
		if end > len(prompt) {
			end = len(prompt)
		}
		context := ""
		if idx < len(prompt) {
			context = prompt[idx:end]
		}

		detections = append(detections, Detection{
			Type:           KindContextual,
			MatchedPattern: trigger,
			Confidence:     0.8, // contextual matches are less certain
			Severity:       ParseSeverity(cp.Severity),
			Category:       "contextual",
			Positions:      []Span{{idx, idx + len(trigger)}},
			Metadata: map[string]any{
				"trigger":     trigger,
				"context":     context,
				"description": "Contextual pattern detected: " + trigger,
			},
		})

		d.log.Debug("contextual pattern found", "trigger", trigger, "position", idx)
	}

	return detections
}

// Categories returns pattern category names in declaration order.
func (d *RegexDetector) Categories() []string {
	snap := d.snapshot()
	names := make([]string, len(snap.categories))
	for i, cat := range snap.categories {
		names[i] = cat.name
	}
	return names
}

// PatternsInCategory returns the pattern names within a category, or
// nil for an unknown category.
func (d *RegexDetector) PatternsInCategory(category string) []string {
	snap := d.snapshot()
	for _, cat := range snap.categories {
		if cat.name != category {
			continue
		}
		names := make([]string, len(cat.patterns))
		for i, p := range cat.patterns {
			names[i] = p.name
		}
		return names
	}
	return nil
}
