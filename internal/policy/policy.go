package policy

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"rampart/internal/config"
	"rampart/internal/detect"
	"rampart/internal/metrics"
)

// Action is the outcome of a policy evaluation
type Action string

const (
	ActionAllow Action = "allow"
	ActionWarn  Action = "warn"
	ActionBlock Action = "block"
)

// NotFoundError reports a reference to an unknown policy id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string { return "Policy not found: " + e.ID }

// DisabledError reports an attempt to evaluate with a disabled policy.
type DisabledError struct {
	ID string
}

func (e *DisabledError) Error() string { return "Policy is disabled: " + e.ID }

// Info is the public summary of a policy.
type Info struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`
	Enabled     bool   `json:"enabled"`
	RulesCount  int    `json:"rules_count"`
}

// Engine evaluates detections against named policies. Deny and allow
// lists run before any policy rule: denylist hits block outright,
// allowlist hits approve outright. Rules are applied in declaration
// order and block outcomes latch over warns.
type Engine struct {
	load func() (*config.PolicyDoc, error)
	m    *metrics.Metrics
	log  *slog.Logger

	mu   sync.RWMutex
	snap *snapshot
}

// snapshot is an immutable compiled view of the policy document.
// Reload builds a fresh snapshot and swaps it in, so concurrent
// evaluations see either the old or the new configuration whole.
type snapshot struct {
	policies     map[string]config.PolicySpec
	defaultID    string
	allowlist    []string // lowercased substrings
	denyKeywords []string // lowercased substrings
	denyPhrases  []string // lowercased substrings
	denyPatterns []*regexp.Regexp
}

// New builds an engine from the loader, which is invoked once
// immediately and again on every Reload.
func New(load func() (*config.PolicyDoc, error), m *metrics.Metrics, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{load: load, m: m, log: log}
	if err := e.Reload(); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload re-runs the loader and swaps in the compiled result. The
// previous configuration stays active if loading fails.
func (e *Engine) Reload() error {
	doc, err := e.load()
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	snap := e.compile(doc)

	e.mu.Lock()
	e.snap = snap
	e.mu.Unlock()

	if e.m != nil {
		enabled := 0
		for _, p := range snap.policies {
			if p.Enabled {
				enabled++
			}
		}
		e.m.ActivePolicies.Set(float64(enabled))
	}

	e.log.Info("policies loaded",
		"count", len(snap.policies),
		"default", snap.defaultID)
	return nil
}

func (e *Engine) compile(doc *config.PolicyDoc) *snapshot {
	snap := &snapshot{
		policies:  doc.Policies,
		defaultID: doc.Settings.DefaultPolicy,
	}
	if snap.defaultID == "" {
		snap.defaultID = "default"
	}

	for _, p := range doc.Allowlist.Patterns {
		snap.allowlist = append(snap.allowlist, strings.ToLower(p))
	}
	for _, k := range doc.Denylist.Keywords {
		snap.denyKeywords = append(snap.denyKeywords, strings.ToLower(k))
	}
	for _, p := range doc.Denylist.Phrases {
		snap.denyPhrases = append(snap.denyPhrases, strings.ToLower(p))
	}
	for _, p := range doc.Denylist.Patterns {
		re, err := regexp.Compile("(?i:" + p + ")")
		if err != nil {
			e.log.Warn("skipping invalid denylist pattern", "pattern", p, "error", err)
			continue
		}
		snap.denyPatterns = append(snap.denyPatterns, re)
	}
	return snap
}

func (e *Engine) snapshot() *snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snap
}

// Evaluate decides the action for a prompt given its detections. An
// empty policyID selects the default policy. Unknown and disabled
// policies return an error; every other path returns an action and a
// human-readable reason.
func (e *Engine) Evaluate(prompt string, detections []detect.Detection, policyID string) (Action, string, error) {
	snap := e.snapshot()

	pid := policyID
	if pid == "" {
		pid = snap.defaultID
	}

	pol, ok := snap.policies[pid]
	if !ok {
		return "", "", &NotFoundError{ID: pid}
	}
	if !pol.Enabled {
		return "", "", &DisabledError{ID: pid}
	}

	action, reason := snap.decide(prompt, pol, detections)

	if e.m != nil {
		e.m.PolicyEvaluations.WithLabelValues(pid, string(action)).Inc()
	}
	e.log.Debug("policy evaluated",
		"policy_id", pid,
		"action", action,
		"detections", len(detections))

	return action, reason, nil
}

func (s *snapshot) decide(prompt string, pol config.PolicySpec, detections []detect.Detection) (Action, string) {
	if s.matchesDenylist(prompt) {
		return ActionBlock, "Prompt contains denied keywords or phrases"
	}
	if s.matchesAllowlist(prompt) {
		return ActionAllow, "Prompt matches allowlist"
	}
	if len(detections) == 0 {
		return ActionAllow, "No sensitive data detected"
	}
	return evaluateRules(pol, detections)
}

func (s *snapshot) matchesDenylist(prompt string) bool {
	lower := strings.ToLower(prompt)
	for _, k := range s.denyKeywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	for _, p := range s.denyPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	for _, re := range s.denyPatterns {
		if re.MatchString(prompt) {
			return true
		}
	}
	return false
}

func (s *snapshot) matchesAllowlist(prompt string) bool {
	lower := strings.ToLower(prompt)
	for _, p := range s.allowlist {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// evaluateRules walks the rule table in declaration order. Every
// matching rule/detection pair contributes a reason; a warn rule adds
// nothing once a block has latched. The reason string carries at most
// the first three entries.
func evaluateRules(pol config.PolicySpec, detections []detect.Detection) (Action, string) {
	highest := ActionAllow
	var reasons []string

	for _, rule := range pol.Rules {
		if !rule.Enabled {
			continue
		}
		action := Action(rule.Action)
		if action == "" {
			action = ActionWarn
		}

		for _, d := range detections {
			if len(rule.Categories) > 0 && !containsString(rule.Categories, d.Category) {
				continue
			}
			if rule.Severity != "" && string(d.Severity) != rule.Severity {
				continue
			}

			switch {
			case action == ActionBlock:
				highest = ActionBlock
				reasons = append(reasons,
					fmt.Sprintf("Blocked by rule '%s': %s (%s)", rule.Type, d.MatchedPattern, d.Severity))
			case action == ActionWarn && highest != ActionBlock:
				highest = ActionWarn
				reasons = append(reasons,
					fmt.Sprintf("Warning from rule '%s': %s", rule.Type, d.MatchedPattern))
			}
		}
	}

	if len(reasons) == 0 {
		return ActionAllow, "No policy rules triggered"
	}
	if len(reasons) > 3 {
		reasons = reasons[:3]
	}
	return highest, strings.Join(reasons, "; ")
}

// DefaultID returns the configured default policy id.
func (e *Engine) DefaultID() string {
	return e.snapshot().defaultID
}

// List returns all policy ids in sorted order.
func (e *Engine) List() []string {
	snap := e.snapshot()
	ids := make([]string, 0, len(snap.policies))
	for id := range snap.policies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Info returns the summary for a policy id.
func (e *Engine) Info(id string) (Info, error) {
	snap := e.snapshot()
	pol, ok := snap.policies[id]
	if !ok {
		return Info{}, &NotFoundError{ID: id}
	}
	return Info{
		ID:          id,
		Name:        pol.Name,
		Description: pol.Description,
		Version:     pol.Version,
		Enabled:     pol.Enabled,
		RulesCount:  len(pol.Rules),
	}, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
