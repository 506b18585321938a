package classifier

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// RulePack supplies baseline remediation per failure reason, used when the
// reasoning service returns too few steps and to enrich fallback incidents.
type RulePack struct {
	rules  []RemediationRule
	logger *slog.Logger
}

// RemediationRule maps a failure reason to curated remediation steps.
type RemediationRule struct {
	Reason       string   `yaml:"reason"`
	Remediations []string `yaml:"remediations"`
}

// ruleFile is the YAML root structure.
type ruleFile struct {
	Rules []RemediationRule `yaml:"rules"`
}

// LoadRulePack loads rules from the provided path. A missing or empty path
// returns a nil pack, which callers treat as "no curated rules".
func LoadRulePack(path string, logger *slog.Logger) (*RulePack, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var cfg ruleFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RulePack{rules: cfg.Rules, logger: logger}, nil
}

// For returns the curated remediation steps for a failure reason, or nil.
func (p *RulePack) For(reason string) []string {
	if p == nil {
		return nil
	}
	for _, rule := range p.rules {
		if strings.EqualFold(rule.Reason, reason) {
			return rule.Remediations
		}
	}
	return nil
}
