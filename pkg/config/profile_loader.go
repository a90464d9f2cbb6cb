package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openprocure/core/pkg/governance"
	"github.com/openprocure/core/pkg/outbox"
)

// WorkspaceProfile overrides delivery and admission knobs for one workspace.
// Zero values mean "keep the global setting".
type WorkspaceProfile struct {
	Name        string        `yaml:"name" json:"name"`
	WorkspaceID string        `yaml:"workspace_id" json:"workspace_id"`
	Outbox      OutboxProfile `yaml:"outbox" json:"outbox"`
	Governance  GovProfile    `yaml:"governance" json:"governance"`
	Shadow      ShadowProfile `yaml:"shadow" json:"shadow"`
}

// OutboxProfile overrides ERP delivery knobs.
type OutboxProfile struct {
	MaxAttempts          int     `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	BackoffSeconds       int     `yaml:"backoff_seconds,omitempty" json:"backoff_seconds,omitempty"`
	MaxBackoffSeconds    int     `yaml:"max_backoff_seconds,omitempty" json:"max_backoff_seconds,omitempty"`
	BackoffJitterRatio   float64 `yaml:"backoff_jitter_ratio,omitempty" json:"backoff_jitter_ratio,omitempty"`
	DeadLetterOnGovLimit bool    `yaml:"dead_letter_on_gov_limit,omitempty" json:"dead_letter_on_gov_limit,omitempty"`
}

// GovProfile overrides admission knobs.
type GovProfile struct {
	WorkerMaxConcurrent    int `yaml:"worker_max_concurrent,omitempty" json:"worker_max_concurrent,omitempty"`
	WorkerMaxBacklog       int `yaml:"worker_max_backlog,omitempty" json:"worker_max_backlog,omitempty"`
	WorkerRetryAfterSecs   int `yaml:"worker_retry_after_seconds,omitempty" json:"worker_retry_after_seconds,omitempty"`
	AnalyticsMaxRPM        int `yaml:"analytics_max_rpm,omitempty" json:"analytics_max_rpm,omitempty"`
	AnalyticsMaxConcurrent int `yaml:"analytics_max_concurrent,omitempty" json:"analytics_max_concurrent,omitempty"`
}

// ShadowProfile overrides shadow comparison knobs.
type ShadowProfile struct {
	SampleRate        float64 `yaml:"sample_rate,omitempty" json:"sample_rate,omitempty"`
	MaxDiffLogsPerMin int     `yaml:"max_diff_logs_per_min,omitempty" json:"max_diff_logs_per_min,omitempty"`
}

// LoadProfile loads a workspace profile YAML by workspace id. It looks for
// profile_<workspace>.yaml in the profiles directory.
func LoadProfile(profilesDir, workspaceID string) (*WorkspaceProfile, error) {
	workspaceID = strings.ToLower(strings.TrimSpace(workspaceID))
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", workspaceID))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", workspaceID, err)
	}

	var profile WorkspaceProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", workspaceID, err)
	}

	if profile.WorkspaceID == "" {
		profile.WorkspaceID = workspaceID
	}
	return &profile, nil
}

// LoadAllProfiles loads every profile_*.yaml from the profiles directory,
// keyed by workspace id.
func LoadAllProfiles(profilesDir string) (map[string]*WorkspaceProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*WorkspaceProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile WorkspaceProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.WorkspaceID == "" {
			base := filepath.Base(path)
			profile.WorkspaceID = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		profiles[profile.WorkspaceID] = &profile
	}
	return profiles, nil
}

// ApplyOutbox layers the profile's non-zero outbox overrides onto opts.
func (p *WorkspaceProfile) ApplyOutbox(opts outbox.Options) outbox.Options {
	if p.Outbox.MaxAttempts > 0 {
		opts.MaxAttempts = p.Outbox.MaxAttempts
	}
	if p.Outbox.BackoffSeconds > 0 {
		opts.BackoffBase = time.Duration(p.Outbox.BackoffSeconds) * time.Second
	}
	if p.Outbox.MaxBackoffSeconds > 0 {
		opts.BackoffMax = time.Duration(p.Outbox.MaxBackoffSeconds) * time.Second
	}
	if p.Outbox.BackoffJitterRatio > 0 {
		opts.BackoffJitterRatio = p.Outbox.BackoffJitterRatio
	}
	if p.Outbox.DeadLetterOnGovLimit {
		opts.DeadLetterOnGovOverrun = true
	}
	return opts
}

// ApplyGovernance layers the profile's non-zero admission overrides onto opts.
func (p *WorkspaceProfile) ApplyGovernance(opts governance.Options) governance.Options {
	if p.Governance.WorkerMaxConcurrent > 0 {
		opts.WorkerMaxConcurrent = p.Governance.WorkerMaxConcurrent
	}
	if p.Governance.WorkerMaxBacklog > 0 {
		opts.WorkerMaxBacklog = p.Governance.WorkerMaxBacklog
	}
	if p.Governance.WorkerRetryAfterSecs > 0 {
		opts.WorkerRetryAfter = time.Duration(p.Governance.WorkerRetryAfterSecs) * time.Second
	}
	if p.Governance.AnalyticsMaxRPM > 0 {
		opts.AnalyticsMaxRPM = p.Governance.AnalyticsMaxRPM
	}
	if p.Governance.AnalyticsMaxConcurrent > 0 {
		opts.AnalyticsMaxConcurrent = p.Governance.AnalyticsMaxConcurrent
	}
	return opts
}
