package config

import (
	"os"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config failed validation: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults pass", func(c *Config) {}, false},
		{"missing service name", func(c *Config) { c.Service.Name = "" }, true},
		{"http port out of range", func(c *Config) { c.Server.Port = 0 }, true},
		{"grpc port out of range", func(c *Config) { c.GRPC.Port = 70000 }, true},
		{"zero exec threshold", func(c *Config) { c.Approval.ExecThreshold = 0 }, true},
		{"zero recurring threshold", func(c *Config) { c.Approval.RecurringExecThreshold = 0 }, true},
		{"escalation interval too short", func(c *Config) { c.Escalation.Interval = 10 * time.Second }, true},
		{"escalation interval ignored when disabled", func(c *Config) {
			c.Escalation.Enabled = false
			c.Escalation.Interval = 10 * time.Second
		}, false},
		{"flow missing table", func(c *Config) {
			c.Approval.Flows["estimate"] = FlowConfig{StatusColumn: "status", DraftStatus: "draft", PendingStatus: "pending_approval"}
		}, true},
		{"flow missing draft status", func(c *Config) {
			c.Approval.Flows["estimate"] = FlowConfig{Table: "estimates", StatusColumn: "status", PendingStatus: "pending_approval", ApprovedStatus: "approved"}
		}, true},
		{"flow missing approved status", func(c *Config) {
			c.Approval.Flows["estimate"] = FlowConfig{Table: "estimates", StatusColumn: "status", DraftStatus: "draft", PendingStatus: "pending_approval"}
		}, true},
		{"rule with no steps", func(c *Config) {
			c.Approval.Rules = []StepRule{{Name: "empty"}}
		}, true},
		{"rule step with both approvers", func(c *Config) {
			c.Approval.Rules = []StepRule{{
				Name:  "bad",
				Steps: []RuleStep{{ApproverGroupID: "g", ApproverUserID: "u"}},
			}}
		}, true},
		{"rule step with neither approver", func(c *Config) {
			c.Approval.Rules = []StepRule{{
				Name:  "bad",
				Steps: []RuleStep{{StepOrder: 1}},
			}}
		}, true},
		{"valid rule", func(c *Config) {
			min := int64(1000)
			c.Approval.Rules = []StepRule{{
				Name:      "finance ladder",
				Condition: RuleCondition{AmountMin: &min},
				Steps: []RuleStep{
					{ApproverGroupID: "finance"},
					{ApproverUserID: "cfo", StepOrder: 2},
				},
			}}
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("PORT", "9999")
	t.Setenv("DATABASE_HOST", "db.internal")
	t.Setenv("NATS_URL", "nats://broker:4222")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Database.Host != "db.internal" {
		t.Errorf("Database.Host = %q, want db.internal", cfg.Database.Host)
	}
	if cfg.NATS.URL != "nats://broker:4222" {
		t.Errorf("NATS.URL = %q", cfg.NATS.URL)
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.yaml"
	yaml := `
server:
  port: 8200
approval:
  exec_threshold: 250000
  rules:
    - name: big estimates
      condition:
        amount_min: 50000
        flow_flags:
          estimate: true
      steps:
        - approver_group_id: finance
        - approver_group_id: exec
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8200 {
		t.Errorf("Server.Port = %d, want 8200", cfg.Server.Port)
	}
	if cfg.Approval.ExecThreshold != 250000 {
		t.Errorf("ExecThreshold = %d, want 250000", cfg.Approval.ExecThreshold)
	}
	if len(cfg.Approval.Rules) != 1 {
		t.Fatalf("Rules length = %d, want 1", len(cfg.Approval.Rules))
	}
	rule := cfg.Approval.Rules[0]
	if rule.Condition.AmountMin == nil || *rule.Condition.AmountMin != 50000 {
		t.Errorf("AmountMin = %v, want 50000", rule.Condition.AmountMin)
	}
	if !rule.Condition.FlowFlags["estimate"] {
		t.Error("FlowFlags[estimate] = false, want true")
	}
	// Defaults survive a partial file.
	if cfg.GRPC.Port != 9086 {
		t.Errorf("GRPC.Port = %d, want default 9086", cfg.GRPC.Port)
	}
}
