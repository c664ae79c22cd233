// Package config loads service configuration from an optional YAML file with
// environment-variable overrides for deployment settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Server     ServerConfig     `yaml:"server"`
	GRPC       GRPCConfig       `yaml:"grpc"`
	Database   DatabaseConfig   `yaml:"database"`
	NATS       NATSConfig       `yaml:"nats"`
	Escalation EscalationConfig `yaml:"escalation"`
	Approval   ApprovalConfig   `yaml:"approval"`
}

// ServiceConfig identifies the service in logs and metrics.
type ServiceConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// GRPCConfig holds gRPC server settings (health/reflection surface).
type GRPCConfig struct {
	Port int `yaml:"port"`
}

// DatabaseConfig holds Postgres pool settings.
type DatabaseConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	User        string        `yaml:"user"`
	Password    string        `yaml:"password"`
	Database    string        `yaml:"database"`
	SSLMode     string        `yaml:"ssl_mode"`
	MaxConns    int32         `yaml:"max_conns"`
	MinConns    int32         `yaml:"min_conns"`
	MaxConnTime time.Duration `yaml:"max_conn_time"`
	MaxIdleTime time.Duration `yaml:"max_idle_time"`
	HealthCheck time.Duration `yaml:"health_check"`
}

// NATSConfig holds the notification transport settings. An empty URL disables
// publishing (alerts and events are then log-only).
type NATSConfig struct {
	URL string `yaml:"url"`
}

// EscalationConfig controls the in-process escalation scan schedule. The
// scanner assumes a single active instance; when running multiple replicas,
// disable the ticker and drive the `escalate` command from an exclusive cron.
type EscalationConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// ApprovalConfig holds the step-planning rule set and thresholds.
type ApprovalConfig struct {
	// ExecThreshold is the document amount (currency minor units) at and
	// above which the executive step is added to the default ladder.
	ExecThreshold int64 `yaml:"exec_threshold"`
	// RecurringExecThreshold applies instead when the document state carries
	// recurring=true. Kept separate so the business can tune it without a
	// release; defaults to the same value as ExecThreshold.
	RecurringExecThreshold int64 `yaml:"recurring_exec_threshold"`
	// Rules are admin-defined step ladders evaluated before the default
	// ladder; when any rule matches, its steps replace the default.
	Rules []StepRule `yaml:"rules"`
	// Flows maps flow types to the document tables this service may flip
	// status on. Only tables listed here are ever touched.
	Flows map[string]FlowConfig `yaml:"flows"`
}

// StepRule pairs a condition with the steps it requires.
type StepRule struct {
	Name      string        `yaml:"name"`
	Condition RuleCondition `yaml:"condition"`
	Steps     []RuleStep    `yaml:"steps"`
}

// RuleCondition restricts a rule by amount range (inclusive) and by flow
// flags. A flow type must be explicitly marked true in FlowFlags to apply;
// a nil FlowFlags map applies to all flow types.
type RuleCondition struct {
	AmountMin *int64          `yaml:"amount_min"`
	AmountMax *int64          `yaml:"amount_max"`
	FlowFlags map[string]bool `yaml:"flow_flags"`
}

// RuleStep is one declared approver slot. Exactly one of ApproverGroupID /
// ApproverUserID should be set. StepOrder and ParallelKey are optional; see
// the planner's normalization rules.
type RuleStep struct {
	ApproverGroupID string `yaml:"approver_group_id"`
	ApproverUserID  string `yaml:"approver_user_id"`
	StepOrder       int    `yaml:"step_order"`
	ParallelKey     string `yaml:"parallel_key"`
}

// FlowConfig describes how to flip a document's status column for a flow.
type FlowConfig struct {
	Table          string `yaml:"table"`
	StatusColumn   string `yaml:"status_column"`
	DraftStatus    string `yaml:"draft_status"`
	PendingStatus  string `yaml:"pending_status"`
	ApprovedStatus string `yaml:"approved_status"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "be-approvals",
			Version:     "0.1.0",
			Environment: "development",
		},
		Server: ServerConfig{
			Port:            8086,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		GRPC: GRPCConfig{Port: 9086},
		Database: DatabaseConfig{
			Host:        "localhost",
			Port:        5432,
			User:        "postgres",
			Password:    "postgres",
			Database:    "approvals",
			SSLMode:     "disable",
			MaxConns:    10,
			MinConns:    2,
			MaxConnTime: time.Hour,
			MaxIdleTime: 30 * time.Minute,
			HealthCheck: time.Minute,
		},
		NATS: NATSConfig{URL: ""},
		Escalation: EscalationConfig{
			Enabled:  true,
			Interval: time.Hour,
		},
		Approval: ApprovalConfig{
			ExecThreshold:          100000,
			RecurringExecThreshold: 100000,
			Flows: map[string]FlowConfig{
				"estimate":       {Table: "estimates", StatusColumn: "status", DraftStatus: "draft", PendingStatus: "pending_approval", ApprovedStatus: "approved"},
				"purchase_order": {Table: "purchase_orders", StatusColumn: "status", DraftStatus: "draft", PendingStatus: "pending_approval", ApprovedStatus: "approved"},
				"leave":          {Table: "leave_requests", StatusColumn: "status", DraftStatus: "draft", PendingStatus: "pending_approval", ApprovedStatus: "approved"},
				"vendor_invoice": {Table: "vendor_invoices", StatusColumn: "status", DraftStatus: "draft", PendingStatus: "pending_approval", ApprovedStatus: "approved"},
				"expense":        {Table: "expenses", StatusColumn: "status", DraftStatus: "draft", PendingStatus: "pending_approval", ApprovedStatus: "approved"},
			},
		},
	}
}

// Load reads configuration from CONFIG_PATH (when set and present), then
// applies environment overrides.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	path := os.Getenv("CONFIG_PATH")
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies deployment-level overrides.
func (c *Config) applyEnv() {
	setString(&c.Service.Environment, "ENVIRONMENT")
	setInt(&c.Server.Port, "PORT")
	setInt(&c.GRPC.Port, "GRPC_PORT")
	setString(&c.Database.Host, "DATABASE_HOST")
	setInt(&c.Database.Port, "DATABASE_PORT")
	setString(&c.Database.User, "DATABASE_USER")
	setString(&c.Database.Password, "DATABASE_PASSWORD")
	setString(&c.Database.Database, "DATABASE_NAME")
	setString(&c.Database.SSLMode, "DATABASE_SSL_MODE")
	setString(&c.NATS.URL, "NATS_URL")
}

// Validate checks invariants that would otherwise surface as runtime faults.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("service.name is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.GRPC.Port < 1 || c.GRPC.Port > 65535 {
		return fmt.Errorf("grpc.port out of range: %d", c.GRPC.Port)
	}
	if c.Approval.ExecThreshold <= 0 {
		return fmt.Errorf("approval.exec_threshold must be positive")
	}
	if c.Approval.RecurringExecThreshold <= 0 {
		return fmt.Errorf("approval.recurring_exec_threshold must be positive")
	}
	if c.Escalation.Enabled && c.Escalation.Interval < time.Minute {
		return fmt.Errorf("escalation.interval must be at least 1m")
	}
	for flow, fc := range c.Approval.Flows {
		if fc.Table == "" || fc.StatusColumn == "" {
			return fmt.Errorf("approval.flows.%s: table and status_column are required", flow)
		}
		if fc.DraftStatus == "" || fc.PendingStatus == "" || fc.ApprovedStatus == "" {
			return fmt.Errorf("approval.flows.%s: draft_status, pending_status and approved_status are required", flow)
		}
	}
	for i, rule := range c.Approval.Rules {
		if len(rule.Steps) == 0 {
			return fmt.Errorf("approval.rules[%d]: at least one step is required", i)
		}
		for j, step := range rule.Steps {
			if (step.ApproverGroupID == "") == (step.ApproverUserID == "") {
				return fmt.Errorf("approval.rules[%d].steps[%d]: exactly one of approver_group_id or approver_user_id must be set", i, j)
			}
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
