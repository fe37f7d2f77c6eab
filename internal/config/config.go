package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/execution-hub/verification-gate/internal/application/ratelimit"
	"github.com/execution-hub/verification-gate/internal/domain/audit"
)

// Audit store backends.
const (
	AuditStoreMemory   = "memory"
	AuditStorePostgres = "postgres"
	AuditStoreRaft     = "raft"
)

// Config holds service configuration.
type Config struct {
	ServerAddr   string `yaml:"serverAddr"`
	DatabaseURL  string `yaml:"databaseUrl"`
	RedisURL     string `yaml:"redisUrl"`
	InstanceName string `yaml:"instanceName"`
	AuditStore   string `yaml:"auditStore"`
	LogLevel     string `yaml:"logLevel"`
	AdminToken   string `yaml:"adminToken"`

	TotalNodes   int              `yaml:"totalNodes"`
	RateLimits   ratelimit.Limits `yaml:"rateLimits"`
	Byzantine    Byzantine        `yaml:"byzantine"`
	Crypto       Crypto           `yaml:"crypto"`
	Verification Verification     `yaml:"verification"`
	Cleanup      Cleanup          `yaml:"cleanup"`
	Raft         Raft             `yaml:"raft"`
}

type Byzantine struct {
	SuspicionThreshold int           `yaml:"suspicionThreshold"`
	ConsensusThreshold float64       `yaml:"consensusThreshold"`
	HeartbeatInterval  time.Duration `yaml:"heartbeatInterval"`
}

type Crypto struct {
	KeySize       int    `yaml:"keySize"`
	Algorithm     string `yaml:"algorithm"`
	HashAlgorithm string `yaml:"hashAlgorithm"`
}

type Verification struct {
	MinTrust          float64       `yaml:"minTrust"`
	ValidationPenalty float64       `yaml:"validationPenalty"`
	ConsensusTimeout  time.Duration `yaml:"consensusTimeout"`
	// RequiredOutput lists dotted keys every task output must carry.
	RequiredOutput []string `yaml:"requiredOutput"`
	// ConsensusPeers puts every truth claim to a vote among these agents.
	ConsensusPeers []string `yaml:"consensusPeers"`
	Rules          []Rule   `yaml:"rules"`
}

// Rule stages.
const (
	StagePreTask  = "pre_task"
	StagePostTask = "post_task"
	StageTruth    = "truth"
)

// Rule registers an expression validator at one pipeline stage.
type Rule struct {
	Name       string `yaml:"name"`
	Stage      string `yaml:"stage"`
	Expression string `yaml:"expression"`
	Advisory   bool   `yaml:"advisory"`
}

type Cleanup struct {
	Interval   time.Duration `yaml:"interval"`
	ContextTTL time.Duration `yaml:"contextTtl"`
}

type Raft struct {
	NodeID    string `yaml:"nodeId"`
	Addr      string `yaml:"addr"`
	DataDir   string `yaml:"dataDir"`
	Bootstrap bool   `yaml:"bootstrap"`
}

// Load reads configuration from environment, then overlays the YAML file
// named by VERIFY_CONFIG_FILE if set.
func Load() (*Config, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		user := getenv("POSTGRES_USER", "verify")
		pass := getenv("POSTGRES_PASSWORD", "verify_pass")
		db := getenv("POSTGRES_DB", "verify")
		host := getenv("POSTGRES_HOST", "localhost")
		port := getenv("POSTGRES_PORT", "5432")
		sslmode := getenv("DATABASE_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
	}

	cfg := &Config{
		ServerAddr:   getenv("SERVER_ADDR", "0.0.0.0:8080"),
		DatabaseURL:  dsn,
		RedisURL:     os.Getenv("REDIS_URL"),
		InstanceName: getenv("INSTANCE_NAME", "default"),
		AuditStore:   getenv("AUDIT_STORE", AuditStoreMemory),
		LogLevel:     getenv("LOG_LEVEL", "info"),
		AdminToken:   os.Getenv("ADMIN_TOKEN"),
		TotalNodes:   parseInt(os.Getenv("TOTAL_NODES"), 5),
		RateLimits: ratelimit.Limits{
			PerSecond: parseInt(os.Getenv("RATE_LIMIT_PER_SECOND"), 10),
			PerMinute: parseInt(os.Getenv("RATE_LIMIT_PER_MINUTE"), 100),
			PerHour:   parseInt(os.Getenv("RATE_LIMIT_PER_HOUR"), 1000),
			PerDay:    parseInt(os.Getenv("RATE_LIMIT_PER_DAY"), 10000),
		},
		Byzantine: Byzantine{
			SuspicionThreshold: parseInt(os.Getenv("SUSPICION_THRESHOLD"), 3),
			ConsensusThreshold: parseFloat(os.Getenv("CONSENSUS_THRESHOLD"), 0.67),
			HeartbeatInterval:  parseDuration(os.Getenv("HEARTBEAT_INTERVAL"), 5*time.Second),
		},
		Crypto: Crypto{
			KeySize:       parseInt(os.Getenv("KEY_SIZE"), 256),
			Algorithm:     getenv("SIGNATURE_ALGORITHM", "ed25519"),
			HashAlgorithm: getenv("HASH_ALGORITHM", string(audit.HashSHA256)),
		},
		Verification: Verification{
			MinTrust:          parseFloat(os.Getenv("MIN_TRUST"), 0),
			ValidationPenalty: parseFloat(os.Getenv("VALIDATION_PENALTY"), 5),
			ConsensusTimeout:  parseDuration(os.Getenv("CONSENSUS_TIMEOUT"), 30*time.Second),
			RequiredOutput:    splitList(os.Getenv("REQUIRED_OUTPUT_FIELDS")),
			ConsensusPeers:    splitList(os.Getenv("CONSENSUS_PEERS")),
		},
		Cleanup: Cleanup{
			Interval:   parseDuration(os.Getenv("CLEANUP_INTERVAL"), time.Minute),
			ContextTTL: parseDuration(os.Getenv("CONTEXT_TTL"), time.Hour),
		},
		Raft: Raft{
			NodeID:    os.Getenv("RAFT_NODE_ID"),
			Addr:      os.Getenv("RAFT_ADDR"),
			DataDir:   getenv("RAFT_DATA_DIR", "data/raft"),
			Bootstrap: parseBool(os.Getenv("RAFT_BOOTSTRAP"), false),
		},
	}

	if path := os.Getenv("VERIFY_CONFIG_FILE"); path != "" {
		if err := cfg.overlay(path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (c *Config) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration invariants.
func (c *Config) Validate() error {
	var errs []error
	if c.TotalNodes < 1 {
		errs = append(errs, errors.New("totalNodes must be at least 1"))
	}
	l := c.RateLimits
	if l.PerSecond < 0 || l.PerMinute < 0 || l.PerHour < 0 || l.PerDay < 0 {
		errs = append(errs, errors.New("rate limits must not be negative"))
	}
	if t := c.Byzantine.ConsensusThreshold; t <= 0.5 || t > 1 {
		errs = append(errs, fmt.Errorf("consensusThreshold must be in (0.5, 1], got %v", t))
	}
	if c.Byzantine.SuspicionThreshold < 0 {
		errs = append(errs, errors.New("suspicionThreshold must not be negative"))
	}
	if c.Byzantine.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("heartbeatInterval must be positive"))
	}
	if !strings.EqualFold(c.Crypto.Algorithm, "ed25519") {
		errs = append(errs, fmt.Errorf("unsupported signature algorithm %q", c.Crypto.Algorithm))
	} else if c.Crypto.KeySize != 256 {
		errs = append(errs, fmt.Errorf("ed25519 requires keySize 256, got %d", c.Crypto.KeySize))
	}
	if _, err := audit.NewHasher(audit.HashAlgorithm(c.Crypto.HashAlgorithm)); err != nil {
		errs = append(errs, err)
	}
	if c.Verification.MinTrust < 0 || c.Verification.MinTrust > 100 {
		errs = append(errs, errors.New("minTrust must be within [0, 100]"))
	}
	if c.Verification.ConsensusTimeout < 0 {
		errs = append(errs, errors.New("consensusTimeout must not be negative"))
	}
	seen := make(map[string]bool, len(c.Verification.Rules))
	for i, rule := range c.Verification.Rules {
		switch rule.Stage {
		case StagePreTask, StagePostTask, StageTruth:
		default:
			errs = append(errs, fmt.Errorf("rules[%d]: unknown stage %q", i, rule.Stage))
		}
		if strings.TrimSpace(rule.Name) == "" || strings.TrimSpace(rule.Expression) == "" {
			errs = append(errs, fmt.Errorf("rules[%d]: name and expression are required", i))
		}
		key := rule.Stage + "/" + rule.Name
		if seen[key] {
			errs = append(errs, fmt.Errorf("rules[%d]: duplicate rule %s", i, key))
		}
		seen[key] = true
	}
	if c.Cleanup.Interval <= 0 {
		errs = append(errs, errors.New("cleanup interval must be positive"))
	}
	switch c.AuditStore {
	case AuditStoreMemory, AuditStorePostgres:
	case AuditStoreRaft:
		if c.Raft.NodeID == "" || c.Raft.Addr == "" || c.Raft.DataDir == "" {
			errs = append(errs, errors.New("raft audit store requires raft nodeId, addr and dataDir"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown audit store %q", c.AuditStore))
	}
	return errors.Join(errs...)
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseBool(val string, def bool) bool {
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return b
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

func parseFloat(val string, def float64) float64 {
	if val == "" {
		return def
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return def
	}
	return f
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
