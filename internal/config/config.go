// Package config loads the AVS node configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"avs/internal/observability"
)

// ZeroAddress is the task-manager contract address used when none is
// configured. Submissions against it will fail on a real chain.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// Config holds all configuration for an AVS node.
type Config struct {
	Docker        DockerConfig         `yaml:"docker"`
	Inference     InferenceConfig      `yaml:"inference"`
	Checker       CheckerConfig        `yaml:"checker"`
	Readiness     ReadinessConfig      `yaml:"readiness"`
	Pipeline      PipelineConfig       `yaml:"pipeline"`
	Ledger        LedgerConfig         `yaml:"ledger"`
	Trigger       TriggerConfig        `yaml:"trigger"`
	Server        ServerConfig         `yaml:"server"`
	Observability observability.Config `yaml:"observability"`
}

// DockerConfig configures the container runtime.
type DockerConfig struct {
	Network string `yaml:"network" env:"AVS_DOCKER_NETWORK" default:"eigenavs"`
	Binary  string `yaml:"binary" env:"AVS_DOCKER_BIN"`
}

// Sidecar is the role-independent view of a sidecar section.
type Sidecar struct {
	Role       string
	Image      string
	Port       int
	NamePrefix string
	HealthPath string
}

// InferenceConfig configures the inference sidecar.
type InferenceConfig struct {
	Image      string `yaml:"image" env:"AVS_INFERENCE_IMAGE" default:"stevenmomenta/pytorch-audio-inference:latest"`
	Port       int    `yaml:"port" env:"AVS_INFERENCE_PORT" default:"5000"`
	NamePrefix string `yaml:"name_prefix" env:"AVS_INFERENCE_PREFIX" default:"avs-inference"`
	HealthPath string `yaml:"health_path" env:"AVS_INFERENCE_HEALTH_PATH"`
}

// Sidecar returns the generic sidecar description.
func (c InferenceConfig) Sidecar() Sidecar {
	return Sidecar{Role: "inference", Image: c.Image, Port: c.Port, NamePrefix: c.NamePrefix, HealthPath: c.HealthPath}
}

// CheckerConfig configures the checking sidecar.
type CheckerConfig struct {
	Image      string `yaml:"image" env:"AVS_CHECKER_IMAGE" default:"stevenmomenta/audio-checking-docker:latest"`
	Port       int    `yaml:"port" env:"AVS_CHECKER_PORT" default:"5009"`
	NamePrefix string `yaml:"name_prefix" env:"AVS_CHECKER_PREFIX" default:"avs-checker"`
	HealthPath string `yaml:"health_path" env:"AVS_CHECKER_HEALTH_PATH"`
}

// Sidecar returns the generic sidecar description.
func (c CheckerConfig) Sidecar() Sidecar {
	return Sidecar{Role: "checker", Image: c.Image, Port: c.Port, NamePrefix: c.NamePrefix, HealthPath: c.HealthPath}
}

// ReadinessConfig bounds the port readiness poll.
type ReadinessConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval" env:"AVS_READINESS_INITIAL" default:"200ms"`
	MaxInterval     time.Duration `yaml:"max_interval" env:"AVS_READINESS_MAX" default:"2s"`
	Timeout         time.Duration `yaml:"timeout" env:"AVS_READINESS_TIMEOUT" default:"30s"`
}

// PipelineConfig configures the task result pipeline.
type PipelineConfig struct {
	CheckerPath      string        `yaml:"checker_path" env:"AVS_CHECKER_PATH" default:"/process-audio"`
	HTTPTimeout      time.Duration `yaml:"http_timeout" env:"AVS_CHECKER_TIMEOUT" default:"5m"`
	BodyLimit        int64         `yaml:"body_limit" default:"1048576"`
	CredentialScheme string        `yaml:"credential_scheme" default:"ecdsa"`
}

// LedgerConfig configures the EVM ledger and keystore.
type LedgerConfig struct {
	RPCURL          string        `yaml:"rpc_url" env:"AVS_RPC_URL" default:"http://127.0.0.1:8545"`
	ContractAddress string        `yaml:"contract_address" env:"TASK_MANAGER_ADDRESS" default:"0x0000000000000000000000000000000000000000"`
	ChainID         int64         `yaml:"chain_id" env:"AVS_CHAIN_ID" default:"31337"`
	KeystoreDir     string        `yaml:"keystore_dir" env:"AVS_KEYSTORE_DIR" default:"./keystore"`
	PasswordEnv     string        `yaml:"password_env" default:"AVS_KEYSTORE_PASSWORD"`
	ReceiptTimeout  time.Duration `yaml:"receipt_timeout" env:"AVS_RECEIPT_TIMEOUT" default:"2m"`
	KeyCacheSize    int           `yaml:"key_cache_size" default:"16"`
}

// TriggerConfig configures task sources.
type TriggerConfig struct {
	DefaultFileReference string        `yaml:"default_file_reference" env:"AVS_DEFAULT_FILE_REFERENCE" default:"p270_306.wav"`
	PollInterval         time.Duration `yaml:"poll_interval" env:"AVS_POLL_INTERVAL" default:"5s"`
	StartBlock           uint64        `yaml:"start_block" env:"AVS_START_BLOCK"`
	WatchEvents          bool          `yaml:"watch_events" env:"AVS_WATCH_EVENTS" default:"true"`
	SeedInterval         time.Duration `yaml:"seed_interval" env:"AVS_SEED_INTERVAL" default:"10s"`
	SeedFileReference    string        `yaml:"seed_file_reference" env:"AVS_SEED_FILE_REFERENCE"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr        string   `yaml:"addr" env:"AVS_SERVER_ADDR" default:"127.0.0.1:8090"`
	Enabled     bool     `yaml:"enabled" env:"AVS_SERVER_ENABLED" default:"true"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// Validate reports configuration that can never work.
func (c *Config) Validate() error {
	var problems []string
	for _, sc := range []Sidecar{c.Inference.Sidecar(), c.Checker.Sidecar()} {
		if strings.TrimSpace(sc.Image) == "" {
			problems = append(problems, sc.Role+".image is empty")
		}
		if sc.Port <= 0 || sc.Port > 65535 {
			problems = append(problems, fmt.Sprintf("%s.port %d out of range", sc.Role, sc.Port))
		}
		if strings.TrimSpace(sc.NamePrefix) == "" {
			problems = append(problems, sc.Role+".name_prefix is empty")
		}
	}
	if c.Docker.Network == "" {
		problems = append(problems, "docker.network is empty")
	}
	if c.Readiness.Timeout <= 0 {
		problems = append(problems, "readiness.timeout must be positive")
	}
	if c.Pipeline.BodyLimit <= 0 {
		problems = append(problems, "pipeline.body_limit must be positive")
	}
	problems = append(problems, c.Observability.Validate()...)
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// UsesZeroContract reports whether the ledger still points at the zero address.
func (c *Config) UsesZeroContract() bool {
	return strings.EqualFold(strings.TrimSpace(c.Ledger.ContractAddress), ZeroAddress)
}
