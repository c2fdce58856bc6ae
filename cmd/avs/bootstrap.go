package main

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"avs/internal/config"
	"avs/internal/devops"
	"avs/internal/devops/docker"
	"avs/internal/devops/health"
	avserrors "avs/internal/errors"
	"avs/internal/httpclient"
	"avs/internal/ledger/evm"
	"avs/internal/logging"
	"avs/internal/observability"
	"avs/internal/task"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// node holds the ambient components every command shares.
type node struct {
	opts    *rootOptions
	cfg     *config.Config
	logger  logging.Logger
	metrics *observability.MetricsCollector
	tracer  *observability.TracerProvider
}

type nodeOptions struct {
	serverAddr    string
	dockerNetwork string
}

func newNode(opts *rootOptions, extra ...func(*nodeOptions)) (*node, error) {
	var no nodeOptions
	for _, fn := range extra {
		fn(&no)
	}
	cfg, err := config.Load(
		config.WithConfigPath(opts.configPath),
		config.WithDotEnv(opts.envFile),
		config.WithOverrides(config.Overrides{
			LogLevel:      &opts.logLevel,
			ServerAddr:    &no.serverAddr,
			DockerNetwork: &no.dockerNetwork,
		}),
	)
	if err != nil {
		return nil, err
	}

	base := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
	})
	logging.Configure(base)

	metrics, err := observability.NewMetricsCollector(cfg.Observability.Metrics)
	if err != nil {
		return nil, err
	}
	tracing := cfg.Observability.Tracing
	if tracing.ServiceVersion == "" || tracing.ServiceVersion == "dev" {
		tracing.ServiceVersion = Version
	}
	tracer, err := observability.NewTracerProvider(tracing)
	if err != nil {
		return nil, err
	}

	return &node{
		opts:    opts,
		cfg:     cfg,
		logger:  logging.NewComponentLogger("main"),
		metrics: metrics,
		tracer:  tracer,
	}, nil
}

func (n *node) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.tracer.Shutdown(ctx); err != nil {
		n.logger.Warn("Tracer shutdown: %v", err)
	}
	if err := n.metrics.Shutdown(ctx); err != nil {
		n.logger.Warn("Metrics shutdown: %v", err)
	}
}

func (n *node) manager() *devops.Manager {
	client := docker.NewCLIClient(n.cfg.Docker.Binary)
	policy := health.Policy{
		Initial: n.cfg.Readiness.InitialInterval,
		Max:     n.cfg.Readiness.MaxInterval,
		Timeout: n.cfg.Readiness.Timeout,
	}
	return devops.NewManager(client, n.cfg.Docker.Network, policy,
		devops.WithLogger(logging.NewComponentLogger("devops")),
		devops.WithMetrics(n.metrics),
		devops.WithTracer(n.tracer),
	)
}

func sidecarSpec(sc config.Sidecar) devops.SidecarSpec {
	return devops.SidecarSpec{
		Role:          devops.Role(sc.Role),
		Image:         sc.Image,
		ContainerPort: sc.Port,
		NamePrefix:    sc.NamePrefix,
		HealthPath:    sc.HealthPath,
	}
}

func (n *node) sidecarSpecs() []devops.SidecarSpec {
	return []devops.SidecarSpec{
		sidecarSpec(n.cfg.Inference.Sidecar()),
		sidecarSpec(n.cfg.Checker.Sidecar()),
	}
}

func (n *node) keystore() (*evm.Keystore, error) {
	password, err := config.KeystorePassword(n.cfg, config.WithDotEnv(n.opts.envFile))
	if err != nil {
		return nil, err
	}
	return evm.NewKeystore(evm.KeystoreOptions{
		Dir:        n.cfg.Ledger.KeystoreDir,
		Passphrase: password,
		CacheSize:  n.cfg.Ledger.KeyCacheSize,
		Logger:     logging.NewComponentLogger("keystore"),
	})
}

func (n *node) dial(ctx context.Context) (*ethclient.Client, error) {
	retry := avserrors.DefaultRetryConfig()
	retry.MaxAttempts = 5
	return evm.Dial(ctx, n.cfg.Ledger.RPCURL, retry, logging.NewComponentLogger("rpc"))
}

func (n *node) contractAddress() (common.Address, error) {
	raw := n.cfg.Ledger.ContractAddress
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid task manager address %q", raw)
	}
	if n.cfg.UsesZeroContract() {
		n.logger.Warn("TASK_MANAGER_ADDRESS not set, using %s", config.ZeroAddress)
	}
	return common.HexToAddress(raw), nil
}

func (n *node) chainID() *big.Int {
	if n.cfg.Ledger.ChainID <= 0 {
		return nil
	}
	return big.NewInt(n.cfg.Ledger.ChainID)
}

func (n *node) ledger(ctx context.Context, client *ethclient.Client) (*evm.Ledger, error) {
	addr, err := n.contractAddress()
	if err != nil {
		return nil, err
	}
	return evm.NewLedger(ctx, client, evm.LedgerConfig{
		Contract:       addr,
		ChainID:        n.chainID(),
		ReceiptTimeout: n.cfg.Ledger.ReceiptTimeout,
		Logger:         logging.NewComponentLogger("ledger"),
	})
}

func (n *node) pipeline(ks task.Keystore, ledger task.Ledger) *task.Pipeline {
	logger := logging.NewComponentLogger("task")
	breaker := avserrors.DefaultCircuitBreakerConfig()
	breaker.OnStateChange = func(name string, _, to avserrors.CircuitState) {
		n.metrics.SetCircuitState(name, int(to))
	}
	return task.NewPipeline(ks, ledger,
		task.WithHTTPClient(httpclient.NewWithCircuitBreakerConfig(n.cfg.Pipeline.HTTPTimeout, logger, "checker", breaker)),
		task.WithCheckerPath(n.cfg.Pipeline.CheckerPath),
		task.WithBodyLimit(n.cfg.Pipeline.BodyLimit),
		task.WithCredentialScheme(n.cfg.Pipeline.CredentialScheme),
		task.WithLogger(logger),
		task.WithMetrics(n.metrics),
		task.WithTracer(n.tracer),
	)
}
