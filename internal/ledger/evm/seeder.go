package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"avs/internal/logging"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// SeederConfig configures a TaskSeeder.
type SeederConfig struct {
	Contract       common.Address
	ChainID        *big.Int
	Interval       time.Duration
	FileReference  string
	ReceiptTimeout time.Duration
	Logger         logging.Logger
}

// TaskSeeder periodically creates tasks on the task-manager contract. It is a
// development aid.
type TaskSeeder struct {
	backend  Backend
	contract *bind.BoundContract
	key      *ecdsa.PrivateKey
	cfg      SeederConfig
	logger   logging.Logger
	index    int64
}

// Quorum parameters sent with seeded tasks.
const (
	seedQuorumThreshold = uint32(100)
)

var seedQuorumNumbers = []byte{0}

// NewTaskSeeder creates a seeder signing with key.
func NewTaskSeeder(ctx context.Context, backend Backend, key *ecdsa.PrivateKey, cfg SeederConfig) (*TaskSeeder, error) {
	if key == nil {
		return nil, fmt.Errorf("seeder: nil signing key")
	}
	parsed, err := ParsedABI()
	if err != nil {
		return nil, err
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() == 0 {
		cfg.ChainID, err = backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("read chain id: %w", err)
		}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 2 * time.Minute
	}
	return &TaskSeeder{
		backend:  backend,
		contract: bind.NewBoundContract(cfg.Contract, parsed, backend, backend, backend),
		key:      key,
		cfg:      cfg,
		logger:   logging.OrNop(cfg.Logger),
	}, nil
}

// Run creates one task per interval until ctx is done. Failed creations are
// logged and do not stop the loop.
func (s *TaskSeeder) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := s.CreateTask(ctx); err != nil {
			s.logger.Warn("Inference task #%d creation failed: %v", s.index-1, err)
		}
	}
}

// CreateTask sends one createNewTask transaction and waits for its receipt.
func (s *TaskSeeder) CreateTask(ctx context.Context) error {
	index := s.index
	s.index++

	opts, err := bind.NewKeyedTransactorWithChainID(s.key, s.cfg.ChainID)
	if err != nil {
		return fmt.Errorf("build transactor: %w", err)
	}
	opts.Context = ctx

	tx, err := s.contract.Transact(opts, methodCreateTask,
		big.NewInt(index), seedQuorumThreshold, seedQuorumNumbers, []byte(s.cfg.FileReference))
	if err != nil {
		return fmt.Errorf("send %s: %w", methodCreateTask, err)
	}
	if err := waitMined(ctx, s.backend, tx, s.cfg.ReceiptTimeout); err != nil {
		return err
	}
	s.logger.Info("Inference task #%d created successfully (%s)", index, tx.Hash().Hex())
	return nil
}
