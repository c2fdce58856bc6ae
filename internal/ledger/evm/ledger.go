package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"

	avserrors "avs/internal/errors"
	"avs/internal/logging"
	"avs/internal/task"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ErrReverted is returned when a mined transaction failed.
var ErrReverted = errors.New("transaction reverted")

// Backend is the chain access the adapters need. *ethclient.Client
// satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	ethereum.ChainIDReader
	ethereum.BlockNumberReader
}

// Dial connects to rpcURL, retrying transient failures.
func Dial(ctx context.Context, rpcURL string, retry avserrors.RetryConfig, logger logging.Logger) (*ethclient.Client, error) {
	logger = logging.OrNop(logger)
	return avserrors.RetryWithResult(ctx, retry, func(ctx context.Context) (*ethclient.Client, error) {
		client, err := ethclient.DialContext(ctx, rpcURL)
		if err != nil {
			return nil, classifyDialError(err)
		}
		if _, err := client.ChainID(ctx); err != nil {
			client.Close()
			return nil, classifyDialError(err)
		}
		logger.Info("Connected to %s", rpcURL)
		return client, nil
	}, logger)
}

func classifyDialError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || avserrors.IsTransient(err) {
		return avserrors.NewTransientError(err, "rpc unavailable")
	}
	return avserrors.NewPermanentError(err, "rpc dial failed")
}

// LedgerConfig configures a Ledger.
type LedgerConfig struct {
	Contract       common.Address
	ChainID        *big.Int
	ReceiptTimeout time.Duration
	Logger         logging.Logger
}

// Ledger records inference results on the task-manager contract.
type Ledger struct {
	backend        Backend
	contract       *bind.BoundContract
	address        common.Address
	chainID        *big.Int
	receiptTimeout time.Duration
	logger         logging.Logger
}

var _ task.Ledger = (*Ledger)(nil)

// NewLedger binds the task-manager contract. A nil ChainID is read from the
// backend.
func NewLedger(ctx context.Context, backend Backend, cfg LedgerConfig) (*Ledger, error) {
	parsed, err := ParsedABI()
	if err != nil {
		return nil, err
	}
	chainID := cfg.ChainID
	if chainID == nil || chainID.Sign() == 0 {
		chainID, err = backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("read chain id: %w", err)
		}
	}
	timeout := cfg.ReceiptTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	logger := logging.OrNop(cfg.Logger)
	if cfg.Contract == (common.Address{}) {
		logger.Warn("Task manager address is the zero address; submissions will not reach a contract")
	}
	return &Ledger{
		backend:        backend,
		contract:       bind.NewBoundContract(cfg.Contract, parsed, backend, backend, backend),
		address:        cfg.Contract,
		chainID:        chainID,
		receiptTimeout: timeout,
		logger:         logger,
	}, nil
}

// Address returns the bound contract address.
func (l *Ledger) Address() common.Address { return l.address }

// SubmitInferenceResult sends recordInferenceResult and waits for the receipt.
func (l *Ledger) SubmitInferenceResult(ctx context.Context, key *ecdsa.PrivateKey, sub task.Submission) (string, error) {
	if key == nil {
		return "", fmt.Errorf("submit: nil signing key")
	}
	if sub.ConfidenceFixedPoint == nil || sub.ConfidenceFixedPoint.Sign() < 0 {
		return "", fmt.Errorf("submit: invalid confidence %v", sub.ConfidenceFixedPoint)
	}

	opts, err := bind.NewKeyedTransactorWithChainID(key, l.chainID)
	if err != nil {
		return "", fmt.Errorf("build transactor: %w", err)
	}
	opts.Context = ctx

	tx, err := l.contract.Transact(opts, methodRecordResult, sub.Subject, sub.Label, sub.ConfidenceFixedPoint)
	if err != nil {
		return "", fmt.Errorf("send %s: %w", methodRecordResult, err)
	}
	l.logger.Debug("Sent %s tx %s", methodRecordResult, tx.Hash().Hex())

	if err := l.awaitReceipt(ctx, tx); err != nil {
		return tx.Hash().Hex(), err
	}
	return tx.Hash().Hex(), nil
}

func (l *Ledger) awaitReceipt(ctx context.Context, tx *types.Transaction) error {
	return waitMined(ctx, l.backend, tx, l.receiptTimeout)
}

func waitMined(ctx context.Context, backend bind.DeployBackend, tx *types.Transaction, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	receipt, err := bind.WaitMined(ctx, backend, tx)
	if err != nil {
		return fmt.Errorf("wait for %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: %s in block %v", ErrReverted, tx.Hash().Hex(), receipt.BlockNumber)
	}
	return nil
}
