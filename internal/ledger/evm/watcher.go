package evm

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"avs/internal/logging"
	"avs/internal/trigger"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// LogBackend is the chain access TaskWatcher needs.
type LogBackend interface {
	ethereum.LogFilterer
	ethereum.BlockNumberReader
}

// WatcherConfig configures a TaskWatcher.
type WatcherConfig struct {
	Contract             common.Address
	PollInterval         time.Duration
	StartBlock           uint64
	DefaultFileReference string
	Logger               logging.Logger
}

// TaskWatcher polls NewTaskCreated logs and emits task requests.
type TaskWatcher struct {
	backend  LogBackend
	contract common.Address
	event    abi.Event
	interval time.Duration
	fallback string
	next     uint64
	logger   logging.Logger
}

var _ trigger.Source = (*TaskWatcher)(nil)

// NewTaskWatcher creates a watcher starting at cfg.StartBlock. A zero start
// block begins at the chain head on the first poll.
func NewTaskWatcher(backend LogBackend, cfg WatcherConfig) (*TaskWatcher, error) {
	parsed, err := ParsedABI()
	if err != nil {
		return nil, err
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &TaskWatcher{
		backend:  backend,
		contract: cfg.Contract,
		event:    parsed.Events[eventNewTask],
		interval: interval,
		fallback: cfg.DefaultFileReference,
		next:     cfg.StartBlock,
		logger:   logging.OrNop(cfg.Logger),
	}, nil
}

func (w *TaskWatcher) Name() string { return "evm:" + eventNewTask }

// Run polls until ctx is done. Poll failures are logged and retried on the
// next tick.
func (w *TaskWatcher) Run(ctx context.Context, out chan<- trigger.Request) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		requests, err := w.Poll(ctx)
		if err != nil {
			w.logger.Warn("Polling %s logs: %v", eventNewTask, err)
		}
		for _, req := range requests {
			select {
			case out <- req:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Poll fetches logs between the last seen block and head.
func (w *TaskWatcher) Poll(ctx context.Context) ([]trigger.Request, error) {
	head, err := w.backend.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("read head: %w", err)
	}
	if w.next == 0 {
		w.next = head
	}
	if head < w.next {
		return nil, nil
	}

	logs, err := w.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(w.next),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{w.contract},
		Topics:    [][]common.Hash{{w.event.ID}},
	})
	if err != nil {
		return nil, fmt.Errorf("filter logs %d..%d: %w", w.next, head, err)
	}
	w.next = head + 1

	requests := make([]trigger.Request, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed || len(lg.Topics) == 0 || lg.Topics[0] != w.event.ID {
			w.logger.Debug("Ignoring log %s#%d: removed or foreign", lg.TxHash.Hex(), lg.Index)
			continue
		}
		requests = append(requests, w.request(lg))
	}
	return requests, nil
}

// request turns a live NewTaskCreated log into a task request. A log whose
// payload cannot be decoded still triggers a task on the default reference.
func (w *TaskWatcher) request(lg types.Log) trigger.Request {
	req := trigger.Request{Origin: w.Name()}
	if len(lg.Topics) > 1 {
		req.TaskIndex = new(big.Int).SetBytes(lg.Topics[1].Bytes()).Uint64()
	}

	filepath, err := w.filepath(lg)
	if err != nil {
		w.logger.Warn("Undecodable task %d in %s#%d, using default path: %v", req.TaskIndex, lg.TxHash.Hex(), lg.Index, err)
		req.FileReference, req.Fallback = w.fallback, true
		return req
	}

	ref, decoded := trigger.DecodeFileReference(filepath, w.fallback)
	if !decoded {
		w.logger.Warn("Failed to decode filepath bytes of task %d, using default path", req.TaskIndex)
	}
	req.FileReference, req.Fallback = ref, !decoded
	return req
}

func (w *TaskWatcher) filepath(lg types.Log) ([]byte, error) {
	if len(lg.Topics) < 2 {
		return nil, fmt.Errorf("missing task index topic")
	}
	values, err := w.event.Inputs.NonIndexed().Unpack(lg.Data)
	if err != nil {
		return nil, fmt.Errorf("unpack task: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unexpected %d event values", len(values))
	}
	t, ok := abi.ConvertType(values[0], new(Task)).(*Task)
	if !ok {
		return nil, fmt.Errorf("unexpected task type %T", values[0])
	}
	return t.Filepath, nil
}
