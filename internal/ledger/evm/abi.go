// Package evm connects the task pipeline to an EVM task-manager contract.
package evm

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// TaskManagerABI is the subset of the task-manager contract the node uses.
//
// NewTaskCreated carries the task as a tuple; only filepath is consumed.
const TaskManagerABI = `[
  {
    "type": "function",
    "name": "recordInferenceResult",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "file", "type": "string"},
      {"name": "prediction", "type": "string"},
      {"name": "confidence", "type": "uint256"}
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "createNewTask",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "numberToBeSquared", "type": "uint256"},
      {"name": "quorumThresholdPercentage", "type": "uint32"},
      {"name": "quorumNumbers", "type": "bytes"},
      {"name": "filepath", "type": "bytes"}
    ],
    "outputs": []
  },
  {
    "type": "event",
    "name": "NewTaskCreated",
    "anonymous": false,
    "inputs": [
      {"name": "taskIndex", "type": "uint32", "indexed": true},
      {
        "name": "task",
        "type": "tuple",
        "indexed": false,
        "components": [
          {"name": "numberToBeSquared", "type": "uint256"},
          {"name": "taskCreatedBlock", "type": "uint32"},
          {"name": "quorumNumbers", "type": "bytes"},
          {"name": "quorumThresholdPercentage", "type": "uint32"},
          {"name": "filepath", "type": "bytes"}
        ]
      }
    ]
  }
]`

const (
	methodRecordResult = "recordInferenceResult"
	methodCreateTask   = "createNewTask"
	eventNewTask       = "NewTaskCreated"
)

// Task mirrors the task tuple emitted with NewTaskCreated.
type Task struct {
	NumberToBeSquared         *big.Int
	TaskCreatedBlock          uint32
	QuorumNumbers             []byte
	QuorumThresholdPercentage uint32
	Filepath                  []byte
}

var (
	parsedOnce sync.Once
	parsedABI  abi.ABI
	parsedErr  error
)

// ParsedABI returns the parsed task-manager ABI.
func ParsedABI() (abi.ABI, error) {
	parsedOnce.Do(func() {
		parsedABI, parsedErr = abi.JSON(strings.NewReader(TaskManagerABI))
		if parsedErr != nil {
			parsedErr = fmt.Errorf("parse task manager abi: %w", parsedErr)
		}
	})
	return parsedABI, parsedErr
}
