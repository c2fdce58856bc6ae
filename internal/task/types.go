package task

import (
	"context"
	"crypto/ecdsa"
	"math/big"
)

// SchemeECDSA is the only credential scheme the ledger accepts.
const SchemeECDSA = "ecdsa"

// Credential identifies a signing key held by a Keystore.
type Credential struct {
	ID      string `json:"id"`
	Scheme  string `json:"scheme"`
	Address string `json:"address"`
}

// Keystore lists and unlocks signing credentials.
type Keystore interface {
	ListCredentials(ctx context.Context, scheme string) ([]Credential, error)
	ExposeSecret(ctx context.Context, cred Credential) (*ecdsa.PrivateKey, error)
}

// Submission is one inference result recorded on the ledger.
type Submission struct {
	Subject              string
	Label                string
	ConfidenceFixedPoint *big.Int
}

// Ledger records inference results.
type Ledger interface {
	SubmitInferenceResult(ctx context.Context, key *ecdsa.PrivateKey, sub Submission) (string, error)
}

// Summary describes a finished task.
type Summary struct {
	FileReference  string   `json:"file_reference"`
	ProcessedCount int      `json:"processed_count"`
	Submitted      int      `json:"submitted"`
	Skipped        int      `json:"skipped"`
	Transactions   []string `json:"transactions"`
	NoWork         bool     `json:"no_work"`
}
