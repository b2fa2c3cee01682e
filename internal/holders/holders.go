// Package holders implements holder analysis: tiered holder-list fetching,
// wallet classification, distribution metrics, scoring, and snapshot
// persistence with hash-based dedup.
package holders

import (
	"context"

	"github.com/curvescan/curvescan/internal/model"
)

// Holder is one token account owner with its aggregated balance.
type Holder struct {
	Address string  `json:"address"`
	Balance float64 `json:"balance"`
}

// Request parameterizes one analysis run.
type Request struct {
	Mint               string
	ForceRefresh       bool
	SkipClassification bool
	SaveSnapshot       bool
	PreferredSource    string
	MaxHolders         int
}

// Source is one tier of the holder-list strategy. Fetch returns nil holders
// (without error) when the source has no data for the mint.
type Source interface {
	Name() string
	Fetch(ctx context.Context, mint string, maxHolders int) ([]Holder, error)
}

// SnapshotStore is the persistence collaborator.
type SnapshotStore interface {
	LatestSnapshot(ctx context.Context, mint string) (model.HolderSnapshot, bool, error)
	SaveSnapshot(ctx context.Context, snap model.HolderSnapshot) error
}

// WalletClass is the classifier's verdict for one wallet.
type WalletClass string

const (
	ClassNormal   WalletClass = "normal"
	ClassWhale    WalletClass = "whale"
	ClassSniper   WalletClass = "sniper"
	ClassBot      WalletClass = "bot"
	ClassInsider  WalletClass = "insider"
	ClassExchange WalletClass = "exchange"
)

// Classifier resolves wallet classes, typically via an external API.
type Classifier interface {
	Classify(ctx context.Context, wallet string) (WalletClass, error)
}
