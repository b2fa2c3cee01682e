// Package geyser wraps the upstream Yellowstone/Geyser streaming endpoint.
// It owns the gRPC plumbing and converts wire messages into the internal
// tagged variants the rest of the ingest plane consumes.
package geyser

import (
	"github.com/curvescan/curvescan/internal/model"
)

// Message is the tagged-variant interface for converted stream messages.
// Concrete types: TxMessage, SlotMessage, BlockMetaMessage, PingMessage.
type Message interface {
	isMessage()
}

// Instruction is one resolved top-level instruction of a transaction.
type Instruction struct {
	ProgramID string   // base58 program address
	Accounts  []string // base58 account addresses, in instruction order
	Data      []byte
}

// TokenBalance is a pre/post token balance entry from transaction meta.
type TokenBalance struct {
	AccountIndex int
	Mint         string
	Owner        string
	UiAmount     float64
	Decimals     int
	RawAmount    string
}

// TxMessage is a processed transaction notification.
type TxMessage struct {
	// Groups lists the subscription group names whose filters matched.
	Groups []string

	Slot              uint64
	Signature         string
	IsVote            bool
	Failed            bool
	Fee               uint64
	AccountKeys       []string
	Instructions      []Instruction
	LogMessages       []string
	PreTokenBalances  []TokenBalance
	PostTokenBalances []TokenBalance
	BlockTimeNs       int64
}

func (TxMessage) isMessage() {}

// SlotMessage is a slot progression update.
type SlotMessage struct {
	Slot       uint64
	ParentSlot uint64
	HasParent  bool
	Status     model.SlotStatus
}

func (SlotMessage) isMessage() {}

// BlockMetaMessage carries block-level aggregates for a slot.
type BlockMetaMessage struct {
	Slot        uint64
	ParentSlot  uint64
	Blockhash   string
	BlockHeight uint64
	BlockTimeNs int64
	TxCount     uint64
}

func (BlockMetaMessage) isMessage() {}

// PingMessage is a liveness probe from the upstream.
type PingMessage struct{}

func (PingMessage) isMessage() {}
