package parser

import (
	"fmt"

	"github.com/curvescan/curvescan/internal/geyser"
	"github.com/curvescan/curvescan/internal/model"
)

// Program addresses claimed by each strategy.
const (
	BondingCurveProgram = "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P"
	AmmPoolProgram      = "pAMMBay6oceH9fJKBRHGP5D4bD4sWpmSwMn52FMfXEA"
	ExternalAmmProgram  = "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8"
)

// tradeStrategy is the shared trade extractor; the venue strategies are thin
// wrappers binding a program address and venue tag.
type tradeStrategy struct {
	name    string
	program string
	venue   model.TradeVenue
}

func (s *tradeStrategy) Name() string { return s.name }

func (s *tradeStrategy) CanParse(tx *geyser.TxMessage) bool {
	return !tx.Failed && invokesProgram(tx, s.program)
}

func (s *tradeStrategy) Parse(tx *geyser.TxMessage) ([]Event, error) {
	deltas := tokenDeltas(tx)
	if len(deltas) == 0 {
		return nil, fmt.Errorf("%s: %w", s.name, errNoTokenMovement)
	}
	mint, ok := tradedMint(deltas)
	if !ok {
		return nil, fmt.Errorf("%s: %w", s.name, errNoTradedMint)
	}

	trader, ui := traderDelta(tx, deltas, mint)
	side := model.SideBuy
	if ui < 0 {
		side = model.SideSell
		ui = -ui
	}

	quote := quoteAmount(deltas)
	price := 0.0
	if ui > 0 && quote > 0 {
		price = quote / ui
	}

	trade := model.Trade{
		Signature:   tx.Signature,
		Slot:        tx.Slot,
		Mint:        mint,
		Trader:      trader,
		Venue:       s.venue,
		Side:        side,
		TokenAmount: ui,
		QuoteAmount: quote,
		PriceQuote:  price,
		BlockTimeNs: tx.BlockTimeNs,
	}
	return []Event{TradeEvent{Trade: trade}}, nil
}

// NewBondingCurveStrategy parses launchpad bonding-curve swaps.
func NewBondingCurveStrategy() Strategy {
	return &tradeStrategy{name: "bonding_curve", program: BondingCurveProgram, venue: model.VenueBondingCurve}
}

// NewAmmPoolStrategy parses the launchpad's own pool swaps, which a token
// trades on after graduating off its curve.
func NewAmmPoolStrategy() Strategy {
	return &tradeStrategy{name: "amm_pool", program: AmmPoolProgram, venue: model.VenueAmmPool}
}

// NewExternalAmmStrategy parses swaps on the external AMM.
func NewExternalAmmStrategy() Strategy {
	return &tradeStrategy{name: "external_amm", program: ExternalAmmProgram, venue: model.VenueExternalAmm}
}

// tokenCreationStrategy claims bonding-curve transactions whose logs show a
// create instruction. It must run before the bonding-curve trade strategy.
type tokenCreationStrategy struct{}

// NewTokenCreationStrategy parses token-mint creations on the launchpad.
func NewTokenCreationStrategy() Strategy {
	return &tokenCreationStrategy{}
}

func (s *tokenCreationStrategy) Name() string { return "token_creation" }

func (s *tokenCreationStrategy) CanParse(tx *geyser.TxMessage) bool {
	return !tx.Failed &&
		invokesProgram(tx, BondingCurveProgram) &&
		logContains(tx, "Instruction: Create")
}

func (s *tokenCreationStrategy) Parse(tx *geyser.TxMessage) ([]Event, error) {
	// The freshly minted token shows up in post balances only: the curve
	// vault receives the initial supply.
	mint := ""
	for _, b := range tx.PostTokenBalances {
		if b.Mint != wsolMint {
			mint = b.Mint
			break
		}
	}
	if mint == "" {
		return nil, fmt.Errorf("token_creation: %w", errNoTradedMint)
	}

	creator := ""
	if len(tx.AccountKeys) > 0 {
		creator = tx.AccountKeys[0]
	}

	creation := model.TokenCreation{
		Mint:        mint,
		Creator:     creator,
		Signature:   tx.Signature,
		Slot:        tx.Slot,
		BlockTimeNs: tx.BlockTimeNs,
	}
	events := []Event{TokenCreatedEvent{Creation: creation}}

	// Creations usually carry the dev's first buy in the same transaction.
	if deltas := tokenDeltas(tx); len(deltas) > 0 {
		if trader, ui := traderDelta(tx, deltas, mint); ui > 0 && trader == creator {
			quote := quoteAmount(deltas)
			price := 0.0
			if quote > 0 {
				price = quote / ui
			}
			events = append(events, TradeEvent{Trade: model.Trade{
				Signature:   tx.Signature,
				Slot:        tx.Slot,
				Mint:        mint,
				Trader:      trader,
				Venue:       model.VenueBondingCurve,
				Side:        model.SideBuy,
				TokenAmount: ui,
				QuoteAmount: quote,
				PriceQuote:  price,
				BlockTimeNs: tx.BlockTimeNs,
			}})
		}
	}
	return events, nil
}
