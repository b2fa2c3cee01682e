package parser

import (
	"errors"
	"reflect"
	"testing"

	"github.com/curvescan/curvescan/internal/geyser"
	"github.com/curvescan/curvescan/internal/model"
)

const (
	traderAddr = "Trader1111111111111111111111111111111111111"
	vaultAddr  = "Vault11111111111111111111111111111111111111"
	mintAddr   = "Mint111111111111111111111111111111111111111"
)

func swapTx(program string, traderDelta float64) *geyser.TxMessage {
	return &geyser.TxMessage{
		Slot:        5000,
		Signature:   "sig-swap",
		AccountKeys: []string{traderAddr, vaultAddr, program},
		Instructions: []geyser.Instruction{
			{ProgramID: program, Accounts: []string{traderAddr, vaultAddr}},
		},
		PreTokenBalances: []geyser.TokenBalance{
			{Owner: traderAddr, Mint: mintAddr, UiAmount: 100},
			{Owner: vaultAddr, Mint: mintAddr, UiAmount: 1000},
			{Owner: vaultAddr, Mint: wsolMint, UiAmount: 50},
		},
		PostTokenBalances: []geyser.TokenBalance{
			{Owner: traderAddr, Mint: mintAddr, UiAmount: 100 + traderDelta},
			{Owner: vaultAddr, Mint: mintAddr, UiAmount: 1000 - traderDelta},
			{Owner: vaultAddr, Mint: wsolMint, UiAmount: 50 + 2},
		},
		BlockTimeNs: 1_700_000_000_000_000_000,
	}
}

func TestTradeStrategies(t *testing.T) {
	tests := []struct {
		name     string
		strategy Strategy
		program  string
		venue    model.TradeVenue
	}{
		{"bonding curve", NewBondingCurveStrategy(), BondingCurveProgram, model.VenueBondingCurve},
		{"amm pool", NewAmmPoolStrategy(), AmmPoolProgram, model.VenueAmmPool},
		{"external amm", NewExternalAmmStrategy(), ExternalAmmProgram, model.VenueExternalAmm},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := swapTx(tt.program, 40)
			if !tt.strategy.CanParse(tx) {
				t.Fatal("CanParse = false for matching program")
			}

			events, err := tt.strategy.Parse(tx)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if len(events) != 1 {
				t.Fatalf("events = %d, want 1", len(events))
			}
			trade := events[0].(TradeEvent).Trade
			if trade.Venue != tt.venue {
				t.Errorf("venue = %s, want %s", trade.Venue, tt.venue)
			}
			if trade.Side != model.SideBuy {
				t.Errorf("side = %s, want buy", trade.Side)
			}
			if trade.Mint != mintAddr || trade.Trader != traderAddr {
				t.Errorf("mint=%s trader=%s", trade.Mint, trade.Trader)
			}
			if trade.TokenAmount != 40 {
				t.Errorf("token amount = %v, want 40", trade.TokenAmount)
			}
			if trade.QuoteAmount != 2 {
				t.Errorf("quote amount = %v, want 2", trade.QuoteAmount)
			}
			if trade.PriceQuote != 0.05 {
				t.Errorf("price = %v, want 0.05", trade.PriceQuote)
			}
		})
	}
}

func TestTradeSideSell(t *testing.T) {
	tx := swapTx(BondingCurveProgram, -25)
	events, err := NewBondingCurveStrategy().Parse(tx)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	trade := events[0].(TradeEvent).Trade
	if trade.Side != model.SideSell {
		t.Errorf("side = %s, want sell", trade.Side)
	}
	if trade.TokenAmount != 25 {
		t.Errorf("token amount = %v, want 25", trade.TokenAmount)
	}
}

func TestTradeStrategyRejects(t *testing.T) {
	s := NewBondingCurveStrategy()

	other := swapTx(ExternalAmmProgram, 10)
	if s.CanParse(other) {
		t.Error("claimed transaction for another program")
	}

	failed := swapTx(BondingCurveProgram, 10)
	failed.Failed = true
	if s.CanParse(failed) {
		t.Error("claimed failed transaction")
	}
}

func TestTradeStrategyNoMovement(t *testing.T) {
	tx := &geyser.TxMessage{
		Signature:    "sig-empty",
		AccountKeys:  []string{traderAddr},
		Instructions: []geyser.Instruction{{ProgramID: BondingCurveProgram}},
	}
	if _, err := NewBondingCurveStrategy().Parse(tx); !errors.Is(err, errNoTokenMovement) {
		t.Fatalf("err = %v, want errNoTokenMovement", err)
	}
}

func createTx() *geyser.TxMessage {
	return &geyser.TxMessage{
		Slot:        6000,
		Signature:   "sig-create",
		AccountKeys: []string{traderAddr, mintAddr, BondingCurveProgram},
		Instructions: []geyser.Instruction{
			{ProgramID: BondingCurveProgram},
		},
		LogMessages: []string{
			"Program 6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P invoke [1]",
			"Program log: Instruction: Create",
		},
		PostTokenBalances: []geyser.TokenBalance{
			{Owner: vaultAddr, Mint: mintAddr, UiAmount: 1_000_000_000},
		},
		BlockTimeNs: 1_700_000_100_000_000_000,
	}
}

func TestTokenCreation(t *testing.T) {
	s := NewTokenCreationStrategy()
	tx := createTx()
	if !s.CanParse(tx) {
		t.Fatal("CanParse = false for create transaction")
	}

	events, err := s.Parse(tx)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	creation := events[0].(TokenCreatedEvent).Creation
	if creation.Mint != mintAddr {
		t.Errorf("mint = %s", creation.Mint)
	}
	if creation.Creator != traderAddr {
		t.Errorf("creator = %s", creation.Creator)
	}
	if creation.Slot != 6000 {
		t.Errorf("slot = %d", creation.Slot)
	}
}

func TestTokenCreationWithDevBuy(t *testing.T) {
	tx := createTx()
	tx.PreTokenBalances = []geyser.TokenBalance{
		{Owner: vaultAddr, Mint: mintAddr, UiAmount: 1_000_000_000},
	}
	tx.PostTokenBalances = []geyser.TokenBalance{
		{Owner: vaultAddr, Mint: mintAddr, UiAmount: 999_000_000},
		{Owner: traderAddr, Mint: mintAddr, UiAmount: 1_000_000},
	}

	events, err := NewTokenCreationStrategy().Parse(tx)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want creation + dev buy", len(events))
	}
	trade, ok := events[1].(TradeEvent)
	if !ok {
		t.Fatalf("second event = %T, want TradeEvent", events[1])
	}
	if trade.Trade.Side != model.SideBuy || trade.Trade.TokenAmount != 1_000_000 {
		t.Errorf("dev buy = %+v", trade.Trade)
	}
}

func TestDispatcherFirstMatchAndOrder(t *testing.T) {
	d := NewDefaultDispatcher()

	// A create transaction also invokes the bonding-curve program; the
	// creation strategy must win.
	events := d.Dispatch(createTx())
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if _, ok := events[0].(TokenCreatedEvent); !ok {
		t.Fatalf("event = %T, want TokenCreatedEvent", events[0])
	}
	if d.ParsedCount("token_creation") != 1 {
		t.Errorf("token_creation parsed = %d, want 1", d.ParsedCount("token_creation"))
	}
	if d.ParsedCount("bonding_curve") != 0 {
		t.Errorf("bonding_curve parsed = %d, want 0", d.ParsedCount("bonding_curve"))
	}
}

func TestDispatcherCountsErrors(t *testing.T) {
	d := NewDefaultDispatcher()
	bad := &geyser.TxMessage{
		Signature:    "sig-bad",
		Instructions: []geyser.Instruction{{ProgramID: AmmPoolProgram}},
	}
	if events := d.Dispatch(bad); events != nil {
		t.Fatalf("events = %v, want nil", events)
	}
	if d.ErrorCount("amm_pool") != 1 {
		t.Errorf("amm_pool errors = %d, want 1", d.ErrorCount("amm_pool"))
	}
}

func TestDispatcherUnclaimed(t *testing.T) {
	d := NewDefaultDispatcher()
	tx := &geyser.TxMessage{
		Signature:    "sig-other",
		Instructions: []geyser.Instruction{{ProgramID: "SomeOtherProgram"}},
	}
	if events := d.Dispatch(tx); events != nil {
		t.Fatalf("events = %v, want nil for unclaimed transaction", events)
	}
}

func TestParseDeterministic(t *testing.T) {
	s := NewBondingCurveStrategy()
	a, err := s.Parse(swapTx(BondingCurveProgram, 40))
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Parse(swapTx(BondingCurveProgram, 40))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatal("parse is not deterministic for identical input")
	}
}
