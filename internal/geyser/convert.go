package geyser

import (
	"github.com/mr-tron/base58"
	pb "github.com/rpcpool/yellowstone-grpc/examples/golang/proto"

	"github.com/curvescan/curvescan/internal/model"
)

// Convert maps a wire SubscribeUpdate into an internal Message. Returns nil
// for update kinds the ingest plane does not consume (accounts, entries,
// transaction statuses, pongs).
func Convert(update *pb.SubscribeUpdate) Message {
	if update == nil {
		return nil
	}

	switch u := update.UpdateOneof.(type) {
	case *pb.SubscribeUpdate_Transaction:
		return convertTransaction(update.Filters, u.Transaction)
	case *pb.SubscribeUpdate_Slot:
		return convertSlot(u.Slot)
	case *pb.SubscribeUpdate_BlockMeta:
		return convertBlockMeta(u.BlockMeta)
	case *pb.SubscribeUpdate_Ping:
		return PingMessage{}
	default:
		return nil
	}
}

func convertTransaction(filters []string, tx *pb.SubscribeUpdateTransaction) Message {
	if tx == nil || tx.Transaction == nil {
		return nil
	}
	info := tx.Transaction

	msg := &TxMessage{
		Groups:    append([]string(nil), filters...),
		Slot:      tx.Slot,
		Signature: base58.Encode(info.Signature),
		IsVote:    info.IsVote,
	}

	if info.Meta != nil {
		msg.Failed = info.Meta.Err != nil
		msg.Fee = info.Meta.Fee
		msg.LogMessages = info.Meta.LogMessages
		msg.PreTokenBalances = convertTokenBalances(info.Meta.PreTokenBalances)
		msg.PostTokenBalances = convertTokenBalances(info.Meta.PostTokenBalances)
	}

	if info.Transaction != nil && info.Transaction.Message != nil {
		m := info.Transaction.Message
		keys := make([]string, 0, len(m.AccountKeys))
		for _, k := range m.AccountKeys {
			keys = append(keys, base58.Encode(k))
		}
		// Versioned transactions resolve extra keys through address tables;
		// the upstream appends them to meta in load order.
		if info.Meta != nil {
			for _, k := range info.Meta.LoadedWritableAddresses {
				keys = append(keys, base58.Encode(k))
			}
			for _, k := range info.Meta.LoadedReadonlyAddresses {
				keys = append(keys, base58.Encode(k))
			}
		}
		msg.AccountKeys = keys

		msg.Instructions = make([]Instruction, 0, len(m.Instructions))
		for _, in := range m.Instructions {
			ix := Instruction{Data: in.Data}
			if int(in.ProgramIdIndex) < len(keys) {
				ix.ProgramID = keys[in.ProgramIdIndex]
			}
			ix.Accounts = make([]string, 0, len(in.Accounts))
			for _, ai := range in.Accounts {
				if int(ai) < len(keys) {
					ix.Accounts = append(ix.Accounts, keys[ai])
				}
			}
			msg.Instructions = append(msg.Instructions, ix)
		}
	}

	return msg
}

func convertSlot(slot *pb.SubscribeUpdateSlot) Message {
	if slot == nil {
		return nil
	}
	msg := SlotMessage{
		Slot:   slot.Slot,
		Status: commitmentToStatus(slot.Status),
	}
	if slot.Parent != nil {
		msg.ParentSlot = *slot.Parent
		msg.HasParent = true
	}
	return msg
}

func convertBlockMeta(meta *pb.SubscribeUpdateBlockMeta) Message {
	if meta == nil {
		return nil
	}
	msg := BlockMetaMessage{
		Slot:       meta.Slot,
		ParentSlot: meta.ParentSlot,
		Blockhash:  meta.Blockhash,
		TxCount:    meta.ExecutedTransactionCount,
	}
	if meta.BlockHeight != nil {
		msg.BlockHeight = meta.BlockHeight.BlockHeight
	}
	if meta.BlockTime != nil {
		msg.BlockTimeNs = meta.BlockTime.Timestamp * int64(1e9)
	}
	return msg
}

func convertTokenBalances(balances []*pb.TokenBalance) []TokenBalance {
	if len(balances) == 0 {
		return nil
	}
	out := make([]TokenBalance, 0, len(balances))
	for _, b := range balances {
		if b == nil {
			continue
		}
		tb := TokenBalance{
			AccountIndex: int(b.AccountIndex),
			Mint:         b.Mint,
			Owner:        b.Owner,
		}
		if b.UiTokenAmount != nil {
			tb.UiAmount = b.UiTokenAmount.UiAmount
			tb.Decimals = int(b.UiTokenAmount.Decimals)
			tb.RawAmount = b.UiTokenAmount.Amount
		}
		out = append(out, tb)
	}
	return out
}

func commitmentToStatus(level pb.SlotStatus) model.SlotStatus {
	switch level {
	case pb.SlotStatus_SLOT_CONFIRMED:
		return model.SlotConfirmed
	case pb.SlotStatus_SLOT_FINALIZED:
		return model.SlotFinalized
	default:
		return model.SlotProcessed
	}
}
