package ingestion

import (
	"tokenwatch/internal/solana"
)

const (
	mintA  = "5PRZ3c8ynzY9Z7pbcWk2eWSrWUm1X7DWkFWgUaKSCkyP"
	mintB  = "75oQAejzwWFWjVkDj7Y1oP1cu4a6J7e8v1Tq1ub8HYB1"
	pairA  = "DJBomTcNf9EWSUEkVfyzGSakn2H7CMAPNgn239N8ZLwz"
	pairB  = "C8jap2Sorn5v9FFbMGKxqyh7CRedecpvDQVegzwJWnw5"
	wallet = "GfsJWjmGXMfct8JMR9Lm9ySUnniZbnGUTQDbT8ipWf9U"
)

// buyTx swaps sol wrapped SOL from wallet into pair for tokens of mint.
func buyTx(sig string, slot int64, mint, pair string, sol, tokens float64) solana.EnhancedTransaction {
	return solana.EnhancedTransaction{
		Signature: sig,
		Slot:      slot,
		Timestamp: slot,
		Type:      "SWAP",
		TokenTransfers: []solana.TokenTransfer{
			{Mint: solana.WrappedSOLMint, FromUserAccount: wallet, ToUserAccount: pair, TokenAmount: sol},
			{Mint: mint, FromUserAccount: pair, ToUserAccount: wallet, TokenAmount: tokens},
		},
	}
}

// sellTx swaps tokens of mint into pair for native SOL.
func sellTx(sig string, slot int64, mint, pair string, lamports int64, tokens float64) solana.EnhancedTransaction {
	return solana.EnhancedTransaction{
		Signature: sig,
		Slot:      slot,
		Timestamp: slot,
		Type:      "SWAP",
		TokenTransfers: []solana.TokenTransfer{
			{Mint: mint, FromUserAccount: wallet, ToUserAccount: pair, TokenAmount: tokens},
		},
		NativeTransfers: []solana.NativeTransfer{
			{FromUserAccount: pair, ToUserAccount: wallet, Amount: lamports},
		},
	}
}

func withdrawTx(sig string, slot int64, mint, pair string) solana.EnhancedTransaction {
	return solana.EnhancedTransaction{
		Signature: sig,
		Slot:      slot,
		Timestamp: slot,
		Type:      solana.TxTypeWithdraw,
		TokenTransfers: []solana.TokenTransfer{
			{Mint: mint, FromUserAccount: pair, ToUserAccount: wallet, TokenAmount: 500},
		},
	}
}
