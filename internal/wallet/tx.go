// Package wallet - Transaction building and signing for vault sends.
package wallet

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/coinvault/custodian/internal/backend"
)

// DustThreshold is the largest change value that is dropped into the fee
// rather than paid back to the vault.
const DustThreshold btcutil.Amount = 546

// Plan describes how a send is funded.
type Plan struct {
	Inputs  []backend.UTXO `json:"inputs"`
	TotalIn btcutil.Amount `json:"total_in"`
	Amount  btcutil.Amount `json:"amount"`
	Fee     btcutil.Amount `json:"fee"`

	// Change is the value of the change output, zero when there is none.
	Change btcutil.Amount `json:"change"`

	// Dropped is change at or below DustThreshold that went to the miner.
	Dropped btcutil.Amount `json:"dropped"`
}

// HasChange reports whether the transaction carries a change output.
func (p *Plan) HasChange() bool {
	return p.Change > 0
}

// Spendable reports whether a UTXO may be spent. Coinbase outputs need
// maturity confirmations.
func Spendable(u backend.UTXO, maturity int64) bool {
	if u.Amount == 0 {
		return false
	}
	if u.Coinbase && u.Confirmations < maturity {
		return false
	}
	return true
}

// SelectUTXOs picks inputs largest-first until they cover target. Ties are
// broken by txid then vout so the choice never depends on node ordering.
func SelectUTXOs(utxos []backend.UTXO, target btcutil.Amount) ([]backend.UTXO, btcutil.Amount, error) {
	sorted := make([]backend.UTXO, len(utxos))
	copy(sorted, utxos)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Amount != b.Amount {
			return a.Amount > b.Amount
		}
		if a.TxID != b.TxID {
			return a.TxID < b.TxID
		}
		return a.Vout < b.Vout
	})

	var selected []backend.UTXO
	var total btcutil.Amount
	for _, utxo := range sorted {
		selected = append(selected, utxo)
		total += btcutil.Amount(utxo.Amount)
		if total >= target {
			return selected, total, nil
		}
	}

	return nil, 0, fmt.Errorf("%w: need %v, have %v", ErrInsufficientFunds, target, total)
}

// BuildTransaction funds amount to dest from utxos, pays fee, and returns the
// signed transaction. Immature coinbase outputs are never used. Change above
// DustThreshold goes back to the vault address.
func BuildTransaction(vault *Vault, utxos []backend.UTXO, dest string, amount, fee btcutil.Amount) (*wire.MsgTx, *Plan, error) {
	if amount <= DustThreshold {
		return nil, nil, fmt.Errorf("%w: %v is not above dust (%v)", ErrInvalidAmount, amount, DustThreshold)
	}
	if fee < 0 {
		return nil, nil, fmt.Errorf("%w: negative fee %v", ErrInvalidAmount, fee)
	}

	_, destScript, err := DecodeAddress(dest, vault.params)
	if err != nil {
		return nil, nil, err
	}

	spendable := make([]backend.UTXO, 0, len(utxos))
	for _, u := range utxos {
		if Spendable(u, vault.params.CoinbaseMaturity) {
			spendable = append(spendable, u)
		}
	}

	selected, total, err := SelectUTXOs(spendable, amount+fee)
	if err != nil {
		return nil, nil, err
	}

	plan := &Plan{
		Inputs:  selected,
		TotalIn: total,
		Amount:  amount,
		Fee:     fee,
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	for _, utxo := range selected {
		txHash, err := chainhash.NewHashFromStr(utxo.TxID)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid txid %s: %w", utxo.TxID, err)
		}
		txIn := wire.NewTxIn(wire.NewOutPoint(txHash, utxo.Vout), nil, nil)
		txIn.Sequence = wire.MaxTxInSequenceNum // final, no RBF
		tx.AddTxIn(txIn)
	}

	tx.AddTxOut(wire.NewTxOut(int64(amount), destScript))

	change := total - amount - fee
	if change > DustThreshold {
		tx.AddTxOut(wire.NewTxOut(int64(change), vault.pkScript))
		plan.Change = change
	} else {
		plan.Dropped = change
	}

	signed, err := signPSBT(vault, tx, selected)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}

	return signed, plan, nil
}

// signPSBT wraps tx in a PSBT, signs every input with the vault key as
// P2WPKH, finalizes and extracts the network transaction.
func signPSBT(vault *Vault, tx *wire.MsgTx, inputs []backend.UTXO) (*wire.MsgTx, error) {
	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, fmt.Errorf("create psbt: %w", err)
	}

	updater, err := psbt.NewUpdater(packet)
	if err != nil {
		return nil, fmt.Errorf("create psbt updater: %w", err)
	}

	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(inputs))
	for i, utxo := range inputs {
		prevOut := wire.NewTxOut(int64(utxo.Amount), vault.pkScript)
		prevOuts[tx.TxIn[i].PreviousOutPoint] = prevOut

		if err := updater.AddInWitnessUtxo(prevOut, i); err != nil {
			return nil, fmt.Errorf("input %d witness utxo: %w", i, err)
		}
		if err := updater.AddInSighashType(txscript.SigHashAll, i); err != nil {
			return nil, fmt.Errorf("input %d sighash type: %w", i, err)
		}
	}

	sigHashes := txscript.NewTxSigHashes(packet.UnsignedTx, txscript.NewMultiPrevOutFetcher(prevOuts))
	pubKey := vault.key.PubKey().SerializeCompressed()

	for i, utxo := range inputs {
		sig, err := txscript.RawTxInWitnessSignature(
			packet.UnsignedTx,
			sigHashes,
			i,
			int64(utxo.Amount),
			vault.pkScript,
			txscript.SigHashAll,
			vault.key,
		)
		if err != nil {
			return nil, fmt.Errorf("sign input %d: %w", i, err)
		}

		outcome, err := updater.Sign(i, sig, pubKey, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("add signature to input %d: %w", i, err)
		}
		if outcome != psbt.SignSuccesful {
			return nil, fmt.Errorf("add signature to input %d: outcome %d", i, outcome)
		}
	}

	if err := psbt.MaybeFinalizeAll(packet); err != nil {
		return nil, fmt.Errorf("finalize psbt: %w", err)
	}

	final, err := psbt.Extract(packet)
	if err != nil {
		return nil, fmt.Errorf("extract transaction: %w", err)
	}

	return final, nil
}

// SerializeTx returns the transaction as hex, ready for sendrawtransaction.
func SerializeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}
