package core

// Wallet invariants layered on top of CurrencyChain (§3): balance, staked,
// and lock-height bookkeeping the cross-ledger coordinator and the
// consensus engine's slashing path rely on.

import "fmt"

// Spendable returns the portion of a wallet usable for transfers — staked
// funds are never spendable while locked (§3).
func Spendable(w Wallet) uint64 {
	return w.Balance
}

// CanUnstake reports whether a wallet's stake lock has elapsed at the
// given height.
func CanUnstake(w Wallet, atHeight uint64) bool {
	return atHeight >= w.LockedUntil
}

// ValidateStakeRequest checks a stake request against a wallet's current
// balance before it reaches the currency ledger, so callers can surface a
// clean error instead of a ledger-level rejection.
func ValidateStakeRequest(w Wallet, amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("stake amount must be positive")
	}
	if w.Balance < amount {
		return fmt.Errorf("insufficient balance: have %d, want %d", w.Balance, amount)
	}
	return nil
}

// Slash forfeits a producer's entire stake (§4.6: "forfeiture of the
// producer's stake and removal from the set at the next epoch"), crediting
// nothing back — the forfeited amount is burned from circulation rather
// than redistributed, since the spec names only removal and forfeiture.
func Slash(cur CurrencyLedger, producer IdentityID) error {
	w, ok := cur.WalletOf(producer)
	if !ok || w.Staked == 0 {
		return nil
	}
	// Unstake at the wallet's own lock height: slashing forfeits the stake
	// regardless of the lock, and this is the one height guaranteed to
	// satisfy CurrencyLedger.Unstake's "lock has elapsed" precondition.
	released, err := cur.Unstake(producer, w.LockedUntil)
	if err != nil {
		return err
	}
	return cur.Transfer(producer, IdentityID{}, released)
}
