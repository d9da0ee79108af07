package core

import (
	"testing"

	gomock "go.uber.org/mock/gomock"
)

func TestSpendableIgnoresStakedFunds(t *testing.T) {
	w := Wallet{Balance: 100, Staked: 900}
	if got := Spendable(w); got != 100 {
		t.Fatalf("Spendable must return only the balance, got %d", got)
	}
}

func TestCanUnstakeRespectsLockHeight(t *testing.T) {
	w := Wallet{LockedUntil: 100}
	if CanUnstake(w, 99) {
		t.Fatal("unstaking before the lock height must be refused")
	}
	if !CanUnstake(w, 100) {
		t.Fatal("unstaking at the lock height must be allowed")
	}
	if !CanUnstake(w, 101) {
		t.Fatal("unstaking after the lock height must be allowed")
	}
}

func TestValidateStakeRequestRejectsZeroAndOverBalance(t *testing.T) {
	w := Wallet{Balance: 50}
	if err := ValidateStakeRequest(w, 0); err == nil {
		t.Fatal("a zero stake amount must be rejected")
	}
	if err := ValidateStakeRequest(w, 51); err == nil {
		t.Fatal("a stake exceeding balance must be rejected")
	}
	if err := ValidateStakeRequest(w, 50); err != nil {
		t.Fatalf("a stake equal to the full balance must be accepted, got %v", err)
	}
}

func TestSlashIsNoOpForAnUnstakedWallet(t *testing.T) {
	ctrl := gomock.NewController(t)
	cur := NewMockCurrencyLedger(ctrl)
	producer := IdentityID{1}
	cur.EXPECT().WalletOf(producer).Return(Wallet{Owner: producer}, true)

	if err := Slash(cur, producer); err != nil {
		t.Fatalf("slashing a wallet with no stake must be a no-op, got %v", err)
	}
}

func TestSlashIsNoOpForAnUnknownWallet(t *testing.T) {
	ctrl := gomock.NewController(t)
	cur := NewMockCurrencyLedger(ctrl)
	producer := IdentityID{2}
	cur.EXPECT().WalletOf(producer).Return(Wallet{}, false)

	if err := Slash(cur, producer); err != nil {
		t.Fatalf("slashing an unknown wallet must be a no-op, got %v", err)
	}
}

func TestSlashBurnsReleasedStakeToTheZeroIdentity(t *testing.T) {
	ctrl := gomock.NewController(t)
	cur := NewMockCurrencyLedger(ctrl)
	producer := IdentityID{3}
	w := Wallet{Owner: producer, Staked: 500, LockedUntil: 42}
	cur.EXPECT().WalletOf(producer).Return(w, true)
	cur.EXPECT().Unstake(producer, w.LockedUntil).Return(w.Staked, nil)
	cur.EXPECT().Transfer(producer, IdentityID{}, w.Staked).Return(nil)

	if err := Slash(cur, producer); err != nil {
		t.Fatalf("slash: %v", err)
	}
}

func TestSlashPropagatesUnstakeFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	cur := NewMockCurrencyLedger(ctrl)
	producer := IdentityID{4}
	w := Wallet{Owner: producer, Staked: 200, LockedUntil: 10}
	cur.EXPECT().WalletOf(producer).Return(w, true)
	cur.EXPECT().Unstake(producer, w.LockedUntil).Return(uint64(0), ErrRejectedIneligible)

	if err := Slash(cur, producer); err == nil {
		t.Fatal("a failed unstake must propagate as an error from Slash")
	}
}
