package core

import (
	"path/filepath"
	"testing"
)

func TestAnchorChainAutoCommitSubmitAndReplay(t *testing.T) {
	dir := t.TempDir()
	walPath := filepath.Join(dir, "chat.wal")

	chain, err := NewAnchorChain(LedgerConfig{WALPath: walPath}, true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	var idHash, nullifier [32]byte
	idHash[0], nullifier[0] = 1, 2
	anchor, err := chain.SubmitAnchor(idHash, DeviceID{9}, nullifier)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if anchor.Height != 0 {
		t.Fatalf("first auto-committed anchor must be at height 0, got %d", anchor.Height)
	}
	if err := chain.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewAnchorChain(LedgerConfig{WALPath: walPath}, true)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if reopened.Height() != 1 {
		t.Fatalf("expected replayed height 1, got %d", reopened.Height())
	}
	got, ok := reopened.QueryAnchorByEnvelopeHash(idHash)
	if !ok || got.Nullifier != nullifier {
		t.Fatal("replay must restore the committed anchor")
	}
}

func TestAnchorChainSubmitAnchorIsIdempotentOnDuplicateNullifier(t *testing.T) {
	dir := t.TempDir()
	chain, err := NewAnchorChain(LedgerConfig{WALPath: filepath.Join(dir, "chat.wal")}, true)
	if err != nil {
		t.Fatal(err)
	}
	defer chain.Close()

	var idHash, nullifier [32]byte
	idHash[0], nullifier[0] = 3, 4
	first, err := chain.SubmitAnchor(idHash, DeviceID{1}, nullifier)
	if err != nil {
		t.Fatal(err)
	}
	again, err := chain.SubmitAnchor(idHash, DeviceID{1}, nullifier)
	if err != ErrDuplicateNullifier {
		t.Fatalf("expected ErrDuplicateNullifier on resubmission, got %v", err)
	}
	if again != first {
		t.Fatal("a duplicate resubmission must return the pre-existing anchor record")
	}
	if chain.Height() != 1 {
		t.Fatalf("a duplicate resubmission must not create a new block, height=%d", chain.Height())
	}
}

func TestAnchorChainMempoolDrainAndCommitBlock(t *testing.T) {
	dir := t.TempDir()
	chain, err := NewAnchorChain(LedgerConfig{WALPath: filepath.Join(dir, "chat.wal")}, false)
	if err != nil {
		t.Fatal(err)
	}
	defer chain.Close()

	var idHash1, null1, idHash2, null2 [32]byte
	idHash1[0], null1[0] = 1, 1
	idHash2[0], null2[0] = 2, 2
	if _, err := chain.SubmitAnchor(idHash1, DeviceID{1}, null1); err != nil {
		t.Fatal(err)
	}
	if _, err := chain.SubmitAnchor(idHash2, DeviceID{2}, null2); err != nil {
		t.Fatal(err)
	}
	if chain.Height() != 0 {
		t.Fatal("submissions without AutoCommit must not create blocks on their own")
	}

	batch := chain.DrainMempool()
	if len(batch) != 2 {
		t.Fatalf("expected 2 pending anchors drained, got %d", len(batch))
	}
	if more := chain.DrainMempool(); len(more) != 0 {
		t.Fatal("a second drain before any new submissions must be empty")
	}

	blk, err := chain.CommitBlock(batch)
	if err != nil {
		t.Fatal(err)
	}
	if len(blk.Anchors) != 2 {
		t.Fatalf("expected both pending anchors committed into the block, got %d", len(blk.Anchors))
	}
	if chain.Height() != 1 {
		t.Fatalf("expected height 1 after committing the block, got %d", chain.Height())
	}
}

func TestAnchorChainEncodeDecodeBlockRLPRoundTrip(t *testing.T) {
	blk := AnchorBlock{
		Height: 3,
		Anchors: []AnchorRecord{
			{Height: 3, IntraBlockIndex: 0, EnvelopeIDHash: [32]byte{1}, Nullifier: [32]byte{2}},
			{Height: 3, IntraBlockIndex: 1, EnvelopeIDHash: [32]byte{3}, Nullifier: [32]byte{4}},
		},
	}
	data, err := EncodeBlockRLP(blk)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeBlockRLP(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Height != blk.Height || len(got.Anchors) != len(blk.Anchors) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Anchors[0].Nullifier != blk.Anchors[0].Nullifier {
		t.Fatal("anchor fields must survive the RLP round trip")
	}
}

func TestAnchorChainImportBlockSkipsAlreadyKnownNullifiers(t *testing.T) {
	dir := t.TempDir()
	chain, err := NewAnchorChain(LedgerConfig{WALPath: filepath.Join(dir, "chat.wal")}, true)
	if err != nil {
		t.Fatal(err)
	}
	defer chain.Close()

	var idHash, nullifier [32]byte
	idHash[0], nullifier[0] = 5, 6
	if _, err := chain.SubmitAnchor(idHash, DeviceID{1}, nullifier); err != nil {
		t.Fatal(err)
	}

	// A gossiped block that re-includes the already-committed nullifier
	// alongside a genuinely new one must only apply the new one.
	var freshHash, freshNull [32]byte
	freshHash[0], freshNull[0] = 7, 8
	incoming := AnchorBlock{
		Height: 1,
		Anchors: []AnchorRecord{
			{EnvelopeIDHash: idHash, Nullifier: nullifier},
			{EnvelopeIDHash: freshHash, Nullifier: freshNull},
		},
	}
	if err := chain.ImportBlock(incoming); err != nil {
		t.Fatal(err)
	}
	if chain.Height() != 2 {
		t.Fatalf("expected the imported block to add one more committed height, got %d", chain.Height())
	}
	if _, ok := chain.QueryAnchorByEnvelopeHash(freshHash); !ok {
		t.Fatal("the genuinely new anchor must be applied")
	}
}

func TestCurrencyChainTransferStakeUnstakeCredit(t *testing.T) {
	dir := t.TempDir()
	cc, err := NewCurrencyChain(LedgerConfig{WALPath: filepath.Join(dir, "currency.wal")})
	if err != nil {
		t.Fatal(err)
	}
	defer cc.Close()

	alice, bob := IdentityID{1}, IdentityID{2}
	if err := cc.Credit(alice, 1000); err != nil {
		t.Fatal(err)
	}
	if err := cc.Transfer(alice, bob, 200); err != nil {
		t.Fatal(err)
	}
	aliceWallet, _ := cc.WalletOf(alice)
	bobWallet, _ := cc.WalletOf(bob)
	if aliceWallet.Balance != 800 || bobWallet.Balance != 200 {
		t.Fatalf("unexpected balances after transfer: alice=%d bob=%d", aliceWallet.Balance, bobWallet.Balance)
	}

	if err := cc.Transfer(alice, bob, 10_000); err == nil {
		t.Fatal("a transfer exceeding the sender's balance must fail")
	}

	if err := cc.Stake(alice, 300, 50); err != nil {
		t.Fatal(err)
	}
	aliceWallet, _ = cc.WalletOf(alice)
	if aliceWallet.Staked != 300 || aliceWallet.Balance != 500 {
		t.Fatalf("unexpected wallet state after stake: %+v", aliceWallet)
	}

	if _, err := cc.Unstake(alice, 10); err == nil {
		t.Fatal("unstaking before the lock height must fail")
	}
	released, err := cc.Unstake(alice, 50)
	if err != nil {
		t.Fatal(err)
	}
	if released != 300 {
		t.Fatalf("expected 300 released, got %d", released)
	}
	aliceWallet, _ = cc.WalletOf(alice)
	if aliceWallet.Staked != 0 || aliceWallet.Balance != 800 {
		t.Fatalf("unexpected wallet state after unstake: %+v", aliceWallet)
	}
}

func TestCurrencyChainWALReplayRestoresWallets(t *testing.T) {
	dir := t.TempDir()
	walPath := filepath.Join(dir, "currency.wal")
	cc, err := NewCurrencyChain(LedgerConfig{WALPath: walPath})
	if err != nil {
		t.Fatal(err)
	}
	owner := IdentityID{7}
	if err := cc.Credit(owner, 555); err != nil {
		t.Fatal(err)
	}
	heightBefore := cc.Height()
	if err := cc.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewCurrencyChain(LedgerConfig{WALPath: walPath})
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	w, ok := reopened.WalletOf(owner)
	if !ok || w.Balance != 555 {
		t.Fatalf("replay must restore the credited balance, got %+v ok=%v", w, ok)
	}
	if reopened.Height() != heightBefore {
		t.Fatalf("replay must restore the ledger height, got %d want %d", reopened.Height(), heightBefore)
	}
}
