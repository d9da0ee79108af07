package core

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestChannelKeyStateKeyForHeightResolvesPriorRekeys(t *testing.T) {
	var k0, k1, k2 [32]byte
	rand.Read(k0[:])
	rand.Read(k1[:])
	rand.Read(k2[:])
	ks := NewChannelKeyState(k0, 100)
	ks.Rekey(k1, 200)
	ks.Rekey(k2, 300)

	cases := []struct {
		height uint64
		want   [32]byte
	}{
		{100, k0},
		{150, k0},
		{200, k1},
		{250, k1},
		{300, k2},
		{1000, k2},
	}
	for _, c := range cases {
		got, err := ks.KeyForHeight(c.height)
		if err != nil {
			t.Fatalf("height %d: %v", c.height, err)
		}
		if got != c.want {
			t.Fatalf("height %d resolved to the wrong key", c.height)
		}
	}
}

func TestChannelKeyStateKeyForHeightBeforeCreationFails(t *testing.T) {
	var k0 [32]byte
	rand.Read(k0[:])
	ks := NewChannelKeyState(k0, 100)
	if _, err := ks.KeyForHeight(50); err == nil {
		t.Fatal("a height before the channel's creation height must not resolve to any key")
	}
}

func TestEncryptPostThenDecryptPostAtTheSameHeightRoundTrips(t *testing.T) {
	var k0 [32]byte
	rand.Read(k0[:])
	ks := NewChannelKeyState(k0, 100)
	ct, _, err := EncryptPost(ks, []byte("hello channel"), []byte("aad"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecryptPost(ks, 100, ct, []byte("aad"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("hello channel")) {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

func TestDecryptPostAfterRekeyStillOpensUnderItsOwnAnchorHeight(t *testing.T) {
	var k0, k1 [32]byte
	rand.Read(k0[:])
	rand.Read(k1[:])
	ks := NewChannelKeyState(k0, 100)
	ct, _, err := EncryptPost(ks, []byte("pre-rekey post"), nil)
	if err != nil {
		t.Fatal(err)
	}
	ks.Rekey(k1, 200)

	got, err := DecryptPost(ks, 100, ct, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("pre-rekey post")) {
		t.Fatal("a post must still decrypt under the key that was current at its own anchor height")
	}

	if _, err := DecryptPost(ks, 100, ct, []byte("wrong-aad")); err == nil {
		t.Fatal("decrypting under mismatched AAD must fail even with the right key")
	}
}

func TestEvaluateAccessPublicAlwaysAdmits(t *testing.T) {
	if !EvaluateAccess(AccessPolicy{Kind: AccessPublic}, IdentityID{1}, OnChainState{}, 0) {
		t.Fatal("a public policy must always admit")
	}
}

func TestEvaluateAccessInviteOnly(t *testing.T) {
	caller := IdentityID{1}
	policy := AccessPolicy{Kind: AccessInviteOnly}
	if EvaluateAccess(policy, caller, OnChainState{InviteList: map[IdentityID]bool{}}, 0) {
		t.Fatal("a caller absent from the invite list must not be admitted")
	}
	if !EvaluateAccess(policy, caller, OnChainState{InviteList: map[IdentityID]bool{caller: true}}, 0) {
		t.Fatal("an invited caller must be admitted")
	}
}

func TestEvaluateAccessTokenGated(t *testing.T) {
	policy := AccessPolicy{Kind: AccessTokenGated, TokenID: "MESH", MinAmount: 100}
	state := OnChainState{TokenBalance: map[string]uint64{"MESH": 50}}
	if EvaluateAccess(policy, IdentityID{}, state, 0) {
		t.Fatal("a balance below the minimum must not admit")
	}
	state.TokenBalance["MESH"] = 100
	if !EvaluateAccess(policy, IdentityID{}, state, 0) {
		t.Fatal("a balance meeting the minimum must admit")
	}
}

func TestEvaluateAccessNFTGatedAnySetInCollection(t *testing.T) {
	policy := AccessPolicy{Kind: AccessNFTGated, Collection: "apes"}
	empty := OnChainState{NFTHoldings: map[string]map[string]bool{}}
	if EvaluateAccess(policy, IdentityID{}, empty, 0) {
		t.Fatal("holding nothing in the collection must not admit")
	}
	holds := OnChainState{NFTHoldings: map[string]map[string]bool{"apes": {"42": true}}}
	if !EvaluateAccess(policy, IdentityID{}, holds, 0) {
		t.Fatal("holding any set id in the collection must admit when no specific set is required")
	}
}

func TestEvaluateAccessNFTGatedSpecificSetID(t *testing.T) {
	policy := AccessPolicy{Kind: AccessNFTGated, Collection: "apes", SetID: "42"}
	holdsOther := OnChainState{NFTHoldings: map[string]map[string]bool{"apes": {"7": true}}}
	if EvaluateAccess(policy, IdentityID{}, holdsOther, 0) {
		t.Fatal("holding a different set id must not admit when a specific set is required")
	}
	holdsRight := OnChainState{NFTHoldings: map[string]map[string]bool{"apes": {"42": true}}}
	if !EvaluateAccess(policy, IdentityID{}, holdsRight, 0) {
		t.Fatal("holding the required set id must admit")
	}
}

func TestEvaluateAccessReputationGated(t *testing.T) {
	policy := AccessPolicy{Kind: AccessReputationGated, MinRep: 60}
	if EvaluateAccess(policy, IdentityID{}, OnChainState{Reputation: 59}, 0) {
		t.Fatal("reputation below the minimum must not admit")
	}
	if !EvaluateAccess(policy, IdentityID{}, OnChainState{Reputation: 60}, 0) {
		t.Fatal("reputation at the minimum must admit")
	}
}

func TestEvaluateAccessStakeGatedRequiresBothAmountAndUnlock(t *testing.T) {
	policy := AccessPolicy{Kind: AccessStakeGated, MinStake: 100}
	under := OnChainState{Staked: 50, StakeLockedAt: 10}
	if EvaluateAccess(policy, IdentityID{}, under, 20) {
		t.Fatal("insufficient stake must not admit")
	}
	notYetUnlocked := OnChainState{Staked: 200, StakeLockedAt: 100}
	if EvaluateAccess(policy, IdentityID{}, notYetUnlocked, 50) {
		t.Fatal("stake locked beyond the current height must not admit")
	}
	ok := OnChainState{Staked: 200, StakeLockedAt: 10}
	if !EvaluateAccess(policy, IdentityID{}, ok, 20) {
		t.Fatal("sufficient, unlocked stake must admit")
	}
}

func TestEvaluateAccessCombinedRequiresEveryClause(t *testing.T) {
	policy := AccessPolicy{
		Kind: AccessCombined,
		Combined: []AccessPolicy{
			{Kind: AccessReputationGated, MinRep: 50},
			{Kind: AccessStakeGated, MinStake: 10},
		},
	}
	failsOne := OnChainState{Reputation: 60, Staked: 0, StakeLockedAt: 0}
	if EvaluateAccess(policy, IdentityID{}, failsOne, 0) {
		t.Fatal("failing any combined clause must deny admission")
	}
	passesAll := OnChainState{Reputation: 60, Staked: 20, StakeLockedAt: 0}
	if !EvaluateAccess(policy, IdentityID{}, passesAll, 0) {
		t.Fatal("passing every combined clause must admit")
	}
}

func TestChannelRegistryRemoveMemberRekeysAndBlocksFutureHistoryLookup(t *testing.T) {
	reg := NewChannelRegistry()
	var initialKey, rekeyedKey [32]byte
	rand.Read(initialKey[:])
	rand.Read(rekeyedKey[:])
	alice, bob := IdentityID{1}, IdentityID{2}

	reg.Create(Channel{ID: "c1", CreationHeight: 100}, []IdentityID{alice, bob}, initialKey)
	if !reg.IsMember("c1", bob) {
		t.Fatal("bob must be a member immediately after creation")
	}

	if err := reg.RemoveMember("c1", bob, rekeyedKey, 200); err != nil {
		t.Fatal(err)
	}
	if reg.IsMember("c1", bob) {
		t.Fatal("bob must no longer be a member after removal")
	}

	ks, ok := reg.KeyState("c1")
	if !ok {
		t.Fatal("channel must still have a key state")
	}
	keyAt250, err := ks.KeyForHeight(250)
	if err != nil {
		t.Fatal(err)
	}
	if keyAt250 != rekeyedKey {
		t.Fatal("posts anchored after removal must use the rekeyed key, unreadable with bob's last known key")
	}
}

func TestChannelRegistryEvaluateAdmissionUsesTheChannelsPolicy(t *testing.T) {
	reg := NewChannelRegistry()
	var key [32]byte
	rand.Read(key[:])
	reg.Create(Channel{ID: "gated", CreationHeight: 1, Policy: AccessPolicy{Kind: AccessReputationGated, MinRep: 75}}, nil, key)

	caller := IdentityID{5}
	if reg.EvaluateAdmission("gated", caller, OnChainState{Reputation: 50}, 10) {
		t.Fatal("a caller below the reputation gate must not be admitted")
	}
	if !reg.EvaluateAdmission("gated", caller, OnChainState{Reputation: 90}, 10) {
		t.Fatal("a caller meeting the reputation gate must be admitted")
	}
}

func TestChannelRegistryEvaluateAdmissionUnknownChannel(t *testing.T) {
	reg := NewChannelRegistry()
	if reg.EvaluateAdmission("missing", IdentityID{}, OnChainState{}, 0) {
		t.Fatal("an unknown channel must never admit")
	}
}
