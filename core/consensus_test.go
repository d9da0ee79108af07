package core

import (
	"testing"

	bls "github.com/herumi/bls-eth-go-binary/bls"
)

func TestQuorumThresholdArithmetic(t *testing.T) {
	cases := map[int]int{1: 2, 3: 3, 4: 4, 7: 6, 10: 8}
	for n, want := range cases {
		if got := QuorumThreshold(n); got != want {
			t.Fatalf("QuorumThreshold(%d) = %d, want %d", n, got, want)
		}
	}
}

func TestProducerSetEpochBoundaryMembershipChange(t *testing.T) {
	a, b, c := ProducerID{1}, ProducerID{2}, ProducerID{3}
	ps := NewProducerSet([]ProducerID{a, b}, 10)
	ps.QueueMembershipChange([]ProducerID{a, b, c})

	ps.AdvanceEpoch(5) // not a boundary, no-op
	if ps.Size() != 2 {
		t.Fatalf("membership must not change off an epoch boundary, size=%d", ps.Size())
	}

	ps.AdvanceEpoch(10) // boundary
	if ps.Size() != 3 {
		t.Fatalf("membership change must apply at the epoch boundary, size=%d", ps.Size())
	}
}

func TestProducerSetSlashRemovesAtNextEpoch(t *testing.T) {
	a, b := ProducerID{1}, ProducerID{2}
	ps := NewProducerSet([]ProducerID{a, b}, 10)
	ps.Slash(a)
	if ps.Size() != 2 {
		t.Fatal("slashing must not remove a producer before the next epoch boundary")
	}
	ps.AdvanceEpoch(10)
	members := ps.Members()
	for _, m := range members {
		if m == a {
			t.Fatal("slashed producer must be dropped at the epoch boundary")
		}
	}
}

func TestDetectEquivocationSlashes(t *testing.T) {
	a := ProducerID{1}
	ps := NewProducerSet([]ProducerID{a, {2}}, 10)
	v1 := Vote{Producer: a, Height: 5, BlockHash: [32]byte{1}}
	v2 := Vote{Producer: a, Height: 5, BlockHash: [32]byte{2}}
	if !DetectEquivocation(ps, v1, v2) {
		t.Fatal("two conflicting votes at the same height from the same producer must be detected")
	}
	ps.AdvanceEpoch(10)
	for _, m := range ps.Members() {
		if m == a {
			t.Fatal("the equivocating producer must be slashed out at the next epoch")
		}
	}
}

func TestDetectEquivocationIgnoresAgreeingVotes(t *testing.T) {
	a := ProducerID{1}
	ps := NewProducerSet([]ProducerID{a}, 10)
	v1 := Vote{Producer: a, Height: 5, BlockHash: [32]byte{1}}
	v2 := Vote{Producer: a, Height: 5, BlockHash: [32]byte{1}}
	if DetectEquivocation(ps, v1, v2) {
		t.Fatal("identical votes at the same height are not equivocation")
	}
}

// blsProducer bundles a producer's keypair for the engine round-trip test.
type blsProducer struct {
	id  ProducerID
	sk  bls.SecretKey
	pub *bls.PublicKey
}

func newBLSProducer(tag byte) *blsProducer {
	var sk bls.SecretKey
	sk.SetByCSPRNG()
	p := &blsProducer{sk: sk, pub: sk.GetPublicKey()}
	p.id[0] = tag
	return p
}

func TestEngineRoundTripToFinality(t *testing.T) {
	producers := []*blsProducer{newBLSProducer(1), newBLSProducer(2), newBLSProducer(3)}
	var ids []ProducerID
	byID := make(map[ProducerID]*blsProducer)
	for _, p := range producers {
		ids = append(ids, p.id)
		byID[p.id] = p
	}
	set := NewProducerSet(ids, 1000)

	makeEngine := func(self ProducerID) *Engine {
		p := byID[self]
		return NewEngine(LedgerChat, set, self,
			func(b ProposedBlock) ([]byte, error) {
				h := b.Hash()
				return p.sk.SignByte(h[:]).Serialize(), nil
			},
			func(v Vote) ([]byte, error) {
				return p.sk.SignByte(v.BlockHash[:]).Serialize(), nil
			},
			nil,
		)
	}

	engines := make(map[ProducerID]*Engine)
	for _, id := range ids {
		engines[id] = makeEngine(id)
	}

	leader, ok := set.ProducerForRound(0)
	if !ok {
		t.Fatal("expected a leader for round 0")
	}
	proposal, err := engines[leader].StartRound(0, [32]byte{9})
	if err != nil {
		t.Fatalf("leader start round: %v", err)
	}
	if proposal == nil {
		t.Fatal("leader's StartRound must return its own proposal")
	}

	for _, id := range ids {
		if id != leader {
			if _, err := engines[id].StartRound(0, [32]byte{9}); err != nil {
				t.Fatalf("follower start round: %v", err)
			}
		}
	}

	preVotes := make([]Vote, 0, len(ids))
	for _, id := range ids {
		v, err := engines[id].ReceiveProposal(*proposal)
		if err != nil {
			t.Fatalf("receive proposal on %v: %v", id, err)
		}
		preVotes = append(preVotes, v)
	}

	var preCommits []Vote
	for _, id := range ids {
		for _, v := range preVotes {
			commit, err := engines[id].ReceivePreVote(v)
			if err != nil {
				t.Fatalf("receive pre-vote: %v", err)
			}
			if commit != nil {
				preCommits = append(preCommits, *commit)
				break
			}
		}
	}
	if len(preCommits) != len(ids) {
		t.Fatalf("expected every producer to form a pre-commit once quorum pre-votes arrive, got %d", len(preCommits))
	}

	signers := make(map[ProducerID][]byte)
	for _, c := range preCommits {
		signers[c.Producer] = c.Sig
	}

	finalized := false
	for _, id := range ids {
		for _, c := range preCommits {
			if err := engines[id].ReceivePreCommit(c, signers); err != nil {
				t.Fatalf("receive pre-commit: %v", err)
			}
		}
		if engines[id].Height() == 1 {
			finalized = true
		}
	}
	if !finalized {
		t.Fatal("expected at least one engine to finalize height 0 and advance to height 1")
	}
}
