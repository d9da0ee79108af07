package core

// Dual-Ledger Ordering Engine (C6).
//
// Round-based leader election with pipelined pre-vote/pre-commit phases
// (§4.6). Target block time 2s. For each round a designated producer
// proposes; producers pre-vote; on seeing ceil(2n/3)+1 pre-votes for the
// same proposal, producers pre-commit; on seeing ceil(2n/3)+1 pre-commits
// the block is final. Round timeouts double on each failed round, capped.
//
// Safety: no two conflicting blocks gather a quorum certificate for the
// same height (P5), by the standard two-phase BFT argument. Liveness:
// under synchrony with > 2/3 honest producers a block finalizes within one
// successful round.

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultBlockTime              = 2 * time.Second
	DefaultEpochBlocks            = 1000
	DefaultInitialRoundTimeout    = 2 * time.Second
	DefaultMaxRoundTimeout        = 30 * time.Second
)

// LedgerKind distinguishes the two disjoint block sequences (§3).
type LedgerKind uint8

const (
	LedgerChat LedgerKind = iota
	LedgerCurrency
)

// ProducerID identifies a block producer by its BLS public key fingerprint.
type ProducerID [32]byte

// Vote is a single producer's pre-vote or pre-commit for a proposal.
type Vote struct {
	Round     uint64
	Height    uint64
	BlockHash [32]byte
	Producer  ProducerID
	Sig       []byte
	PreCommit bool
}

// QuorumCert aggregates >= ceil(2n/3)+1 signatures over the same
// (height, block hash) — the safety invariant of §3/§4.6.
type QuorumCert struct {
	Height    uint64
	BlockHash [32]byte
	Signers   []ProducerID
	AggSig    []byte
}

// Satisfies reports whether the certificate meets quorum for a producer
// set of size n.
func (q QuorumCert) Satisfies(n int) bool {
	return len(q.Signers) >= QuorumThreshold(n)
}

// QuorumThreshold returns ceil(2n/3)+1.
func QuorumThreshold(n int) int {
	return (2*n+2)/3 + 1
}

// ProposedBlock is a round's candidate block before finalization.
type ProposedBlock struct {
	Kind       LedgerKind
	Height     uint64
	ParentHash [32]byte
	Producer   ProducerID
	Timestamp  time.Time
	EventsRoot [32]byte
	Sig        []byte
}

func (b ProposedBlock) Hash() [32]byte {
	buf := make([]byte, 0, 96)
	buf = append(buf, byte(b.Kind))
	var h [8]byte
	binary.BigEndian.PutUint64(h[:], b.Height)
	buf = append(buf, h[:]...)
	buf = append(buf, b.ParentHash[:]...)
	buf = append(buf, b.Producer[:]...)
	buf = append(buf, b.EventsRoot[:]...)
	return sha256.Sum256(buf)
}

// ProducerSet is the stake-weighted active set, snapshotted every
// epochBlocks (§4.6). Membership changes from staking/slashing take effect
// only at the next epoch boundary.
type ProducerSet struct {
	mu        sync.RWMutex
	members   []ProducerID
	next      []ProducerID // pending changes, applied at the next epoch boundary
	slashed   map[ProducerID]bool
	epoch     uint64
	epochSize uint64
}

func NewProducerSet(initial []ProducerID, epochSize uint64) *ProducerSet {
	return &ProducerSet{members: append([]ProducerID(nil), initial...), slashed: make(map[ProducerID]bool), epochSize: epochSize}
}

func (p *ProducerSet) Members() []ProducerID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]ProducerID(nil), p.members...)
}

func (p *ProducerSet) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.members)
}

// Slash marks a producer for removal at the next epoch boundary, the
// consequence of a proven equivocation (§4.6, edge case 8).
func (p *ProducerSet) Slash(id ProducerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slashed[id] = true
}

// QueueMembershipChange stages a new producer set membership to take
// effect at the next epoch boundary.
func (p *ProducerSet) QueueMembershipChange(members []ProducerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next = append([]ProducerID(nil), members...)
}

// AdvanceEpoch applies any staged membership change and drops slashed
// producers, called once every epochSize blocks.
func (p *ProducerSet) AdvanceEpoch(height uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if height == 0 || height%p.epochSize != 0 {
		return
	}
	base := p.members
	if p.next != nil {
		base = p.next
		p.next = nil
	}
	out := make([]ProducerID, 0, len(base))
	for _, m := range base {
		if !p.slashed[m] {
			out = append(out, m)
		}
	}
	p.members = out
	p.slashed = make(map[ProducerID]bool)
	p.epoch++
}

// ProducerForRound selects the round-robin leader for a round, a
// deterministic function of round number and producer set order.
func (p *ProducerSet) ProducerForRound(round uint64) (ProducerID, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.members) == 0 {
		return ProducerID{}, false
	}
	return p.members[round%uint64(len(p.members))], true
}

// Round tracks one in-flight consensus round for a given ledger/height.
type Round struct {
	Number     uint64
	Height     uint64
	Timeout    time.Duration
	Proposal   *ProposedBlock
	preVotes   map[ProducerID][32]byte
	preCommits map[ProducerID][32]byte
}

func newRound(number, height uint64, timeout time.Duration) *Round {
	return &Round{
		Number:     number,
		Height:     height,
		Timeout:    timeout,
		preVotes:   make(map[ProducerID][32]byte),
		preCommits: make(map[ProducerID][32]byte),
	}
}

// quorumHash returns the block hash with quorum support among the given
// votes, or false if none yet has quorum.
func quorumHash(votes map[ProducerID][32]byte, n int) ([32]byte, bool) {
	tally := make(map[[32]byte]int)
	for _, h := range votes {
		tally[h]++
	}
	threshold := QuorumThreshold(n)
	for h, count := range tally {
		if count >= threshold {
			return h, true
		}
	}
	return [32]byte{}, false
}

// Engine drives one ledger's round-based BFT production, assigning block
// heights to batches of chat anchors or currency transfers (C6). A real
// deployment runs two Engines, one per ledger, sharing the overlay's gossip
// transport for votes.
type Engine struct {
	mu        sync.Mutex
	kind      LedgerKind
	producers *ProducerSet
	self      ProducerID

	blockTime       time.Duration
	initialTimeout  time.Duration
	maxTimeout      time.Duration

	height       uint64
	lastHash     [32]byte
	currentRound *Round

	onFinalize func(block ProposedBlock, qc QuorumCert)
	signBlock  func(ProposedBlock) ([]byte, error)
	signVote   func(Vote) ([]byte, error)
}

func NewEngine(kind LedgerKind, producers *ProducerSet, self ProducerID, signBlock func(ProposedBlock) ([]byte, error), signVote func(Vote) ([]byte, error), onFinalize func(ProposedBlock, QuorumCert)) *Engine {
	return &Engine{
		kind:           kind,
		producers:      producers,
		self:           self,
		blockTime:      DefaultBlockTime,
		initialTimeout: DefaultInitialRoundTimeout,
		maxTimeout:     DefaultMaxRoundTimeout,
		signBlock:      signBlock,
		signVote:       signVote,
		onFinalize:     onFinalize,
	}
}

// Height returns the last finalized height.
func (e *Engine) Height() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.height
}

// StartRound begins a new round at the current height, proposing an empty
// block or one carrying eventsRoot if events are pending. Block-height
// advance with no events still occurs to preserve a clock for expiration
// policies (§4.6).
func (e *Engine) StartRound(roundNumber uint64, eventsRoot [32]byte) (*ProposedBlock, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	leader, ok := e.producers.ProducerForRound(roundNumber)
	if !ok {
		return nil, fmt.Errorf("empty producer set")
	}
	timeout := e.initialTimeout << roundNumber
	if timeout > e.maxTimeout || timeout <= 0 {
		timeout = e.maxTimeout
	}
	e.currentRound = newRound(roundNumber, e.height, timeout)

	if leader != e.self {
		return nil, nil // wait for the leader's proposal over the overlay
	}
	proposal := ProposedBlock{
		Kind:       e.kind,
		Height:     e.height,
		ParentHash: e.lastHash,
		Producer:   e.self,
		Timestamp:  time.Now(),
		EventsRoot: eventsRoot,
	}
	sig, err := e.signBlock(proposal)
	if err != nil {
		return nil, fmt.Errorf("sign proposal: %w", err)
	}
	proposal.Sig = sig
	e.currentRound.Proposal = &proposal
	return &proposal, nil
}

// ReceiveProposal accepts the round leader's proposal and returns this
// producer's pre-vote.
func (e *Engine) ReceiveProposal(p ProposedBlock) (Vote, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.currentRound == nil {
		return Vote{}, fmt.Errorf("no round in progress")
	}
	if p.Height != e.currentRound.Height {
		return Vote{}, fmt.Errorf("proposal height %d does not match round height %d", p.Height, e.currentRound.Height)
	}
	e.currentRound.Proposal = &p
	vote := Vote{Round: e.currentRound.Number, Height: p.Height, BlockHash: p.Hash(), Producer: e.self}
	sig, err := e.signVote(vote)
	if err != nil {
		return Vote{}, err
	}
	vote.Sig = sig
	return vote, nil
}

// ReceivePreVote records a peer's pre-vote, returning this producer's
// pre-commit once ceil(2n/3)+1 pre-votes agree on the same hash.
func (e *Engine) ReceivePreVote(v Vote) (*Vote, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.currentRound == nil || v.Round != e.currentRound.Number {
		return nil, nil
	}
	e.currentRound.preVotes[v.Producer] = v.BlockHash
	hash, ok := quorumHash(e.currentRound.preVotes, e.producers.Size())
	if !ok {
		return nil, nil
	}
	commit := Vote{Round: v.Round, Height: v.Height, BlockHash: hash, Producer: e.self, PreCommit: true}
	sig, err := e.signVote(commit)
	if err != nil {
		return nil, err
	}
	commit.Sig = sig
	return &commit, nil
}

// ReceivePreCommit records a peer's pre-commit, finalizing the block and
// invoking onFinalize once ceil(2n/3)+1 pre-commits agree (§4.6 safety).
func (e *Engine) ReceivePreCommit(v Vote, signers map[ProducerID][]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.currentRound == nil || v.Round != e.currentRound.Number {
		return nil
	}
	e.currentRound.preCommits[v.Producer] = v.BlockHash
	hash, ok := quorumHash(e.currentRound.preCommits, e.producers.Size())
	if !ok {
		return nil
	}
	if e.currentRound.Proposal == nil || e.currentRound.Proposal.Hash() != hash {
		return fmt.Errorf("quorum reached for a block this node never saw proposed")
	}

	var sigList [][]byte
	var ids []ProducerID
	for pid, h := range e.currentRound.preCommits {
		if h != hash {
			continue
		}
		ids = append(ids, pid)
		if sig, ok := signers[pid]; ok {
			sigList = append(sigList, sig)
		}
	}
	agg, err := AggregateBLSSigs(sigList)
	if err != nil {
		return fmt.Errorf("aggregate quorum certificate: %w", err)
	}
	qc := QuorumCert{Height: v.Height, BlockHash: hash, Signers: ids, AggSig: agg}
	if !qc.Satisfies(e.producers.Size()) {
		return ErrInvalidQuorumCert
	}

	finalBlock := *e.currentRound.Proposal
	e.height = finalBlock.Height + 1
	e.lastHash = hash
	e.producers.AdvanceEpoch(e.height)
	e.currentRound = nil

	logrus.WithFields(logrus.Fields{"height": finalBlock.Height, "kind": e.kind}).Info("block finalized")
	if e.onFinalize != nil {
		e.onFinalize(finalBlock, qc)
	}
	return nil
}

// DetectEquivocation checks two signed votes for the same producer at the
// same height against different block hashes (§4.6 edge case 8), slashing
// the offender on proof.
func DetectEquivocation(producers *ProducerSet, a, b Vote) bool {
	if a.Producer != b.Producer || a.Height != b.Height || a.BlockHash == b.BlockHash {
		return false
	}
	producers.Slash(a.Producer)
	return true
}
