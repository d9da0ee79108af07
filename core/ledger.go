package core

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/sirupsen/logrus"
)

// ChatLedger is the narrow capability the envelope send/receive path needs
// from the chat ledger (§9's narrow-capability design note): submit an
// anchor for a freshly sent envelope, and look one up by envelope hash on
// receive. Nothing about blocks, consensus, or the WAL leaks through it.
type ChatLedger interface {
	SubmitAnchor(idHash [32]byte, sender DeviceID, nullifier [32]byte) (AnchorRecord, error)
	QueryAnchorByEnvelopeHash(idHash [32]byte) (AnchorRecord, bool)
}

// CurrencyLedger is the narrow capability the cross-ledger coordinator and
// the wallet/staking paths need from the currency ledger.
type CurrencyLedger interface {
	Transfer(from, to IdentityID, amount uint64) error
	Stake(owner IdentityID, amount uint64, lockUntilHeight uint64) error
	Unstake(owner IdentityID, atHeight uint64) (uint64, error)
	Credit(to IdentityID, amount uint64) error
	WalletOf(owner IdentityID) (Wallet, bool)
	Height() uint64
}

// AnchorBlock is one committed batch of chat-ledger anchors (§3, §6).
type AnchorBlock struct {
	Height   uint64
	PrevHash [32]byte
	Anchors  []AnchorRecord
}

// LedgerConfig mirrors the teacher's WAL/snapshot configuration, narrowed to
// what the two chains here need.
type LedgerConfig struct {
	WALPath          string
	SnapshotPath     string
	SnapshotInterval int
}

// AnchorChain is the chat ledger: an append-only sequence of AnchorBlocks
// indexed by envelope hash, guarding the global nullifier set (P1).
type AnchorChain struct {
	mu         sync.RWMutex
	blocks     []AnchorBlock
	byIDHash   map[[32]byte]AnchorRecord
	nullifiers map[[32]byte]bool
	mempool    []pendingAnchor

	walFile          *os.File
	snapshotPath     string
	snapshotInterval int

	// AutoCommit seals each submitted anchor as its own one-entry block
	// immediately, for single-writer/test topologies that run without a
	// separate consensus engine driving block production.
	AutoCommit bool
}

type pendingAnchor struct {
	idHash    [32]byte
	sender    DeviceID
	nullifier [32]byte
}

// NewAnchorChain opens (or creates) the chat ledger's WAL and replays it.
func NewAnchorChain(cfg LedgerConfig, autoCommit bool) (*AnchorChain, error) {
	wal, err := os.OpenFile(cfg.WALPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open chat ledger WAL: %w", err)
	}
	c := &AnchorChain{
		byIDHash:         make(map[[32]byte]AnchorRecord),
		nullifiers:       make(map[[32]byte]bool),
		walFile:          wal,
		snapshotPath:     cfg.SnapshotPath,
		snapshotInterval: cfg.SnapshotInterval,
		AutoCommit:       autoCommit,
	}

	scanner := bufio.NewScanner(wal)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var blk AnchorBlock
		if err := json.Unmarshal(scanner.Bytes(), &blk); err != nil {
			wal.Close()
			return nil, fmt.Errorf("chat ledger WAL replay: %w", err)
		}
		c.applyBlockLocked(blk)
	}
	if err := scanner.Err(); err != nil {
		wal.Close()
		return nil, fmt.Errorf("chat ledger WAL scan: %w", err)
	}
	return c, nil
}

func (c *AnchorChain) applyBlockLocked(blk AnchorBlock) {
	c.blocks = append(c.blocks, blk)
	for _, a := range blk.Anchors {
		c.byIDHash[a.EnvelopeIDHash] = a
		c.nullifiers[a.Nullifier] = true
	}
}

// SubmitAnchor enqueues an anchor for the envelope hash/nullifier pair. If
// the nullifier has already been observed, the pre-existing anchor is
// returned alongside ErrDuplicateNullifier so resubmission is a safe no-op
// (§7: "Treated as success (idempotent resubmit)").
func (c *AnchorChain) SubmitAnchor(idHash [32]byte, sender DeviceID, nullifier [32]byte) (AnchorRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.nullifiers[nullifier] {
		if existing, ok := c.byIDHash[idHash]; ok {
			return existing, ErrDuplicateNullifier
		}
		for _, blk := range c.blocks {
			for _, a := range blk.Anchors {
				if a.Nullifier == nullifier {
					return a, ErrDuplicateNullifier
				}
			}
		}
	}

	if c.AutoCommit {
		height := uint64(len(c.blocks))
		anchor := AnchorRecord{
			EnvelopeIDHash:  idHash,
			SenderDeviceID:  sender,
			Nullifier:       nullifier,
			Height:          height,
			IntraBlockIndex: 0,
		}
		blk := AnchorBlock{Height: height, Anchors: []AnchorRecord{anchor}}
		if err := c.persistLocked(blk); err != nil {
			return AnchorRecord{}, err
		}
		c.applyBlockLocked(blk)
		return anchor, nil
	}

	c.mempool = append(c.mempool, pendingAnchor{idHash: idHash, sender: sender, nullifier: nullifier})
	return AnchorRecord{EnvelopeIDHash: idHash, SenderDeviceID: sender, Nullifier: nullifier}, nil
}

// DrainMempool hands the consensus engine every anchor submitted since the
// last drain, for inclusion in the next proposed block.
func (c *AnchorChain) DrainMempool() []pendingAnchor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.mempool
	c.mempool = nil
	return out
}

// CommitBlock seals a batch of previously-drained anchors as the next block,
// called by the consensus engine once a quorum certificate is formed.
func (c *AnchorChain) CommitBlock(batch []pendingAnchor) (AnchorBlock, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	height := uint64(len(c.blocks))
	var prevHash [32]byte
	if height > 0 {
		prevHash = hashAnchorBlock(c.blocks[height-1])
	}
	anchors := make([]AnchorRecord, 0, len(batch))
	for i, p := range batch {
		if c.nullifiers[p.nullifier] {
			continue // already anchored by a concurrent AutoCommit path or a prior block
		}
		anchors = append(anchors, AnchorRecord{
			EnvelopeIDHash:  p.idHash,
			SenderDeviceID:  p.sender,
			Nullifier:       p.nullifier,
			Height:          height,
			IntraBlockIndex: uint32(i),
		})
	}
	blk := AnchorBlock{Height: height, PrevHash: prevHash, Anchors: anchors}
	if err := c.persistLocked(blk); err != nil {
		return AnchorBlock{}, err
	}
	c.applyBlockLocked(blk)
	return blk, nil
}

func (c *AnchorChain) persistLocked(blk AnchorBlock) error {
	data, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("marshal anchor block: %w", err)
	}
	if _, err := c.walFile.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write chat ledger WAL: %w", err)
	}
	if err := c.walFile.Sync(); err != nil {
		return err
	}
	if c.snapshotInterval > 0 && len(c.blocks)+1 > 0 && (len(c.blocks)+1)%c.snapshotInterval == 0 {
		if err := c.snapshotLocked(); err != nil {
			logrus.WithError(err).Warn("chat ledger snapshot failed")
		}
	}
	return nil
}

func (c *AnchorChain) snapshotLocked() error {
	if c.snapshotPath == "" {
		return nil
	}
	f, err := os.Create(c.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(c.blocks)
}

// QueryAnchorByEnvelopeHash looks up a committed anchor by envelope hash.
func (c *AnchorChain) QueryAnchorByEnvelopeHash(idHash [32]byte) (AnchorRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.byIDHash[idHash]
	return a, ok
}

// Height returns the number of committed anchor blocks.
func (c *AnchorChain) Height() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return uint64(len(c.blocks))
}

// LastHash returns the hash of the most recently committed block, the zero
// value before genesis.
func (c *AnchorChain) LastHash() [32]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.blocks) == 0 {
		return [32]byte{}
	}
	return hashAnchorBlock(c.blocks[len(c.blocks)-1])
}

// EncodeBlockRLP serializes a committed block for gossip over the overlay
// (§4.6/§4.5): the WAL stays JSON for human-inspectable replay, but the
// wire format peers exchange blocks in is RLP, matching the separation the
// teacher's ledger draws between its JSON snapshot and its RLP block codec.
func EncodeBlockRLP(blk AnchorBlock) ([]byte, error) {
	data, err := rlp.EncodeToBytes(&blk)
	if err != nil {
		return nil, fmt.Errorf("rlp encode anchor block: %w", err)
	}
	return data, nil
}

// DecodeBlockRLP parses a block received from a peer's gossip publish.
func DecodeBlockRLP(data []byte) (AnchorBlock, error) {
	var blk AnchorBlock
	if err := rlp.DecodeBytes(data, &blk); err != nil {
		return AnchorBlock{}, fmt.Errorf("rlp decode anchor block: %w", err)
	}
	return blk, nil
}

// ImportBlock applies a block received over the gossip wire, skipping any
// anchor whose nullifier this chain has already committed locally (it may
// have been anchored by a concurrent AutoCommit path, or the import may be
// a duplicate relay of a block already applied). No other check is made:
// the block's height and previous hash are not compared with this chain.
func (c *AnchorChain) ImportBlock(blk AnchorBlock) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	fresh := make([]AnchorRecord, 0, len(blk.Anchors))
	for _, a := range blk.Anchors {
		if c.nullifiers[a.Nullifier] {
			continue
		}
		fresh = append(fresh, a)
	}
	blk.Anchors = fresh
	if err := c.persistLocked(blk); err != nil {
		return err
	}
	c.applyBlockLocked(blk)
	return nil
}

func hashAnchorBlock(blk AnchorBlock) [32]byte {
	data, _ := json.Marshal(blk)
	root, err := ComputeMerkleRoot([][]byte{data})
	if err != nil {
		return [32]byte{}
	}
	var out [32]byte
	copy(out[:], root)
	return out
}

func (c *AnchorChain) Close() error {
	if c == nil || c.walFile == nil {
		return nil
	}
	return c.walFile.Close()
}

//---------------------------------------------------------------------
// Currency ledger
//---------------------------------------------------------------------

// CurrencyChain is the currency ledger: wallet balances, staking locks, and
// reward credits. It is a separate chain from AnchorChain (§3's dual-ledger
// split) with its own WAL and its own block height, coordinated with the
// chat ledger only through the cross-ledger protocol (C7).
type CurrencyChain struct {
	mu      sync.RWMutex
	wallets map[IdentityID]Wallet
	height  uint64

	walFile      *os.File
	snapshotPath string
}

func NewCurrencyChain(cfg LedgerConfig) (*CurrencyChain, error) {
	wal, err := os.OpenFile(cfg.WALPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open currency ledger WAL: %w", err)
	}
	cc := &CurrencyChain{
		wallets:      make(map[IdentityID]Wallet),
		walFile:      wal,
		snapshotPath: cfg.SnapshotPath,
	}
	scanner := bufio.NewScanner(wal)
	for scanner.Scan() {
		var entry currencyWALEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			wal.Close()
			return nil, fmt.Errorf("currency ledger WAL replay: %w", err)
		}
		cc.wallets[entry.Owner] = entry.Wallet
		if entry.Height > cc.height {
			cc.height = entry.Height
		}
	}
	if err := scanner.Err(); err != nil {
		wal.Close()
		return nil, err
	}
	return cc, nil
}

type currencyWALEntry struct {
	Height uint64
	Owner  IdentityID
	Wallet Wallet
}

func (cc *CurrencyChain) persistLocked(w Wallet) error {
	cc.height++
	entry := currencyWALEntry{Height: cc.height, Owner: w.Owner, Wallet: w}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if _, err := cc.walFile.Write(append(data, '\n')); err != nil {
		return err
	}
	return cc.walFile.Sync()
}

func (cc *CurrencyChain) walletOrZero(id IdentityID) Wallet {
	if w, ok := cc.wallets[id]; ok {
		return w
	}
	return Wallet{Owner: id}
}

// Transfer moves amount from one wallet to another. Invariant: balance
// never goes negative; a wallet's staked amount is not spendable.
func (cc *CurrencyChain) Transfer(from, to IdentityID, amount uint64) error {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	src := cc.walletOrZero(from)
	if src.Balance < amount {
		return fmt.Errorf("insufficient balance")
	}
	dst := cc.walletOrZero(to)
	src.Balance -= amount
	dst.Balance += amount
	if err := cc.persistLocked(src); err != nil {
		return err
	}
	if err := cc.persistLocked(dst); err != nil {
		return err
	}
	cc.wallets[from] = src
	cc.wallets[to] = dst
	return nil
}

// Stake moves amount from balance to staked, locked until lockUntilHeight.
func (cc *CurrencyChain) Stake(owner IdentityID, amount uint64, lockUntilHeight uint64) error {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	w := cc.walletOrZero(owner)
	if w.Balance < amount {
		return fmt.Errorf("insufficient balance to stake")
	}
	w.Balance -= amount
	w.Staked += amount
	if lockUntilHeight > w.LockedUntil {
		w.LockedUntil = lockUntilHeight
	}
	if err := cc.persistLocked(w); err != nil {
		return err
	}
	cc.wallets[owner] = w
	return nil
}

// Unstake returns staked funds to the spendable balance once the lock has
// elapsed, returning the amount released.
func (cc *CurrencyChain) Unstake(owner IdentityID, atHeight uint64) (uint64, error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	w := cc.walletOrZero(owner)
	if atHeight < w.LockedUntil {
		return 0, fmt.Errorf("stake still locked until height %d", w.LockedUntil)
	}
	released := w.Staked
	w.Staked = 0
	w.Balance += released
	if err := cc.persistLocked(w); err != nil {
		return 0, err
	}
	cc.wallets[owner] = w
	return released, nil
}

// Credit adds amount to a wallet's spendable balance (block rewards,
// relay proof-of-delivery payouts, guardian-recovery refunds).
func (cc *CurrencyChain) Credit(to IdentityID, amount uint64) error {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	w := cc.walletOrZero(to)
	w.Balance += amount
	if err := cc.persistLocked(w); err != nil {
		return err
	}
	cc.wallets[to] = w
	return nil
}

func (cc *CurrencyChain) WalletOf(owner IdentityID) (Wallet, bool) {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	w, ok := cc.wallets[owner]
	return w, ok
}

func (cc *CurrencyChain) Height() uint64 {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return cc.height
}

func (cc *CurrencyChain) Close() error {
	if cc == nil || cc.walFile == nil {
		return nil
	}
	return cc.walFile.Close()
}
