package core

// Cross-Ledger Coordinator (C7). Binds one chat-ledger event to one
// currency-ledger event atomically via prepare/observe/commit/abort (§4.7).
// The coordinator depends only on the two narrow capability interfaces
// (ChatLedger, CurrencyLedger); it never reaches into either ledger's
// internals.

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	DefaultConfirmationDepth = 6
	DefaultCrossTimeout      = 120 * time.Second
)

// CrossTxState is the coordinator's view of one cross-transaction's
// progress through the protocol.
type CrossTxState uint8

const (
	CrossPending CrossTxState = iota
	CrossCommitted
	CrossAborted
	CrossIrrecoverable
)

// CrossTx records both halves of one atomic binding.
type CrossTx struct {
	ID            string
	ChatAnchor    *AnchorRecord
	CurrencyDebit *currencyLeg
	State         CrossTxState
	PreparedAt    time.Time
	FinalizedAt   time.Time
}

type currencyLeg struct {
	from, to IdentityID
	amount   uint64
	applied  bool
}

// Coordinator drives the prepare/observe/commit/abort protocol (§4.7). A
// small in-memory finalize log backs "committed iff the finalize record
// exists AND both underlying events are visible" (§4.7 step 3); a real
// deployment persists this log the same way the ledgers persist their WAL.
type Coordinator struct {
	mu    sync.Mutex
	chat  ChatLedger
	cur   CurrencyLedger
	ops   *OperatorQueue
	txs   map[string]*CrossTx
	depth int
	timeout time.Duration
}

func NewCoordinator(chat ChatLedger, cur CurrencyLedger, ops *OperatorQueue) *Coordinator {
	return &Coordinator{
		chat:    chat,
		cur:     cur,
		ops:     ops,
		txs:     make(map[string]*CrossTx),
		depth:   DefaultConfirmationDepth,
		timeout: DefaultCrossTimeout,
	}
}

// Begin prepares both halves of a cross-transaction: the currency transfer
// and the chat anchor, tagged with a shared cross-transaction id (§4.7
// step 1). The currency leg is submitted first because it is the side that
// can synchronously reject (e.g. insufficient balance, scenario 6); the
// chat anchor — which, once written, cannot be un-anchored — is submitted
// only once the currency leg has succeeded, so a currency-prepare failure
// never leaves a dangling, untracked chat anchor. If the chat leg then
// fails, the already-applied currency leg is reversed before returning, so
// a failed Begin always leaves neither event having taken effect.
func (c *Coordinator) Begin(idHash [32]byte, sender DeviceID, nullifier [32]byte, from, to IdentityID, amount uint64) (*CrossTx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := uuid.NewString()
	tx := &CrossTx{ID: id, State: CrossPending, PreparedAt: time.Now(), CurrencyDebit: &currencyLeg{from: from, to: to, amount: amount}}

	if err := c.cur.Transfer(from, to, amount); err != nil {
		return nil, fmt.Errorf("%w: currency submission: %v", ErrCrossPrepareFailed, err)
	}
	tx.CurrencyDebit.applied = true

	anchor, err := c.chat.SubmitAnchor(idHash, sender, nullifier)
	if err != nil && err != ErrDuplicateNullifier {
		if revErr := c.cur.Transfer(to, from, amount); revErr != nil {
			tx.State = CrossIrrecoverable
			c.ops.Push(FatalEvent{CrossTxID: tx.ID, Reason: ErrCrossAbortFatal, Detail: fmt.Sprintf("currency applied but chat submission failed and refund failed: %v", revErr)})
			return nil, fmt.Errorf("%w: chat submission: %v (refund also failed: %v)", ErrCrossAbortFatal, err, revErr)
		}
		tx.CurrencyDebit.applied = false
		return nil, fmt.Errorf("%w: chat submission: %v", ErrCrossPrepareFailed, err)
	}
	tx.ChatAnchor = &anchor

	c.txs[id] = tx
	return tx, nil
}

// Observe checks both legs for finality (>= k confirmations, §4.7 step 2).
// chatDepth/curDepth are the caller's confirmation counts for each leg,
// since depth is a function of current chain height minus anchor height
// that only the caller (holding both ledger handles) can compute cheaply.
func (c *Coordinator) Observe(id string, chatDepth, curDepth uint64) (CrossTxState, error) {
	c.mu.Lock()
	tx, ok := c.txs[id]
	c.mu.Unlock()
	if !ok {
		return 0, ErrUnknownCrossTx
	}

	chatFinal := chatDepth >= uint64(c.depth)
	curFinal := curDepth >= uint64(c.depth)

	switch {
	case chatFinal && curFinal:
		return c.commit(tx)
	case time.Since(tx.PreparedAt) >= c.timeout:
		return c.abort(tx, chatFinal, curFinal)
	default:
		return CrossPending, nil
	}
}

// commit writes the finalize record once both legs are visible (§4.7 step 3).
func (c *Coordinator) commit(tx *CrossTx) (CrossTxState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx.State = CrossCommitted
	tx.FinalizedAt = time.Now()
	logrus.WithField("cross_tx", tx.ID).Info("cross-transaction committed")
	return CrossCommitted, nil
}

// abort reverses the finalized side if exactly one side finalized and the
// other never will (§4.7 step 4). If one side finalized and cannot be
// refunded, this is CROSS_ABORT_IRRECOVERABLE — fatal, logged to the
// operator queue, and never expected under correct ledger behavior (P6).
func (c *Coordinator) abort(tx *CrossTx, chatFinal, curFinal bool) (CrossTxState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case !chatFinal && !curFinal:
		tx.State = CrossAborted
		return CrossAborted, ErrCrossTimeout

	case curFinal && !chatFinal:
		if tx.CurrencyDebit.applied {
			if err := c.cur.Transfer(tx.CurrencyDebit.to, tx.CurrencyDebit.from, tx.CurrencyDebit.amount); err != nil {
				tx.State = CrossIrrecoverable
				c.ops.Push(FatalEvent{CrossTxID: tx.ID, Reason: ErrCrossAbortFatal, Detail: fmt.Sprintf("currency finalized but refund failed: %v", err)})
				return CrossIrrecoverable, ErrCrossAbortFatal
			}
		}
		tx.State = CrossAborted
		return CrossAborted, ErrCrossTimeout

	default: // chatFinal && !curFinal — a chat anchor cannot be un-anchored
		tx.State = CrossIrrecoverable
		c.ops.Push(FatalEvent{CrossTxID: tx.ID, Reason: ErrCrossAbortFatal, Detail: "chat anchor finalized but currency leg never will; chat events cannot be reversed"})
		return CrossIrrecoverable, ErrCrossAbortFatal
	}
}

// Status returns the coordinator's current view of a cross-transaction.
func (c *Coordinator) Status(id string) (CrossTxState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.txs[id]
	if !ok {
		return 0, false
	}
	return tx.State, true
}
