package core

import (
	"container/heap"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

var reorderLog logrus.FieldLogger = logrus.StandardLogger()

func SetReorderLogger(l logrus.FieldLogger) { reorderLog = l }

// Defaults from §4.3 / §6.
const (
	DefaultReorderWindowDepth   = 256
	DefaultReorderWindowSeconds = 30 * time.Second
)

// Delivered is one plaintext released to the application in order.
type Delivered struct {
	Anchor    AnchorRecord
	Plaintext []byte
}

// pending is one buffered-but-not-yet-released envelope.
type pending struct {
	anchor    AnchorRecord
	plaintext []byte
}

// pendingHeap orders buffered envelopes by (height, intra-block index).
type pendingHeap []pending

func (h pendingHeap) Len() int            { return len(h) }
func (h pendingHeap) Less(i, j int) bool  { return h[i].anchor.Less(h[j].anchor) }
func (h pendingHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap) Push(x interface{}) { *h = append(*h, x.(pending)) }
func (h *pendingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// SenderBuffer is the per-sender receive-side reorder buffer of §4.3. It
// is owned by exactly one receiver task per sender (§5 shared-resource
// policy); callers interact with it only through Post/Drain.
type SenderBuffer struct {
	mu           sync.Mutex
	heap         pendingHeap
	nextExpected uint64 // next (height<<32|intraIndex) expected, monotonic per sender
	depth        int
	wait         time.Duration
	oldestPostAt time.Time
	onGapTimeout func(missing AnchorRecord)
}

func NewSenderBuffer(depth int, wait time.Duration, onGapTimeout func(AnchorRecord)) *SenderBuffer {
	if depth <= 0 {
		depth = DefaultReorderWindowDepth
	}
	if wait <= 0 {
		wait = DefaultReorderWindowSeconds
	}
	b := &SenderBuffer{depth: depth, wait: wait, onGapTimeout: onGapTimeout}
	heap.Init(&b.heap)
	return b
}

func orderKey(a AnchorRecord) uint64 {
	return a.Height<<32 | uint64(a.IntraBlockIndex)
}

// Post buffers one decrypted envelope. It returns any envelopes that can
// now be released in strictly increasing order (P2), and an error if the
// buffer's max depth D is exceeded.
func (b *SenderBuffer) Post(anchor AnchorRecord, plaintext []byte) ([]Delivered, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.heap) >= b.depth {
		return nil, ErrRejectedFull
	}
	if len(b.heap) == 0 {
		b.oldestPostAt = time.Now()
	}
	heap.Push(&b.heap, pending{anchor: anchor, plaintext: plaintext})

	return b.drainLocked()
}

// drainLocked releases envelopes from the head of the heap while they are
// contiguous with nextExpected. The very first envelope a sender-buffer
// ever sees establishes nextExpected rather than requiring height 0.
func (b *SenderBuffer) drainLocked() ([]Delivered, error) {
	var out []Delivered
	for len(b.heap) > 0 {
		top := b.heap[0]
		key := orderKey(top.anchor)
		if b.nextExpected == 0 || key == b.nextExpected {
			heap.Pop(&b.heap)
			out = append(out, Delivered{Anchor: top.anchor, Plaintext: top.plaintext})
			b.nextExpected = key + 1
			continue
		}
		break
	}
	if len(b.heap) == 0 {
		b.oldestPostAt = time.Time{}
	} else if len(out) > 0 {
		// A new head gap starts waiting now; a post that releases nothing
		// leaves the current gap's wait time running.
		b.oldestPostAt = time.Now()
	}
	return out, nil
}

// CheckGapTimeout advances past a gap that has waited longer than W,
// emitting GAP_TIMEOUT and recording the missing index for later
// reconciliation (§4.3). Callers invoke this from a periodic sweep.
func (b *SenderBuffer) CheckGapTimeout(now time.Time) []Delivered {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.heap) == 0 || b.oldestPostAt.IsZero() {
		return nil
	}
	if now.Sub(b.oldestPostAt) < b.wait {
		return nil
	}
	top := b.heap[0]
	missing := AnchorRecord{
		Height:          b.nextExpected >> 32,
		IntraBlockIndex: uint32(b.nextExpected),
	}
	if b.onGapTimeout != nil {
		b.onGapTimeout(missing)
	}
	reorderLog.WithFields(logrus.Fields{
		"height": missing.Height,
		"index":  missing.IntraBlockIndex,
	}).Warn("GAP_TIMEOUT: advancing reorder buffer past missing envelope")

	b.nextExpected = orderKey(top.anchor)
	out, _ := b.drainLocked()
	return out
}

// ReorderManager owns one SenderBuffer per sender device, evicting the
// least-recently-used sender's buffer when the configured cache of
// concurrently-tracked senders is exceeded (distinct from the 256-entry
// per-sender depth knob; §9 Open Questions notes these two size limits
// are independently configurable and their relation is not asserted).
type ReorderManager struct {
	cache *lru.Cache[DeviceID, *SenderBuffer]
	depth int
	wait  time.Duration
}

// NewReorderManager bounds the number of sender buffers tracked
// simultaneously (maxSenderCache), independent of each buffer's own depth.
func NewReorderManager(maxSenderCache, depth int, wait time.Duration) (*ReorderManager, error) {
	c, err := lru.New[DeviceID, *SenderBuffer](maxSenderCache)
	if err != nil {
		return nil, err
	}
	return &ReorderManager{cache: c, depth: depth, wait: wait}, nil
}

func (m *ReorderManager) bufferFor(sender DeviceID, onGapTimeout func(AnchorRecord)) *SenderBuffer {
	if b, ok := m.cache.Get(sender); ok {
		return b
	}
	b := NewSenderBuffer(m.depth, m.wait, onGapTimeout)
	m.cache.Add(sender, b)
	return b
}

// Post routes a decrypted envelope to its sender's buffer.
func (m *ReorderManager) Post(sender DeviceID, anchor AnchorRecord, plaintext []byte, onGapTimeout func(AnchorRecord)) ([]Delivered, error) {
	return m.bufferFor(sender, onGapTimeout).Post(anchor, plaintext)
}

// Sweep runs the gap-timeout check for every currently tracked sender.
func (m *ReorderManager) Sweep(now time.Time) map[DeviceID][]Delivered {
	out := make(map[DeviceID][]Delivered)
	for _, sender := range m.cache.Keys() {
		b, ok := m.cache.Get(sender)
		if !ok {
			continue
		}
		if delivered := b.CheckGapTimeout(now); len(delivered) > 0 {
			out[sender] = delivered
		}
	}
	return out
}
