package core

// Relay Queue (C4). A relay accepts envelopes for recipients it does not
// own and holds them until delivery or TTL. Queue management is a
// priority-class multi-level queue with weighted fair dequeue; eviction
// drops the tail of the lowest-weight class first, `system` is never
// evicted (§4.4).

import (
	"container/list"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultRelayCapacity   = 4096
	DefaultMaxRetention    = 24 * time.Hour
	DefaultTTLSweepPeriod  = time.Minute
	RateLimitStrikeWindow  = 60 * time.Second
	RateLimitStrikesToDing = 3
)

// Receipt is the signed acceptance receipt of §4.4.
type Receipt struct {
	EnvelopeID      EnvelopeID
	RecipientHint   [32]byte
	AcceptedAt      time.Time
	PriceCommitment uint64
	RelaySig        []byte
}

// ProofOfDeliveryClaim is what the relay submits to the ordering engine
// via C7 to be paid from the currency ledger (§4.4).
type ProofOfDeliveryClaim struct {
	EnvelopeIDHash    [32]byte
	AcceptReceipt     Receipt
	RecipientReceipt  []byte
	DeliveredAt       time.Time
}

type queuedEnvelope struct {
	env           *Envelope
	recipientHint [32]byte
	receipt       Receipt
	expiresAt     time.Time
	sender        IdentityID
}

// RelayQueue holds accepted-but-undelivered envelopes, one FIFO list per
// priority class, dequeued by weighted fair scheduling.
type RelayQueue struct {
	mu           sync.Mutex
	classes      map[Priority]*list.List
	byEnvelopeID map[EnvelopeID]*list.Element
	classOf      map[EnvelopeID]Priority
	size         int
	capacity     int
	maxRetention time.Duration
	priceBase    uint64

	governor   *Governor
	repFloor   float64
	strikes    map[IdentityID][]time.Time

	credits map[Priority]int
}

func NewRelayQueue(capacity int, maxRetention time.Duration, priceBase uint64, governor *Governor, reputationFloor float64) *RelayQueue {
	if capacity <= 0 {
		capacity = DefaultRelayCapacity
	}
	if maxRetention <= 0 {
		maxRetention = DefaultMaxRetention
	}
	q := &RelayQueue{
		classes:      make(map[Priority]*list.List),
		byEnvelopeID: make(map[EnvelopeID]*list.Element),
		classOf:      make(map[EnvelopeID]Priority),
		capacity:     capacity,
		maxRetention: maxRetention,
		priceBase:    priceBase,
		governor:     governor,
		repFloor:     reputationFloor,
		strikes:      make(map[IdentityID]([]time.Time)),
		credits:      make(map[Priority]int),
	}
	for p := range DefaultClassWeights {
		q.classes[p] = list.New()
	}
	return q
}

// Accept admits an envelope into the queue (§4.4). Rejects with
// REJECTED_INELIGIBLE (reputation floor, quota, TTL), REJECTED_FULL
// (capacity, system class protected from eviction), or
// REJECTED_RATELIMITED (sender token bucket exhausted).
func (q *RelayQueue) Accept(env *Envelope, recipientHint [32]byte, sender IdentityID, senderDevice DeviceID, ttl time.Duration) (*Receipt, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if ttl > q.maxRetention {
		return nil, ErrRejectedIneligible
	}
	if q.governor != nil {
		if q.governor.Score(sender) < q.repFloor {
			return nil, ErrRejectedIneligible
		}
		if !q.governor.Allow(sender, DirectionInbound, 1) {
			q.recordStrikeLocked(sender)
			return nil, ErrRejectedRateLimited
		}
	}

	if q.size >= q.capacity {
		if !q.evictForLocked(env.Priority) {
			return nil, ErrRejectedFull
		}
	}

	now := time.Now()
	receipt := Receipt{
		EnvelopeID:      env.ID,
		RecipientHint:   recipientHint,
		AcceptedAt:      now,
		PriceCommitment: q.priceBase * uint64(env.SizeClass.Bytes()) / 256,
	}
	qe := &queuedEnvelope{env: env, recipientHint: recipientHint, receipt: receipt, expiresAt: now.Add(ttl), sender: sender}

	l := q.classes[env.Priority]
	if l == nil {
		l = list.New()
		q.classes[env.Priority] = l
	}
	elem := l.PushBack(qe)
	q.byEnvelopeID[env.ID] = elem
	q.classOf[env.ID] = env.Priority
	q.size++
	return &receipt, nil
}

// evictForLocked drops the tail of the lowest-weight non-system class to
// make room, returning false if only system envelopes remain (in which
// case accepting a system envelope would itself require evicting a system
// envelope, which is forbidden — §4.4).
func (q *RelayQueue) evictForLocked(incoming Priority) bool {
	order := []Priority{PriorityBulk, PriorityChannel, PriorityDirect}
	for _, p := range order {
		l := q.classes[p]
		if l == nil || l.Len() == 0 {
			continue
		}
		back := l.Back()
		qe := back.Value.(*queuedEnvelope)
		l.Remove(back)
		delete(q.byEnvelopeID, qe.env.ID)
		delete(q.classOf, qe.env.ID)
		q.size--
		logrus.WithField("envelope", qe.env.ID).Debug("relay queue evicted lowest-weight tail entry")
		return true
	}
	if incoming == PrioritySystem {
		return false
	}
	return false
}

func (q *RelayQueue) recordStrikeLocked(sender IdentityID) {
	now := time.Now()
	strikes := q.strikes[sender]
	cutoff := now.Add(-RateLimitStrikeWindow)
	fresh := strikes[:0]
	for _, t := range strikes {
		if t.After(cutoff) {
			fresh = append(fresh, t)
		}
	}
	fresh = append(fresh, now)
	q.strikes[sender] = fresh
	if len(fresh) >= RateLimitStrikesToDing && q.governor != nil {
		q.governor.ReportRateLimitViolation(sender, 0)
		q.strikes[sender] = nil
	}
}

// Poll returns every undelivered envelope addressed to recipientHint, the
// caller having already verified the freshness-challenge proof of
// ownership (§4.4) before calling.
func (q *RelayQueue) Poll(recipientHint [32]byte) []*Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Envelope
	for _, l := range q.classes {
		for e := l.Front(); e != nil; e = e.Next() {
			qe := e.Value.(*queuedEnvelope)
			if qe.recipientHint == recipientHint {
				out = append(out, qe.env)
			}
		}
	}
	return out
}

// Confirm records delivery, removes the envelope from the queue, and
// composes the proof-of-delivery claim for submission via C7 (§4.4).
func (q *RelayQueue) Confirm(envelopeID EnvelopeID, recipientReceipt []byte) (*ProofOfDeliveryClaim, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	elem, ok := q.byEnvelopeID[envelopeID]
	if !ok {
		return nil, ErrPODInvalid
	}
	qe := elem.Value.(*queuedEnvelope)
	class := q.classOf[envelopeID]
	q.classes[class].Remove(elem)
	delete(q.byEnvelopeID, envelopeID)
	delete(q.classOf, envelopeID)
	q.size--

	if q.governor != nil {
		q.governor.ReportDelivery(qe.sender, 0)
	}

	return &ProofOfDeliveryClaim{
		EnvelopeIDHash:   EnvelopeIDHash(envelopeID),
		AcceptReceipt:    qe.receipt,
		RecipientReceipt: recipientReceipt,
		DeliveredAt:      time.Now(),
	}, nil
}

// SweepExpired removes envelopes past their TTL, called on an idle-time
// timer (worst-case delay TTL + 1 minute, §4.4).
func (q *RelayQueue) SweepExpired(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := 0
	for _, l := range q.classes {
		var next *list.Element
		for e := l.Front(); e != nil; e = next {
			next = e.Next()
			qe := e.Value.(*queuedEnvelope)
			if now.After(qe.expiresAt) {
				l.Remove(e)
				delete(q.byEnvelopeID, qe.env.ID)
				delete(q.classOf, qe.env.ID)
				q.size--
				removed++
			}
		}
	}
	return removed
}

// Dequeue selects the next envelope to forward using weighted fair
// scheduling across priority classes (§4.4's class weights), consuming one
// credit from the selected class and refilling all classes' credits once
// no non-empty class has credits left (deficit round robin).
func (q *RelayQueue) Dequeue() *Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()

	order := []Priority{PrioritySystem, PriorityDirect, PriorityChannel, PriorityBulk}
	anyCredits := false
	for _, p := range order {
		if q.credits[p] > 0 && q.classes[p].Len() > 0 {
			anyCredits = true
		}
	}
	if !anyCredits {
		for p, w := range DefaultClassWeights {
			q.credits[p] = w
		}
	}
	for _, p := range order {
		l := q.classes[p]
		if l == nil || l.Len() == 0 {
			continue
		}
		if q.credits[p] <= 0 {
			continue
		}
		front := l.Front()
		qe := front.Value.(*queuedEnvelope)
		l.Remove(front)
		delete(q.byEnvelopeID, qe.env.ID)
		delete(q.classOf, qe.env.ID)
		q.size--
		q.credits[p]--
		return qe.env
	}
	return nil
}

func (q *RelayQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}
