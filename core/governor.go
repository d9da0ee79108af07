package core

// Rate & Reputation Governor (C8). Per (direction, peer) token bucket whose
// capacity and refill rate scale with the peer's locally observed
// reputation score (§4.8). Reputation is computed independently by every
// peer from its own view of on-ledger events; it is never gossiped as a
// consensus value.

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Direction distinguishes inbound vs outbound token buckets for a peer —
// a sender's outbound quota is governed separately from what a relay
// admits from that sender inbound.
type RateDirection uint8

const (
	DirectionInbound RateDirection = iota
	DirectionOutbound
)

const (
	DefaultBucketCapacityBase = 64.0
	DefaultRefillBaseRPS      = 8.0

	ReputationDeliveryBonus      = 0.1
	ReputationRateLimitPenalty   = 1.0
	ReputationModerationPenalty  = 5.0
)

type bucketKey struct {
	peer IdentityID
	dir  RateDirection
}

// Governor owns every peer's reputation record and token bucket, and
// applies the scaling formula of §4.8 whenever a bucket is (re)created or
// a reputation update requires it to be resized.
type Governor struct {
	mu           sync.Mutex
	reputation   map[IdentityID]*ReputationRecord
	buckets      map[bucketKey]*rate.Limiter
	capacityBase float64
	refillBase   float64
}

func NewGovernor(capacityBase, refillBase float64) *Governor {
	if capacityBase <= 0 {
		capacityBase = DefaultBucketCapacityBase
	}
	if refillBase <= 0 {
		refillBase = DefaultRefillBaseRPS
	}
	return &Governor{
		reputation:   make(map[IdentityID]*ReputationRecord),
		buckets:      make(map[bucketKey]*rate.Limiter),
		capacityBase: capacityBase,
		refillBase:   refillBase,
	}
}

func (g *Governor) recordFor(peer IdentityID) *ReputationRecord {
	r, ok := g.reputation[peer]
	if !ok {
		r = &ReputationRecord{Score: ReputationNeutral, LastDecayAt: time.Now()}
		g.reputation[peer] = r
	}
	return r
}

// scale implements capacity = capacity_base * (0.5 + r/100), likewise for
// refill rate (§4.8).
func scale(base, score float64) float64 {
	return base * (0.5 + score/100)
}

func (g *Governor) bucketFor(peer IdentityID, dir RateDirection, score float64) *rate.Limiter {
	key := bucketKey{peer: peer, dir: dir}
	if b, ok := g.buckets[key]; ok {
		return b
	}
	capacity := scale(g.capacityBase, score)
	refill := scale(g.refillBase, score)
	b := rate.NewLimiter(rate.Limit(refill), int(capacity))
	g.buckets[key] = b
	return b
}

// resizeLocked recreates a peer's buckets after a reputation change so the
// new capacity/refill take effect immediately rather than waiting for
// natural token-bucket churn.
func (g *Governor) resizeLocked(peer IdentityID, score float64) {
	for _, dir := range []RateDirection{DirectionInbound, DirectionOutbound} {
		key := bucketKey{peer: peer, dir: dir}
		capacity := scale(g.capacityBase, score)
		refill := scale(g.refillBase, score)
		g.buckets[key] = rate.NewLimiter(rate.Limit(refill), int(capacity))
	}
}

// Allow consumes n tokens from a peer's bucket for the given direction,
// applying pending reputation decay first (see decayLocked).
func (g *Governor) Allow(peer IdentityID, dir RateDirection, n int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.decayLocked(peer, time.Now())
	rec := g.recordFor(peer)
	b := g.bucketFor(peer, dir, rec.Score)
	return b.AllowN(time.Now(), n)
}

// ReportDelivery applies the +0.1-per-confirmed-delivery bonus, capped at
// 100 (§4.8).
func (g *Governor) ReportDelivery(peer IdentityID, atHeight uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec := g.recordFor(peer)
	rec.Score += ReputationDeliveryBonus
	if rec.Score > ReputationCeiling {
		rec.Score = ReputationCeiling
	}
	rec.InteractionCount++
	rec.LastUpdatedAt = atHeight
	g.resizeLocked(peer, rec.Score)
}

// ReportRateLimitViolation applies the -1.0 penalty (§4.8). Three such
// violations within 60s trigger this same penalty from the relay's C4
// admission path (§4.4); this governor only applies the arithmetic, the
// 60s-window tracking lives at the relay.
func (g *Governor) ReportRateLimitViolation(peer IdentityID, atHeight uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec := g.recordFor(peer)
	rec.Score -= ReputationRateLimitPenalty
	if rec.Score < ReputationFloor {
		rec.Score = ReputationFloor
	}
	rec.LastUpdatedAt = atHeight
	g.resizeLocked(peer, rec.Score)
}

// ReportModerationAction applies the -5.0 penalty, anchored at the
// moderation action's own height rather than the time it is locally
// observed (§4.8).
func (g *Governor) ReportModerationAction(peer IdentityID, atHeight uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec := g.recordFor(peer)
	rec.Score -= ReputationModerationPenalty
	if rec.Score < ReputationFloor {
		rec.Score = ReputationFloor
	}
	rec.LastUpdatedAt = atHeight
	g.resizeLocked(peer, rec.Score)
}

// decayLocked applies exponential decay toward 50 with a 30-day half-life
// (the distance from 50 halves every 30 days; the decay is not linear),
// evaluated lazily on each access rather than via a background timer per
// peer.
func (g *Governor) decayLocked(peer IdentityID, now time.Time) {
	rec, ok := g.reputation[peer]
	if !ok {
		return
	}
	elapsed := now.Sub(rec.LastDecayAt)
	if elapsed <= 0 {
		return
	}
	halfLives := float64(elapsed) / float64(ReputationHalfLife)
	decayFactor := math.Pow(0.5, halfLives)
	rec.Score = ReputationNeutral + (rec.Score-ReputationNeutral)*decayFactor
	rec.LastDecayAt = now
}

// Score applies any pending decay to a peer's record (updating its stored
// score and decay timestamp, and creating a neutral record for a
// never-seen peer) and returns the resulting reputation, used by relays to
// evaluate admission eligibility floors (§4.4).
func (g *Governor) Score(peer IdentityID) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.decayLocked(peer, time.Now())
	return g.recordFor(peer).Score
}
