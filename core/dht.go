package core

// Discovery (§4.5): an XOR-metric distributed hash table over 256-bit peer
// identifiers, seeded by a configurable bootstrap list, with periodic
// refresh of k buckets (default every 15 min, k = 20).

import (
	"math/big"
	"sort"
	"sync"
	"time"
)

const (
	DefaultKBucketSize   = 20
	DefaultRefreshPeriod = 15 * time.Minute
	dhtIDBits            = 256
)

// DHTRecord is what the overlay publishes about itself: its dial-ability
// and a best-effort network-origin prefix used by the eclipse-resistance
// diversity constraint (§4.5).
type DHTRecord struct {
	PeerID       DeviceID
	Addrs        []string
	DialAble     bool
	OriginPrefix string
	LastSeen     time.Time
}

// DHT implements a Kademlia-style XOR-metric routing table over 256-bit
// peer identifiers, with k-bucket refresh driven by the overlay's periodic
// sweep.
type DHT struct {
	mu      sync.RWMutex
	self    DeviceID
	buckets [dhtIDBits][]DHTRecord
	k       int
}

func NewDHT(self DeviceID, k int) *DHT {
	if k <= 0 {
		k = DefaultKBucketSize
	}
	return &DHT{self: self, k: k}
}

func xorDistance(a, b DeviceID) *big.Int {
	var diff [32]byte
	for i := range diff {
		diff[i] = a[i] ^ b[i]
	}
	return new(big.Int).SetBytes(diff[:])
}

func bucketIndex(dist *big.Int) int {
	if dist.Sign() == 0 {
		return dhtIDBits - 1
	}
	return dhtIDBits - dist.BitLen()
}

// Add inserts or refreshes a peer record in its bucket, evicting the
// least-recently-seen entry once a bucket exceeds k members.
func (d *DHT) Add(rec DHTRecord) {
	if rec.PeerID == d.self {
		return
	}
	idx := bucketIndex(xorDistance(d.self, rec.PeerID))
	d.mu.Lock()
	defer d.mu.Unlock()
	bucket := d.buckets[idx]
	for i, existing := range bucket {
		if existing.PeerID == rec.PeerID {
			bucket[i] = rec
			return
		}
	}
	if len(bucket) >= d.k {
		oldest := 0
		for i, existing := range bucket {
			if existing.LastSeen.Before(bucket[oldest].LastSeen) {
				oldest = i
			}
		}
		bucket[oldest] = rec
		return
	}
	d.buckets[idx] = append(bucket, rec)
}

// Nearest returns up to count records closest to target by XOR distance.
func (d *DHT) Nearest(target DeviceID, count int) []DHTRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var all []DHTRecord
	for _, b := range d.buckets {
		all = append(all, b...)
	}
	sort.Slice(all, func(i, j int) bool {
		return xorDistance(all[i].PeerID, target).Cmp(xorDistance(all[j].PeerID, target)) < 0
	})
	if len(all) > count {
		all = all[:count]
	}
	return all
}

// RefreshDue reports which buckets have gone stale enough to need a
// lookup, per the 15-minute default refresh (§4.5).
func (d *DHT) RefreshDue(now time.Time, period time.Duration) []int {
	if period <= 0 {
		period = DefaultRefreshPeriod
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	var due []int
	for i, b := range d.buckets {
		if len(b) == 0 {
			continue
		}
		newest := b[0].LastSeen
		for _, r := range b {
			if r.LastSeen.After(newest) {
				newest = r.LastSeen
			}
		}
		if now.Sub(newest) >= period {
			due = append(due, i)
		}
	}
	return due
}

// AllDialable returns every record currently marked dial-able, a source
// set for bootstrap responses and NAT-traversal relay candidate selection.
func (d *DHT) AllDialable() []DHTRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []DHTRecord
	for _, b := range d.buckets {
		for _, r := range b {
			if r.DialAble {
				out = append(out, r)
			}
		}
	}
	return out
}
