package core

// Channel membership and access-policy lifecycle (§3, §4.3). Crypto for
// channel posts (sender-keys rekeying and post encrypt/decrypt) lives in
// channel_crypto.go; this file owns the channel's membership set and
// triggers a rekey whenever that set changes.

import (
	"fmt"
	"sync"
)

// ChannelRegistry owns every locally known channel's membership and keys.
type ChannelRegistry struct {
	mu       sync.RWMutex
	channels map[string]*Channel
	keys     map[string]*ChannelKeyState
	members  map[string]map[IdentityID]bool
}

func NewChannelRegistry() *ChannelRegistry {
	return &ChannelRegistry{
		channels: make(map[string]*Channel),
		keys:     make(map[string]*ChannelKeyState),
		members:  make(map[string]map[IdentityID]bool),
	}
}

// Create registers a new channel with its initial member set and sender
// key, effective from creationHeight.
func (r *ChannelRegistry) Create(ch Channel, initialMembers []IdentityID, initialKey [32]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch.RemovedAtHeights = make(map[IdentityID]uint64)
	r.channels[ch.ID] = &ch
	r.keys[ch.ID] = NewChannelKeyState(initialKey, ch.CreationHeight)
	set := make(map[IdentityID]bool, len(initialMembers))
	for _, m := range initialMembers {
		set[m] = true
	}
	r.members[ch.ID] = set
}

// AddMember admits a new member and rekeys the channel at the event's
// anchor height, so the new member's future posts use a key distributed
// only after their admission.
func (r *ChannelRegistry) AddMember(channelID string, member IdentityID, newKey [32]byte, atHeight uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.members[channelID]
	if !ok {
		return fmt.Errorf("unknown channel %s", channelID)
	}
	set[member] = true
	ks, ok := r.keys[channelID]
	if !ok {
		return fmt.Errorf("channel %s has no key state", channelID)
	}
	ks.Rekey(newKey, atHeight)
	r.channels[channelID].LastRekeyHeight = atHeight
	return nil
}

// RemoveMember evicts a member and rekeys immediately, so posts anchored
// at or after atHeight are unreadable to the removed member (§4.3
// invariant) — the removed member retains the pre-removal key history but
// KeyForHeight on the new side never resolves to it for later heights.
func (r *ChannelRegistry) RemoveMember(channelID string, member IdentityID, newKey [32]byte, atHeight uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.members[channelID]
	if !ok {
		return fmt.Errorf("unknown channel %s", channelID)
	}
	delete(set, member)
	ch := r.channels[channelID]
	ch.RemovedAtHeights[member] = atHeight
	ks, ok := r.keys[channelID]
	if !ok {
		return fmt.Errorf("channel %s has no key state", channelID)
	}
	ks.Rekey(newKey, atHeight)
	ch.LastRekeyHeight = atHeight
	return nil
}

// IsMember reports whether an identity currently belongs to a channel.
func (r *ChannelRegistry) IsMember(channelID string, id IdentityID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.members[channelID][id]
}

// KeyState returns the channel's key state for post encrypt/decrypt.
func (r *ChannelRegistry) KeyState(channelID string) (*ChannelKeyState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ks, ok := r.keys[channelID]
	return ks, ok
}

// EvaluateAdmission re-evaluates a channel's access policy against the
// caller's on-chain state at the message's block height, per §3's
// "admission is time-stamped, not static" invariant.
func (r *ChannelRegistry) EvaluateAdmission(channelID string, caller IdentityID, state OnChainState, atHeight uint64) bool {
	r.mu.RLock()
	ch, ok := r.channels[channelID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return EvaluateAccess(ch.Policy, caller, state, atHeight)
}
