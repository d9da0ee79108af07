package core

import (
	"errors"
	"sync"
)

// ChannelKeyState tracks the current sender-keys channel key and its
// rekey history (§4.3). Channel posts are encrypted once with the
// current channel key; the channel key itself is re-keyed via pairwise
// sessions whenever membership changes, so a removed member cannot
// decrypt posts anchored at or after the removal height.
type ChannelKeyState struct {
	mu       sync.RWMutex
	current  [32]byte
	epoch    uint32
	byHeight []epochKey // history needed to decrypt posts anchored before a later rekey
}

type epochKey struct {
	fromHeight uint64
	key        [32]byte
	epoch      uint32
}

// NewChannelKeyState seeds the channel with its initial sender key,
// effective from the channel's creation height.
func NewChannelKeyState(initial [32]byte, creationHeight uint64) *ChannelKeyState {
	return &ChannelKeyState{
		current:  initial,
		byHeight: []epochKey{{fromHeight: creationHeight, key: initial, epoch: 0}},
	}
}

// Rekey installs a new channel key effective from fromHeight (the
// membership-change event's anchor height). Distribution of the new key
// to remaining members over pairwise sessions is the caller's
// responsibility; this only manages the local key history.
func (c *ChannelKeyState) Rekey(newKey [32]byte, fromHeight uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.current = newKey
	c.byHeight = append(c.byHeight, epochKey{fromHeight: fromHeight, key: newKey, epoch: c.epoch})
}

// CurrentKey returns the key to encrypt a new post with.
func (c *ChannelKeyState) CurrentKey() ([32]byte, uint32) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current, c.epoch
}

// KeyForHeight returns the key that was current at a given anchor height,
// used to decrypt historical posts.
func (c *ChannelKeyState) KeyForHeight(height uint64) ([32]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := len(c.byHeight) - 1; i >= 0; i-- {
		if height >= c.byHeight[i].fromHeight {
			return c.byHeight[i].key, nil
		}
	}
	return [32]byte{}, errors.New("no channel key covers this height")
}

// EncryptPost seals channel plaintext with the current sender key.
func EncryptPost(ck *ChannelKeyState, plaintext, aad []byte) ([]byte, uint32, error) {
	key, epoch := ck.CurrentKey()
	ct, err := Encrypt(key[:], plaintext, aad)
	return ct, epoch, err
}

// DecryptPost opens a post anchored at postHeight, using the channel key
// that was in force at that height — so a removed member, who never
// receives keys rekeyed after their removal, cannot decrypt posts at or
// after the removal event's height (§4.3 invariant), even if they retain
// an older ChannelKeyState snapshot.
func DecryptPost(ck *ChannelKeyState, postHeight uint64, ciphertext, aad []byte) ([]byte, error) {
	key, err := ck.KeyForHeight(postHeight)
	if err != nil {
		return nil, err
	}
	return Decrypt(key[:], ciphertext, aad)
}

// EvaluateAccess re-evaluates a channel's access policy against the
// caller's on-chain state snapshot at the message's block height — per
// §3, admission is time-stamped, not static. state is supplied by the
// caller (the currency/chat ledger views needed differ per policy kind).
type OnChainState struct {
	TokenBalance  map[string]uint64
	NFTHoldings   map[string]map[string]bool // collection -> set id -> held
	Reputation    float64
	Staked        uint64
	StakeLockedAt uint64
	InviteList    map[IdentityID]bool
	Member        bool
}

func EvaluateAccess(policy AccessPolicy, caller IdentityID, state OnChainState, atHeight uint64) bool {
	switch policy.Kind {
	case AccessPublic:
		return true
	case AccessInviteOnly:
		return state.InviteList[caller]
	case AccessTokenGated:
		return state.TokenBalance[policy.TokenID] >= policy.MinAmount
	case AccessNFTGated:
		if policy.SetID == "" {
			return len(state.NFTHoldings[policy.Collection]) > 0
		}
		return state.NFTHoldings[policy.Collection][policy.SetID]
	case AccessReputationGated:
		return state.Reputation >= policy.MinRep
	case AccessStakeGated:
		return state.Staked >= policy.MinStake && atHeight >= state.StakeLockedAt
	case AccessCombined:
		for _, p := range policy.Combined {
			if !EvaluateAccess(p, caller, state, atHeight) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
