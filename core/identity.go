package core

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

// Purpose-typed domain-separation tags (§4.2). A key derived for one
// purpose can never be mistaken for another because the tag is mixed into
// the HKDF info parameter.
const (
	purposeMaster   = "meshcore/v1/master"
	purposeSigning  = "meshcore/v1/device-signing"
	purposeSession  = "meshcore/v1/device-session"
	purposeConvo    = "meshcore/v1/conversation"
	purposeBurner   = "meshcore/v1/burner"
)

// MaxDevicesPerIdentity caps the device set at 16 per §3.
const MaxDevicesPerIdentity = 16

// Device is one of an identity's signed, registered keypairs.
type Device struct {
	ID          DeviceID
	SigningPub  ed25519.PublicKey
	SessionPub  [32]byte // X25519 public
	AddedBy     DeviceID
	Revoked     bool
	RevokedAt   uint64 // block height of the revocation anchor
	BurnerUntil uint64 // 0 for non-burner devices; expiration block height otherwise
}

// Identity owns an ordered device set and, optionally, a guardian set for
// social recovery (§4.2).
type Identity struct {
	ID       IdentityID
	RootSeed [32]byte // never leaves the owning process; exported only for test fixtures

	mu        sync.RWMutex
	devices   []*Device
	guardians []ed25519.PublicKey
	threshold int
}

// NewIdentity derives an identity from a 256-bit root seed and registers
// its first device (the master device).
func NewIdentity(rootSeed [32]byte) (*Identity, *Device, ed25519.PrivateKey, error) {
	masterSeed, err := derive(rootSeed, purposeMaster, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	id := IdentityID(sha256.Sum256(masterSeed))

	devPriv, devPub, err := deriveSigningKey(rootSeed, 0)
	if err != nil {
		return nil, nil, nil, err
	}
	_, sessPub, err := deriveSessionKey(rootSeed, 0)
	if err != nil {
		return nil, nil, nil, err
	}

	devID := DeviceID(sha256.Sum256(devPub))
	dev := &Device{ID: devID, SigningPub: devPub, SessionPub: sessPub, AddedBy: devID}

	ident := &Identity{ID: id, RootSeed: rootSeed, devices: []*Device{dev}}
	return ident, dev, devPriv, nil
}

// derive is the single HKDF call every purpose-typed key goes through; tag
// is mixed into the info parameter so outputs of different purposes can
// never collide even given the same index.
func derive(rootSeed [32]byte, tag string, index []byte) ([]byte, error) {
	info := append([]byte(tag), index...)
	r := hkdf.New(sha256.New, rootSeed[:], nil, info)
	out := make([]byte, 32)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

func deriveSigningKey(rootSeed [32]byte, deviceIndex uint32) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	idx := make([]byte, 4)
	binary.BigEndian.PutUint32(idx, deviceIndex)
	seed, err := derive(rootSeed, purposeSigning, idx)
	if err != nil {
		return nil, nil, err
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return priv, priv.Public().(ed25519.PublicKey), nil
}

func deriveSessionKey(rootSeed [32]byte, deviceIndex uint32) ([32]byte, [32]byte, error) {
	idx := make([]byte, 4)
	binary.BigEndian.PutUint32(idx, deviceIndex)
	seed, err := derive(rootSeed, purposeSession, idx)
	if err != nil {
		return [32]byte{}, [32]byte{}, err
	}
	var priv [32]byte
	copy(priv[:], seed)
	pub, err := curve25519ScalarBaseMult(priv)
	return priv, pub, err
}

// DeriveConversationKey derives an auditable per-conversation key without
// exposing long-term secrets, per §4.2.
func DeriveConversationKey(rootSeed [32]byte, conversationID []byte) ([]byte, error) {
	return derive(rootSeed, purposeConvo, conversationID)
}

// AddDevice registers a new device signed by an already-registered device.
// approverSig must be a valid signature by approver over the new device's
// public signing key.
func (id *Identity) AddDevice(approver DeviceID, newDev *Device, approverSig []byte) error {
	id.mu.Lock()
	defer id.mu.Unlock()

	if len(id.devices) >= MaxDevicesPerIdentity {
		return errors.New("device set full")
	}
	var approverDev *Device
	for _, d := range id.devices {
		if d.ID == approver && !d.Revoked {
			approverDev = d
			break
		}
	}
	if approverDev == nil {
		return fmt.Errorf("approver device %s is not an active registered device", approver)
	}
	if ok := ed25519.Verify(approverDev.SigningPub, newDev.SigningPub, approverSig); !ok {
		return errors.New("device authorization signature invalid")
	}
	newDev.AddedBy = approver
	id.devices = append(id.devices, newDev)
	return nil
}

// RevokeDevice marks a device revoked as of the given anchor height.
func (id *Identity) RevokeDevice(target DeviceID, atHeight uint64) error {
	id.mu.Lock()
	defer id.mu.Unlock()
	for _, d := range id.devices {
		if d.ID == target {
			d.Revoked = true
			d.RevokedAt = atHeight
			return nil
		}
	}
	return errors.New("device not found")
}

// Devices returns a snapshot of the identity's current device set.
func (id *Identity) Devices() []*Device {
	id.mu.RLock()
	defer id.mu.RUnlock()
	out := make([]*Device, len(id.devices))
	copy(out, id.devices)
	return out
}

//---------------------------------------------------------------------
// Burner identities (§4.2)
//---------------------------------------------------------------------

// DeriveBurner derives a short-lived identity whose expiration height is
// baked into the derivation input, so a burner cannot be extended after
// the fact.
func DeriveBurner(rootSeed [32]byte, expirationHeight uint64) (*Identity, *Device, ed25519.PrivateKey, error) {
	idx := make([]byte, 8)
	binary.BigEndian.PutUint64(idx, expirationHeight)
	burnerSeed, err := derive(rootSeed, purposeBurner, idx)
	if err != nil {
		return nil, nil, nil, err
	}
	var seed32 [32]byte
	copy(seed32[:], burnerSeed)

	ident, dev, priv, err := NewIdentity(seed32)
	if err != nil {
		return nil, nil, nil, err
	}
	dev.BurnerUntil = expirationHeight
	return ident, dev, priv, nil
}

// CheckBurnerNotExpired enforces the chat-ledger rule that anchors from an
// expired burner are hard-rejected (§4.2).
func CheckBurnerNotExpired(dev *Device, currentHeight uint64) error {
	if dev.BurnerUntil == 0 {
		return nil // not a burner
	}
	if currentHeight > dev.BurnerUntil {
		return ErrBurnerExpired
	}
	return nil
}

//---------------------------------------------------------------------
// Guardian recovery (§4.2) – four-step M-of-N protocol
//---------------------------------------------------------------------

const (
	DefaultRecoveryTimelockWindow  = 7 * 24 * time.Hour // W1
	DefaultRecoveryReversalWindow  = 7 * 24 * time.Hour // W2
)

// RecoveryState tracks one in-flight guardian recovery for an identity.
type RecoveryState struct {
	NewDevicePub ed25519.PublicKey
	ClaimAt      time.Time
	Approvals    map[int]ed25519.PublicKey // guardian index -> key that approved
	Reversed     bool
	completed    bool
}

// SetGuardians configures an M-of-N guardian set for social recovery.
func (id *Identity) SetGuardians(guardians []ed25519.PublicKey, threshold int) error {
	if threshold <= 0 || threshold > len(guardians) {
		return errors.New("invalid guardian threshold")
	}
	id.mu.Lock()
	defer id.mu.Unlock()
	id.guardians = append([]ed25519.PublicKey(nil), guardians...)
	id.threshold = threshold
	return nil
}

// BeginRecovery posts the claim anchor that starts step (1) of the
// protocol. W1 begins now.
func (id *Identity) BeginRecovery(newDevicePub ed25519.PublicKey, now time.Time) *RecoveryState {
	return &RecoveryState{
		NewDevicePub: newDevicePub,
		ClaimAt:      now,
		Approvals:    make(map[int]ed25519.PublicKey),
	}
}

// ApproveRecovery records guardian index's signed approval over the claim,
// step (2). The approval is only meaningful within W1 of ClaimAt.
func (id *Identity) ApproveRecovery(rs *RecoveryState, guardianIndex int, sig []byte, now time.Time) error {
	id.mu.RLock()
	guardians := id.guardians
	id.mu.RUnlock()
	if guardianIndex < 0 || guardianIndex >= len(guardians) {
		return errors.New("unknown guardian index")
	}
	if now.Sub(rs.ClaimAt) > DefaultRecoveryTimelockWindow {
		return errors.New("approval window W1 has elapsed")
	}
	if !ed25519.Verify(guardians[guardianIndex], rs.NewDevicePub, sig) {
		return errors.New("guardian approval signature invalid")
	}
	rs.Approvals[guardianIndex] = guardians[guardianIndex]
	return nil
}

// Reverse cancels a pending recovery during W2, step (3). Any
// still-controlled device may call this.
func (id *Identity) Reverse(rs *RecoveryState, caller DeviceID, now time.Time) error {
	if rs.completed {
		return errors.New("recovery already finalized, cannot reverse")
	}
	id.mu.RLock()
	var active bool
	for _, d := range id.devices {
		if d.ID == caller && !d.Revoked {
			active = true
			break
		}
	}
	id.mu.RUnlock()
	if !active {
		return errors.New("caller device is not active")
	}
	if now.Sub(rs.ClaimAt) > DefaultRecoveryTimelockWindow+DefaultRecoveryReversalWindow {
		return errors.New("reversal window W2 has elapsed")
	}
	rs.Reversed = true
	return nil
}

// Finalize completes step (4): if fewer than threshold approvals were
// collected, or a valid reversal was posted during W2, recovery fails
// atomically and no device state changes (§4.2 invariant).
func (id *Identity) Finalize(rs *RecoveryState, now time.Time) (*Device, error) {
	if rs.Reversed {
		return nil, errors.New("recovery was reversed during W2")
	}
	if now.Sub(rs.ClaimAt) < DefaultRecoveryTimelockWindow+DefaultRecoveryReversalWindow {
		return nil, errors.New("W2 reversal window has not yet elapsed")
	}
	id.mu.Lock()
	defer id.mu.Unlock()
	if len(rs.Approvals) < id.threshold {
		return nil, fmt.Errorf("only %d of %d required guardian approvals collected", len(rs.Approvals), id.threshold)
	}

	var sessPub [32]byte
	copy(sessPub[:], rs.NewDevicePub) // placeholder session key until device posts its own
	newID := DeviceID(sha256.Sum256(rs.NewDevicePub))
	newDev := &Device{ID: newID, SigningPub: rs.NewDevicePub, SessionPub: sessPub}

	for _, d := range id.devices {
		d.Revoked = true
	}
	id.devices = append(id.devices, newDev)
	rs.completed = true
	return newDev, nil
}

func curve25519ScalarBaseMult(priv [32]byte) ([32]byte, error) {
	var pub [32]byte
	s, err := x25519Base(priv)
	if err != nil {
		return pub, err
	}
	copy(pub[:], s)
	return pub, nil
}

// hmacSum is used by the session ratchet's KDF chain (see session.go).
func hmacSum(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}
