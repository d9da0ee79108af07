package core

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// Envelope is the unit transferred on the wire (§3, §6). Wire field order
// is fixed; EncodeEnvelope/DecodeEnvelope are the sole source of truth for
// the byte layout.
type Envelope struct {
	ID             EnvelopeID
	SenderDeviceID DeviceID
	SizeClass      SizeClass
	Priority       Priority
	HopBudget      uint8
	Epoch          uint32
	AnchorHashHint [32]byte
	RecipientHint  [32]byte
	Ciphertext     []byte // length == SizeClass.Bytes()
	MAC            [16]byte

	AttachmentManifest [][32]byte // content-addressed blob hashes, off-wire bookkeeping
}

const envelopeFixedHeaderLen = 16 + 32 + 1 + 1 + 1 + 4 + 32 + 32
const envelopeMACLen = 16

// EncodeEnvelope serialises e per the §6 wire format: all multi-byte
// fields big-endian, ciphertext length exactly SizeClass.Bytes().
func EncodeEnvelope(e *Envelope) ([]byte, error) {
	if len(e.Ciphertext) != e.SizeClass.Bytes() {
		return nil, ErrMalformedEnvelope
	}
	buf := make([]byte, envelopeFixedHeaderLen+len(e.Ciphertext)+envelopeMACLen)
	off := 0
	copy(buf[off:], e.ID[:])
	off += 16
	copy(buf[off:], e.SenderDeviceID[:])
	off += 32
	buf[off] = byte(e.SizeClass)
	off++
	buf[off] = byte(e.Priority)
	off++
	buf[off] = e.HopBudget
	off++
	binary.BigEndian.PutUint32(buf[off:], e.Epoch)
	off += 4
	copy(buf[off:], e.AnchorHashHint[:])
	off += 32
	copy(buf[off:], e.RecipientHint[:])
	off += 32
	copy(buf[off:], e.Ciphertext)
	off += len(e.Ciphertext)
	copy(buf[off:], e.MAC[:])
	return buf, nil
}

// DecodeEnvelope parses the fixed wire layout. Any length mismatch with
// the declared size_class yields MALFORMED_ENVELOPE and the caller must
// drop the envelope without further state change (§6).
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	if len(raw) < envelopeFixedHeaderLen+envelopeMACLen {
		return nil, ErrMalformedEnvelope
	}
	e := &Envelope{}
	off := 0
	copy(e.ID[:], raw[off:off+16])
	off += 16
	copy(e.SenderDeviceID[:], raw[off:off+32])
	off += 32
	e.SizeClass = SizeClass(raw[off])
	off++
	e.Priority = Priority(raw[off])
	off++
	e.HopBudget = raw[off]
	off++
	e.Epoch = binary.BigEndian.Uint32(raw[off:])
	off += 4
	copy(e.AnchorHashHint[:], raw[off:off+32])
	off += 32
	copy(e.RecipientHint[:], raw[off:off+32])
	off += 32

	want := e.SizeClass.Bytes()
	if want < 0 {
		return nil, ErrMalformedEnvelope
	}
	if len(raw) != off+want+envelopeMACLen {
		return nil, ErrMalformedEnvelope
	}
	e.Ciphertext = append([]byte(nil), raw[off:off+want]...)
	off += want
	copy(e.MAC[:], raw[off:off+envelopeMACLen])
	return e, nil
}

//---------------------------------------------------------------------
// Nullifiers and anchors (§3, §6)
//---------------------------------------------------------------------

// Nullifier derives the double-submission guard from (sender device id,
// send counter). Invariant: no two anchors may share a nullifier.
func Nullifier(sender DeviceID, sendCounter uint64) [32]byte {
	buf := make([]byte, 32+8)
	copy(buf, sender[:])
	binary.BigEndian.PutUint64(buf[32:], sendCounter)
	return sha256.Sum256(buf)
}

// AnchorRecord is the chat-ledger record of §3/§6.
type AnchorRecord struct {
	EnvelopeIDHash  [32]byte
	SenderDeviceID  DeviceID
	Nullifier       [32]byte
	Height          uint64
	IntraBlockIndex uint32
}

// Less orders two anchors by (height, intra-block index), the total order
// messages are delivered in (§3, P2).
func (a AnchorRecord) Less(b AnchorRecord) bool {
	if a.Height != b.Height {
		return a.Height < b.Height
	}
	return a.IntraBlockIndex < b.IntraBlockIndex
}

// EnvelopeIDHash hashes an envelope id for anchor/claim lookups so the
// ledger never stores the raw id directly.
func EnvelopeIDHash(id EnvelopeID) [32]byte {
	return sha256.Sum256(id[:])
}

//---------------------------------------------------------------------
// Send path (§4.3 (a)-(d))
//---------------------------------------------------------------------

// Sender packages plaintext into envelopes for one or more recipients,
// encrypting per-recipient via the supplied sessions, then submits an
// anchor request to the chat ledger.
type Sender struct {
	Ledger   ChatLedger
	Classes  []SizeClass
	Priority Priority
}

// SendResult is returned once the anchor height is known, so the caller
// can hand the envelope to the peer overlay / relay queue.
type SendResult struct {
	Envelope *Envelope
	Anchor   AnchorRecord
}

// SendDirect encrypts plaintext for a single recipient session and
// anchors it. sendCounter must be the session's own monotonically
// increasing per-epoch counter (mirrors the ratchet's send chain but is
// tracked at the envelope layer so nullifiers survive a process restart
// that rehydrates sessions from persisted state).
func (s *Sender) SendDirect(sess *Session, recipientHint [32]byte, plaintext []byte, sendCounter uint64, hopBudget uint8) (*SendResult, error) {
	ct, mac, class, _, err := sess.EncryptEnvelope(plaintext, s.Classes)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	id, err := randomEnvelopeID()
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		ID:             id,
		SenderDeviceID: sess.Local,
		SizeClass:      class,
		Priority:       s.Priority,
		HopBudget:      hopBudget,
		Epoch:          sess.Epoch,
		RecipientHint:  recipientHint,
		Ciphertext:     ct,
		MAC:            mac,
	}

	null := Nullifier(sess.Local, sendCounter)
	idHash := EnvelopeIDHash(id)
	anchor, err := s.Ledger.SubmitAnchor(idHash, sess.Local, null)
	if err != nil && !errors.Is(err, ErrDuplicateNullifier) {
		return nil, err
	}
	var hint [32]byte
	copy(hint[:], anchor.EnvelopeIDHash[:])
	env.AnchorHashHint = hint
	return &SendResult{Envelope: env, Anchor: anchor}, nil
}

//---------------------------------------------------------------------
// Receive path (§4.3 (a)-(d))
//---------------------------------------------------------------------

// Receiver verifies an inbound envelope's anchor and nullifier, decrypts
// it, and hands the plaintext to the caller's reorder buffer.
type Receiver struct {
	Ledger ChatLedger
	Seen   map[[32]byte]bool // nullifiers already observed by this receiver
}

func NewReceiver(ledger ChatLedger) *Receiver {
	return &Receiver{Ledger: ledger, Seen: make(map[[32]byte]bool)}
}

// Accept runs §4.3's receive-path steps (a)-(b): verify that an anchor for
// the envelope's id hash exists on the chat ledger and that its nullifier
// is new to this receiver, then decrypt via the session. The anchor's
// height is not checked against any height carried by the envelope.
func (r *Receiver) Accept(env *Envelope, sess *Session) (plaintext []byte, anchor AnchorRecord, err error) {
	anchor, ok := r.Ledger.QueryAnchorByEnvelopeHash(EnvelopeIDHash(env.ID))
	if !ok {
		return nil, AnchorRecord{}, fmt.Errorf("envelope anchor not found on chat ledger")
	}
	if r.Seen[anchor.Nullifier] {
		return nil, anchor, ErrDuplicateNullifier
	}
	r.Seen[anchor.Nullifier] = true

	plaintext, err = sess.DecryptEnvelope(env.SizeClass, env.Ciphertext, env.MAC)
	if err != nil {
		return nil, anchor, err
	}
	return plaintext, anchor, nil
}
