package core

import (
	"bytes"
	"crypto/rand"
	"testing"
	"time"
)

// fakeChatLedger is a minimal in-memory ChatLedger for envelope-path tests.
type fakeChatLedger struct {
	byHash     map[[32]byte]AnchorRecord
	nullifiers map[[32]byte]bool
	next       uint64
}

func newFakeChatLedger() *fakeChatLedger {
	return &fakeChatLedger{byHash: make(map[[32]byte]AnchorRecord), nullifiers: make(map[[32]byte]bool)}
}

func (f *fakeChatLedger) SubmitAnchor(idHash [32]byte, sender DeviceID, nullifier [32]byte) (AnchorRecord, error) {
	if f.nullifiers[nullifier] {
		return f.byHash[idHash], ErrDuplicateNullifier
	}
	f.nullifiers[nullifier] = true
	a := AnchorRecord{EnvelopeIDHash: idHash, SenderDeviceID: sender, Nullifier: nullifier, Height: f.next}
	f.byHash[idHash] = a
	f.next++
	return a, nil
}

func (f *fakeChatLedger) QueryAnchorByEnvelopeHash(idHash [32]byte) (AnchorRecord, bool) {
	a, ok := f.byHash[idHash]
	return a, ok
}

func TestEncodeDecodeEnvelopeRoundTrip(t *testing.T) {
	ct := make([]byte, SizeClass1KiB.Bytes())
	rand.Read(ct)
	e := &Envelope{
		SenderDeviceID: randomDeviceID(t),
		SizeClass:      SizeClass1KiB,
		Priority:       PriorityDirect,
		HopBudget:      8,
		Epoch:          3,
		Ciphertext:     ct,
	}
	rand.Read(e.ID[:])
	rand.Read(e.AnchorHashHint[:])
	rand.Read(e.RecipientHint[:])
	rand.Read(e.MAC[:])

	raw, err := EncodeEnvelope(e)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != e.ID || got.SenderDeviceID != e.SenderDeviceID || got.SizeClass != e.SizeClass ||
		got.Priority != e.Priority || got.HopBudget != e.HopBudget || got.Epoch != e.Epoch ||
		got.AnchorHashHint != e.AnchorHashHint || got.RecipientHint != e.RecipientHint || got.MAC != e.MAC {
		t.Fatal("decoded envelope fields do not match original")
	}
	if !bytes.Equal(got.Ciphertext, e.Ciphertext) {
		t.Fatal("decoded ciphertext does not match original")
	}
}

func TestEncodeEnvelopeRejectsMismatchedCiphertextLength(t *testing.T) {
	e := &Envelope{SizeClass: SizeClass256B, Ciphertext: make([]byte, 10)}
	if _, err := EncodeEnvelope(e); err != ErrMalformedEnvelope {
		t.Fatalf("expected ErrMalformedEnvelope, got %v", err)
	}
}

func TestDecodeEnvelopeRejectsTruncatedWire(t *testing.T) {
	if _, err := DecodeEnvelope(make([]byte, 10)); err != ErrMalformedEnvelope {
		t.Fatalf("expected ErrMalformedEnvelope, got %v", err)
	}
}

func TestDecodeEnvelopeRejectsLengthNotMatchingSizeClass(t *testing.T) {
	e := &Envelope{SizeClass: SizeClass1KiB, Ciphertext: make([]byte, SizeClass1KiB.Bytes())}
	raw, err := EncodeEnvelope(e)
	if err != nil {
		t.Fatal(err)
	}
	// Claim a smaller class than the ciphertext actually carries.
	raw[48] = byte(SizeClass256B)
	if _, err := DecodeEnvelope(raw); err != ErrMalformedEnvelope {
		t.Fatalf("expected ErrMalformedEnvelope, got %v", err)
	}
}

func TestNullifierDeterministicAndSensitiveToCounter(t *testing.T) {
	dev := randomDeviceID(t)
	a := Nullifier(dev, 1)
	b := Nullifier(dev, 1)
	if a != b {
		t.Fatal("nullifier must be deterministic for the same (device, counter)")
	}
	c := Nullifier(dev, 2)
	if a == c {
		t.Fatal("nullifier must differ across send counters")
	}
}

func TestAnchorRecordLessOrdersByHeightThenIndex(t *testing.T) {
	a := AnchorRecord{Height: 1, IntraBlockIndex: 5}
	b := AnchorRecord{Height: 2, IntraBlockIndex: 0}
	if !a.Less(b) {
		t.Fatal("lower height must sort first regardless of intra-block index")
	}
	c := AnchorRecord{Height: 1, IntraBlockIndex: 1}
	d := AnchorRecord{Height: 1, IntraBlockIndex: 2}
	if !c.Less(d) {
		t.Fatal("within the same height, lower intra-block index must sort first")
	}
}

func TestSenderReceiverRoundTrip(t *testing.T) {
	ledger := newFakeChatLedger()
	var secret [32]byte
	rand.Read(secret[:])
	alice := randomDeviceID(t)
	bob := randomDeviceID(t)
	now := time.Now()
	initiator := NewSession(alice, bob, secret, true, now)
	responder := NewSession(bob, alice, secret, false, now)

	s := &Sender{Ledger: ledger, Classes: []SizeClass{SizeClass256B, SizeClass1KiB}, Priority: PriorityDirect}
	var hint [32]byte
	rand.Read(hint[:])
	res, err := s.SendDirect(initiator, hint, []byte("direct message"), 0, 8)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(res.Envelope.Ciphertext) != res.Envelope.SizeClass.Bytes() {
		t.Fatalf("ciphertext length %d must equal the size class %d (P4)", len(res.Envelope.Ciphertext), res.Envelope.SizeClass.Bytes())
	}
	if _, err := EncodeEnvelope(res.Envelope); err != nil {
		t.Fatalf("a sent envelope must be wire-encodable: %v", err)
	}

	r := NewReceiver(ledger)
	plaintext, anchor, err := r.Accept(res.Envelope, responder)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if string(plaintext) != "direct message" {
		t.Fatalf("unexpected plaintext: %q", plaintext)
	}
	if anchor.Nullifier != res.Anchor.Nullifier {
		t.Fatal("receiver's resolved anchor must match the one returned at send time")
	}

	if _, _, err := r.Accept(res.Envelope, responder); err != ErrDuplicateNullifier {
		t.Fatalf("replaying the same envelope must be rejected as a duplicate nullifier, got %v", err)
	}
}
