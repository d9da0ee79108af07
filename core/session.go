package core

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var sessionLog logrus.FieldLogger = logrus.StandardLogger()

// SetSessionLogger overrides the package logger for session-layer events.
func SetSessionLogger(l logrus.FieldLogger) { sessionLog = l }

// Direction distinguishes the send and receive chains of a session.
type Direction uint8

const (
	DirectionSend Direction = iota
	DirectionReceive
)

// Defaults from §4.1 / §6.
const (
	DefaultRatchetIntervalMessages = 100
	DefaultRatchetIntervalSeconds  = 3600
	DefaultHandshakeTimeout        = 10 * time.Second
)

// chain is one direction's symmetric ratchet state.
type chain struct {
	key     [32]byte // overwritten on every advance; retired material is zeroed
	counter uint32
}

// advance derives the next per-message key and rekeys the chain, per the
// symmetric-ratchet construction of §4.1. It returns the message key; the
// chain key itself is overwritten in place so the caller never retains the
// previous value (forward secrecy, P3).
func (c *chain) advance() [32]byte {
	msgKey := hmacSum(c.key[:], []byte{0x01})
	nextKey := hmacSum(c.key[:], []byte{0x02})

	// Overwrite retired key material before releasing it (§4.1 invariant).
	for i := range c.key {
		c.key[i] = 0
	}
	copy(c.key[:], nextKey)
	c.counter++

	var mk [32]byte
	copy(mk[:], msgKey)
	for i := range msgKey {
		msgKey[i] = 0
	}
	return mk
}

// Session is a directed (local device, remote device) authenticated
// encrypted channel (§3). Sessions are arena-indexed by the caller
// (e.g. a sessions map keyed by remote device id) rather than holding
// back-pointers, per the "flatten into an arena" design note (§9).
type Session struct {
	Local, Remote DeviceID
	RootKey       [32]byte
	Send          chain
	Receive       chain
	Epoch         uint32
	CreatedAt     time.Time
	EpochStarted  time.Time
	MsgsThisEpoch uint32
	PQCapable     bool // true once both peers have advertised PQ support
	initiator     bool // which side of the handshake this session derives keys as

	mu sync.Mutex

	ratchetIntervalMessages uint32
	ratchetIntervalSeconds  time.Duration

	// receiveSkipped caches message keys for counters the chain has
	// already advanced past but whose envelope has not yet arrived,
	// bounded by maxSkippedKeys. This lets DecryptEnvelope succeed when
	// the wire delivers ciphertexts out of order, since the §6 wire
	// format carries no explicit per-message counter to resynchronize
	// on (see DESIGN.md).
	receiveSkipped map[uint32][32]byte
}

// maxSkippedKeys bounds how far ahead the receive chain will advance
// looking for a matching key before giving up, matching the default
// reorder-window depth (§6 order.reorder_window_depth).
const maxSkippedKeys = DefaultReorderWindowDepth

// NewSession derives the two chain keys from a completed handshake's
// shared secret and starts epoch 0. initiator distinguishes which side of
// the handshake this session belongs to: the initiator's send chain must
// equal the responder's receive chain and vice versa, so the two tagged
// seeds are assigned by role rather than by a fixed "send"/"recv" label
// (which would make both ends derive identical chains and talk only to
// themselves).
func NewSession(local, remote DeviceID, sharedSecret [32]byte, initiator bool, now time.Time) *Session {
	initiatorSeed := hmacSum(sharedSecret[:], []byte("initiator-send"))
	responderSeed := hmacSum(sharedSecret[:], []byte("responder-send"))
	s := &Session{
		Local:                   local,
		Remote:                  remote,
		RootKey:                 sharedSecret,
		CreatedAt:               now,
		EpochStarted:            now,
		ratchetIntervalMessages: DefaultRatchetIntervalMessages,
		ratchetIntervalSeconds:  DefaultRatchetIntervalSeconds * time.Second,
		receiveSkipped:          make(map[uint32][32]byte),
		initiator:               initiator,
	}
	if initiator {
		copy(s.Send.key[:], initiatorSeed)
		copy(s.Receive.key[:], responderSeed)
	} else {
		copy(s.Send.key[:], responderSeed)
		copy(s.Receive.key[:], initiatorSeed)
	}
	return s
}

// HandshakeFlight represents one of the three flights of the mutually
// authenticated handshake (§4.1). The transcript hashes both parties'
// long-term identity public keys.
type HandshakeFlight struct {
	SenderIdentityPub []byte
	Ephemeral         [32]byte
	PQPublic          []byte // non-nil iff the sender advertises PQ support
	TranscriptMAC     [32]byte
}

// transcriptMAC binds a flight to the running transcript hash so a replay
// or MITM substitution is detected as HANDSHAKE_BAD_MAC.
func transcriptMAC(key []byte, priorTranscript []byte, flight *HandshakeFlight) [32]byte {
	h := sha256.New()
	h.Write(priorTranscript)
	h.Write(flight.SenderIdentityPub)
	h.Write(flight.Ephemeral[:])
	h.Write(flight.PQPublic)
	sum := hmacSum(key, h.Sum(nil))
	var out [32]byte
	copy(out[:], sum)
	return out
}

// TrustStore resolves a remote identity's long-term public key; PEER_UNKNOWN
// is returned by CompleteAsInitiator when the lookup fails.
type TrustStore interface {
	LookupIdentityKey(remote DeviceID) (pub []byte, ok bool)
}

// Handshaker drives the three-flight exchange described in §4.1. It is
// intentionally transport-agnostic: CompleteAsInitiator is given an
// already-received flight and returns the negotiated secret, so the caller
// can carry flights over any stream abstraction.
type Handshaker struct {
	trust   TrustStore
	pq      PQKEM // nil if this node does not support hybrid mode
	timeout time.Duration
}

func NewHandshaker(trust TrustStore, pq PQKEM) *Handshaker {
	return &Handshaker{trust: trust, pq: pq, timeout: DefaultHandshakeTimeout}
}

// HandshakeResult carries the negotiated session plus whether hybrid PQ
// mode was used.
type HandshakeResult struct {
	SharedSecret [32]byte
	PQCapable    bool
}

// CompleteAsInitiator derives the initiating party's session secret from
// the responder's flight 2; it builds no outbound flight. remote is the
// responder's device id, checked against the trust store;
// localEphemeralPriv is the ephemeral X25519 private scalar generated for
// this handshake (kept by the caller so it is not logged);
// remoteTranscriptMACKey verifies the flight's transcript MAC.
func (h *Handshaker) CompleteAsInitiator(remote DeviceID, localEphemeralPriv [32]byte, responderFlight *HandshakeFlight, remoteTranscriptMACKey []byte) (*HandshakeResult, error) {
	if _, ok := h.trust.LookupIdentityKey(remote); !ok {
		return nil, ErrPeerUnknown
	}

	classical, err := X25519Exchange(localEphemeralPriv, responderFlight.Ephemeral)
	if err != nil {
		return nil, fmt.Errorf("x25519 exchange: %w", err)
	}

	var pqSecret []byte
	pqCapable := h.pq != nil && len(responderFlight.PQPublic) > 0
	if pqCapable {
		secret, _, err := h.pq.Encapsulate(responderFlight.PQPublic)
		if err != nil {
			return nil, fmt.Errorf("pq encapsulate: %w", err)
		}
		pqSecret = secret
	}

	expected := transcriptMAC(remoteTranscriptMACKey, nil, responderFlight)
	if expected != responderFlight.TranscriptMAC {
		return nil, ErrHandshakeBadMAC
	}

	secret, err := HybridSecret(classical, pqSecret, []byte("meshcore/v1/session-root"))
	if err != nil {
		return nil, err
	}
	var out [32]byte
	copy(out[:], secret)
	return &HandshakeResult{SharedSecret: out, PQCapable: pqCapable}, nil
}

// WaitForFlight blocks until a flight arrives on ch or the handshake
// deadline elapses, returning ErrHandshakeTimeout on expiry (§5 suspension
// point table).
func (h *Handshaker) WaitForFlight(ch <-chan *HandshakeFlight, cancel <-chan struct{}) (*HandshakeFlight, error) {
	timer := time.NewTimer(h.timeout)
	defer timer.Stop()
	select {
	case f := <-ch:
		return f, nil
	case <-timer.C:
		return nil, ErrHandshakeTimeout
	case <-cancel:
		return nil, ErrCancelled
	}
}

//---------------------------------------------------------------------
// Ratcheting and padded encrypt/decrypt
//---------------------------------------------------------------------

// ShouldDHRatchet reports whether a full DH-ratchet step is due: every
// ratchetIntervalMessages outbound messages, or ratchetIntervalSeconds of
// wall clock, whichever first (§4.1).
func (s *Session) ShouldDHRatchet(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.MsgsThisEpoch >= s.ratchetIntervalMessages {
		return true
	}
	return now.Sub(s.EpochStarted) >= s.ratchetIntervalSeconds
}

// DHRatchet performs a full ratchet step with a freshly received remote
// ephemeral, rolling the epoch and re-deriving both chains. Per the
// break-in-recovery invariant, a compromise at time t cannot yield
// plaintext of messages sent after this completes, because both chain
// keys are replaced outright.
func (s *Session) DHRatchet(localEphemeralPriv, remoteEphemeralPub [32]byte, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	classical, err := X25519Exchange(localEphemeralPriv, remoteEphemeralPub)
	if err != nil {
		return err
	}
	newRoot := hmacSum(append(s.RootKey[:], classical[:]...), []byte("ratchet"))
	for i := range s.RootKey {
		s.RootKey[i] = 0
	}
	copy(s.RootKey[:], newRoot)

	initiatorSeed := hmacSum(s.RootKey[:], []byte("initiator-send"))
	responderSeed := hmacSum(s.RootKey[:], []byte("responder-send"))
	for i := range s.Send.key {
		s.Send.key[i] = 0
	}
	for i := range s.Receive.key {
		s.Receive.key[i] = 0
	}
	if s.initiator {
		copy(s.Send.key[:], initiatorSeed)
		copy(s.Receive.key[:], responderSeed)
	} else {
		copy(s.Send.key[:], responderSeed)
		copy(s.Receive.key[:], initiatorSeed)
	}

	if s.Epoch == ^uint32(0) {
		return ErrEpochRolled
	}
	s.Epoch++
	s.MsgsThisEpoch = 0
	s.EpochStarted = now
	return nil
}

// EncryptEnvelope pads plaintext to the smallest legal size class, derives
// a fresh per-message key from the send chain, and seals it. The returned
// ciphertext (nonce || AEAD-sealed payload, tag stripped) is exactly
// class.Bytes() long, matching the wire format's `N B ciphertext` field
// (§6); the Poly1305 tag is returned separately as mac, matching the
// wire format's trailing `16 B mac` field. The send counter strictly
// increases and never wraps within an epoch (§3 invariant); callers MUST
// check ShouldDHRatchet and roll the epoch before the counter would
// overflow.
func (s *Session) EncryptEnvelope(plaintext []byte, classes []SizeClass) (ciphertext []byte, mac [16]byte, class SizeClass, counter uint32, err error) {
	s.mu.Lock()
	if s.Send.counter == ^uint32(0) {
		s.mu.Unlock()
		return nil, mac, 0, 0, ErrEpochRolled
	}
	mk := s.Send.advance()
	s.MsgsThisEpoch++
	counter = s.Send.counter
	s.mu.Unlock()

	padded, class, err := padToClass(plaintext, classes)
	if err != nil {
		return nil, mac, 0, 0, err
	}
	sealed, err := Encrypt(mk[:], padded, nil)
	for i := range mk {
		mk[i] = 0
	}
	if err != nil {
		return nil, mac, 0, 0, err
	}
	// sealed = nonce || ciphertext || tag; split the trailing tag into
	// mac so the remainder is exactly class.Bytes().
	tagOff := len(sealed) - envelopeMACLen
	ciphertext = append([]byte(nil), sealed[:tagOff]...)
	copy(mac[:], sealed[tagOff:])
	return ciphertext, mac, class, counter, nil
}

// DecryptEnvelope opens a sealed, padded envelope whose AEAD tag arrives
// separately in mac (§6 wire format: ciphertext field plus trailing mac
// field). Because envelopes may arrive out of wire order (§4.3 reorder
// window applies only after decrypt), the receive chain first tries any
// cached skipped-message key, then advances its own counter up to
// maxSkippedKeys looking for a match, caching any intermediate keys it
// skips over along the way so a still-later arrival can also be decrypted
// (bounded Signal-style skipped-key cache; see DESIGN.md).
func (s *Session) DecryptEnvelope(class SizeClass, ciphertext []byte, mac [16]byte) ([]byte, error) {
	if len(ciphertext) != class.Bytes() {
		return nil, ErrMalformedEnvelope
	}
	sealed := make([]byte, 0, len(ciphertext)+envelopeMACLen)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, mac[:]...)

	s.mu.Lock()
	defer s.mu.Unlock()

	for counter, mk := range s.receiveSkipped {
		if padded, err := Decrypt(mk[:], sealed, nil); err == nil {
			delete(s.receiveSkipped, counter)
			return unpad(padded)
		}
	}

	for tries := 0; tries < maxSkippedKeys; tries++ {
		counter := s.Receive.counter + 1
		mk := s.Receive.advance()
		if padded, err := Decrypt(mk[:], sealed, nil); err == nil {
			for i := range mk {
				mk[i] = 0
			}
			return unpad(padded)
		}
		s.receiveSkipped[counter] = mk
	}
	return nil, errors.New("no receive key within skip window decrypted this envelope")
}

// padToClass frames plaintext with a 4-byte big-endian length prefix, then
// zero-pads so that nonce||ciphertext lands exactly on the smallest fitting
// class in classes (P4 invariant); the AEAD tag is carried outside the
// class-sized ciphertext, in the envelope's separate 16 B mac field.
func padToClass(plaintext []byte, classes []SizeClass) ([]byte, SizeClass, error) {
	framed := make([]byte, 4+len(plaintext))
	binary.BigEndian.PutUint32(framed, uint32(len(plaintext)))
	copy(framed[4:], plaintext)

	// Only the nonce prefix counts against the class budget; the trailing
	// tag is carried in the envelope's separate mac field.
	const nonceOverhead = 24
	for _, c := range classes {
		if len(framed)+nonceOverhead <= c.Bytes() {
			out := make([]byte, c.Bytes()-nonceOverhead)
			copy(out, framed)
			return out, c, nil
		}
	}
	return nil, 0, errors.New("plaintext exceeds largest configured size class")
}

func unpad(padded []byte) ([]byte, error) {
	if len(padded) < 4 {
		return nil, ErrMalformedEnvelope
	}
	n := binary.BigEndian.Uint32(padded[:4])
	if int(n) > len(padded)-4 {
		return nil, ErrMalformedEnvelope
	}
	out := make([]byte, n)
	copy(out, padded[4:4+n])
	return out, nil
}

// randomEnvelopeID generates the random 128-bit envelope identifier.
func randomEnvelopeID() (EnvelopeID, error) {
	var id EnvelopeID
	if _, err := rand.Read(id[:]); err != nil {
		return id, err
	}
	return id, nil
}
