// Package core – shared cryptographic primitives for the messaging
// substrate.
//
// Exposes:
//   - Sign / Verify        – Ed25519 (devices) + BLS12-381 (ledger producers).
//   - BLS aggregation       – quorum certificate signature aggregation.
//   - Shamir (GF(256))      – guardian-recovery M-of-N secret splitting.
//   - XChaCha20-Poly1305    – envelope AEAD.
//   - HybridSecret / PQKEM  – classical X25519 + host-supplied lattice-KEM black box (§4.1).
//   - ComputeMerkleRoot     – channel member-set root / block event root.
//
// Post-quantum primitive internals are never reimplemented here: circl's
// Dilithium package is used as an opaque black box, and the KEM half is
// supplied by the host through the PQKEM interface, per §1.
package core

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sort"

	mode3 "github.com/cloudflare/circl/sign/dilithium/mode3"
	bls "github.com/herumi/bls-eth-go-binary/bls"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

func init() {
	if err := bls.Init(bls.BLS12_381); err != nil {
		panic(fmt.Errorf("bls init: %w", err))
	}
}

// KeyAlgo selects the signing primitive backing a device or producer key.
type KeyAlgo uint8

const (
	AlgoEd25519 KeyAlgo = iota
	AlgoBLS
	AlgoDilithium
)

// Sign signs msg with priv. The concrete type of priv depends on algo:
// ed25519.PrivateKey, *bls.SecretKey, or *mode3.PrivateKey.
func Sign(algo KeyAlgo, priv interface{}, msg []byte) ([]byte, error) {
	switch algo {
	case AlgoEd25519:
		pk, ok := priv.(ed25519.PrivateKey)
		if !ok {
			return nil, errors.New("invalid ed25519 private key type")
		}
		return ed25519.Sign(pk, msg), nil

	case AlgoBLS:
		sk, ok := priv.(*bls.SecretKey)
		if !ok {
			return nil, errors.New("invalid BLS secret key type")
		}
		return sk.SignByte(msg).Serialize(), nil

	case AlgoDilithium:
		sk, ok := priv.(*mode3.PrivateKey)
		if !ok {
			return nil, errors.New("invalid dilithium private key type")
		}
		sig := make([]byte, mode3.SignatureSize)
		mode3.SignTo(sk, msg, sig)
		return sig, nil

	default:
		return nil, errors.New("unknown algo")
	}
}

// Verify checks sig for msg with pub.
func Verify(algo KeyAlgo, pub interface{}, msg, sig []byte) (bool, error) {
	switch algo {
	case AlgoEd25519:
		pk, ok := pub.(ed25519.PublicKey)
		if !ok {
			return false, errors.New("invalid ed25519 pubkey type")
		}
		return ed25519.Verify(pk, msg, sig), nil

	case AlgoBLS:
		var pk bls.PublicKey
		switch v := pub.(type) {
		case *bls.PublicKey:
			pk = *v
		case []byte:
			if err := pk.Deserialize(v); err != nil {
				return false, err
			}
		default:
			return false, errors.New("invalid BLS pubkey type")
		}
		var s bls.Sign
		if err := s.Deserialize(sig); err != nil {
			return false, err
		}
		return s.VerifyByte(&pk, msg), nil

	case AlgoDilithium:
		pk, ok := pub.(*mode3.PublicKey)
		if !ok {
			return false, errors.New("invalid dilithium pubkey type")
		}
		return mode3.Verify(pk, msg, sig), nil

	default:
		return false, errors.New("unknown algo")
	}
}

// AggregateBLSSigs merges multiple compressed BLS signatures into one
// quorum-certificate signature (§3 block invariant, §6).
func AggregateBLSSigs(sigs [][]byte) ([]byte, error) {
	if len(sigs) == 0 {
		return nil, errors.New("no sigs to aggregate")
	}
	var agg bls.Sign
	for i, raw := range sigs {
		var s bls.Sign
		if err := s.Deserialize(raw); err != nil {
			return nil, fmt.Errorf("sig %d: %w", i, err)
		}
		if i == 0 {
			agg = s
		} else {
			agg.Add(&s)
		}
	}
	return agg.Serialize(), nil
}

// VerifyAggregated verifies an aggregated signature against an aggregated
// public key for an identical message (used for quorum certificates).
func VerifyAggregated(aggSig, pubAgg, msg []byte) (bool, error) {
	var pk bls.PublicKey
	if err := pk.Deserialize(pubAgg); err != nil {
		return false, err
	}
	var sig bls.Sign
	if err := sig.Deserialize(aggSig); err != nil {
		return false, err
	}
	return sig.VerifyByte(&pk, msg), nil
}

//---------------------------------------------------------------------
// Shamir secret sharing over GF(256) – guardian recovery (§4.2)
//---------------------------------------------------------------------

// Share is one guardian's fragment of a recovery secret.
type Share struct {
	Index byte // 1-based
	Data  []byte
}

// CombineShares reconstructs a 32-byte secret from at least threshold
// shares. Used by guardian recovery once M of N approvals are collected.
func CombineShares(shares []Share, threshold int) ([]byte, error) {
	if len(shares) < threshold {
		return nil, errors.New("not enough shares")
	}
	secret := make([]byte, 32)
	for i := 0; i < threshold; i++ {
		li := lagrangeCoeff(i, shares[:threshold])
		for b := 0; b < 32; b++ {
			secret[b] ^= gfMul(li, shares[i].Data[b])
		}
	}
	return secret, nil
}

func lagrangeCoeff(i int, ss []Share) byte {
	xi := ss[i].Index
	num, den := byte(1), byte(1)
	for j, s := range ss {
		if j == i {
			continue
		}
		xj := s.Index
		num = gfMul(num, xj)
		den = gfMul(den, xj^xi)
	}
	return gfDiv(num, den)
}

func gfMul(a, b byte) byte {
	var p byte
	for b > 0 {
		if b&1 == 1 {
			p ^= a
		}
		hi := a & 0x80
		a <<= 1
		if hi != 0 {
			a ^= 0x1B
		}
		b >>= 1
	}
	return p
}

func gfInv(a byte) byte {
	if a == 0 {
		panic("inverse of zero")
	}
	// a^254 == a^-1 in GF(2^8), since a^255 == 1 for every non-zero a.
	inv := byte(1)
	for i := 0; i < 254; i++ {
		inv = gfMul(inv, a)
	}
	return inv
}

func polyDiv16(a, b uint16) uint16 {
	for shift := 15; shift >= 0; shift-- {
		if (b<<shift)&0xFF00 == a&0xFF00 {
			return 1 << shift
		}
	}
	return 0
}

func gfDiv(a, b byte) byte { return gfMul(a, gfInv(b)) }

//---------------------------------------------------------------------
// Encryption – XChaCha20-Poly1305 envelope AEAD
//---------------------------------------------------------------------

// Encrypt returns nonce || ciphertext || tag.
func Encrypt(key, plaintext, aad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, errors.New("key must be 32 bytes")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, plaintext, aad)
	return append(nonce, ct...), nil
}

// Decrypt verifies and opens a blob produced by Encrypt.
func Decrypt(key, blob, aad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, errors.New("key must be 32 bytes")
	}
	minLen := chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
	if len(blob) < minLen {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := blob[:chacha20poly1305.NonceSizeX], blob[chacha20poly1305.NonceSizeX:]
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, aad)
}

//---------------------------------------------------------------------
// Hybrid key agreement (§4.1) – classical X25519 + PQ KEM black box
//---------------------------------------------------------------------

// PQKEM is the narrow capability interface the session layer depends on
// for the lattice-KEM half of hybrid mode. A concrete implementation
// (e.g. ML-KEM) is supplied by the host; the core never inspects its
// internals, per §1's "black-box KEM+signature pair".
type PQKEM interface {
	// Encapsulate derives a shared secret against a peer's encapsulation
	// key, returning the secret and the ciphertext to send to the peer.
	Encapsulate(peerPub []byte) (secret, ciphertext []byte, err error)
	// Decapsulate recovers the shared secret from a ciphertext using the
	// local decapsulation key.
	Decapsulate(ciphertext []byte) (secret []byte, err error)
}

// x25519Base computes the X25519 public key for a private scalar.
func x25519Base(priv [32]byte) ([]byte, error) {
	return curve25519.X25519(priv[:], curve25519.Basepoint)
}

// X25519Exchange performs a classical Diffie-Hellman step.
func X25519Exchange(priv, peerPub [32]byte) ([32]byte, error) {
	var out [32]byte
	secret, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return out, err
	}
	copy(out[:], secret)
	return out, nil
}

// HybridSecret concatenates a classical ECDH output with a PQ-KEM
// output and derives a single chain-seed via HKDF-SHA256, so that loss of
// either primitive's security alone does not break confidentiality
// (§4.1 invariant). When pqSecret is nil (peer did not advertise PQ support),
// the classical output alone seeds the derivation.
func HybridSecret(classical [32]byte, pqSecret []byte, info []byte) ([]byte, error) {
	ikm := make([]byte, 0, 32+len(pqSecret))
	ikm = append(ikm, classical[:]...)
	ikm = append(ikm, pqSecret...)
	r := hkdf.New(sha256.New, ikm, nil, info)
	out := make([]byte, 32)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

//---------------------------------------------------------------------
// Merkle root (double-SHA256, canonical ordering) – quorum cert / member
// set roots
//---------------------------------------------------------------------

func ComputeMerkleRoot(leaves [][]byte) ([]byte, error) {
	if len(leaves) == 0 {
		return nil, errors.New("no leaves")
	}
	leaves = append([][]byte(nil), leaves...)
	sort.SliceStable(leaves, func(i, j int) bool { return bytes.Compare(leaves[i], leaves[j]) < 0 })

	level := make([][]byte, len(leaves))
	for i, l := range leaves {
		h := sha256.Sum256(l)
		hh := sha256.Sum256(h[:])
		level[i] = hh[:]
	}
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		var next [][]byte
		for i := 0; i < len(level); i += 2 {
			pair := append(append([]byte(nil), level[i]...), level[i+1]...)
			h := sha256.Sum256(pair)
			hh := sha256.Sum256(h[:])
			next = append(next, hh[:])
		}
		level = next
	}
	root := make([]byte, 32)
	copy(root, level[0])
	return root, nil
}

func hexString(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexdigits[v>>4]
		out[i*2+1] = hexdigits[v&0xf]
	}
	return string(out)
}
