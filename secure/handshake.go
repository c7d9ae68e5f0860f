// SPDX-FileCopyrightText: © 2024 The Kestrel Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package secure layers authenticated encryption over any kestrel
// transport. A one round X25519 exchange with fresh challenges yields a
// pair of directional ChaCha20-Poly1305 keys; afterwards the stream
// carries length prefixed AEAD packages whose decrypted concatenation is
// the plain byte stream the dispatcher sees.
package secure

import (
	"bytes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"lukechampine.com/frand"

	"github.com/kestrelipc/kestrel/transport"
)

const challengeSize = 16

var (
	// ErrAuth is returned when a package fails authentication. The stream
	// is unusable afterwards.
	ErrAuth = errors.New("secure: message authentication failed")

	// ErrHandshake is returned when the key exchange or the key
	// confirmation step fails.
	ErrHandshake = errors.New("secure: handshake failed")
)

// Role selects which side of the handshake this peer performs.
type Role int

const (
	// RoleInitiator speaks first; the dialing side.
	RoleInitiator Role = iota
	// RoleResponder answers; the accepting side.
	RoleResponder
)

// Config carries the key material and role for one secure stream.
type Config struct {
	// PSK is optional pre-shared key material mixed into the derived
	// session key. Both peers must agree on it.
	PSK []byte

	// Role is the handshake role.
	Role Role
}

// helloSize is an X25519 public key followed by a random challenge.
const helloSize = 32 + challengeSize

type hello struct {
	pub       [32]byte
	challenge [challengeSize]byte
}

func (h *hello) bytes() []byte {
	b := make([]byte, helloSize)
	copy(b, h.pub[:])
	copy(b[32:], h.challenge[:])
	return b
}

func readHello(r io.Reader) (*hello, error) {
	var b [helloSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return nil, err
	}
	h := new(hello)
	copy(h.pub[:], b[:32])
	copy(h.challenge[:], b[32:])
	return h, nil
}

// deriveKeys computes the two directional AEAD keys from the X25519
// shared secret, the optional PSK, and both challenges.
func deriveKeys(shared []byte, cfg *Config, ci, cr [challengeSize]byte) (initiator, responder cipher.AEAD, err error) {
	master := blake2b.Sum256(append(append([]byte{}, shared...), cfg.PSK...))

	mix := func(label string) []byte {
		buf := make([]byte, 0, 32+2*challengeSize+len(label))
		buf = append(buf, master[:]...)
		buf = append(buf, ci[:]...)
		buf = append(buf, cr[:]...)
		buf = append(buf, label...)
		k := blake2b.Sum256(buf)
		return k[:]
	}

	initiator, err = chacha20poly1305.New(mix("initiator"))
	if err != nil {
		return nil, nil, err
	}
	responder, err = chacha20poly1305.New(mix("responder"))
	if err != nil {
		return nil, nil, err
	}
	return initiator, responder, nil
}

// handshake runs the key exchange on the raw stream and returns the send
// and receive halves of the encrypted channel. The initiator writes
// first; every subsequent step strictly alternates so the exchange also
// works over synchronous in-memory pipes.
func handshake(conn io.ReadWriter, cfg *Config) (tx, rx cipher.AEAD, err error) {
	sk := frand.Bytes(32)
	var ours hello
	pub, err := curve25519.X25519(sk, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	copy(ours.pub[:], pub)
	frand.Read(ours.challenge[:])

	var theirs *hello
	if cfg.Role == RoleInitiator {
		if _, err := conn.Write(ours.bytes()); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		if theirs, err = readHello(conn); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrHandshake, err)
		}
	} else {
		if theirs, err = readHello(conn); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		if _, err := conn.Write(ours.bytes()); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrHandshake, err)
		}
	}

	shared, err := curve25519.X25519(sk, theirs.pub[:])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	ci, cr := ours.challenge, theirs.challenge
	if cfg.Role == RoleResponder {
		ci, cr = theirs.challenge, ours.challenge
	}
	initAEAD, respAEAD, err := deriveKeys(shared, cfg, ci, cr)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	tx, rx = initAEAD, respAEAD
	if cfg.Role == RoleResponder {
		tx, rx = respAEAD, initAEAD
	}

	// Key confirmation: each side seals the peer's challenge under its
	// send key with counter nonce 0. The fresh challenge makes a replayed
	// handshake unverifiable.
	if err := confirmKeys(conn, cfg.Role, tx, rx, theirs.challenge, ours.challenge); err != nil {
		return nil, nil, err
	}
	return tx, rx, nil
}

func confirmKeys(conn io.ReadWriter, role Role, tx, rx cipher.AEAD, peerChallenge, ownChallenge [challengeSize]byte) error {
	send := func() error {
		return writePackage(conn, tx, 0, peerChallenge[:])
	}
	recv := func() error {
		echo, err := readPackage(conn, rx, 0, challengeSize+tx.Overhead())
		if err != nil {
			return fmt.Errorf("%w: key confirmation: %v", ErrHandshake, err)
		}
		if !bytes.Equal(echo, ownChallenge[:]) {
			return fmt.Errorf("%w: key confirmation mismatch", ErrHandshake)
		}
		return nil
	}

	if role == RoleInitiator {
		if err := send(); err != nil {
			return err
		}
		return recv()
	}
	if err := recv(); err != nil {
		return err
	}
	return send()
}

// Wrap layers the encrypted overlay over an already connected stream,
// performing the handshake per cfg before returning. The dialing side
// passes RoleInitiator.
func Wrap(inner transport.Stream, cfg *Config) (transport.Stream, error) {
	return newStream(inner, cfg)
}

// listener wraps an inner Listener; every accepted stream completes a
// responder handshake before it is handed out.
type listener struct {
	inner transport.Listener
	cfg   Config
}

// NewListener wraps inner so that accepted streams are encrypted. The
// config's role is forced to responder.
func NewListener(inner transport.Listener, cfg *Config) transport.Listener {
	c := *cfg
	c.Role = RoleResponder
	return &listener{inner: inner, cfg: c}
}

func (l *listener) Accept() (transport.Stream, net.Addr, error) {
	raw, addr, err := l.inner.Accept()
	if err != nil {
		return nil, nil, err
	}
	s, err := newStream(raw, &l.cfg)
	if err != nil {
		raw.Close()
		return nil, nil, err
	}
	return s, addr, nil
}

func (l *listener) Close() error   { return l.inner.Close() }
func (l *listener) Addr() net.Addr { return l.inner.Addr() }
