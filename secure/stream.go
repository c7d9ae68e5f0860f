// SPDX-FileCopyrightText: © 2024 The Kestrel Authors
// SPDX-License-Identifier: AGPL-3.0-only

package secure

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/kestrelipc/kestrel/transport"
)

// WriteBufSize bounds the plaintext carried by one package. Writes are
// batched until the buffer reaches this size; Flush emits a short final
// package.
const WriteBufSize = 1024

// nonceFor places the per direction package counter in the final eight
// bytes of the AEAD nonce. Both sides keep their counters in lockstep,
// one per direction.
func nonceFor(counter uint64, size int) []byte {
	nonce := make([]byte, size)
	binary.BigEndian.PutUint64(nonce[size-8:], counter)
	return nonce
}

// writePackage seals plaintext under the counter nonce and writes one
// `u32 BE length ‖ ciphertext` package.
func writePackage(w io.Writer, aead cipher.AEAD, counter uint64, plaintext []byte) error {
	ct := aead.Seal(nil, nonceFor(counter, aead.NonceSize()), plaintext, nil)
	buf := make([]byte, 4+len(ct))
	binary.BigEndian.PutUint32(buf, uint32(len(ct)))
	copy(buf[4:], ct)
	_, err := w.Write(buf)
	return err
}

// readPackage reads one package and opens it under the counter nonce.
func readPackage(r io.Reader, aead cipher.AEAD, counter uint64, maxCiphertext int) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if int(n) > maxCiphertext {
		return nil, fmt.Errorf("secure: package of %d bytes exceeds limit of %d", n, maxCiphertext)
	}
	if int(n) < aead.Overhead() {
		return nil, fmt.Errorf("secure: package of %d bytes shorter than authentication tag", n)
	}
	ct := make([]byte, n)
	if _, err := io.ReadFull(r, ct); err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonceFor(counter, aead.NonceSize()), ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return pt, nil
}

// stream is the encrypted overlay over an inner transport stream. The
// two halves share nothing but the derived keys; each owns its AEAD
// instance and nonce counter exclusively.
type stream struct {
	r *readHalf
	w *writeHalf
}

// newStream performs the handshake on the raw stream, then splits it and
// wires the encrypted halves.
func newStream(inner transport.Stream, cfg *Config) (transport.Stream, error) {
	tx, rx, err := handshake(inner, cfg)
	if err != nil {
		return nil, err
	}
	ir, iw := inner.Split()
	return &stream{
		// counter 0 was consumed by key confirmation on both directions
		r: &readHalf{inner: ir, aead: rx, counter: 1},
		w: &writeHalf{inner: iw, aead: tx, counter: 1},
	}, nil
}

func (s *stream) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *stream) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s *stream) Close() error {
	err := s.w.Close()
	if rerr := s.r.Close(); err == nil {
		err = rerr
	}
	return err
}

func (s *stream) Split() (transport.ReadHalf, transport.WriteHalf) {
	return s.r, s.w
}

type readHalf struct {
	mu       sync.Mutex
	inner    transport.ReadHalf
	aead     cipher.AEAD
	counter  uint64
	residual []byte
	err      error
}

// Read delivers buffered plaintext first; when the buffer is empty it
// reads and opens the next package. Partial delivery is allowed and the
// residue persists across calls. An authentication failure is latched and
// every subsequent call returns it.
func (r *readHalf) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return 0, r.err
	}
	if len(p) == 0 {
		return 0, nil
	}

	for len(r.residual) == 0 {
		pt, err := readPackage(r.inner, r.aead, r.counter, WriteBufSize+r.aead.Overhead())
		if err != nil {
			if err != io.EOF {
				r.err = err
			}
			return 0, err
		}
		r.counter++
		r.residual = pt
	}

	n := copy(p, r.residual)
	r.residual = r.residual[n:]
	return n, nil
}

func (r *readHalf) Close() error { return r.inner.Close() }

type writeHalf struct {
	mu      sync.Mutex
	inner   transport.WriteHalf
	aead    cipher.AEAD
	counter uint64
	buf     []byte
	err     error
}

// Write copies the caller's bytes into the owned buffer and emits full
// packages once the buffer reaches WriteBufSize.
func (w *writeHalf) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil {
		return 0, w.err
	}
	w.buf = append(w.buf, p...)
	for len(w.buf) >= WriteBufSize {
		if err := w.emit(w.buf[:WriteBufSize]); err != nil {
			return 0, err
		}
		w.buf = w.buf[WriteBufSize:]
	}
	return len(p), nil
}

// Flush forces any buffered plaintext out as a final, possibly short
// package and flushes the inner half.
func (w *writeHalf) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *writeHalf) flushLocked() error {
	if w.err != nil {
		return w.err
	}
	if len(w.buf) > 0 {
		if err := w.emit(w.buf); err != nil {
			return err
		}
		w.buf = nil
	}
	return w.inner.Flush()
}

// Close flushes then shuts down the inner writer.
func (w *writeHalf) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	ferr := w.flushLocked()
	cerr := w.inner.Close()
	if ferr != nil {
		return ferr
	}
	return cerr
}

func (w *writeHalf) emit(plaintext []byte) error {
	if err := writePackage(w.inner, w.aead, w.counter, plaintext); err != nil {
		w.err = err
		return err
	}
	w.counter++
	return nil
}
