// Package wire implements the scalar and byte-string encodings shared by
// the Nix daemon worker protocol and the legacy serve protocol: 64-bit
// little-endian integers, integer-encoded booleans, and zero-padded byte
// strings. Higher layers (pkg/daemon, pkg/serve) build every compound type
// on top of these primitives.
package wire

import (
	"errors"
	"fmt"
	"io"
)

// ErrBadPadding is returned when a byte string's padding bytes are not all
// zero.
var ErrBadPadding = errors.New("wire: non-zero padding byte")

// ErrOverflow is returned when a byte string's declared length exceeds the
// caller-supplied ceiling.
var ErrOverflow = errors.New("wire: byte string exceeds maximum length")

// WriteUint64 writes v as an 8-byte little-endian integer.
func WriteUint64(w io.Writer, v uint64) error {
	var buf [8]byte

	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
	buf[4] = byte(v >> 32)
	buf[5] = byte(v >> 40)
	buf[6] = byte(v >> 48)
	buf[7] = byte(v >> 56)

	_, err := w.Write(buf[:])

	return err
}

// ReadUint64 reads an 8-byte little-endian integer.
func ReadUint64(r io.Reader) (uint64, error) {
	var buf [8]byte

	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, io.EOF
		}

		return 0, fmt.Errorf("wire: read uint64: %w", err)
	}

	v := uint64(buf[0]) | uint64(buf[1])<<8 | uint64(buf[2])<<16 | uint64(buf[3])<<24 |
		uint64(buf[4])<<32 | uint64(buf[5])<<40 | uint64(buf[6])<<48 | uint64(buf[7])<<56

	return v, nil
}

// WriteInt64 writes v as its 8-byte little-endian bit pattern, reinterpreted
// as unsigned. Used for signed fields such as timestamps.
func WriteInt64(w io.Writer, v int64) error {
	return WriteUint64(w, uint64(v))
}

// ReadInt64 reads an 8-byte little-endian integer and reinterprets it as
// signed.
func ReadInt64(r io.Reader) (int64, error) {
	v, err := ReadUint64(r)

	return int64(v), err
}

// WriteBool writes b as a uint64: 1 for true, 0 for false.
func WriteBool(w io.Writer, b bool) error {
	if b {
		return WriteUint64(w, 1)
	}

	return WriteUint64(w, 0)
}

// ReadBool reads a uint64 and reports whether it is nonzero. Any nonzero
// value decodes to true, matching upstream Nix's own leniency rather than
// requiring exactly 1.
func ReadBool(r io.Reader) (bool, error) {
	v, err := ReadUint64(r)
	if err != nil {
		return false, err
	}

	return v != 0, nil
}

// padLen returns the number of zero bytes needed to pad n to the next
// multiple of 8.
func padLen(n uint64) uint64 {
	return (8 - (n % 8)) % 8
}

// WriteString writes s as a byte string: a uint64 length, the bytes of s,
// then zero padding up to the next 8-byte boundary.
func WriteString(w io.Writer, s string) error {
	if err := WriteUint64(w, uint64(len(s))); err != nil {
		return err
	}

	if len(s) > 0 {
		if _, err := io.WriteString(w, s); err != nil {
			return err
		}
	}

	return writePadding(w, uint64(len(s)))
}

// WriteBytes writes b as a byte string, identically to WriteString.
func WriteBytes(w io.Writer, b []byte) error {
	if err := WriteUint64(w, uint64(len(b))); err != nil {
		return err
	}

	if len(b) > 0 {
		if _, err := w.Write(b); err != nil {
			return err
		}
	}

	return writePadding(w, uint64(len(b)))
}

func writePadding(w io.Writer, n uint64) error {
	pad := padLen(n)
	if pad == 0 {
		return nil
	}

	var zero [8]byte

	_, err := w.Write(zero[:pad])

	return err
}

// ReadString reads a byte string and decodes it as a Go string. maxBytes
// bounds the accepted length; exceeding it returns ErrOverflow.
func ReadString(r io.Reader, maxBytes uint64) (string, error) {
	b, err := ReadBytes(r, maxBytes)
	if err != nil {
		return "", err
	}

	return string(b), nil
}

// ReadBytes reads a byte string: a uint64 length, that many bytes, then
// zero padding to the next 8-byte boundary. Nonzero padding bytes are
// rejected with ErrBadPadding; a length beyond maxBytes is rejected with
// ErrOverflow before any data is read.
func ReadBytes(r io.Reader, maxBytes uint64) ([]byte, error) {
	n, err := ReadUint64(r)
	if err != nil {
		return nil, err
	}

	if n > maxBytes {
		return nil, fmt.Errorf("%w: %d > %d", ErrOverflow, n, maxBytes)
	}

	data := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("wire: read string data: %w", err)
		}
	}

	pad := padLen(n)
	if pad > 0 {
		var padBuf [8]byte

		if _, err := io.ReadFull(r, padBuf[:pad]); err != nil {
			return nil, fmt.Errorf("wire: read string padding: %w", err)
		}

		for _, b := range padBuf[:pad] {
			if b != 0 {
				return nil, ErrBadPadding
			}
		}
	}

	return data, nil
}
