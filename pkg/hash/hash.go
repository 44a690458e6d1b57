// Package hash implements the hash-encoding forms spec.md names for store
// path and NAR content hashes: lower-case hex, the Nix base-32 alphabet,
// RFC 4648 base-64 (including the SRI "<algo>-<base64>" form), and an
// algorithm-name prefix ("sha256:", "sha1:", "md5:", "sha512:"). The wire
// codec never interprets these strings; this package is what callers above
// the protocol layer use to parse and print them.
package hash

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// Algorithm identifies a digest algorithm a store path or NAR hash may use.
type Algorithm string

const (
	MD5    Algorithm = "md5"
	SHA1   Algorithm = "sha1"
	SHA256 Algorithm = "sha256"
	SHA512 Algorithm = "sha512"
)

// Size returns the digest size of the algorithm in bytes.
func (a Algorithm) Size() int {
	switch a {
	case MD5:
		return 16
	case SHA1:
		return 20
	case SHA256:
		return 32
	case SHA512:
		return 64
	default:
		return 0
	}
}

// base32Alphabet is Nix's own base-32 alphabet, not RFC 4648's: the ten
// digits followed by the lowercase letters with e, o, u, t removed to avoid
// accidentally spelling words.
const base32Alphabet = "0123456789abcdfghijklmnpqrsvwxyz"

// Hash is a parsed digest: an algorithm tag plus its raw bytes.
type Hash struct {
	Algorithm Algorithm
	Data      []byte
}

// New constructs a Hash, erroring on an unknown algorithm or the wrong length.
func New(algo Algorithm, data []byte) (Hash, error) {
	if n := algo.Size(); n == 0 {
		return Hash{}, fmt.Errorf("hash: unknown algorithm %q", algo)
	} else if len(data) != n {
		return Hash{}, fmt.Errorf("hash: %s digest must be %d bytes, got %d", algo, n, len(data))
	}

	return Hash{Algorithm: algo, Data: data}, nil
}

// base32Len returns the length of the base-32 encoding of an n-byte digest,
// per the same formula upstream Nix uses: ceil(n*8/5).
func base32Len(n int) int {
	return (n*8-1)/5 + 1
}

// EncodeBase32 encodes data using Nix's base-32 alphabet. Unlike RFC 4648
// base-32, bits are consumed most-significant-byte-first but
// least-significant-bit-first within the accumulator, matching upstream's
// own printHash32.
func EncodeBase32(data []byte) string {
	length := base32Len(len(data))
	buf := make([]byte, length)

	for n := 0; n < length; n++ {
		b := n * 5
		i := b / 8
		j := b % 8

		var c uint16
		for k := i; k < len(data) && k < i+2; k++ {
			c |= uint16(data[k]) << (8 * (k - i))
		}

		digit := byte(c>>uint(j)) & 0x1f
		buf[length-1-n] = base32Alphabet[digit]
	}

	return string(buf)
}

// DecodeBase32 is the inverse of EncodeBase32; size is the expected decoded
// length in bytes.
func DecodeBase32(s string, size int) ([]byte, error) {
	if len(s) != base32Len(size) {
		return nil, fmt.Errorf("hash: bad base32 length: %d", len(s))
	}

	data := make([]byte, size)

	for n := 0; n < len(s); n++ {
		c := s[len(s)-1-n]

		digit := strings.IndexByte(base32Alphabet, c)
		if digit < 0 {
			return nil, fmt.Errorf("hash: invalid base32 character %q", c)
		}

		b := n * 5
		i := b / 8
		j := b % 8

		data[i] |= byte(digit) << uint(j)

		if i+1 < size {
			data[i+1] |= byte(uint16(digit) >> uint(8-j))
		}
	}

	return data, nil
}

// Encode renders h in the given form: "base16", "base32", "base64", or
// "sri". base16/base32/base64 are prefixed with the algorithm name and a
// colon; sri uses "<algo>-<base64>".
func (h Hash) Encode(form string) (string, error) {
	switch form {
	case "base16":
		return string(h.Algorithm) + ":" + hex.EncodeToString(h.Data), nil
	case "base32":
		return string(h.Algorithm) + ":" + EncodeBase32(h.Data), nil
	case "base64":
		return string(h.Algorithm) + ":" + base64.StdEncoding.EncodeToString(h.Data), nil
	case "sri":
		return string(h.Algorithm) + "-" + base64.StdEncoding.EncodeToString(h.Data), nil
	default:
		return "", fmt.Errorf("hash: unknown encoding form %q", form)
	}
}

// String renders h in base-32 form, the form Nix prints in store paths and
// narHash fields by default.
func (h Hash) String() string {
	s, _ := h.Encode("base32")

	return s
}

// Parse parses a hash in any of the forms this package emits: a bare
// algorithm-prefixed hex/base32/base64 string, or an SRI string. If prefix
// is absent and algo is non-empty, algo is assumed.
func Parse(s string, algo Algorithm) (Hash, error) {
	if idx := strings.IndexByte(s, '-'); idx >= 0 {
		// SRI form only if the prefix actually names a known algorithm;
		// otherwise '-' may legitimately appear in a bare digest (it does
		// not, for any of our alphabets, but err on the side of the ':' form).
		if a := Algorithm(s[:idx]); a.Size() != 0 {
			data, err := base64.StdEncoding.DecodeString(s[idx+1:])
			if err != nil {
				return Hash{}, fmt.Errorf("hash: bad SRI base64: %w", err)
			}

			return New(a, data)
		}
	}

	rest := s
	a := algo

	if idx := strings.IndexByte(s, ':'); idx >= 0 {
		a = Algorithm(s[:idx])
		rest = s[idx+1:]
	}

	if a == "" {
		return Hash{}, fmt.Errorf("hash: %q has no algorithm prefix and none was supplied", s)
	}

	size := a.Size()
	if size == 0 {
		return Hash{}, fmt.Errorf("hash: unknown algorithm %q", a)
	}

	switch len(rest) {
	case size * 2:
		data, err := hex.DecodeString(rest)
		if err != nil {
			return Hash{}, fmt.Errorf("hash: bad base16 %q: %w", rest, err)
		}

		return New(a, data)
	case base32Len(size):
		data, err := DecodeBase32(rest, size)
		if err != nil {
			return Hash{}, fmt.Errorf("hash: bad base32 %q: %w", rest, err)
		}

		return New(a, data)
	default:
		data, err := base64.StdEncoding.DecodeString(rest)
		if err != nil {
			return Hash{}, fmt.Errorf("hash: %q is not a valid base16, base32, or base64 digest: %w", rest, err)
		}

		return New(a, data)
	}
}
