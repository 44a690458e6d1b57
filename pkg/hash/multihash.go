package hash

import (
	"fmt"

	multihash "github.com/multiformats/go-multihash"
)

// mhCodes maps our Algorithm to the corresponding multihash function code.
// MD5 has no standard multihash code, so it is left unmapped.
//
//nolint:gochecknoglobals
var mhCodes = map[Algorithm]uint64{
	SHA1:   multihash.SHA1,
	SHA256: multihash.SHA2_256,
	SHA512: multihash.SHA2_512,
}

// ToMultihash re-encodes h as a multihash byte string: a varint function
// code, a varint digest length, then the raw digest. This is how a Hash
// crosses into content-addressing systems that speak multihash (e.g. IPFS
// interop for fixed-output derivations fetched from an IPFS substituter),
// outside the worker protocol proper.
func (h Hash) ToMultihash() (multihash.Multihash, error) {
	code, ok := mhCodes[h.Algorithm]
	if !ok {
		return nil, fmt.Errorf("hash: %s has no multihash function code", h.Algorithm)
	}

	return multihash.Encode(h.Data, code)
}

// FromMultihash decodes a multihash byte string back into a Hash.
func FromMultihash(mh multihash.Multihash) (Hash, error) {
	dec, err := multihash.Decode(mh)
	if err != nil {
		return Hash{}, fmt.Errorf("hash: decode multihash: %w", err)
	}

	for algo, code := range mhCodes {
		if code == dec.Code {
			return New(algo, dec.Digest)
		}
	}

	return Hash{}, fmt.Errorf("hash: unsupported multihash function code %d", dec.Code)
}
