package serve

import (
	"errors"
	"io"
	"sort"

	"github.com/cbrgm/nixworker/pkg/wire"
)

// MaxStringSize caps any single string/byte field this package decodes.
const MaxStringSize = 256 * 1024 * 1024

// errUnexpectedTerminator is reported when the trailing empty-string
// marker at the end of a path-info record is non-empty.
var errUnexpectedTerminator = errors.New("serve: expected empty path info terminator")

// writeStrings writes a list of strings as count + entries.
func writeStrings(w io.Writer, ss []string) error {
	if err := wire.WriteUint64(w, uint64(len(ss))); err != nil {
		return err
	}

	for _, s := range ss {
		if err := wire.WriteString(w, s); err != nil {
			return err
		}
	}

	return nil
}

// readStrings reads a list of strings.
func readStrings(r io.Reader) ([]string, error) {
	count, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read string list count", Err: err}
	}

	ss := make([]string, count)
	for i := uint64(0); i < count; i++ {
		s, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, &ProtocolError{Op: "read string list entry", Err: err}
		}

		ss[i] = s
	}

	return ss, nil
}

func writeStringMap(w io.Writer, m map[string]string) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	if err := wire.WriteUint64(w, uint64(len(keys))); err != nil {
		return err
	}

	for _, k := range keys {
		if err := wire.WriteString(w, k); err != nil {
			return err
		}

		if err := wire.WriteString(w, m[k]); err != nil {
			return err
		}
	}

	return nil
}

func readStringMap(r io.Reader) (map[string]string, error) {
	count, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read string map count", Err: err}
	}

	m := make(map[string]string, count)

	for i := uint64(0); i < count; i++ {
		key, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, &ProtocolError{Op: "read string map key", Err: err}
		}

		val, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, &ProtocolError{Op: "read string map value", Err: err}
		}

		m[key] = val
	}

	return m, nil
}

// writePathInfo writes a PathInfo in the QueryPathInfos response shape:
// path, deriver, references, a deprecated download-size zero, nar size,
// nar hash, content address, signatures, then an empty-string terminator
// (the client asserts this is empty once decoded).
func writePathInfo(w io.Writer, info *PathInfo) error {
	if err := wire.WriteString(w, info.Path); err != nil {
		return err
	}

	if err := wire.WriteString(w, info.Deriver); err != nil {
		return err
	}

	if err := writeStrings(w, info.References); err != nil {
		return err
	}

	if err := wire.WriteUint64(w, 0); err != nil { // deprecated download size
		return err
	}

	if err := wire.WriteUint64(w, info.NarSize); err != nil {
		return err
	}

	if err := wire.WriteString(w, info.NarHash); err != nil {
		return err
	}

	if err := wire.WriteString(w, info.CA); err != nil {
		return err
	}

	if err := writeStrings(w, info.Sigs); err != nil {
		return err
	}

	return wire.WriteString(w, "")
}

// readPathInfo reads the QueryPathInfos response shape for one path. A
// nil return with a nil error means the server reported the path as
// unknown (an empty leading path string).
func readPathInfo(r io.Reader) (*PathInfo, error) {
	path, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read path info path", Err: err}
	}

	if path == "" {
		return nil, nil //nolint:nilnil // absent path info is a valid, non-error outcome
	}

	deriver, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read path info deriver", Err: err}
	}

	references, err := readStrings(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read path info references", Err: err}
	}

	if _, err := wire.ReadUint64(r); err != nil { // deprecated download size
		return nil, &ProtocolError{Op: "read path info download size", Err: err}
	}

	narSize, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read path info nar size", Err: err}
	}

	narHash, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read path info nar hash", Err: err}
	}

	ca, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read path info content address", Err: err}
	}

	sigs, err := readStrings(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read path info sigs", Err: err}
	}

	if terminator, err := wire.ReadString(r, MaxStringSize); err != nil {
		return nil, &ProtocolError{Op: "read path info terminator", Err: err}
	} else if terminator != "" {
		return nil, &ProtocolError{Op: "read path info terminator", Err: errUnexpectedTerminator}
	}

	return &PathInfo{
		Path:       path,
		Deriver:    deriver,
		References: references,
		NarSize:    narSize,
		NarHash:    narHash,
		CA:         ca,
		Sigs:       sigs,
	}, nil
}

// writeBasicDerivation writes a BasicDerivation using the same ATerm-like
// grammar the daemon worker protocol's WriteBasicDerivation uses: it is
// the shared derivation encoding both protocols carry verbatim.
func writeBasicDerivation(w io.Writer, drv *BasicDerivation) error {
	names := make([]string, 0, len(drv.Outputs))
	for name := range drv.Outputs {
		names = append(names, name)
	}

	sort.Strings(names)

	if err := wire.WriteUint64(w, uint64(len(names))); err != nil {
		return err
	}

	for _, name := range names {
		out := drv.Outputs[name]

		if err := wire.WriteString(w, name); err != nil {
			return err
		}

		if err := wire.WriteString(w, out.Path); err != nil {
			return err
		}

		if err := wire.WriteString(w, out.HashAlgorithm); err != nil {
			return err
		}

		if err := wire.WriteString(w, out.Hash); err != nil {
			return err
		}
	}

	if err := writeStrings(w, drv.Inputs); err != nil {
		return err
	}

	if err := wire.WriteString(w, drv.Platform); err != nil {
		return err
	}

	if err := wire.WriteString(w, drv.Builder); err != nil {
		return err
	}

	if err := writeStrings(w, drv.Args); err != nil {
		return err
	}

	return writeStringMap(w, drv.Env)
}

func readBasicDerivation(r io.Reader) (*BasicDerivation, error) {
	count, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read derivation outputs count", Err: err}
	}

	outputs := make(map[string]DerivationOutput, count)

	for i := uint64(0); i < count; i++ {
		name, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, &ProtocolError{Op: "read derivation output name", Err: err}
		}

		path, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, &ProtocolError{Op: "read derivation output path", Err: err}
		}

		hashAlgorithm, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, &ProtocolError{Op: "read derivation output hash algorithm", Err: err}
		}

		hash, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, &ProtocolError{Op: "read derivation output hash", Err: err}
		}

		outputs[name] = DerivationOutput{Path: path, HashAlgorithm: hashAlgorithm, Hash: hash}
	}

	inputs, err := readStrings(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read derivation inputs", Err: err}
	}

	platform, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read derivation platform", Err: err}
	}

	builder, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read derivation builder", Err: err}
	}

	args, err := readStrings(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read derivation args", Err: err}
	}

	env, err := readStringMap(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read derivation env", Err: err}
	}

	return &BasicDerivation{
		Outputs:  outputs,
		Inputs:   inputs,
		Platform: platform,
		Builder:  builder,
		Args:     args,
		Env:      env,
	}, nil
}
