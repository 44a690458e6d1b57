package daemon

import (
	"io"
	"sort"

	"github.com/cbrgm/nixworker/pkg/wire"
)

// WriteStrings writes a list of strings as count + entries.
func WriteStrings(w io.Writer, ss []string) error {
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

// ReadStrings reads a list of strings.
func ReadStrings(r io.Reader, maxBytes uint64) ([]string, error) {
	count, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read string list count", Err: err}
	}

	ss := make([]string, count)
	for i := uint64(0); i < count; i++ {
		s, err := wire.ReadString(r, maxBytes)
		if err != nil {
			return nil, &ProtocolError{Op: "read string list entry", Err: err}
		}

		ss[i] = s
	}

	return ss, nil
}

// WriteStringMap writes a map as count + sorted key/value pairs.
func WriteStringMap(w io.Writer, m map[string]string) error {
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

// ReadStringMap reads a map of string key/value pairs.
func ReadStringMap(r io.Reader, maxBytes uint64) (map[string]string, error) {
	count, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read string map count", Err: err}
	}

	m := make(map[string]string, count)
	for i := uint64(0); i < count; i++ {
		key, err := wire.ReadString(r, maxBytes)
		if err != nil {
			return nil, &ProtocolError{Op: "read string map key", Err: err}
		}

		val, err := wire.ReadString(r, maxBytes)
		if err != nil {
			return nil, &ProtocolError{Op: "read string map value", Err: err}
		}

		m[key] = val
	}

	return m, nil
}

// ReadFullPathInfo reads a keyed ValidPathInfo: the store path followed by
// the same fields ReadPathInfo decodes. Used where the wire form carries its
// own store path (AddToStoreNar, AddMultipleToStore) rather than reusing one
// the caller already sent (QueryPathInfo).
func ReadFullPathInfo(r io.Reader) (*PathInfo, error) {
	storePath, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read path info storePath", Err: err}
	}

	return ReadPathInfo(r, storePath)
}

// ReadPathInfo reads a full PathInfo from the wire (UnkeyedValidPathInfo format).
// storePath is provided separately (already known by the caller).
func ReadPathInfo(r io.Reader, storePath string) (*PathInfo, error) {
	deriver, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read path info deriver", Err: err}
	}

	narHash, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read path info narHash", Err: err}
	}

	references, err := ReadStrings(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read path info references", Err: err}
	}

	registrationTime, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read path info registrationTime", Err: err}
	}

	narSize, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read path info narSize", Err: err}
	}

	ultimate, err := wire.ReadBool(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read path info ultimate", Err: err}
	}

	sigs, err := ReadStrings(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read path info sigs", Err: err}
	}

	ca, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read path info contentAddress", Err: err}
	}

	return &PathInfo{
		StorePath:        storePath,
		Deriver:          deriver,
		NarHash:          narHash,
		References:       references,
		RegistrationTime: registrationTime,
		NarSize:          narSize,
		Ultimate:         ultimate,
		Sigs:             sigs,
		CA:               ca,
	}, nil
}

// WritePathInfo writes a PathInfo in keyed ValidPathInfo wire format
// (store path, then the fields WriteUnkeyedPathInfo writes).
func WritePathInfo(w io.Writer, info *PathInfo) error {
	if err := wire.WriteString(w, info.StorePath); err != nil {
		return err
	}

	return WriteUnkeyedPathInfo(w, info)
}

// WriteUnkeyedPathInfo writes a PathInfo's fields excluding the store path
// itself, matching ReadPathInfo's companion. Used for QueryPathInfo
// responses, where the client already supplied the store path in its
// request.
func WriteUnkeyedPathInfo(w io.Writer, info *PathInfo) error {
	if err := wire.WriteString(w, info.Deriver); err != nil {
		return err
	}

	if err := wire.WriteString(w, info.NarHash); err != nil {
		return err
	}

	if err := WriteStrings(w, info.References); err != nil {
		return err
	}

	if err := wire.WriteUint64(w, info.RegistrationTime); err != nil {
		return err
	}

	if err := wire.WriteUint64(w, info.NarSize); err != nil {
		return err
	}

	if err := wire.WriteBool(w, info.Ultimate); err != nil {
		return err
	}

	if err := WriteStrings(w, info.Sigs); err != nil {
		return err
	}

	return wire.WriteString(w, info.CA)
}

// WriteBasicDerivation writes a BasicDerivation to the wire. Outputs are
// written sorted by name; environment variables are written sorted by key.
func WriteBasicDerivation(w io.Writer, drv *BasicDerivation) error {
	// Outputs: count + sorted entries.
	outputNames := make([]string, 0, len(drv.Outputs))
	for name := range drv.Outputs {
		outputNames = append(outputNames, name)
	}

	sort.Strings(outputNames)

	if err := wire.WriteUint64(w, uint64(len(outputNames))); err != nil {
		return err
	}

	for _, name := range outputNames {
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

	// Inputs: count + strings.
	if err := WriteStrings(w, drv.Inputs); err != nil {
		return err
	}

	// Platform.
	if err := wire.WriteString(w, drv.Platform); err != nil {
		return err
	}

	// Builder.
	if err := wire.WriteString(w, drv.Builder); err != nil {
		return err
	}

	// Args: count + strings.
	if err := WriteStrings(w, drv.Args); err != nil {
		return err
	}

	// Env: count + sorted key/value pairs.
	return WriteStringMap(w, drv.Env)
}

// ReadBasicDerivation reads a BasicDerivation from the wire.
func ReadBasicDerivation(r io.Reader) (*BasicDerivation, error) {
	nrOutputs, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read basic derivation outputs count", Err: err}
	}

	outputs := make(map[string]DerivationOutput, nrOutputs)

	for i := uint64(0); i < nrOutputs; i++ {
		name, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, &ProtocolError{Op: "read basic derivation output name", Err: err}
		}

		path, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, &ProtocolError{Op: "read basic derivation output path", Err: err}
		}

		hashAlgorithm, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, &ProtocolError{Op: "read basic derivation output hash algorithm", Err: err}
		}

		hash, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, &ProtocolError{Op: "read basic derivation output hash", Err: err}
		}

		outputs[name] = DerivationOutput{Path: path, HashAlgorithm: hashAlgorithm, Hash: hash}
	}

	inputs, err := ReadStrings(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read basic derivation inputs", Err: err}
	}

	platform, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read basic derivation platform", Err: err}
	}

	builder, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read basic derivation builder", Err: err}
	}

	args, err := ReadStrings(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read basic derivation args", Err: err}
	}

	env, err := ReadStringMap(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read basic derivation env", Err: err}
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

// ReadBuildResult reads a BuildResult from the wire. Fields gated off at
// version report their zero value (see BuildResult).
func ReadBuildResult(r io.Reader, version uint64) (*BuildResult, error) {
	g := gatesFor(version)

	status, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read build result status", Err: err}
	}

	errorMsg, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read build result errorMsg", Err: err}
	}

	result := &BuildResult{
		Status:   BuildStatus(status),
		ErrorMsg: errorMsg,
	}

	if g.buildResultCounters() {
		if result.TimesBuilt, err = wire.ReadUint64(r); err != nil {
			return nil, &ProtocolError{Op: "read build result timesBuilt", Err: err}
		}

		if result.IsNonDeterministic, err = wire.ReadBool(r); err != nil {
			return nil, &ProtocolError{Op: "read build result isNonDeterministic", Err: err}
		}

		if result.StartTime, err = wire.ReadUint64(r); err != nil {
			return nil, &ProtocolError{Op: "read build result startTime", Err: err}
		}

		if result.StopTime, err = wire.ReadUint64(r); err != nil {
			return nil, &ProtocolError{Op: "read build result stopTime", Err: err}
		}
	}

	if g.buildResultCPUTimes() {
		cpuUser, err := readOptionalMicroseconds(r)
		if err != nil {
			return nil, &ProtocolError{Op: "read build result cpuUser", Err: err}
		}

		cpuSystem, err := readOptionalMicroseconds(r)
		if err != nil {
			return nil, &ProtocolError{Op: "read build result cpuSystem", Err: err}
		}

		result.CpuUser = cpuUser
		result.CpuSystem = cpuSystem
	}

	if !g.buildResultBuiltOutputs() {
		return result, nil
	}

	nrOutputs, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read build result builtOutputs count", Err: err}
	}

	builtOutputs := make(map[string]Realisation, nrOutputs)
	for i := uint64(0); i < nrOutputs; i++ {
		name, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, &ProtocolError{Op: "read build result output name", Err: err}
		}

		realisationJSON, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, &ProtocolError{Op: "read build result realisation", Err: err}
		}

		builtOutputs[name] = Realisation{ID: realisationJSON}
	}

	result.BuiltOutputs = builtOutputs

	return result, nil
}

// WriteBuildResult writes a BuildResult to the wire, applying the same
// version gates as ReadBuildResult.
func WriteBuildResult(w io.Writer, result *BuildResult, version uint64) error {
	g := gatesFor(version)

	if err := wire.WriteUint64(w, uint64(result.Status)); err != nil {
		return &ProtocolError{Op: "write build result status", Err: err}
	}

	if err := wire.WriteString(w, result.ErrorMsg); err != nil {
		return &ProtocolError{Op: "write build result errorMsg", Err: err}
	}

	if g.buildResultCounters() {
		if err := wire.WriteUint64(w, result.TimesBuilt); err != nil {
			return &ProtocolError{Op: "write build result timesBuilt", Err: err}
		}

		if err := wire.WriteBool(w, result.IsNonDeterministic); err != nil {
			return &ProtocolError{Op: "write build result isNonDeterministic", Err: err}
		}

		if err := wire.WriteUint64(w, result.StartTime); err != nil {
			return &ProtocolError{Op: "write build result startTime", Err: err}
		}

		if err := wire.WriteUint64(w, result.StopTime); err != nil {
			return &ProtocolError{Op: "write build result stopTime", Err: err}
		}
	}

	if g.buildResultCPUTimes() {
		if err := writeOptionalMicroseconds(w, result.CpuUser); err != nil {
			return &ProtocolError{Op: "write build result cpuUser", Err: err}
		}

		if err := writeOptionalMicroseconds(w, result.CpuSystem); err != nil {
			return &ProtocolError{Op: "write build result cpuSystem", Err: err}
		}
	}

	if !g.buildResultBuiltOutputs() {
		return nil
	}

	if err := wire.WriteUint64(w, uint64(len(result.BuiltOutputs))); err != nil {
		return &ProtocolError{Op: "write build result builtOutputs count", Err: err}
	}

	outputNames := make([]string, 0, len(result.BuiltOutputs))
	for name := range result.BuiltOutputs {
		outputNames = append(outputNames, name)
	}

	sort.Strings(outputNames)

	for _, name := range outputNames {
		if err := wire.WriteString(w, name); err != nil {
			return &ProtocolError{Op: "write build result output name", Err: err}
		}

		if err := wire.WriteString(w, result.BuiltOutputs[name].ID); err != nil {
			return &ProtocolError{Op: "write build result realisation", Err: err}
		}
	}

	return nil
}

// readOptionalMicroseconds reads an Option<Microseconds>: a presence tag
// (0 = absent, nonzero = present), sent as a u64 like every wire integer,
// followed by the value when present.
func readOptionalMicroseconds(r io.Reader) (*int64, error) {
	present, err := wire.ReadBool(r)
	if err != nil {
		return nil, err
	}

	if !present {
		return nil, nil
	}

	v, err := wire.ReadInt64(r)
	if err != nil {
		return nil, err
	}

	return &v, nil
}

// writeOptionalMicroseconds writes an Option<Microseconds> (see
// readOptionalMicroseconds).
func writeOptionalMicroseconds(w io.Writer, v *int64) error {
	if v == nil {
		return wire.WriteBool(w, false)
	}

	if err := wire.WriteBool(w, true); err != nil {
		return err
	}

	return wire.WriteInt64(w, *v)
}
