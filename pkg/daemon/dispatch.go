package daemon

import (
	"bytes"
	"context"
	"io"

	"github.com/cbrgm/nixworker/pkg/narv2"
	"github.com/cbrgm/nixworker/pkg/wire"
)

// opHandler decodes one operation's request from s.r, invokes the Store,
// and returns a writeResp closure for the declared response fields (nil if
// the operation has none). recoverable is a Store-reported failure that
// becomes an Error log frame; wireErr is a codec/transport failure that
// closes the connection.
type opHandler func(s *Server, ctx context.Context) (writeResp func(io.Writer) error, recoverable error, wireErr error)

//nolint:gochecknoglobals
var dispatchTable = map[Operation]opHandler{
	OpIsValidPath:              handleIsValidPath,
	OpQueryReferrers:           handleQueryReferrers,
	OpBuildPaths:               handleBuildPaths,
	OpEnsurePath:               handleEnsurePath,
	OpAddTempRoot:              handleAddTempRoot,
	OpAddIndirectRoot:          handleAddIndirectRoot,
	OpFindRoots:                handleFindRoots,
	OpSetOptions:               handleSetOptions,
	OpCollectGarbage:           handleCollectGarbage,
	OpQueryAllValidPaths:       handleQueryAllValidPaths,
	OpQueryPathInfo:            handleQueryPathInfo,
	OpQueryPathFromHashPart:    handleQueryPathFromHashPart,
	OpQueryValidPaths:          handleQueryValidPaths,
	OpQuerySubstitutablePaths:  handleQuerySubstitutablePaths,
	OpQueryValidDerivers:       handleQueryValidDerivers,
	OpOptimiseStore:            handleOptimiseStore,
	OpVerifyStore:              handleVerifyStore,
	OpBuildDerivation:          handleBuildDerivation,
	OpAddSignatures:            handleAddSignatures,
	OpNarFromPath:              handleNarFromPath,
	OpAddToStoreNar:            handleAddToStoreNar,
	OpQueryMissing:             handleQueryMissing,
	OpQueryDerivationOutputMap: handleQueryDerivationOutputMap,
	OpRegisterDrvOutput:        handleRegisterDrvOutput,
	OpQueryRealisation:         handleQueryRealisation,
	OpAddMultipleToStore:       handleAddMultipleToStore,
	OpAddBuildLog:              handleAddBuildLog,
	OpBuildPathsWithResults:    handleBuildPathsWithResults,
	OpAddPermRoot:              handleAddPermRoot,
}

func handleIsValidPath(s *Server, ctx context.Context) (func(io.Writer) error, error, error) {
	path, err := wire.ReadString(s.r, MaxStringSize)
	if err != nil {
		return nil, nil, &ProtocolError{Op: "IsValidPath read path", Err: err}
	}

	valid, storeErr := s.store.IsValidPath(ctx, path)
	if storeErr != nil {
		return nil, storeErr, nil
	}

	return func(w io.Writer) error { return wire.WriteBool(w, valid) }, nil, nil
}

func handleQueryPathInfo(s *Server, ctx context.Context) (func(io.Writer) error, error, error) {
	path, err := wire.ReadString(s.r, MaxStringSize)
	if err != nil {
		return nil, nil, &ProtocolError{Op: "QueryPathInfo read path", Err: err}
	}

	info, storeErr := s.store.QueryPathInfo(ctx, path)
	if storeErr != nil {
		return nil, storeErr, nil
	}

	g := gatesFor(s.info.Version)

	return func(w io.Writer) error {
		if g.pathInfoPresenceTag() {
			if err := wire.WriteBool(w, info != nil); err != nil {
				return err
			}

			if info == nil {
				return nil
			}

			return WriteUnkeyedPathInfo(w, info)
		}

		if info == nil {
			// Pre-1.17 clients learn absence only through the fragile
			// "is not valid" string match; a
			// Store that wants to signal that to an old client must
			// return that error itself rather than (nil, nil).
			return nil
		}

		return WriteUnkeyedPathInfo(w, info)
	}, nil, nil
}

func handleQueryPathFromHashPart(s *Server, ctx context.Context) (func(io.Writer) error, error, error) {
	hashPart, err := wire.ReadString(s.r, MaxStringSize)
	if err != nil {
		return nil, nil, &ProtocolError{Op: "QueryPathFromHashPart read hashPart", Err: err}
	}

	path, storeErr := s.store.QueryPathFromHashPart(ctx, hashPart)
	if storeErr != nil {
		return nil, storeErr, nil
	}

	return func(w io.Writer) error { return wire.WriteString(w, path) }, nil, nil
}

func handleQueryAllValidPaths(s *Server, ctx context.Context) (func(io.Writer) error, error, error) {
	paths, storeErr := s.store.QueryAllValidPaths(ctx)
	if storeErr != nil {
		return nil, storeErr, nil
	}

	return func(w io.Writer) error { return WriteStrings(w, paths) }, nil, nil
}

func handleQueryValidPaths(s *Server, ctx context.Context) (func(io.Writer) error, error, error) {
	paths, err := ReadStrings(s.r, MaxStringSize)
	if err != nil {
		return nil, nil, err
	}

	g := gatesFor(s.info.Version)

	substitute := false

	if g.querySubstitute() {
		substitute, err = wire.ReadBool(s.r)
		if err != nil {
			return nil, nil, &ProtocolError{Op: "QueryValidPaths read substitute", Err: err}
		}
	}

	valid, storeErr := s.store.QueryValidPaths(ctx, paths, substitute)
	if storeErr != nil {
		return nil, storeErr, nil
	}

	return func(w io.Writer) error { return WriteStrings(w, valid) }, nil, nil
}

func handleQuerySubstitutablePaths(s *Server, ctx context.Context) (func(io.Writer) error, error, error) {
	paths, err := ReadStrings(s.r, MaxStringSize)
	if err != nil {
		return nil, nil, err
	}

	substitutable, storeErr := s.store.QuerySubstitutablePaths(ctx, paths)
	if storeErr != nil {
		return nil, storeErr, nil
	}

	return func(w io.Writer) error { return WriteStrings(w, substitutable) }, nil, nil
}

func handleQueryValidDerivers(s *Server, ctx context.Context) (func(io.Writer) error, error, error) {
	path, err := wire.ReadString(s.r, MaxStringSize)
	if err != nil {
		return nil, nil, &ProtocolError{Op: "QueryValidDerivers read path", Err: err}
	}

	derivers, storeErr := s.store.QueryValidDerivers(ctx, path)
	if storeErr != nil {
		return nil, storeErr, nil
	}

	return func(w io.Writer) error { return WriteStrings(w, derivers) }, nil, nil
}

func handleQueryReferrers(s *Server, ctx context.Context) (func(io.Writer) error, error, error) {
	path, err := wire.ReadString(s.r, MaxStringSize)
	if err != nil {
		return nil, nil, &ProtocolError{Op: "QueryReferrers read path", Err: err}
	}

	referrers, storeErr := s.store.QueryReferrers(ctx, path)
	if storeErr != nil {
		return nil, storeErr, nil
	}

	return func(w io.Writer) error { return WriteStrings(w, referrers) }, nil, nil
}

func handleQueryDerivationOutputMap(s *Server, ctx context.Context) (func(io.Writer) error, error, error) {
	drvPath, err := wire.ReadString(s.r, MaxStringSize)
	if err != nil {
		return nil, nil, &ProtocolError{Op: "QueryDerivationOutputMap read drvPath", Err: err}
	}

	outputs, storeErr := s.store.QueryDerivationOutputMap(ctx, drvPath)
	if storeErr != nil {
		return nil, storeErr, nil
	}

	return func(w io.Writer) error { return WriteStringMap(w, outputs) }, nil, nil
}

func handleQueryMissing(s *Server, ctx context.Context) (func(io.Writer) error, error, error) {
	paths, err := ReadStrings(s.r, MaxStringSize)
	if err != nil {
		return nil, nil, err
	}

	info, storeErr := s.store.QueryMissing(ctx, paths)
	if storeErr != nil {
		return nil, storeErr, nil
	}

	return func(w io.Writer) error {
		if err := WriteStrings(w, info.WillBuild); err != nil {
			return err
		}

		if err := WriteStrings(w, info.WillSubstitute); err != nil {
			return err
		}

		if err := WriteStrings(w, info.Unknown); err != nil {
			return err
		}

		if err := wire.WriteUint64(w, info.DownloadSize); err != nil {
			return err
		}

		return wire.WriteUint64(w, info.NarSize)
	}, nil, nil
}

func handleNarFromPath(s *Server, ctx context.Context) (func(io.Writer) error, error, error) {
	path, err := wire.ReadString(s.r, MaxStringSize)
	if err != nil {
		return nil, nil, &ProtocolError{Op: "NarFromPath read path", Err: err}
	}

	// The NAR bytes follow Last on the wire; the store is
	// invoked from writeResp so nothing is streamed before the terminator.
	return func(w io.Writer) error {
		return s.store.NarFromPath(ctx, path, w, s.logSink())
	}, nil, nil
}

func handleBuildPaths(s *Server, ctx context.Context) (func(io.Writer) error, error, error) {
	paths, err := ReadStrings(s.r, MaxStringSize)
	if err != nil {
		return nil, nil, err
	}

	modeRaw, err := wire.ReadUint64(s.r)
	if err != nil {
		return nil, nil, &ProtocolError{Op: "BuildPaths read mode", Err: err}
	}

	storeErr := s.store.BuildPaths(ctx, paths, BuildMode(modeRaw), s.logSink())
	if storeErr != nil {
		return nil, storeErr, nil
	}

	return func(w io.Writer) error { return wire.WriteUint64(w, 1) }, nil, nil
}

func handleBuildPathsWithResults(s *Server, ctx context.Context) (func(io.Writer) error, error, error) {
	paths, err := ReadStrings(s.r, MaxStringSize)
	if err != nil {
		return nil, nil, err
	}

	modeRaw, err := wire.ReadUint64(s.r)
	if err != nil {
		return nil, nil, &ProtocolError{Op: "BuildPathsWithResults read mode", Err: err}
	}

	results, storeErr := s.store.BuildPathsWithResults(ctx, paths, BuildMode(modeRaw), s.logSink())
	if storeErr != nil {
		return nil, storeErr, nil
	}

	return func(w io.Writer) error {
		if err := wire.WriteUint64(w, uint64(len(results))); err != nil {
			return err
		}

		for i := range results {
			// DerivedPath string: not tracked by BuildResult, write the
			// same path the request named at that index.
			if err := wire.WriteString(w, paths[i]); err != nil {
				return err
			}

			if err := WriteBuildResult(w, &results[i], s.info.Version); err != nil {
				return err
			}
		}

		return nil
	}, nil, nil
}

func handleEnsurePath(s *Server, ctx context.Context) (func(io.Writer) error, error, error) {
	path, err := wire.ReadString(s.r, MaxStringSize)
	if err != nil {
		return nil, nil, &ProtocolError{Op: "EnsurePath read path", Err: err}
	}

	if storeErr := s.store.EnsurePath(ctx, path); storeErr != nil {
		return nil, storeErr, nil
	}

	return func(w io.Writer) error { return wire.WriteUint64(w, 1) }, nil, nil
}

func handleBuildDerivation(s *Server, ctx context.Context) (func(io.Writer) error, error, error) {
	drvPath, err := wire.ReadString(s.r, MaxStringSize)
	if err != nil {
		return nil, nil, &ProtocolError{Op: "BuildDerivation read drvPath", Err: err}
	}

	drv, err := ReadBasicDerivation(s.r)
	if err != nil {
		return nil, nil, err
	}

	modeRaw, err := wire.ReadUint64(s.r)
	if err != nil {
		return nil, nil, &ProtocolError{Op: "BuildDerivation read mode", Err: err}
	}

	result, storeErr := s.store.BuildDerivation(ctx, drvPath, drv, BuildMode(modeRaw), s.logSink())
	if storeErr != nil {
		return nil, storeErr, nil
	}

	return func(w io.Writer) error { return WriteBuildResult(w, result, s.info.Version) }, nil, nil
}

func handleQueryRealisation(s *Server, ctx context.Context) (func(io.Writer) error, error, error) {
	outputID, err := wire.ReadString(s.r, MaxStringSize)
	if err != nil {
		return nil, nil, &ProtocolError{Op: "QueryRealisation read outputID", Err: err}
	}

	realisations, storeErr := s.store.QueryRealisation(ctx, outputID)
	if storeErr != nil {
		return nil, storeErr, nil
	}

	return func(w io.Writer) error { return WriteStrings(w, realisations) }, nil, nil
}

func handleAddTempRoot(s *Server, ctx context.Context) (func(io.Writer) error, error, error) {
	path, err := wire.ReadString(s.r, MaxStringSize)
	if err != nil {
		return nil, nil, &ProtocolError{Op: "AddTempRoot read path", Err: err}
	}

	if storeErr := s.store.AddTempRoot(ctx, path); storeErr != nil {
		return nil, storeErr, nil
	}

	return nil, nil, nil
}

func handleAddIndirectRoot(s *Server, ctx context.Context) (func(io.Writer) error, error, error) {
	path, err := wire.ReadString(s.r, MaxStringSize)
	if err != nil {
		return nil, nil, &ProtocolError{Op: "AddIndirectRoot read path", Err: err}
	}

	if storeErr := s.store.AddIndirectRoot(ctx, path); storeErr != nil {
		return nil, storeErr, nil
	}

	return nil, nil, nil
}

func handleAddPermRoot(s *Server, ctx context.Context) (func(io.Writer) error, error, error) {
	storePath, err := wire.ReadString(s.r, MaxStringSize)
	if err != nil {
		return nil, nil, &ProtocolError{Op: "AddPermRoot read storePath", Err: err}
	}

	gcRoot, err := wire.ReadString(s.r, MaxStringSize)
	if err != nil {
		return nil, nil, &ProtocolError{Op: "AddPermRoot read gcRoot", Err: err}
	}

	resultPath, storeErr := s.store.AddPermRoot(ctx, storePath, gcRoot)
	if storeErr != nil {
		return nil, storeErr, nil
	}

	return func(w io.Writer) error { return wire.WriteString(w, resultPath) }, nil, nil
}

func handleAddSignatures(s *Server, ctx context.Context) (func(io.Writer) error, error, error) {
	path, err := wire.ReadString(s.r, MaxStringSize)
	if err != nil {
		return nil, nil, &ProtocolError{Op: "AddSignatures read path", Err: err}
	}

	sigs, err := ReadStrings(s.r, MaxStringSize)
	if err != nil {
		return nil, nil, err
	}

	if storeErr := s.store.AddSignatures(ctx, path, sigs); storeErr != nil {
		return nil, storeErr, nil
	}

	return nil, nil, nil
}

func handleRegisterDrvOutput(s *Server, ctx context.Context) (func(io.Writer) error, error, error) {
	realisation, err := wire.ReadString(s.r, MaxStringSize)
	if err != nil {
		return nil, nil, &ProtocolError{Op: "RegisterDrvOutput read realisation", Err: err}
	}

	if storeErr := s.store.RegisterDrvOutput(ctx, realisation); storeErr != nil {
		return nil, storeErr, nil
	}

	return nil, nil, nil
}

func handleFindRoots(s *Server, ctx context.Context) (func(io.Writer) error, error, error) {
	roots, storeErr := s.store.FindRoots(ctx)
	if storeErr != nil {
		return nil, storeErr, nil
	}

	return func(w io.Writer) error { return WriteStringMap(w, roots) }, nil, nil
}

func handleCollectGarbage(s *Server, ctx context.Context) (func(io.Writer) error, error, error) {
	actionRaw, err := wire.ReadUint64(s.r)
	if err != nil {
		return nil, nil, &ProtocolError{Op: "CollectGarbage read action", Err: err}
	}

	pathsToDelete, err := ReadStrings(s.r, MaxStringSize)
	if err != nil {
		return nil, nil, err
	}

	ignoreLiveness, err := wire.ReadBool(s.r)
	if err != nil {
		return nil, nil, &ProtocolError{Op: "CollectGarbage read ignoreLiveness", Err: err}
	}

	maxFreed, err := wire.ReadUint64(s.r)
	if err != nil {
		return nil, nil, &ProtocolError{Op: "CollectGarbage read maxFreed", Err: err}
	}

	// Three deprecated trailing u64s, always sent, always zero.
	for i := 0; i < 3; i++ {
		if _, err := wire.ReadUint64(s.r); err != nil {
			return nil, nil, &ProtocolError{Op: "CollectGarbage read deprecated field", Err: err}
		}
	}

	opts := &GCOptions{
		Action:         GCAction(actionRaw),
		PathsToDelete:  pathsToDelete,
		IgnoreLiveness: ignoreLiveness,
		MaxFreed:       maxFreed,
	}

	result, storeErr := s.store.CollectGarbage(ctx, opts, s.logSink())
	if storeErr != nil {
		return nil, storeErr, nil
	}

	return func(w io.Writer) error {
		if err := WriteStrings(w, result.Paths); err != nil {
			return err
		}

		if err := wire.WriteUint64(w, result.BytesFreed); err != nil {
			return err
		}

		// Deprecated trailing field, always zero.
		return wire.WriteUint64(w, 0)
	}, nil, nil
}

func handleOptimiseStore(s *Server, ctx context.Context) (func(io.Writer) error, error, error) {
	if storeErr := s.store.OptimiseStore(ctx, s.logSink()); storeErr != nil {
		return nil, storeErr, nil
	}

	return nil, nil, nil
}

func handleVerifyStore(s *Server, ctx context.Context) (func(io.Writer) error, error, error) {
	checkContents, err := wire.ReadBool(s.r)
	if err != nil {
		return nil, nil, &ProtocolError{Op: "VerifyStore read checkContents", Err: err}
	}

	repair, err := wire.ReadBool(s.r)
	if err != nil {
		return nil, nil, &ProtocolError{Op: "VerifyStore read repair", Err: err}
	}

	errorsFound, storeErr := s.store.VerifyStore(ctx, checkContents, repair, s.logSink())
	if storeErr != nil {
		return nil, storeErr, nil
	}

	return func(w io.Writer) error { return wire.WriteBool(w, errorsFound) }, nil, nil
}

func handleSetOptions(s *Server, ctx context.Context) (func(io.Writer) error, error, error) {
	settings, err := ReadClientSettings(s.r)
	if err != nil {
		return nil, nil, &ProtocolError{Op: "SetOptions read settings", Err: err}
	}

	if storeErr := s.store.SetOptions(ctx, settings); storeErr != nil {
		return nil, storeErr, nil
	}

	return nil, nil, nil
}

// handleAddToStoreNar decodes a keyed PathInfo, the repair/dontCheckSigs
// flags, then the NAR payload using the dialect the negotiated version
// gates in: framed (>= 1.23), stderr-read (1.21-1.22), or
// raw-until-natural-end otherwise.
func handleAddToStoreNar(s *Server, ctx context.Context) (func(io.Writer) error, error, error) {
	info, err := ReadFullPathInfo(s.r)
	if err != nil {
		return nil, nil, err
	}

	repair, err := wire.ReadBool(s.r)
	if err != nil {
		return nil, nil, &ProtocolError{Op: "AddToStoreNar read repair", Err: err}
	}

	dontCheckSigs, err := wire.ReadBool(s.r)
	if err != nil {
		return nil, nil, &ProtocolError{Op: "AddToStoreNar read dontCheckSigs", Err: err}
	}

	nar, closeNar, err := s.openUploadStream()
	if err != nil {
		return nil, nil, err
	}

	storeErr := s.store.AddToStoreNar(ctx, info, nar, repair, dontCheckSigs, s.logSink())
	if drainErr := closeNar(); drainErr != nil {
		return nil, nil, drainErr
	}

	if storeErr != nil {
		return nil, storeErr, nil
	}

	return nil, nil, nil
}

// handleAddMultipleToStore decodes repair/dontCheckSigs, then a single
// framed sub-stream carrying a count followed by that many (PathInfo, NAR)
// pairs.
func handleAddMultipleToStore(s *Server, ctx context.Context) (func(io.Writer) error, error, error) {
	repair, err := wire.ReadBool(s.r)
	if err != nil {
		return nil, nil, &ProtocolError{Op: "AddMultipleToStore read repair", Err: err}
	}

	dontCheckSigs, err := wire.ReadBool(s.r)
	if err != nil {
		return nil, nil, &ProtocolError{Op: "AddMultipleToStore read dontCheckSigs", Err: err}
	}

	fr := NewFramedReader(s.r)

	count, err := wire.ReadUint64(fr)
	if err != nil {
		fr.Drain() //nolint:errcheck // best-effort; the read error already dominates

		return nil, nil, &ProtocolError{Op: "AddMultipleToStore read count", Err: err}
	}

	// The framed stream carries count x (info, NAR) back to back with no
	// per-item length prefix: the only way to find the next info is to
	// parse each NAR to its natural end. Each item's archive is buffered
	// here so the Store sees an independent Source per item.
	items := make([]AddToStoreItem, count)

	for i := uint64(0); i < count; i++ {
		info, err := ReadFullPathInfo(fr)
		if err != nil {
			fr.Drain() //nolint:errcheck

			return nil, nil, err
		}

		var nar bytes.Buffer

		if err := narv2.Copy(&nar, fr); err != nil {
			fr.Drain() //nolint:errcheck

			return nil, nil, &ProtocolError{Op: "AddMultipleToStore read NAR", Err: err}
		}

		items[i].Info = *info
		items[i].Source = bytes.NewReader(nar.Bytes())
	}

	storeErr := s.store.AddMultipleToStore(ctx, items, repair, dontCheckSigs, s.logSink())

	if err := fr.Drain(); err != nil {
		return nil, nil, &ProtocolError{Op: "AddMultipleToStore drain", Err: err}
	}

	if storeErr != nil {
		return nil, storeErr, nil
	}

	return nil, nil, nil
}

func handleAddBuildLog(s *Server, ctx context.Context) (func(io.Writer) error, error, error) {
	drvPath, err := wire.ReadString(s.r, MaxStringSize)
	if err != nil {
		return nil, nil, &ProtocolError{Op: "AddBuildLog read drvPath", Err: err}
	}

	fr := NewFramedReader(s.r)

	storeErr := s.store.AddBuildLog(ctx, drvPath, fr)

	if err := fr.Drain(); err != nil {
		return nil, nil, &ProtocolError{Op: "AddBuildLog drain", Err: err}
	}

	if storeErr != nil {
		return nil, storeErr, nil
	}

	return nil, nil, nil
}

// openUploadStream selects the AddToStoreNar sub-stream dialect for the
// negotiated version and returns a reader plus a function that must be
// called exactly once afterwards to drain any remaining bytes
// "Framing drain"). The stderr-read dialect has no drain step of its own:
// its end is signalled by the Store's consumer, not a terminator frame.
func (s *Server) openUploadStream() (io.Reader, func() error, error) {
	g := gatesFor(s.info.Version)

	switch g.addToStoreNarDialect() {
	case narDialectFramed:
		fr := NewFramedReader(s.r)

		return fr, fr.Drain, nil

	case narDialectStderrRead:
		sr := newStderrReadStream(s)

		return sr, func() error { return nil }, nil

	default: // narDialectRaw
		return s.r, func() error { return nil }, nil
	}
}
