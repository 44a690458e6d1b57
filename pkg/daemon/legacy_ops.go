package daemon

import (
	"errors"
	"fmt"

	"github.com/cbrgm/nixworker/pkg/wire"
)

// Historical operation discriminants the daemon worker protocol has
// retired. A modern client never issues these; the server still decodes
// their request shape so the discriminant space stays fully enumerated,
// then reports ErrObsoleteOperation rather than treating the discriminant
// as unrecognized.
const (
	opHasSubstitutes                   Operation = 3
	opQueryPathHash                    Operation = 4
	opQueryReferences                  Operation = 5
	opAddTextToStore                   Operation = 8
	opSyncWithGC                       Operation = 13
	opExportPath                       Operation = 16
	opQueryDeriver                     Operation = 18
	opQuerySubstitutablePathInfo       Operation = 21
	opQueryDerivationOutputs           Operation = 22
	opImportPaths                      Operation = 27
	opQueryDerivationOutputNamesLegacy Operation = 28
	opQuerySubstitutablePathInfos      Operation = 30
)

// ErrObsoleteOperation is the error whose text the recoverable DaemonError
// frame carries for any retired operation a client somehow still issues.
var ErrObsoleteOperation = errors.New("daemon: operation is obsolete and no longer serviced")

// legacyOpDescriptor decodes exactly one obsolete request's wire shape (so
// the connection stays in sync) and discards it.
type legacyOpDescriptor func(s *Server) error

//nolint:gochecknoglobals
var legacyDispatchTable = map[Operation]legacyOpDescriptor{
	opHasSubstitutes:                   legacyReadOnePath,
	opQueryPathHash:                    legacyReadOnePath,
	opQueryReferences:                  legacyReadOnePath,
	opAddTextToStore:                   legacyDecodeAddTextToStore,
	opSyncWithGC:                       legacyReadNothing,
	opExportPath:                       legacyDecodeExportPath,
	opQueryDeriver:                     legacyReadOnePath,
	opQuerySubstitutablePathInfo:       legacyReadOnePath,
	opQueryDerivationOutputs:           legacyReadOnePath,
	opQueryDerivationOutputNamesLegacy: legacyReadOnePath,
	opImportPaths:                      legacyReadNothing,
	opQuerySubstitutablePathInfos:      legacyDecodeQuerySubstitutablePathInfos,

	// OpAddToStore (7) predates AddToStoreNar/AddMultipleToStore and is not
	// part of the Store interface; it is serviced here for the same
	// "decodable but obsolete" reason as the operations above.
	OpAddToStore: legacyDecodeAddToStore,
}

func legacyReadOnePath(s *Server) error {
	_, err := wire.ReadString(s.r, MaxStringSize)

	return err
}

func legacyReadNothing(*Server) error { return nil }

func legacyDecodeAddTextToStore(s *Server) error {
	if _, err := wire.ReadString(s.r, MaxStringSize); err != nil { // suffix/name
		return err
	}

	if _, err := wire.ReadString(s.r, MaxStringSize); err != nil { // text
		return err
	}

	_, err := ReadStrings(s.r, MaxStringSize) // references

	return err
}

func legacyDecodeExportPath(s *Server) error {
	if _, err := wire.ReadString(s.r, MaxStringSize); err != nil { // path
		return err
	}

	_, err := wire.ReadBool(s.r) // sign (deprecated, always false)

	return err
}

func legacyDecodeQuerySubstitutablePathInfos(s *Server) error {
	_, err := ReadStrings(s.r, MaxStringSize)

	return err
}

func legacyDecodeAddToStore(s *Server) error {
	if _, err := wire.ReadString(s.r, MaxStringSize); err != nil { // name
		return err
	}

	if _, err := wire.ReadBool(s.r); err != nil { // fixed
		return err
	}

	if _, err := wire.ReadUint64(s.r); err != nil { // recursive
		return err
	}

	if _, err := wire.ReadString(s.r, MaxStringSize); err != nil { // hashAlgo
		return err
	}

	fr := NewFramedReader(s.r)

	return fr.Drain()
}

// runLegacy decodes descriptor's request shape off the wire and reports it
// to the client as a recoverable DaemonError, keeping the connection in
// sync for the next operation.
func (s *Server) runLegacy(op Operation, descriptor legacyOpDescriptor) error {
	if err := descriptor(s); err != nil {
		return &ProtocolError{Op: op.String() + " decode obsolete request", Err: err}
	}

	de := &DaemonError{
		Type:    "Error",
		Level:   uint64(VerbError),
		Name:    op.String(),
		Message: fmt.Sprintf("%s: %v", op, ErrObsoleteOperation),
	}

	if err := WriteDaemonError(s.w, de); err != nil {
		return &ProtocolError{Op: op.String() + " write error frame", Err: err}
	}

	return s.flush(op)
}
