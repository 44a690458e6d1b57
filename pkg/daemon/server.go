package daemon

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cbrgm/nixworker/pkg/wire"
	"github.com/rs/xid"
)

// LogSink receives log messages emitted by a Store implementation while it
// services a single operation. The server forwards each message to the
// client as a wire log frame and flushes immediately, since the client may
// be blocked waiting on it (a Read frame in particular). A Store must not
// retain a LogSink past the call that received it.
type LogSink func(LogMessage)

// NewActivityID mints a unique activity identifier for a Store
// implementation to stamp onto LogMessage.Activity.ID before emitting a
// LogStartActivity. Activities are scoped to a single connection, but a
// Store instance may be serving many connections at once, so a process-wide
// counter is not safe without its own locking; xid sidesteps that by
// generating globally unique ids with no shared state. Only the low 64 bits
// of the id are kept, since the wire format's activity id field is a u64.
func NewActivityID() uint64 {
	id := xid.New()
	b := id.Bytes()

	return binary.BigEndian.Uint64(b[4:])
}

// Store is the abstract contract a Server hosts: everything a client can
// ask a Nix store to do, expressed as plain Go methods rather than the raw
// wire operation table. A Server translates between the two.
//
// Implementations must tolerate concurrent calls across connections; the
// transport-level serialisation (one operation at a time per connection)
// does not extend across connections.
type Store interface {
	IsValidPath(ctx context.Context, path string) (bool, error)
	QueryPathInfo(ctx context.Context, path string) (*PathInfo, error)
	QueryValidPaths(ctx context.Context, paths []string, substitute bool) ([]string, error)
	QueryAllValidPaths(ctx context.Context) ([]string, error)
	QueryPathFromHashPart(ctx context.Context, hashPart string) (string, error)
	QuerySubstitutablePaths(ctx context.Context, paths []string) ([]string, error)
	QueryValidDerivers(ctx context.Context, path string) ([]string, error)
	QueryReferrers(ctx context.Context, path string) ([]string, error)
	QueryDerivationOutputMap(ctx context.Context, drvPath string) (map[string]string, error)
	QueryMissing(ctx context.Context, paths []string) (*MissingInfo, error)
	QueryRealisation(ctx context.Context, outputID string) ([]string, error)
	NarFromPath(ctx context.Context, path string, w io.Writer, logs LogSink) error
	AddToStoreNar(ctx context.Context, info *PathInfo, nar io.Reader, repair, dontCheckSigs bool, logs LogSink) error
	AddMultipleToStore(ctx context.Context, items []AddToStoreItem, repair, dontCheckSigs bool, logs LogSink) error
	BuildPaths(ctx context.Context, paths []string, mode BuildMode, logs LogSink) error
	BuildPathsWithResults(ctx context.Context, paths []string, mode BuildMode, logs LogSink) ([]BuildResult, error)
	BuildDerivation(ctx context.Context, drvPath string, drv *BasicDerivation, mode BuildMode, logs LogSink) (*BuildResult, error)
	EnsurePath(ctx context.Context, path string) error
	AddTempRoot(ctx context.Context, path string) error
	AddIndirectRoot(ctx context.Context, path string) error
	AddPermRoot(ctx context.Context, storePath, gcRoot string) (string, error)
	FindRoots(ctx context.Context) (map[string]string, error)
	CollectGarbage(ctx context.Context, opts *GCOptions, logs LogSink) (*GCResult, error)
	OptimiseStore(ctx context.Context, logs LogSink) error
	VerifyStore(ctx context.Context, checkContents, repair bool, logs LogSink) (bool, error)
	AddSignatures(ctx context.Context, path string, sigs []string) error
	RegisterDrvOutput(ctx context.Context, realisation string) error
	AddBuildLog(ctx context.Context, drvPath string, log io.Reader) error
	SetOptions(ctx context.Context, settings *ClientSettings) error
	TrustLevel() TrustLevel
}

// HandshakeLogger is implemented by Stores whose connection setup does real
// work worth narrating (opening a database, checking a cache). The server
// forwards its messages between the handshake fields and the terminating
// Last frame the client waits on; a returned error aborts the connection
// after an Error frame is sent in place of Last.
type HandshakeLogger interface {
	HandshakeLogs(ctx context.Context, logs LogSink) error
}

// UnimplementedOperationError reports an operation with no handler. The
// server dispatch loop does not return it: an unknown discriminant ends the
// connection with a ProtocolError, and a historical/obsolete one is answered
// with a recoverable Error frame carrying ErrObsoleteOperation's text (see
// legacy_ops.go).
type UnimplementedOperationError struct {
	Op Operation
}

func (e *UnimplementedOperationError) Error() string {
	return fmt.Sprintf("daemon: unimplemented operation: %s", e.Op)
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithDaemonVersion sets the Nix version string reported during handshake
// (only sent when the negotiated minor is >= 33).
func WithDaemonVersion(v string) ServerOption {
	return func(s *Server) { s.nixVersion = v }
}

// Server drives a single accepted connection: it performs the handshake,
// then loops reading operation discriminants and dispatching them against
// a Store, forwarding the Store's log messages and writing the declared
// response or a recoverable error frame.
type Server struct {
	conn  net.Conn
	r     io.Reader
	w     *bufio.Writer
	store Store
	info  *HandshakeInfo

	nixVersion string

	// logErr captures the first write failure encountered while forwarding
	// a Store's log messages mid-operation. LogSink itself cannot return an
	// error (LogSink has no error return, matching a plain callback shape), so a
	// failure here is remembered and surfaces as soon as the enclosing
	// handler checks it, turning it into the unrecoverable wire error it is.
	logErr error
}

// NewServer wraps conn as a Server over store. Call Serve to run it.
func NewServer(conn net.Conn, store Store, opts ...ServerOption) *Server {
	s := &Server{
		conn:  conn,
		r:     bufio.NewReader(conn),
		w:     bufio.NewWriter(conn),
		store: store,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Serve performs the handshake and runs the dispatch loop until the client
// shuts down its write half (EOF), an unrecoverable error occurs, or ctx is
// cancelled. It does not close conn; the caller owns that.
func (s *Server) Serve(ctx context.Context) error {
	info, err := handshakeServerWithBufIO(s.r, s.w, s.nixVersion, s.store.TrustLevel())
	if err != nil {
		return err
	}

	s.info = info

	// Connection-setup log frames, terminated by the Last the client's
	// handshake waits on. Stores with no setup narration contribute nothing
	// and the client sees a bare Last.
	if hl, ok := s.store.(HandshakeLogger); ok {
		if herr := hl.HandshakeLogs(ctx, s.logSink()); herr != nil {
			de := &DaemonError{Type: "Error", Level: uint64(VerbError), Name: "Handshake", Message: herr.Error()}

			var existing *DaemonError
			if errors.As(herr, &existing) {
				de = existing
			}

			if werr := WriteDaemonError(s.w, de); werr == nil {
				s.w.Flush() //nolint:errcheck // connection is closing either way
			}

			return fmt.Errorf("daemon: store handshake: %w", herr)
		}
	}

	if s.logErr != nil {
		return &ProtocolError{Op: "handshake forward log", Err: s.logErr}
	}

	if err := WriteLogLast(s.w); err != nil {
		return &ProtocolError{Op: "handshake write last", Err: err}
	}

	if err := s.w.Flush(); err != nil {
		return &ProtocolError{Op: "handshake flush", Err: err}
	}

	stop := context.AfterFunc(ctx, func() {
		s.conn.SetDeadline(time.Now()) //nolint:errcheck // break blocked I/O
	})
	defer stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		op, err := wire.ReadUint64(s.r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return &ProtocolError{Op: "dispatch read operation", Err: err}
		}

		if err := s.dispatch(ctx, Operation(op)); err != nil {
			return err
		}
	}
}

// dispatch handles exactly one operation: decode request, invoke the Store,
// forward logs, and write Last+response or Error. A non-nil return means
// the connection state is no longer reliable and Serve must stop.
func (s *Server) dispatch(ctx context.Context, op Operation) error {
	s.logErr = nil

	handler, ok := dispatchTable[op]
	if !ok {
		if descriptor, ok := legacyDispatchTable[op]; ok {
			return s.runLegacy(op, descriptor)
		}

		return &ProtocolError{Op: "dispatch", Err: fmt.Errorf("unknown operation discriminant %d", op)}
	}

	writeResp, recoverableErr, wireErr := handler(s, ctx)
	if wireErr != nil {
		return wireErr
	}

	if recoverableErr != nil {
		de := asDaemonError(op, recoverableErr)

		if err := WriteDaemonError(s.w, de); err != nil {
			return &ProtocolError{Op: op.String() + " write error frame", Err: err}
		}

		return s.flush(op)
	}

	if err := WriteLogLast(s.w); err != nil {
		return &ProtocolError{Op: op.String() + " write last", Err: err}
	}

	if writeResp != nil {
		if err := writeResp(s.w); err != nil {
			return &ProtocolError{Op: op.String() + " write response", Err: err}
		}
	}

	return s.flush(op)
}

func (s *Server) flush(op Operation) error {
	if s.logErr != nil {
		return &ProtocolError{Op: op.String() + " forward log", Err: s.logErr}
	}

	if err := s.w.Flush(); err != nil {
		return &ProtocolError{Op: op.String() + " flush", Err: err}
	}

	return nil
}

// asDaemonError converts a plain Go error returned by a Store method into
// the wire's {type, level, message, traces} shape. A *DaemonError produced
// by the Store (or a mock) is passed through unchanged.
func asDaemonError(op Operation, err error) *DaemonError {
	var de *DaemonError
	if errors.As(err, &de) {
		return de
	}

	return &DaemonError{
		Type:    "Error",
		Level:   uint64(VerbError),
		Name:    op.String(),
		Message: fmt.Sprintf("%s: %v", op, err),
	}
}

// logSink returns a LogSink that serialises msg as a wire log frame and
// flushes immediately (flushing is mandatory to preserve
// interleaving semantics"). Write failures are latched into s.logErr rather
// than panicking the Store's callback.
func (s *Server) logSink() LogSink {
	return func(msg LogMessage) {
		if s.logErr != nil {
			return
		}

		if err := s.writeLogMessage(msg); err != nil {
			s.logErr = err

			return
		}

		s.logErr = s.w.Flush()
	}
}

// writeLogMessage serialises msg, applying the activity-frame gate: below
// minor 20 a StartActivity is downgraded to a Next line carrying its text
// and StopActivity/Result are dropped since nothing upstream
// of 1.20 can interpret them.
func (s *Server) writeLogMessage(msg LogMessage) error {
	g := gatesFor(s.info.Version)

	switch msg.Type {
	case LogNext:
		return WriteLogNext(s.w, msg.Text)

	case LogStartActivity:
		if !g.activityFrames() {
			return WriteLogNext(s.w, msg.Activity.Text)
		}

		return WriteActivity(s.w, msg.Activity)

	case LogStopActivity:
		if !g.activityFrames() {
			return nil
		}

		return WriteActivityStop(s.w, msg.ActivityID)

	case LogResult:
		if !g.activityFrames() {
			return nil
		}

		return WriteActivityResult(s.w, msg.Result)

	default:
		return fmt.Errorf("daemon: cannot forward log message type 0x%x", uint64(msg.Type))
	}
}
