package serve

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"time"

	"github.com/cbrgm/nixworker/pkg/narv2"
	"github.com/cbrgm/nixworker/pkg/wire"
)

// BuildLogSink receives raw build output chunks as a BuildPaths or
// BuildDerivation call produces them. A Store must not retain it past the
// call that received it; each invocation is forwarded as a framed log
// chunk and flushed immediately.
type BuildLogSink func(chunk []byte)

// Store is the abstract contract a Server hosts for the serve protocol:
// a small slice of the same store surface pkg/daemon.Store exposes,
// shaped the way the legacy operation table expects it.
type Store interface {
	QueryValidPaths(ctx context.Context, paths []string, lock, substitute bool) ([]string, error)
	QueryPathInfo(ctx context.Context, path string) (*PathInfo, error)
	DumpStorePath(ctx context.Context, path string, w io.Writer) error
	ImportPaths(ctx context.Context, items []ImportItem) error
	ExportPaths(ctx context.Context, paths []string, w io.Writer) ([]ExportedPath, error)
	QueryClosure(ctx context.Context, paths []string, includeOutputs bool) ([]string, error)
	BuildPaths(ctx context.Context, storePaths []string, settings *BuildSettings, logs BuildLogSink) error
	BuildDerivation(ctx context.Context, drvPath string, drv *BasicDerivation, settings *BuildSettings, logs BuildLogSink) (*BuildResult, error)
}

// Server drives a single accepted connection speaking the serve protocol.
type Server struct {
	conn  net.Conn
	r     io.Reader
	w     *bufio.Writer
	store Store
	info  *HandshakeInfo
}

// NewServer wraps conn as a Server over store.
func NewServer(conn net.Conn, store Store) *Server {
	return &Server{conn: conn, r: bufio.NewReader(conn), w: bufio.NewWriter(conn), store: store}
}

// Serve performs the handshake and runs the dispatch loop until the
// client shuts down its write half, an unrecoverable error occurs, or ctx
// is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	info, err := serverHandshake(s.r, s.w)
	if err != nil {
		return err
	}

	s.info = info

	stop := context.AfterFunc(ctx, func() {
		s.conn.SetDeadline(time.Now()) //nolint:errcheck // break blocked I/O
	})
	defer stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		cmd, err := wire.ReadUint64(s.r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return &ProtocolError{Op: "dispatch read command", Err: err}
		}

		if err := s.dispatch(ctx, Command(cmd)); err != nil {
			return err
		}
	}
}

func (s *Server) dispatch(ctx context.Context, cmd Command) error {
	switch cmd {
	case CmdQueryValidPaths:
		return s.handleQueryValidPaths(ctx)
	case CmdQueryPathInfos:
		return s.handleQueryPathInfos(ctx)
	case CmdDumpStorePath:
		return s.handleDumpStorePath(ctx)
	case CmdImportPaths:
		return s.handleImportPaths(ctx)
	case CmdExportPaths:
		return s.handleExportPaths(ctx)
	case CmdQueryClosure:
		return s.handleQueryClosure(ctx)
	case CmdBuildPaths:
		return s.handleBuildPaths(ctx)
	case CmdBuildDerivation:
		return s.handleBuildDerivation(ctx)
	default:
		return &ProtocolError{Op: "dispatch", Err: fmt.Errorf("serve: unknown command discriminant %d", cmd)}
	}
}

func (s *Server) handleQueryValidPaths(ctx context.Context) error {
	lock, err := wire.ReadBool(s.r)
	if err != nil {
		return &ProtocolError{Op: "QueryValidPaths read lock", Err: err}
	}

	substitute, err := wire.ReadBool(s.r)
	if err != nil {
		return &ProtocolError{Op: "QueryValidPaths read substitute", Err: err}
	}

	paths, err := readStrings(s.r)
	if err != nil {
		return &ProtocolError{Op: "QueryValidPaths read paths", Err: err}
	}

	valid, err := s.store.QueryValidPaths(ctx, paths, lock, substitute)
	if err != nil {
		return &ProtocolError{Op: "QueryValidPaths store call", Err: err}
	}

	if err := writeStrings(s.w, valid); err != nil {
		return &ProtocolError{Op: "QueryValidPaths write result", Err: err}
	}

	return s.flush("QueryValidPaths")
}

func (s *Server) handleQueryPathInfos(ctx context.Context) error {
	paths, err := readStrings(s.r)
	if err != nil {
		return &ProtocolError{Op: "QueryPathInfos read paths", Err: err}
	}

	for _, path := range paths {
		info, err := s.store.QueryPathInfo(ctx, path)
		if err != nil {
			return &ProtocolError{Op: "QueryPathInfos store call", Err: err}
		}

		if info == nil {
			if err := wire.WriteString(s.w, ""); err != nil {
				return &ProtocolError{Op: "QueryPathInfos write absence", Err: err}
			}

			continue
		}

		if err := writePathInfo(s.w, info); err != nil {
			return &ProtocolError{Op: "QueryPathInfos write info", Err: err}
		}
	}

	return s.flush("QueryPathInfos")
}

func (s *Server) handleDumpStorePath(ctx context.Context) error {
	path, err := wire.ReadString(s.r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "DumpStorePath read path", Err: err}
	}

	if err := s.store.DumpStorePath(ctx, path, s.w); err != nil {
		return &ProtocolError{Op: "DumpStorePath store call", Err: err}
	}

	return s.flush("DumpStorePath")
}

func (s *Server) handleImportPaths(ctx context.Context) error {
	var items []ImportItem

	for {
		next, err := wire.ReadUint64(s.r)
		if err != nil {
			return &ProtocolError{Op: "ImportPaths read continuation", Err: err}
		}

		if next == 0 {
			break
		}

		var buf bytes.Buffer

		if err := narv2.Copy(&buf, s.r); err != nil {
			return &ProtocolError{Op: "ImportPaths read NAR", Err: err}
		}

		entry, err := readExportTrailer(s.r)
		if err != nil {
			return err
		}

		items = append(items, ImportItem{
			Info: PathInfo{Path: entry.Path, References: entry.References, Deriver: entry.Deriver},
			NAR:  &buf,
		})
	}

	if err := s.store.ImportPaths(ctx, items); err != nil {
		return &ProtocolError{Op: "ImportPaths store call", Err: err}
	}

	return s.flush("ImportPaths")
}

func (s *Server) handleExportPaths(ctx context.Context) error {
	paths, err := readStrings(s.r)
	if err != nil {
		return &ProtocolError{Op: "ExportPaths read paths", Err: err}
	}

	exported, err := s.store.ExportPaths(ctx, paths, nil)
	if err != nil {
		return &ProtocolError{Op: "ExportPaths store call", Err: err}
	}

	for _, e := range exported {
		if err := wire.WriteUint64(s.w, 1); err != nil {
			return &ProtocolError{Op: "ExportPaths write continuation", Err: err}
		}

		if err := s.store.DumpStorePath(ctx, e.Info.Path, s.w); err != nil {
			return &ProtocolError{Op: "ExportPaths dump NAR", Err: err}
		}

		trailer := exportEntry{Path: e.Info.Path, References: e.Info.References, Deriver: e.Info.Deriver}
		if err := writeExportTrailer(s.w, trailer); err != nil {
			return &ProtocolError{Op: "ExportPaths write trailer", Err: err}
		}
	}

	if err := wire.WriteUint64(s.w, 0); err != nil {
		return &ProtocolError{Op: "ExportPaths write terminator", Err: err}
	}

	return s.flush("ExportPaths")
}

func (s *Server) handleQueryClosure(ctx context.Context) error {
	includeOutputs, err := wire.ReadBool(s.r)
	if err != nil {
		return &ProtocolError{Op: "QueryClosure read includeOutputs", Err: err}
	}

	paths, err := readStrings(s.r)
	if err != nil {
		return &ProtocolError{Op: "QueryClosure read paths", Err: err}
	}

	closure, err := s.store.QueryClosure(ctx, paths, includeOutputs)
	if err != nil {
		return &ProtocolError{Op: "QueryClosure store call", Err: err}
	}

	if err := writeStrings(s.w, closure); err != nil {
		return &ProtocolError{Op: "QueryClosure write result", Err: err}
	}

	return s.flush("QueryClosure")
}

func (s *Server) readBuildSettings() (*BuildSettings, error) {
	settings := &BuildSettings{}

	var err error

	if settings.MaxSilentTime, err = wire.ReadInt64(s.r); err != nil {
		return nil, err
	}

	if settings.BuildTimeout, err = wire.ReadInt64(s.r); err != nil {
		return nil, err
	}

	if protocolMinor(s.info.Version) >= 2 {
		if settings.MaxLogSize, err = wire.ReadUint64(s.r); err != nil {
			return nil, err
		}
	}

	if protocolMinor(s.info.Version) >= 3 {
		if settings.BuildRepeat, err = wire.ReadUint64(s.r); err != nil {
			return nil, err
		}

		if settings.EnforceDeterminism, err = wire.ReadBool(s.r); err != nil {
			return nil, err
		}
	}

	return settings, nil
}

// buildLogSink returns a BuildLogSink that forwards each chunk as a framed
// wire byte string and flushes immediately so the client's copy loop
// observes it promptly.
func (s *Server) buildLogSink() (BuildLogSink, *error) {
	var writeErr error

	return func(chunk []byte) {
		if writeErr != nil {
			return
		}

		if err := wire.WriteBytes(s.w, chunk); err != nil {
			writeErr = err

			return
		}

		writeErr = s.w.Flush()
	}, &writeErr
}

func (s *Server) handleBuildPaths(ctx context.Context) error {
	paths, err := readStrings(s.r)
	if err != nil {
		return &ProtocolError{Op: "BuildPaths read paths", Err: err}
	}

	settings, err := s.readBuildSettings()
	if err != nil {
		return &ProtocolError{Op: "BuildPaths read settings", Err: err}
	}

	logs, logErr := s.buildLogSink()

	buildErr := s.store.BuildPaths(ctx, paths, settings, logs)
	if *logErr != nil {
		return &ProtocolError{Op: "BuildPaths forward log", Err: *logErr}
	}

	if err := wire.WriteBytes(s.w, nil); err != nil { // end of log
		return &ProtocolError{Op: "BuildPaths write log terminator", Err: err}
	}

	if buildErr != nil {
		status := BuildStatusMiscFailure

		if err := wire.WriteUint64(s.w, uint64(status)); err != nil {
			return &ProtocolError{Op: "BuildPaths write status", Err: err}
		}

		if err := wire.WriteString(s.w, buildErr.Error()); err != nil {
			return &ProtocolError{Op: "BuildPaths write error message", Err: err}
		}

		return s.flush("BuildPaths")
	}

	if err := wire.WriteUint64(s.w, uint64(BuildStatusBuilt)); err != nil {
		return &ProtocolError{Op: "BuildPaths write status", Err: err}
	}

	return s.flush("BuildPaths")
}

func (s *Server) handleBuildDerivation(ctx context.Context) error {
	drvPath, err := wire.ReadString(s.r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "BuildDerivation read path", Err: err}
	}

	drv, err := readBasicDerivation(s.r)
	if err != nil {
		return &ProtocolError{Op: "BuildDerivation read drv", Err: err}
	}

	settings, err := s.readBuildSettings()
	if err != nil {
		return &ProtocolError{Op: "BuildDerivation read settings", Err: err}
	}

	logs, logErr := s.buildLogSink()

	result, buildErr := s.store.BuildDerivation(ctx, drvPath, drv, settings, logs)
	if *logErr != nil {
		return &ProtocolError{Op: "BuildDerivation forward log", Err: *logErr}
	}

	if err := wire.WriteBytes(s.w, nil); err != nil { // end of log
		return &ProtocolError{Op: "BuildDerivation write log terminator", Err: err}
	}

	if buildErr != nil {
		result = &BuildResult{Status: BuildStatusMiscFailure, ErrorMsg: buildErr.Error()}
	}

	if err := wire.WriteUint64(s.w, uint64(result.Status)); err != nil {
		return &ProtocolError{Op: "BuildDerivation write status", Err: err}
	}

	if err := wire.WriteString(s.w, result.ErrorMsg); err != nil {
		return &ProtocolError{Op: "BuildDerivation write error message", Err: err}
	}

	if protocolMinor(s.info.Version) >= 3 {
		if err := wire.WriteUint64(s.w, result.TimesBuilt); err != nil {
			return &ProtocolError{Op: "BuildDerivation write timesBuilt", Err: err}
		}

		if err := wire.WriteBool(s.w, result.IsNonDeterministic); err != nil {
			return &ProtocolError{Op: "BuildDerivation write isNonDeterministic", Err: err}
		}

		if err := wire.WriteInt64(s.w, result.StartTime); err != nil {
			return &ProtocolError{Op: "BuildDerivation write startTime", Err: err}
		}

		if err := wire.WriteInt64(s.w, result.StopTime); err != nil {
			return &ProtocolError{Op: "BuildDerivation write stopTime", Err: err}
		}
	}

	if protocolMinor(s.info.Version) >= 6 {
		if err := wire.WriteUint64(s.w, uint64(len(result.BuiltOutputs))); err != nil {
			return &ProtocolError{Op: "BuildDerivation write builtOutputs count", Err: err}
		}

		ids := make([]string, 0, len(result.BuiltOutputs))
		for id := range result.BuiltOutputs {
			ids = append(ids, id)
		}

		sort.Strings(ids)

		for _, id := range ids {
			if err := wire.WriteString(s.w, id); err != nil {
				return &ProtocolError{Op: "BuildDerivation write builtOutputs id", Err: err}
			}

			if err := wire.WriteString(s.w, result.BuiltOutputs[id]); err != nil {
				return &ProtocolError{Op: "BuildDerivation write builtOutputs realisation", Err: err}
			}
		}
	}

	return s.flush("BuildDerivation")
}

func (s *Server) flush(op string) error {
	if err := s.w.Flush(); err != nil {
		return &ProtocolError{Op: op + " flush", Err: err}
	}

	return nil
}
