package serve

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cbrgm/nixworker/pkg/narv2"
	"github.com/cbrgm/nixworker/pkg/wire"
)

// Client drives the legacy serve protocol over a single connection: it
// performs the handshake once, then lets the caller issue one operation at
// a time. Unlike the daemon worker protocol there is no log channel to
// interleave; build output is whatever BuildPaths/BuildDerivation were
// told to copy it into.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
	info *HandshakeInfo
}

// Dial wraps conn as a Client and performs the handshake.
func Dial(ctx context.Context, conn net.Conn) (*Client, error) {
	c := &Client{conn: conn, r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}

	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now()) //nolint:errcheck // break blocked handshake I/O
	})
	defer stop()

	info, err := clientHandshake(c.r, c.w)
	if err != nil {
		return nil, err
	}

	c.info = info

	return c, nil
}

// Version returns the negotiated protocol version.
func (c *Client) Version() uint64 { return c.info.Version }

// Close closes the connection to the remote.
func (c *Client) Close() error {
	return c.conn.Close()
}

// QueryValidPaths asks which of paths are valid on the remote side. lock
// requests the remote hold a temporary GC root over the answer;
// substitute asks it to consider substitutable (not just already-present)
// paths valid.
func (c *Client) QueryValidPaths(paths []string, lock, substitute bool) ([]string, error) {
	if err := wire.WriteUint64(c.w, uint64(CmdQueryValidPaths)); err != nil {
		return nil, &ProtocolError{Op: "write QueryValidPaths command", Err: err}
	}

	if err := wire.WriteBool(c.w, lock); err != nil {
		return nil, &ProtocolError{Op: "write QueryValidPaths lock", Err: err}
	}

	if err := wire.WriteBool(c.w, substitute); err != nil {
		return nil, &ProtocolError{Op: "write QueryValidPaths substitute", Err: err}
	}

	if err := writeStrings(c.w, paths); err != nil {
		return nil, &ProtocolError{Op: "write QueryValidPaths paths", Err: err}
	}

	if err := c.w.Flush(); err != nil {
		return nil, &ProtocolError{Op: "flush QueryValidPaths", Err: err}
	}

	return readStrings(c.r)
}

// QueryPathInfo fetches one path's metadata, or nil if the remote does
// not have it.
func (c *Client) QueryPathInfo(path string) (*PathInfo, error) {
	if err := wire.WriteUint64(c.w, uint64(CmdQueryPathInfos)); err != nil {
		return nil, &ProtocolError{Op: "write QueryPathInfos command", Err: err}
	}

	if err := writeStrings(c.w, []string{path}); err != nil {
		return nil, &ProtocolError{Op: "write QueryPathInfos paths", Err: err}
	}

	if err := c.w.Flush(); err != nil {
		return nil, &ProtocolError{Op: "flush QueryPathInfos", Err: err}
	}

	return readPathInfo(c.r)
}

// DumpStorePath streams path's NAR serialisation into w. As with the
// daemon worker protocol's NarFromPath, the payload carries no length
// prefix; the reader must know where the archive ends by parsing it.
func (c *Client) DumpStorePath(path string, w io.Writer) error {
	if err := wire.WriteUint64(c.w, uint64(CmdDumpStorePath)); err != nil {
		return &ProtocolError{Op: "write DumpStorePath command", Err: err}
	}

	if err := wire.WriteString(c.w, path); err != nil {
		return &ProtocolError{Op: "write DumpStorePath path", Err: err}
	}

	if err := c.w.Flush(); err != nil {
		return &ProtocolError{Op: "flush DumpStorePath", Err: err}
	}

	return narv2.Copy(w, c.r)
}

// ImportItem is one archive the caller wants ImportPaths to upload.
type ImportItem struct {
	Info PathInfo
	NAR  io.Reader
}

// ImportPaths uploads items in order, each as a NAR body followed by its
// export-format trailer (path, references, deriver).
func (c *Client) ImportPaths(items []ImportItem) error {
	if err := wire.WriteUint64(c.w, uint64(CmdImportPaths)); err != nil {
		return &ProtocolError{Op: "write ImportPaths command", Err: err}
	}

	for _, item := range items {
		if err := wire.WriteUint64(c.w, 1); err != nil { // "has next" flag
			return &ProtocolError{Op: "write ImportPaths continuation", Err: err}
		}

		if err := narv2.Copy(c.w, item.NAR); err != nil {
			return &ProtocolError{Op: "write ImportPaths NAR", Err: err}
		}

		trailer := exportEntry{Path: item.Info.Path, References: item.Info.References, Deriver: item.Info.Deriver}
		if err := writeExportTrailer(c.w, trailer); err != nil {
			return &ProtocolError{Op: "write ImportPaths trailer", Err: err}
		}
	}

	if err := wire.WriteUint64(c.w, 0); err != nil { // end of stream
		return &ProtocolError{Op: "write ImportPaths terminator", Err: err}
	}

	return c.w.Flush()
}

// AddToStore is a convenience around ImportPaths for a single path.
func (c *Client) AddToStore(info *PathInfo, nar io.Reader) error {
	return c.ImportPaths([]ImportItem{{Info: *info, NAR: nar}})
}

// ExportedPath is one archive ExportPaths yields.
type ExportedPath struct {
	Info PathInfo
}

// ExportPaths asks the remote to export paths (in closure order it
// chooses) and copies each entry, in turn, into w as a 1 continuation
// flag followed by the NAR and its trailer. The final 0 terminator the
// remote sends is not written to w. It returns the path metadata for
// every entry actually exported.
func (c *Client) ExportPaths(paths []string, w io.Writer) ([]ExportedPath, error) {
	if err := wire.WriteUint64(c.w, uint64(CmdExportPaths)); err != nil {
		return nil, &ProtocolError{Op: "write ExportPaths command", Err: err}
	}

	if err := writeStrings(c.w, paths); err != nil {
		return nil, &ProtocolError{Op: "write ExportPaths paths", Err: err}
	}

	if err := c.w.Flush(); err != nil {
		return nil, &ProtocolError{Op: "flush ExportPaths", Err: err}
	}

	var exported []ExportedPath

	for {
		next, err := wire.ReadUint64(c.r)
		if err != nil {
			return nil, &ProtocolError{Op: "read ExportPaths continuation", Err: err}
		}

		if next == 0 {
			return exported, nil
		}

		if err := wire.WriteUint64(w, 1); err != nil {
			return nil, &ProtocolError{Op: "write ExportPaths continuation", Err: err}
		}

		if err := narv2.Copy(w, c.r); err != nil {
			return nil, &ProtocolError{Op: "copy ExportPaths NAR", Err: err}
		}

		entry, err := readExportTrailer(c.r)
		if err != nil {
			return nil, err
		}

		if err := writeExportTrailer(w, entry); err != nil {
			return nil, &ProtocolError{Op: "write ExportPaths trailer", Err: err}
		}

		exported = append(exported, ExportedPath{Info: PathInfo{
			Path:       entry.Path,
			References: entry.References,
			Deriver:    entry.Deriver,
		}})
	}
}

// QueryClosure returns the transitive closure of paths, optionally
// including the outputs of any derivations among them.
func (c *Client) QueryClosure(paths []string, includeOutputs bool) ([]string, error) {
	if err := wire.WriteUint64(c.w, uint64(CmdQueryClosure)); err != nil {
		return nil, &ProtocolError{Op: "write QueryClosure command", Err: err}
	}

	if err := wire.WriteBool(c.w, includeOutputs); err != nil {
		return nil, &ProtocolError{Op: "write QueryClosure includeOutputs", Err: err}
	}

	if err := writeStrings(c.w, paths); err != nil {
		return nil, &ProtocolError{Op: "write QueryClosure paths", Err: err}
	}

	if err := c.w.Flush(); err != nil {
		return nil, &ProtocolError{Op: "flush QueryClosure", Err: err}
	}

	return readStrings(c.r)
}

func (c *Client) writeBuildSettings(settings *BuildSettings) error {
	if err := wire.WriteInt64(c.w, settings.MaxSilentTime); err != nil {
		return err
	}

	if err := wire.WriteInt64(c.w, settings.BuildTimeout); err != nil {
		return err
	}

	if protocolMinor(c.info.Version) >= 2 {
		if err := wire.WriteUint64(c.w, settings.MaxLogSize); err != nil {
			return err
		}
	}

	if protocolMinor(c.info.Version) >= 3 {
		if err := wire.WriteUint64(c.w, settings.BuildRepeat); err != nil {
			return err
		}

		if err := wire.WriteBool(c.w, settings.EnforceDeterminism); err != nil {
			return err
		}
	}

	return nil
}

// BuildPaths asks the remote to realise storePaths (already-resolved
// store paths with optional "!output" selectors), copying its build
// output verbatim into buildLog until the trailing status is read.
func (c *Client) BuildPaths(storePaths []string, settings *BuildSettings, buildLog io.Writer) error {
	if err := wire.WriteUint64(c.w, uint64(CmdBuildPaths)); err != nil {
		return &ProtocolError{Op: "write BuildPaths command", Err: err}
	}

	if err := writeStrings(c.w, storePaths); err != nil {
		return &ProtocolError{Op: "write BuildPaths paths", Err: err}
	}

	if err := c.writeBuildSettings(settings); err != nil {
		return &ProtocolError{Op: "write BuildPaths settings", Err: err}
	}

	if err := c.w.Flush(); err != nil {
		return &ProtocolError{Op: "flush BuildPaths", Err: err}
	}

	if err := copyBuildLog(buildLog, c.r); err != nil {
		return err
	}

	status, err := wire.ReadUint64(c.r)
	if err != nil {
		return &ProtocolError{Op: "read BuildPaths status", Err: err}
	}

	if !BuildStatus(status).Success() {
		msg, err := wire.ReadString(c.r, MaxStringSize)
		if err != nil {
			return &ProtocolError{Op: "read BuildPaths error message", Err: err}
		}

		return fmt.Errorf("serve: build failed (%d): %s", BuildStatus(status), msg)
	}

	return nil
}

// BuildDerivation asks the remote to build drv (named by drvPath for
// logging), copying output into buildLog, and returns the structured
// result.
func (c *Client) BuildDerivation(drvPath string, drv *BasicDerivation, settings *BuildSettings, buildLog io.Writer) (*BuildResult, error) {
	if err := wire.WriteUint64(c.w, uint64(CmdBuildDerivation)); err != nil {
		return nil, &ProtocolError{Op: "write BuildDerivation command", Err: err}
	}

	if err := wire.WriteString(c.w, drvPath); err != nil {
		return nil, &ProtocolError{Op: "write BuildDerivation path", Err: err}
	}

	if err := writeBasicDerivation(c.w, drv); err != nil {
		return nil, &ProtocolError{Op: "write BuildDerivation drv", Err: err}
	}

	if err := c.writeBuildSettings(settings); err != nil {
		return nil, &ProtocolError{Op: "write BuildDerivation settings", Err: err}
	}

	if err := c.w.Flush(); err != nil {
		return nil, &ProtocolError{Op: "flush BuildDerivation", Err: err}
	}

	if err := copyBuildLog(buildLog, c.r); err != nil {
		return nil, err
	}

	status, err := wire.ReadUint64(c.r)
	if err != nil {
		return nil, &ProtocolError{Op: "read BuildDerivation status", Err: err}
	}

	errorMsg, err := wire.ReadString(c.r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read BuildDerivation error message", Err: err}
	}

	result := &BuildResult{Status: BuildStatus(status), ErrorMsg: errorMsg}

	if protocolMinor(c.info.Version) >= 3 {
		if result.TimesBuilt, err = wire.ReadUint64(c.r); err != nil {
			return nil, &ProtocolError{Op: "read BuildDerivation timesBuilt", Err: err}
		}

		if result.IsNonDeterministic, err = wire.ReadBool(c.r); err != nil {
			return nil, &ProtocolError{Op: "read BuildDerivation isNonDeterministic", Err: err}
		}

		if result.StartTime, err = wire.ReadInt64(c.r); err != nil {
			return nil, &ProtocolError{Op: "read BuildDerivation startTime", Err: err}
		}

		if result.StopTime, err = wire.ReadInt64(c.r); err != nil {
			return nil, &ProtocolError{Op: "read BuildDerivation stopTime", Err: err}
		}
	}

	if protocolMinor(c.info.Version) >= 6 {
		count, err := wire.ReadUint64(c.r)
		if err != nil {
			return nil, &ProtocolError{Op: "read BuildDerivation builtOutputs count", Err: err}
		}

		result.BuiltOutputs = make(map[string]string, count)

		for i := uint64(0); i < count; i++ {
			id, err := wire.ReadString(c.r, MaxStringSize)
			if err != nil {
				return nil, &ProtocolError{Op: "read BuildDerivation builtOutputs id", Err: err}
			}

			realisation, err := wire.ReadString(c.r, MaxStringSize)
			if err != nil {
				return nil, &ProtocolError{Op: "read BuildDerivation builtOutputs realisation", Err: err}
			}

			result.BuiltOutputs[id] = realisation
		}
	}

	return result, nil
}

// copyBuildLog reads build-log chunks from r, each a wire byte string, and
// writes their contents to w. A zero-length chunk signals the log is done
// and the operation's status fields follow.
func copyBuildLog(w io.Writer, r io.Reader) error {
	for {
		chunk, err := wire.ReadBytes(r, MaxStringSize)
		if err != nil {
			return &ProtocolError{Op: "read build log chunk", Err: err}
		}

		if len(chunk) == 0 {
			return nil
		}

		if _, err := w.Write(chunk); err != nil {
			return &ProtocolError{Op: "write build log chunk", Err: err}
		}
	}
}
