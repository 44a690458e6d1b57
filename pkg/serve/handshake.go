package serve

import (
	"bufio"
	"io"

	"github.com/cbrgm/nixworker/pkg/wire"
)

// HandshakeInfo is what either side learns once the handshake completes.
type HandshakeInfo struct {
	// Version is this side's view of the negotiated protocol version
	// (major | min(ourMinor, theirMinor)).
	Version uint64
}

// clientHandshake sends Magic1 + our version, then reads Magic2 + the
// peer's version and negotiates. If w has a Flush method it is flushed
// before the reply is read.
func clientHandshake(r io.Reader, w io.Writer) (*HandshakeInfo, error) {
	if err := wire.WriteUint64(w, Magic1); err != nil {
		return nil, &ProtocolError{Op: "write client magic", Err: err}
	}

	if err := wire.WriteUint64(w, ProtocolVersion); err != nil {
		return nil, &ProtocolError{Op: "write client version", Err: err}
	}

	if bw, ok := w.(interface{ Flush() error }); ok {
		if err := bw.Flush(); err != nil {
			return nil, &ProtocolError{Op: "flush handshake", Err: err}
		}
	}

	magic, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read server magic", Err: err}
	}

	if magic != Magic2 {
		return nil, &ProtocolError{Op: "read server magic", Err: errBadMagic}
	}

	serverVersion, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read server version", Err: err}
	}

	negotiated, err := negotiate(ProtocolVersion, serverVersion)
	if err != nil {
		return nil, &ProtocolError{Op: "negotiate version", Err: err}
	}

	return &HandshakeInfo{Version: negotiated}, nil
}

// serverHandshake reads Magic1 + the client's version, then replies with
// Magic2 + our version.
func serverHandshake(r io.Reader, w *bufio.Writer) (*HandshakeInfo, error) {
	magic, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read client magic", Err: err}
	}

	if magic != Magic1 {
		return nil, &ProtocolError{Op: "read client magic", Err: errBadMagic}
	}

	clientVersion, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read client version", Err: err}
	}

	if err := wire.WriteUint64(w, Magic2); err != nil {
		return nil, &ProtocolError{Op: "write server magic", Err: err}
	}

	if err := wire.WriteUint64(w, ProtocolVersion); err != nil {
		return nil, &ProtocolError{Op: "write server version", Err: err}
	}

	if err := w.Flush(); err != nil {
		return nil, &ProtocolError{Op: "flush handshake", Err: err}
	}

	negotiated, err := negotiate(ProtocolVersion, clientVersion)
	if err != nil {
		return nil, &ProtocolError{Op: "negotiate version", Err: err}
	}

	return &HandshakeInfo{Version: negotiated}, nil
}
