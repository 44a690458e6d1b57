package daemon

import (
	"bufio"
	"fmt"
	"io"
	"net"

	"github.com/cbrgm/nixworker/pkg/wire"
)

// HandshakeInfo holds the result of a successful handshake.
type HandshakeInfo struct {
	Version          uint64
	DaemonNixVersion string
	Trust            TrustLevel
}

// Handshake performs the Nix daemon protocol handshake over a connection.
// It uses buffered I/O internally. Handshake-time log frames from the
// daemon are discarded; use a Client with WithLogChannel to observe them.
func Handshake(conn net.Conn) (*HandshakeInfo, error) {
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	return handshakeWithBufIO(r, w, nil)
}

// handshakeWithBufIO performs the Nix daemon protocol handshake using the
// provided buffered reader and writer. This allows both the standalone
// Handshake function and the Client to share the same handshake logic.
// Log frames the server emits between the handshake fields and its
// terminating Last are delivered to logs (discarded when nil).
func handshakeWithBufIO(r io.Reader, w *bufio.Writer, logs chan<- LogMessage) (*HandshakeInfo, error) {
	// 1. Client sends ClientMagic — flush.
	if err := wire.WriteUint64(w, ClientMagic); err != nil {
		return nil, &ProtocolError{Op: "handshake write client magic", Err: err}
	}

	if err := w.Flush(); err != nil {
		return nil, &ProtocolError{Op: "handshake flush client magic", Err: err}
	}

	// 2. Server responds with ServerMagic — validate.
	serverMagic, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "handshake read server magic", Err: err}
	}

	if serverMagic != ServerMagic {
		return nil, &ProtocolError{
			Op:  "handshake validate server magic",
			Err: fmt.Errorf("expected %#x, got %#x", ServerMagic, serverMagic),
		}
	}

	// 3. Server sends protocol version.
	serverVersion, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "handshake read server version", Err: err}
	}

	// 4. Client computes negotiated version = min(serverVersion, ProtocolVersion).
	negotiated := serverVersion
	if ProtocolVersion < negotiated {
		negotiated = ProtocolVersion
	}

	// The client tolerates far older daemons than the server floor: every
	// version gate below clientMinProtocolMinor is already handled, so only
	// a different protocol generation or a truly prehistoric daemon is
	// rejected here.
	if protocolMajor(negotiated) != 1 || protocolMinor(negotiated) < clientMinProtocolMinor {
		return nil, &ProtocolError{
			Op:  "handshake version negotiation",
			Err: fmt.Errorf("unsupported daemon protocol version %#x", negotiated),
		}
	}

	g := gatesFor(negotiated)

	// 5. Client sends negotiated version — flush.
	if err := wire.WriteUint64(w, negotiated); err != nil {
		return nil, &ProtocolError{Op: "handshake write negotiated version", Err: err}
	}

	// 6. Client sends CPU affinity flag: false (v1.14+).
	if g.cpuAffinity() {
		if err := wire.WriteBool(w, false); err != nil {
			return nil, &ProtocolError{Op: "handshake write cpu affinity", Err: err}
		}
	}

	// 7. Client sends reserve space flag: false (v1.11+).
	if g.reserveSpace() {
		if err := wire.WriteBool(w, false); err != nil {
			return nil, &ProtocolError{Op: "handshake write reserve space", Err: err}
		}
	}

	if err := w.Flush(); err != nil {
		return nil, &ProtocolError{Op: "handshake flush client flags", Err: err}
	}

	var daemonVersion string

	// 8. Server sends Nix version string (v1.33+).
	if g.daemonVersionString() {
		v, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, &ProtocolError{Op: "handshake read daemon version", Err: err}
		}

		daemonVersion = v
	}

	trust := TrustUnknown

	// 9. Server sends trust level (v1.35+).
	if g.trustLevel() {
		trustRaw, err := wire.ReadUint64(r)
		if err != nil {
			return nil, &ProtocolError{Op: "handshake read trust level", Err: err}
		}

		trust = TrustLevel(trustRaw)
	}

	// 10. The server runs its connection-setup work behind the log channel:
	// zero or more log frames terminated by Last (or Error when setup
	// failed).
	if err := ProcessStderr(r, logs); err != nil {
		return nil, err
	}

	return &HandshakeInfo{
		Version:          negotiated,
		DaemonNixVersion: daemonVersion,
		Trust:            trust,
	}, nil
}

// handshakeServerWithBufIO performs the server side of the handshake: the
// mirror image of handshakeWithBufIO. nixVersion and trust are reported to
// the client when the negotiated version gates them on (minor >= 33 / >= 35
// respectively); they are silently dropped otherwise.
func handshakeServerWithBufIO(r io.Reader, w *bufio.Writer, nixVersion string, trust TrustLevel) (*HandshakeInfo, error) {
	// 1. Client sends ClientMagic — validate.
	clientMagic, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "handshake read client magic", Err: err}
	}

	if clientMagic != ClientMagic {
		return nil, &ProtocolError{
			Op:  "handshake validate client magic",
			Err: fmt.Errorf("expected %#x, got %#x", ClientMagic, clientMagic),
		}
	}

	// 2. Server sends ServerMagic and its max version — flush.
	if err := wire.WriteUint64(w, ServerMagic); err != nil {
		return nil, &ProtocolError{Op: "handshake write server magic", Err: err}
	}

	if err := wire.WriteUint64(w, ProtocolVersion); err != nil {
		return nil, &ProtocolError{Op: "handshake write server version", Err: err}
	}

	if err := w.Flush(); err != nil {
		return nil, &ProtocolError{Op: "handshake flush server magic", Err: err}
	}

	// 3. Client sends its max version.
	clientVersion, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "handshake read client version", Err: err}
	}

	negotiated := clientVersion
	if ProtocolVersion < negotiated {
		negotiated = ProtocolVersion
	}

	if protocolMajor(negotiated) != 1 || protocolMinor(negotiated) < MinProtocolMinor {
		return nil, &ProtocolError{
			Op:  "handshake version negotiation",
			Err: fmt.Errorf("negotiated version %#x is below the minimum supported minor %d", negotiated, MinProtocolMinor),
		}
	}

	g := gatesFor(negotiated)

	// 4. Client optionally sends CPU affinity (>= 1.14) — ignored.
	if g.cpuAffinity() {
		if _, err := wire.ReadBool(r); err != nil {
			return nil, &ProtocolError{Op: "handshake read cpu affinity", Err: err}
		}
	}

	// 5. Client optionally sends reserve-space flag (>= 1.11) — ignored.
	if g.reserveSpace() {
		if _, err := wire.ReadBool(r); err != nil {
			return nil, &ProtocolError{Op: "handshake read reserve space", Err: err}
		}
	}

	// 6. Server sends its Nix version string (>= 1.33).
	if g.daemonVersionString() {
		if err := wire.WriteString(w, nixVersion); err != nil {
			return nil, &ProtocolError{Op: "handshake write daemon version", Err: err}
		}
	}

	// 7. Server sends trust level (>= 1.35).
	if g.trustLevel() {
		if err := wire.WriteUint64(w, uint64(trust)); err != nil {
			return nil, &ProtocolError{Op: "handshake write trust level", Err: err}
		}
	}

	// The log frames the client expects next (terminated by Last) are the
	// Server's to emit: it owns the Store whose connection-setup work they
	// describe. See Server.Serve.
	if err := w.Flush(); err != nil {
		return nil, &ProtocolError{Op: "handshake flush", Err: err}
	}

	return &HandshakeInfo{
		Version:          negotiated,
		DaemonNixVersion: nixVersion,
		Trust:            trust,
	}, nil
}
