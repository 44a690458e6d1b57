package daemon_test

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/cbrgm/nixworker/pkg/daemon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestServerQueryValidPathsOmitsSubstituteBelowGate drives daemon.Server
// through a handshake negotiated at minor 21 — below the querySubstitute
// gate (27) — acting as a hand-scripted client (same technique as
// handshake_test.go), then issues QueryValidPaths and checks the server
// does not try to read a trailing substitute bool that a pre-1.27 client
// never sends.
func TestServerQueryValidPathsOmitsSubstituteBelowGate(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	store := daemon.NewMockStoreT(t)
	store.ExpectQueryValidPaths([]string{"/nix/store/a"}, false, []string{"/nix/store/a"}, nil)

	srvDone := make(chan error, 1)
	go func() {
		srv := daemon.NewServer(serverConn, store)
		srvDone <- srv.Serve(context.Background())
	}()

	negotiated := uint64((1 << 8) | 21)

	var buf [8]byte

	writeU64(t, clientConn, daemon.ClientMagic)

	_, err := io.ReadFull(clientConn, buf[:])
	require.NoError(t, err)
	assert.Equal(t, daemon.ServerMagic, binary.LittleEndian.Uint64(buf[:]))

	_, err = io.ReadFull(clientConn, buf[:]) // server's max version, ignored
	require.NoError(t, err)

	writeU64(t, clientConn, negotiated)
	writeU64(t, clientConn, 0) // cpu affinity, ignored
	writeU64(t, clientConn, 0) // reserve space, ignored

	// Below the daemonVersionString (33) and trustLevel (35) gates nothing
	// more arrives before the setup log channel's Last.
	readLast(t, clientConn)

	writeU64(t, clientConn, uint64(daemon.OpQueryValidPaths))
	writeWireStringList(t, clientConn, []string{"/nix/store/a"})
	// No trailing substitute bool: the minor-21 wire form ends here.

	readLast(t, clientConn)

	paths := readWireStringList(t, clientConn)
	assert.Equal(t, []string{"/nix/store/a"}, paths)

	clientConn.Close()
	require.NoError(t, <-srvDone)

	store.Close()
}

func writeU64(t *testing.T, w io.Writer, v uint64) {
	t.Helper()

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	require.NoError(t, err)
}

func readU64(t *testing.T, r io.Reader) uint64 {
	t.Helper()

	var buf [8]byte
	_, err := io.ReadFull(r, buf[:])
	require.NoError(t, err)

	return binary.LittleEndian.Uint64(buf[:])
}

func writeWireStringList(t *testing.T, w io.Writer, ss []string) {
	t.Helper()

	writeU64(t, w, uint64(len(ss)))

	for _, s := range ss {
		writeWireStringTo(w, s)
	}
}

func readWireStringList(t *testing.T, r io.Reader) []string {
	t.Helper()

	count := readU64(t, r)
	out := make([]string, count)

	for i := range out {
		out[i] = readWireString(t, r)
	}

	return out
}

func readWireString(t *testing.T, r io.Reader) string {
	t.Helper()

	length := readU64(t, r)
	data := make([]byte, length)
	_, err := io.ReadFull(r, data)
	require.NoError(t, err)

	pad := (8 - (length % 8)) % 8
	if pad > 0 {
		padBuf := make([]byte, pad)
		_, err := io.ReadFull(r, padBuf)
		require.NoError(t, err)
	}

	return string(data)
}

// readLast consumes a log-channel Last frame, failing the test if it sees
// anything else.
func readLast(t *testing.T, r io.Reader) {
	t.Helper()

	tag := readU64(t, r)
	require.Equal(t, uint64(daemon.LogLast), tag)
}
