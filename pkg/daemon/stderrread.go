package daemon

import (
	"io"

	"github.com/cbrgm/nixworker/pkg/wire"
)

// stderrReadStream implements the 1.21-1.22 AddToStoreNar dialect: the
// server pulls upload bytes by writing a LogRead frame carrying the
// requested chunk size on the log channel, and the client answers with a
// single wire bytes field on the raw connection (the "stderr read"
// dialect). A zero-length answer signals the client has no more data.
type stderrReadStream struct {
	s   *Server
	buf []byte
}

func newStderrReadStream(s *Server) *stderrReadStream {
	return &stderrReadStream{s: s}
}

const stderrReadChunkSize = 1 << 15

func (sr *stderrReadStream) Read(p []byte) (int, error) {
	if len(sr.buf) == 0 {
		chunk, err := sr.pull()
		if err != nil {
			return 0, err
		}

		if len(chunk) == 0 {
			return 0, io.EOF
		}

		sr.buf = chunk
	}

	n := copy(p, sr.buf)
	sr.buf = sr.buf[n:]

	return n, nil
}

func (sr *stderrReadStream) pull() ([]byte, error) {
	if err := wire.WriteUint64(sr.s.w, uint64(LogRead)); err != nil {
		return nil, &ProtocolError{Op: "stderr-read write LogRead tag", Err: err}
	}

	if err := wire.WriteUint64(sr.s.w, stderrReadChunkSize); err != nil {
		return nil, &ProtocolError{Op: "stderr-read write requested length", Err: err}
	}

	if err := sr.s.w.Flush(); err != nil {
		return nil, &ProtocolError{Op: "stderr-read flush", Err: err}
	}

	data, err := wire.ReadBytes(sr.s.r, stderrReadChunkSize)
	if err != nil {
		return nil, &ProtocolError{Op: "stderr-read read chunk", Err: err}
	}

	return data, nil
}
