package daemon

import (
	"fmt"
	"io"

	"github.com/cbrgm/nixworker/pkg/wire"
)

// MaxStringSize is the maximum size in bytes for strings read from the daemon
// protocol. This guards against malformed or malicious payloads.
const MaxStringSize = 64 * 1024 * 1024 // 64 MiB

// ProcessStderr reads and dispatches log/activity messages from the daemon's
// stderr channel. The daemon interleaves these messages before the actual
// response payload. The function loops until it receives LogLast, at which
// point the caller can proceed to read the response.
//
// Log messages (other than errors) are sent to the provided channel. If a
// LogError message is received, the parsed DaemonError is returned. If the
// channel is nil, non-error messages are silently discarded.
//
// Read frames are acknowledged but not answered: operations whose request
// body is pulled through the stderr-read dialect go through
// OpWriter.CloseRequestUpload instead.
func ProcessStderr(r io.Reader, logs chan<- LogMessage) error {
	return processStderr(r, logs, nil)
}

// processStderr is ProcessStderr with an optional responder for Read
// frames. onRead receives the number of bytes the server requested and must
// answer on the write half before returning; when nil the count is read and
// discarded.
func processStderr(r io.Reader, logs chan<- LogMessage, onRead func(n uint64) error) error {
	for {
		raw, err := wire.ReadUint64(r)
		if err != nil {
			return &ProtocolError{Op: "read stderr message type", Err: err}
		}

		msgType := LogMessageType(raw)

		switch msgType {
		case LogLast:
			return nil

		case LogError:
			return readDaemonError(r)

		case LogNext:
			text, err := wire.ReadString(r, MaxStringSize)
			if err != nil {
				return &ProtocolError{Op: "read LogNext text", Err: err}
			}

			if logs != nil {
				logs <- LogMessage{Type: LogNext, Text: text}
			}

		case LogStartActivity:
			act, err := readActivity(r)
			if err != nil {
				return err
			}

			if logs != nil {
				logs <- LogMessage{Type: LogStartActivity, Activity: act}
			}

		case LogStopActivity:
			id, err := wire.ReadUint64(r)
			if err != nil {
				return &ProtocolError{Op: "read LogStopActivity id", Err: err}
			}

			if logs != nil {
				logs <- LogMessage{Type: LogStopActivity, ActivityID: id}
			}

		case LogResult:
			result, err := readActivityResult(r)
			if err != nil {
				return err
			}

			if logs != nil {
				logs <- LogMessage{Type: LogResult, Result: result}
			}

		case LogRead:
			n, err := wire.ReadUint64(r)
			if err != nil {
				return &ProtocolError{Op: "read LogRead count", Err: err}
			}

			if onRead != nil {
				if err := onRead(n); err != nil {
					return err
				}
			}

		case LogWrite:
			// Data the daemon wants echoed to the client's output stream.
			text, err := wire.ReadString(r, MaxStringSize)
			if err != nil {
				return &ProtocolError{Op: "read LogWrite data", Err: err}
			}

			if logs != nil {
				logs <- LogMessage{Type: LogWrite, Text: text}
			}

		default:
			return &ProtocolError{
				Op:  "process stderr",
				Err: fmt.Errorf("unknown log message type: 0x%x", raw),
			}
		}
	}
}

// readDaemonError parses a DaemonError from the daemon's stderr channel.
func readDaemonError(r io.Reader) error {
	errType, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "read error type", Err: err}
	}

	level, err := wire.ReadUint64(r)
	if err != nil {
		return &ProtocolError{Op: "read error level", Err: err}
	}

	name, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "read error name", Err: err}
	}

	message, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "read error message", Err: err}
	}

	// havePos: currently unused, but must be consumed.
	if _, err := wire.ReadUint64(r); err != nil {
		return &ProtocolError{Op: "read error havePos", Err: err}
	}

	nrTraces, err := wire.ReadUint64(r)
	if err != nil {
		return &ProtocolError{Op: "read error nrTraces", Err: err}
	}

	traces := make([]DaemonErrorTrace, nrTraces)
	for i := uint64(0); i < nrTraces; i++ {
		havePos, err := wire.ReadUint64(r)
		if err != nil {
			return &ProtocolError{Op: "read trace havePos", Err: err}
		}

		traceMsg, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return &ProtocolError{Op: "read trace message", Err: err}
		}

		traces[i] = DaemonErrorTrace{
			HavePos: havePos,
			Message: traceMsg,
		}
	}

	return &DaemonError{
		Type:    errType,
		Level:   level,
		Name:    name,
		Message: message,
		Traces:  traces,
	}
}

// readActivity parses an Activity from the daemon's stderr channel.
func readActivity(r io.Reader) (*Activity, error) {
	id, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read activity id", Err: err}
	}

	level, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read activity level", Err: err}
	}

	actType, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read activity type", Err: err}
	}

	text, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read activity text", Err: err}
	}

	nrFields, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read activity nrFields", Err: err}
	}

	fields, err := readFields(r, nrFields)
	if err != nil {
		return nil, err
	}

	parent, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read activity parent", Err: err}
	}

	return &Activity{
		ID:     id,
		Level:  Verbosity(level),
		Type:   ActivityType(actType),
		Text:   text,
		Fields: fields,
		Parent: parent,
	}, nil
}

// readActivityResult parses an ActivityResult from the daemon's stderr channel.
func readActivityResult(r io.Reader) (*ActivityResult, error) {
	id, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read result id", Err: err}
	}

	resType, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read result type", Err: err}
	}

	nrFields, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read result nrFields", Err: err}
	}

	fields, err := readFields(r, nrFields)
	if err != nil {
		return nil, err
	}

	return &ActivityResult{
		ID:     id,
		Type:   ResultType(resType),
		Fields: fields,
	}, nil
}

// readFields parses a sequence of typed fields from the daemon's stderr
// channel. Each field is preceded by a type tag: 0 for integer, 1 for string.
func readFields(r io.Reader, count uint64) ([]LogField, error) {
	fields := make([]LogField, count)

	for i := uint64(0); i < count; i++ {
		fieldType, err := wire.ReadUint64(r)
		if err != nil {
			return nil, &ProtocolError{Op: "read field type", Err: err}
		}

		switch fieldType {
		case 0: // integer field
			v, err := wire.ReadUint64(r)
			if err != nil {
				return nil, &ProtocolError{Op: "read field int value", Err: err}
			}

			fields[i] = LogField{Int: v, IsInt: true}

		case 1: // string field
			s, err := wire.ReadString(r, MaxStringSize)
			if err != nil {
				return nil, &ProtocolError{Op: "read field string value", Err: err}
			}

			fields[i] = LogField{String: s, IsInt: false}

		default:
			return nil, &ProtocolError{
				Op:  "read field",
				Err: fmt.Errorf("unknown field type: %d", fieldType),
			}
		}
	}

	return fields, nil
}

// WriteLogNext writes a LogNext frame carrying a single line of text to the
// stderr channel.
func WriteLogNext(w io.Writer, text string) error {
	if err := wire.WriteUint64(w, uint64(LogNext)); err != nil {
		return err
	}

	return wire.WriteString(w, text)
}

// WriteLogLast writes the LogLast frame that terminates the stderr channel
// and hands control back to the response payload.
func WriteLogLast(w io.Writer) error {
	return wire.WriteUint64(w, uint64(LogLast))
}

// WriteDaemonError writes a LogError frame carrying a DaemonError to the
// stderr channel. This terminates the stderr channel; no response payload
// follows.
func WriteDaemonError(w io.Writer, e *DaemonError) error {
	if err := wire.WriteUint64(w, uint64(LogError)); err != nil {
		return err
	}

	if err := wire.WriteString(w, e.Type); err != nil {
		return err
	}

	if err := wire.WriteUint64(w, e.Level); err != nil {
		return err
	}

	if err := wire.WriteString(w, e.Name); err != nil {
		return err
	}

	if err := wire.WriteString(w, e.Message); err != nil {
		return err
	}

	// havePos: unused, always zero.
	if err := wire.WriteUint64(w, 0); err != nil {
		return err
	}

	if err := wire.WriteUint64(w, uint64(len(e.Traces))); err != nil {
		return err
	}

	for _, tr := range e.Traces {
		if err := wire.WriteUint64(w, tr.HavePos); err != nil {
			return err
		}

		if err := wire.WriteString(w, tr.Message); err != nil {
			return err
		}
	}

	return nil
}

// WriteActivity writes a LogStartActivity frame.
func WriteActivity(w io.Writer, act *Activity) error {
	if err := wire.WriteUint64(w, uint64(LogStartActivity)); err != nil {
		return err
	}

	if err := wire.WriteUint64(w, act.ID); err != nil {
		return err
	}

	if err := wire.WriteUint64(w, uint64(act.Level)); err != nil {
		return err
	}

	if err := wire.WriteUint64(w, uint64(act.Type)); err != nil {
		return err
	}

	if err := wire.WriteString(w, act.Text); err != nil {
		return err
	}

	if err := writeFields(w, act.Fields); err != nil {
		return err
	}

	return wire.WriteUint64(w, act.Parent)
}

// WriteActivityStop writes a LogStopActivity frame for the given activity ID.
func WriteActivityStop(w io.Writer, id uint64) error {
	if err := wire.WriteUint64(w, uint64(LogStopActivity)); err != nil {
		return err
	}

	return wire.WriteUint64(w, id)
}

// WriteActivityResult writes a LogResult frame.
func WriteActivityResult(w io.Writer, res *ActivityResult) error {
	if err := wire.WriteUint64(w, uint64(LogResult)); err != nil {
		return err
	}

	if err := wire.WriteUint64(w, res.ID); err != nil {
		return err
	}

	if err := wire.WriteUint64(w, uint64(res.Type)); err != nil {
		return err
	}

	return writeFields(w, res.Fields)
}

// writeFields writes a sequence of typed LogFields (see readFields).
func writeFields(w io.Writer, fields []LogField) error {
	if err := wire.WriteUint64(w, uint64(len(fields))); err != nil {
		return err
	}

	for _, f := range fields {
		if f.IsInt {
			if err := wire.WriteUint64(w, 0); err != nil {
				return err
			}

			if err := wire.WriteUint64(w, f.Int); err != nil {
				return err
			}

			continue
		}

		if err := wire.WriteUint64(w, 1); err != nil {
			return err
		}

		if err := wire.WriteString(w, f.String); err != nil {
			return err
		}
	}

	return nil
}
