package serve

import (
	"errors"
	"fmt"
	"io"

	"github.com/cbrgm/nixworker/pkg/wire"
)

// ExportMagic tags each NAR entry in the ImportPaths/ExportPaths stream,
// the same discriminant the classic "nix-store --export" file format uses.
const ExportMagic uint64 = 0x4558494e

// exportEntry is one archive entry as carried by ImportPaths/ExportPaths:
// a NAR body, identified by the export-format trailer (magic, path,
// references, deriver) rather than the QueryPathInfos record shape.
type exportEntry struct {
	Path       string
	References []string
	Deriver    string
}

// writeExportTrailer writes the magic/path/references/deriver/terminator
// fields that follow a NAR body in the export stream.
func writeExportTrailer(w io.Writer, e exportEntry) error {
	if err := wire.WriteUint64(w, ExportMagic); err != nil {
		return err
	}

	if err := wire.WriteString(w, e.Path); err != nil {
		return err
	}

	if err := writeStrings(w, e.References); err != nil {
		return err
	}

	if err := wire.WriteString(w, e.Deriver); err != nil {
		return err
	}

	// The classic export format lets an entry chain directly into another
	// without returning to the outer "has next" flag; this package never
	// produces that form, so it always terminates the entry here.
	return wire.WriteUint64(w, 0)
}

// readExportTrailer reads the fields writeExportTrailer writes. It rejects
// a non-zero chaining marker: this package never emits inline-chained
// export entries and does not support decoding them either.
func readExportTrailer(r io.Reader) (exportEntry, error) {
	magic, err := wire.ReadUint64(r)
	if err != nil {
		return exportEntry{}, &ProtocolError{Op: "read export magic", Err: err}
	}

	if magic != ExportMagic {
		return exportEntry{}, &ProtocolError{
			Op:  "read export magic",
			Err: fmt.Errorf("serve: expected export magic 0x%x, got 0x%x", ExportMagic, magic),
		}
	}

	path, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return exportEntry{}, &ProtocolError{Op: "read export path", Err: err}
	}

	references, err := readStrings(r)
	if err != nil {
		return exportEntry{}, &ProtocolError{Op: "read export references", Err: err}
	}

	deriver, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return exportEntry{}, &ProtocolError{Op: "read export deriver", Err: err}
	}

	chained, err := wire.ReadUint64(r)
	if err != nil {
		return exportEntry{}, &ProtocolError{Op: "read export continuation marker", Err: err}
	}

	if chained != 0 {
		return exportEntry{}, &ProtocolError{
			Op:  "read export continuation marker",
			Err: errChainedExportEntry,
		}
	}

	return exportEntry{Path: path, References: references, Deriver: deriver}, nil
}

var errChainedExportEntry = errors.New("serve: inline-chained export entries are not supported")
