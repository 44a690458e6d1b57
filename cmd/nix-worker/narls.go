package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cbrgm/nixworker/pkg/narv2"
)

// NarLsCmd walks a NAR file on disk with narv2's forward-only Reader and
// prints its entries. pkg/daemon's NarFromPath finds where a store path's
// NAR stream ends with narv2.Copy, which walks the same grammar.
type NarLsCmd struct {
	File string `arg:"" help:"Path to a NAR file." type:"existingfile"`
}

func (c *NarLsCmd) Run() error {
	f, err := os.Open(c.File)
	if err != nil {
		return err
	}
	defer f.Close()

	r := narv2.NewReader(f)

	for {
		tag, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return err
		}

		switch tag {
		case narv2.TagDir:
			fmt.Printf("d %s\n", r.Path())
		case narv2.TagSym:
			fmt.Printf("l %s -> %s\n", r.Path(), r.Target())
		case narv2.TagReg:
			fmt.Printf("- %10d %s\n", r.Size(), r.Path())
		case narv2.TagExe:
			fmt.Printf("x %10d %s\n", r.Size(), r.Path())
		}
	}
}
