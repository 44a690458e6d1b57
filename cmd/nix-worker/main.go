// Command nix-worker is a client and reference server for the Nix daemon
// worker protocol: "dial" drives a running daemon the way nix-store would,
// "serve" hosts one of pkg/storetest's reference stores behind the same
// protocol, and "nar-ls" walks a NAR byte stream without touching either.
package main

import (
	"os"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var cli struct {
	Verbose bool `help:"Enable debug-level logging." short:"v"`

	Dial  DialCmd  `cmd:"" help:"Connect to a running Nix daemon as a client."`
	Serve ServeCmd `cmd:"" help:"Host a reference store behind the worker protocol."`
	NarLs NarLsCmd `cmd:"" name:"nar-ls" help:"List the entries of a NAR file."`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("nix-worker"),
		kong.Description("A client and reference server for the Nix daemon worker protocol."),
		kong.UsageOnError(),
	)

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cli.Verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	err := kctx.Run()
	kctx.FatalIfErrorf(err)
}
