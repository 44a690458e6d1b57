package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/cbrgm/nixworker/pkg/daemon"
	"github.com/cbrgm/nixworker/pkg/storetest"
)

// ServeCmd hosts a pkg/storetest reference store behind the worker
// protocol on a Unix socket, accepting one daemon.Server per connection the
// way the real nix-daemon accepts one worker per client.
type ServeCmd struct {
	Socket  string `help:"Unix socket to listen on." type:"path"`
	Store   string `help:"Reference store backend to host." enum:"mem,badger" default:"mem"`
	DataDir string `help:"On-disk directory for --store=badger." default:"./nix-worker-data"`
	LogDB   string `help:"SQLite database path for build-log retention (optional)."`
	Version string `help:"Nix version string reported during handshake." default:"2.18.0"`
	Trust   string `help:"Trust level reported to clients." enum:"trusted,not-trusted,unknown" default:"trusted"`
}

var trustLevels = map[string]daemon.TrustLevel{ //nolint:gochecknoglobals
	"trusted":     daemon.TrustTrusted,
	"not-trusted": daemon.TrustNotTrusted,
	"unknown":     daemon.TrustUnknown,
}

func (c *ServeCmd) buildStore() (daemon.Store, error) {
	var logs storetest.BuildLogStore

	if c.LogDB != "" {
		sqliteLogs, err := storetest.OpenSQLiteLogStore(c.LogDB)
		if err != nil {
			return nil, err
		}

		logs = sqliteLogs
	}

	switch c.Store {
	case "badger":
		store, err := storetest.NewBadgerStore(c.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open badger store at %s: %w", c.DataDir, err)
		}

		store = store.WithTrustLevel(trustLevels[c.Trust])
		if logs != nil {
			store = store.WithBuildLogStore(logs)
		}

		return store, nil

	default:
		store := storetest.NewMemStore().WithTrustLevel(trustLevels[c.Trust])
		if logs != nil {
			store = store.WithBuildLogStore(logs)
		}

		return store, nil
	}
}

func (c *ServeCmd) Run() error {
	path := c.Socket
	if path == "" {
		path = defaultSocketPath()
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket %s: %w", path, err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", path, err)
	}
	defer listener.Close()

	store, err := c.buildStore()
	if err != nil {
		return err
	}

	log.Info().Str("socket", path).Str("store", c.Store).Msg("nix-worker serving")

	for {
		conn, err := listener.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}

		go c.handle(conn, store)
	}
}

func (c *ServeCmd) handle(conn net.Conn, store daemon.Store) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	log.Debug().Str("client", remote).Msg("connection opened")

	srv := daemon.NewServer(conn, store, daemon.WithDaemonVersion(c.Version))

	if err := srv.Serve(context.Background()); err != nil {
		log.Warn().Err(err).Str("client", remote).Msg("connection closed with error")

		return
	}

	log.Debug().Str("client", remote).Msg("connection closed")
}
