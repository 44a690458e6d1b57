package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/rs/zerolog/log"

	"github.com/cbrgm/nixworker/pkg/daemon"
)

// defaultSocketPath returns the socket nix-worker dials or serves when
// --socket is not given: a per-user runtime path, since this tool never
// assumes the privileged multi-user daemon socket at
// /nix/var/nix/daemon-socket/socket is the right target for a reference
// implementation.
func defaultSocketPath() string {
	return filepath.Join(xdg.RuntimeDir, "nix-worker.sock")
}

// socketFlags is embedded by every dial subcommand so each can be run as
// `nix-worker dial <op> --socket ... args`.
type socketFlags struct {
	Socket string `help:"Unix socket of the Nix daemon to connect to." type:"path"`
}

func (s socketFlags) connect() (*daemon.Client, error) {
	path := s.Socket
	if path == "" {
		path = defaultSocketPath()
	}

	client, err := daemon.Connect(path)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", path, err)
	}

	return client, nil
}

// DialCmd groups the operations nix-worker can perform against a live
// daemon connection, one kong subcommand per worker-protocol operation it
// exercises.
type DialCmd struct {
	IsValidPath    IsValidPathCmd    `cmd:"" name:"is-valid-path" help:"Check whether a store path is registered valid."`
	QueryPathInfo  QueryPathInfoCmd  `cmd:"" name:"query-path-info" help:"Print the PathInfo for a store path."`
	QueryValidPaths QueryValidPathsCmd `cmd:"" name:"query-valid-paths" help:"Filter a list of paths down to the valid ones."`
	AddPermRoot    AddPermRootCmd    `cmd:"" name:"add-perm-root" help:"Register a garbage-collector root."`
	CollectGarbage CollectGarbageCmd `cmd:"" name:"collect-garbage" help:"Run garbage collection on the daemon's store."`
}

type IsValidPathCmd struct {
	socketFlags

	Path string `arg:"" help:"Store path to check."`
}

func (c *IsValidPathCmd) Run() error {
	client, err := c.connect()
	if err != nil {
		return err
	}
	defer client.Close()

	valid, err := client.IsValidPath(context.Background(), c.Path)
	if err != nil {
		return err
	}

	fmt.Println(valid)

	return nil
}

type QueryPathInfoCmd struct {
	socketFlags

	Path string `arg:"" help:"Store path to query."`
}

func (c *QueryPathInfoCmd) Run() error {
	client, err := c.connect()
	if err != nil {
		return err
	}
	defer client.Close()

	info, err := client.QueryPathInfo(context.Background(), c.Path)
	if err != nil {
		return err
	}

	if info == nil {
		return fmt.Errorf("%s is not a valid path", c.Path)
	}

	fmt.Printf("path:       %s\n", info.StorePath)
	fmt.Printf("narHash:    %s\n", info.NarHash)
	fmt.Printf("narSize:    %d\n", info.NarSize)
	fmt.Printf("references: %v\n", info.References)
	fmt.Printf("deriver:    %s\n", info.Deriver)

	return nil
}

type QueryValidPathsCmd struct {
	socketFlags

	Paths        []string `arg:"" help:"Store paths to filter."`
	SubstituteOk bool     `help:"Allow the daemon to consider substitutable paths valid too."`
}

func (c *QueryValidPathsCmd) Run() error {
	client, err := c.connect()
	if err != nil {
		return err
	}
	defer client.Close()

	valid, err := client.QueryValidPaths(context.Background(), c.Paths, c.SubstituteOk)
	if err != nil {
		return err
	}

	for _, p := range valid {
		fmt.Println(p)
	}

	return nil
}

type AddPermRootCmd struct {
	socketFlags

	StorePath string `arg:"" help:"Store path to root."`
	GCRoot    string `arg:"" help:"Filesystem path of the symlink to create."`
}

func (c *AddPermRootCmd) Run() error {
	client, err := c.connect()
	if err != nil {
		return err
	}
	defer client.Close()

	root, err := client.AddPermRoot(context.Background(), c.StorePath, c.GCRoot)
	if err != nil {
		return err
	}

	log.Info().Str("root", root).Msg("registered permanent root")

	return nil
}

type CollectGarbageCmd struct {
	socketFlags

	Action    string   `help:"GC action to perform." enum:"return-dead,delete-dead,delete-specific" default:"return-dead"`
	MaxFreed  uint64   `help:"Stop after freeing this many bytes (0 = unbounded)."`
	PathsToDelete []string `help:"Paths to delete, for --action=delete-specific."`
}

var gcActions = map[string]daemon.GCAction{ //nolint:gochecknoglobals
	"return-dead":    daemon.GCReturnDead,
	"delete-dead":    daemon.GCDeleteDead,
	"delete-specific": daemon.GCDeleteSpecific,
}

func (c *CollectGarbageCmd) Run() error {
	client, err := c.connect()
	if err != nil {
		return err
	}
	defer client.Close()

	result, err := client.CollectGarbage(context.Background(), &daemon.GCOptions{
		Action:    gcActions[c.Action],
		PathsToDelete: c.PathsToDelete,
		MaxFreed:  c.MaxFreed,
	})
	if err != nil {
		return err
	}

	for _, p := range result.Paths {
		fmt.Println(p)
	}

	log.Info().Uint64("bytesFreed", result.BytesFreed).Msg("garbage collection complete")

	return nil
}
