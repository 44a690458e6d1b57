package serve_test

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"

	"github.com/cbrgm/nixworker/pkg/serve"
	"github.com/cbrgm/nixworker/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// regularFileNar builds the minimal valid NAR encoding of a single regular
// file at the archive root, the shape narv2.Copy expects to bound.
func regularFileNar(t *testing.T, content []byte) []byte {
	t.Helper()

	var buf bytes.Buffer

	for _, tok := range []string{"nix-archive-1", "(", "type", "regular", "contents"} {
		require.NoError(t, wire.WriteString(&buf, tok))
	}

	require.NoError(t, wire.WriteBytes(&buf, content))
	require.NoError(t, wire.WriteString(&buf, ")"))

	return buf.Bytes()
}

// fakeStore is a minimal in-memory serve.Store used to exercise the
// client/server wire protocol without any real store behind it.
type fakeStore struct {
	paths   map[string]*serve.PathInfo
	nars    map[string][]byte
	closure map[string][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		paths:   make(map[string]*serve.PathInfo),
		nars:    make(map[string][]byte),
		closure: make(map[string][]string),
	}
}

func (s *fakeStore) QueryValidPaths(_ context.Context, paths []string, _, _ bool) ([]string, error) {
	var valid []string

	for _, p := range paths {
		if _, ok := s.paths[p]; ok {
			valid = append(valid, p)
		}
	}

	return valid, nil
}

func (s *fakeStore) QueryPathInfo(_ context.Context, path string) (*serve.PathInfo, error) {
	return s.paths[path], nil
}

func (s *fakeStore) DumpStorePath(_ context.Context, path string, w io.Writer) error {
	_, err := w.Write(s.nars[path])

	return err
}

func (s *fakeStore) ImportPaths(_ context.Context, items []serve.ImportItem) error {
	for _, item := range items {
		data, err := io.ReadAll(item.NAR)
		if err != nil {
			return err
		}

		info := item.Info
		s.paths[info.Path] = &info
		s.nars[info.Path] = data
	}

	return nil
}

func (s *fakeStore) ExportPaths(_ context.Context, paths []string, _ io.Writer) ([]serve.ExportedPath, error) {
	exported := make([]serve.ExportedPath, 0, len(paths))

	for _, p := range paths {
		info, ok := s.paths[p]
		if !ok {
			continue
		}

		exported = append(exported, serve.ExportedPath{Info: *info})
	}

	return exported, nil
}

func (s *fakeStore) QueryClosure(_ context.Context, paths []string, _ bool) ([]string, error) {
	var out []string

	for _, p := range paths {
		out = append(out, p)
		out = append(out, s.closure[p]...)
	}

	return out, nil
}

func (s *fakeStore) BuildPaths(_ context.Context, _ []string, _ *serve.BuildSettings, logs serve.BuildLogSink) error {
	logs([]byte("building\n"))

	return nil
}

func (s *fakeStore) BuildDerivation(
	_ context.Context, _ string, _ *serve.BasicDerivation, _ *serve.BuildSettings, logs serve.BuildLogSink,
) (*serve.BuildResult, error) {
	logs([]byte("building derivation\n"))

	return &serve.BuildResult{Status: serve.BuildStatusBuilt}, nil
}

func dialFakeStore(t *testing.T, store *fakeStore) *serve.Client {
	t.Helper()

	serverConn, clientConn := net.Pipe()

	srv := serve.NewServer(serverConn, store)

	go func() { _ = srv.Serve(context.Background()) }()

	client, err := serve.Dial(context.Background(), clientConn)
	require.NoError(t, err)

	t.Cleanup(func() { client.Close() })

	return client
}

func TestQueryValidPaths(t *testing.T) {
	store := newFakeStore()
	store.paths["/nix/store/aaa-foo"] = &serve.PathInfo{Path: "/nix/store/aaa-foo"}

	client := dialFakeStore(t, store)

	valid, err := client.QueryValidPaths([]string{"/nix/store/aaa-foo", "/nix/store/bbb-missing"}, false, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"/nix/store/aaa-foo"}, valid)
}

func TestImportAndDumpStorePath(t *testing.T) {
	store := newFakeStore()
	client := dialFakeStore(t, store)

	nar := regularFileNar(t, []byte("hello"))

	err := client.ImportPaths([]serve.ImportItem{
		{Info: serve.PathInfo{Path: "/nix/store/aaa-foo"}, NAR: bytes.NewReader(nar)},
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, client.DumpStorePath("/nix/store/aaa-foo", &buf))
	assert.Equal(t, nar, buf.Bytes())
}

func TestQueryPathInfoMissing(t *testing.T) {
	store := newFakeStore()
	client := dialFakeStore(t, store)

	info, err := client.QueryPathInfo("/nix/store/aaa-missing")
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestQueryClosure(t *testing.T) {
	store := newFakeStore()
	store.closure["/nix/store/aaa-root"] = []string{"/nix/store/bbb-leaf"}

	client := dialFakeStore(t, store)

	closure, err := client.QueryClosure([]string{"/nix/store/aaa-root"}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"/nix/store/aaa-root", "/nix/store/bbb-leaf"}, closure)
}

func TestBuildPaths(t *testing.T) {
	store := newFakeStore()
	client := dialFakeStore(t, store)

	var log bytes.Buffer
	err := client.BuildPaths([]string{"/nix/store/aaa-foo.drv"}, &serve.BuildSettings{}, &log)
	require.NoError(t, err)
	assert.Equal(t, "building\n", log.String())
}

func TestBuildDerivation(t *testing.T) {
	store := newFakeStore()
	client := dialFakeStore(t, store)

	drv := &serve.BasicDerivation{
		Outputs:  map[string]serve.DerivationOutput{"out": {Path: "/nix/store/aaa-foo"}},
		Platform: "x86_64-linux",
		Builder:  "/bin/sh",
	}

	var log bytes.Buffer
	result, err := client.BuildDerivation("/nix/store/aaa-foo.drv", drv, &serve.BuildSettings{}, &log)
	require.NoError(t, err)
	assert.Equal(t, serve.BuildStatusBuilt, result.Status)
	assert.Equal(t, "building derivation\n", log.String())
}
