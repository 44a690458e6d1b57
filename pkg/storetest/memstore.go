// Package storetest provides reference daemon.Store implementations used by
// integration tests and by cmd/nix-worker's serve subcommand: an in-memory
// MemStore, a persisted BadgerStore, and a SQLiteLogStore for build-log
// retention. None of them build or sandbox anything — as spec.md places
// real store semantics and derivation building out of scope, these stores
// only need to behave consistently enough to drive the protocol layer's
// operations end to end.
package storetest

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/cbrgm/nixworker/pkg/daemon"
	"github.com/cbrgm/nixworker/pkg/hash"
)

// MemStore is a daemon.Store backed entirely by in-process maps, guarded by
// a single RWMutex. It is the default store cmd/nix-worker's serve
// subcommand hosts and what the package's own tests drive directly.
type MemStore struct {
	mu sync.RWMutex

	paths        map[string]*daemon.PathInfo
	nars         map[string][]byte
	roots        map[string]string // gcRoot -> storePath
	tempRoots    map[string]struct{}
	indirectRoot map[string]struct{}
	realisations map[string][]string // outputID -> []realisation (gob-free, string form)
	logs         BuildLogStore
	trust        daemon.TrustLevel
}

// BuildLogStore persists and retrieves build logs by derivation path. A
// MemStore or BadgerStore with no BuildLogStore attached keeps build logs
// in memory for the lifetime of the process; attaching a SQLiteLogStore
// makes them durable.
type BuildLogStore interface {
	AppendLog(ctx context.Context, drvPath string, data []byte) error
	ReadLog(ctx context.Context, drvPath string) ([]byte, error)
}

// memLogStore is the zero-configuration BuildLogStore a MemStore falls back
// to when none is supplied.
type memLogStore struct {
	mu   sync.Mutex
	logs map[string][]byte
}

func newMemLogStore() *memLogStore { return &memLogStore{logs: make(map[string][]byte)} }

func (l *memLogStore) AppendLog(_ context.Context, drvPath string, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.logs[drvPath] = append(l.logs[drvPath], data...)

	return nil
}

func (l *memLogStore) ReadLog(_ context.Context, drvPath string) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.logs[drvPath], nil
}

// NewMemStore returns an empty MemStore trusted by default.
func NewMemStore() *MemStore {
	return &MemStore{
		paths:        make(map[string]*daemon.PathInfo),
		nars:         make(map[string][]byte),
		roots:        make(map[string]string),
		tempRoots:    make(map[string]struct{}),
		indirectRoot: make(map[string]struct{}),
		realisations: make(map[string][]string),
		logs:         newMemLogStore(),
		trust:        daemon.TrustTrusted,
	}
}

// WithBuildLogStore replaces the build-log backend, e.g. with a
// SQLiteLogStore for durability across restarts.
func (s *MemStore) WithBuildLogStore(logs BuildLogStore) *MemStore {
	s.logs = logs

	return s
}

// WithTrustLevel overrides the trust level reported at handshake.
func (s *MemStore) WithTrustLevel(level daemon.TrustLevel) *MemStore {
	s.trust = level

	return s
}

func (s *MemStore) TrustLevel() daemon.TrustLevel { return s.trust }

// Seed registers info and its NAR bytes directly, bypassing AddToStoreNar.
// Tests use this to populate a store before exercising read-only
// operations.
func (s *MemStore) Seed(info *daemon.PathInfo, nar []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.paths[info.StorePath] = info
	s.nars[info.StorePath] = nar
}

func (s *MemStore) IsValidPath(_ context.Context, path string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.paths[path]

	return ok, nil
}

func (s *MemStore) QueryPathInfo(_ context.Context, path string) (*daemon.PathInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.paths[path]
	if !ok {
		return nil, nil //nolint:nilnil // absence is a valid, non-error QueryPathInfo result
	}

	return info, nil
}

func (s *MemStore) QueryValidPaths(_ context.Context, paths []string, _ bool) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string

	for _, p := range paths {
		if _, ok := s.paths[p]; ok {
			out = append(out, p)
		}
	}

	sort.Strings(out)

	return out, nil
}

func (s *MemStore) QueryAllValidPaths(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.paths))
	for p := range s.paths {
		out = append(out, p)
	}

	sort.Strings(out)

	return out, nil
}

func (s *MemStore) QueryPathFromHashPart(_ context.Context, hashPart string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for p := range s.paths {
		if storePathHashPart(p) == hashPart {
			return p, nil
		}
	}

	return "", nil
}

// storePathHashPart extracts the base-32 hash component from a printed
// store path of the form "<store_dir>/<hash>-<name>".
func storePathHashPart(storePath string) string {
	slash := -1
	for i := len(storePath) - 1; i >= 0; i-- {
		if storePath[i] == '/' {
			slash = i

			break
		}
	}

	rest := storePath[slash+1:]
	for i, c := range rest {
		if c == '-' {
			return rest[:i]
		}
	}

	return rest
}

// Substitutable paths are never available from this reference store; it
// has no notion of a remote binary cache.
func (s *MemStore) QuerySubstitutablePaths(_ context.Context, _ []string) ([]string, error) {
	return nil, nil
}

func (s *MemStore) QueryValidDerivers(_ context.Context, path string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.paths[path]
	if !ok || info.Deriver == "" {
		return nil, nil
	}

	return []string{info.Deriver}, nil
}

func (s *MemStore) QueryReferrers(_ context.Context, path string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string

	for p, info := range s.paths {
		for _, ref := range info.References {
			if ref == path {
				out = append(out, p)

				break
			}
		}
	}

	sort.Strings(out)

	return out, nil
}

// No derivation graph is modelled, so an output map is always empty rather
// than an error: the client sees "nothing known", not a protocol failure.
func (s *MemStore) QueryDerivationOutputMap(_ context.Context, _ string) (map[string]string, error) {
	return map[string]string{}, nil
}

func (s *MemStore) QueryMissing(_ context.Context, paths []string) (*daemon.MissingInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := &daemon.MissingInfo{}

	for _, p := range paths {
		if _, ok := s.paths[p]; !ok {
			info.WillBuild = append(info.WillBuild, p)
		}
	}

	sort.Strings(info.WillBuild)

	return info, nil
}

func (s *MemStore) QueryRealisation(_ context.Context, outputID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.realisations[outputID], nil
}

func (s *MemStore) NarFromPath(_ context.Context, path string, w io.Writer, _ daemon.LogSink) error {
	s.mu.RLock()
	nar, ok := s.nars[path]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("storetest: path %q is not valid", path)
	}

	_, err := w.Write(nar)

	return err
}

func (s *MemStore) AddToStoreNar(
	_ context.Context, info *daemon.PathInfo, nar io.Reader, _, _ bool, logs daemon.LogSink,
) error {
	data, err := io.ReadAll(nar)
	if err != nil {
		return fmt.Errorf("storetest: read NAR for %s: %w", info.StorePath, err)
	}

	var activityID uint64

	if logs != nil {
		activityID = daemon.NewActivityID()
		logs(daemon.LogMessage{
			Type: daemon.LogStartActivity,
			Activity: &daemon.Activity{
				ID:   activityID,
				Type: daemon.ActCopyPath,
				Text: fmt.Sprintf("copying path '%s'", info.StorePath),
			},
		})
	}

	sum := sha256.Sum256(data)

	computed, err := hash.New(hash.SHA256, sum[:])
	if err != nil {
		return err
	}

	info.NarHash = computed.String()
	info.NarSize = uint64(len(data))

	s.mu.Lock()
	s.paths[info.StorePath] = info
	s.nars[info.StorePath] = data
	s.mu.Unlock()

	if logs != nil {
		logs(daemon.LogMessage{Type: daemon.LogStopActivity, ActivityID: activityID})
	}

	return nil
}

func (s *MemStore) AddMultipleToStore(
	ctx context.Context, items []daemon.AddToStoreItem, repair, dontCheckSigs bool, logs daemon.LogSink,
) error {
	for i := range items {
		if err := s.AddToStoreNar(ctx, &items[i].Info, items[i].Source, repair, dontCheckSigs, logs); err != nil {
			return err
		}
	}

	return nil
}

// BuildPaths always reports success: this reference store never builds
// anything, so every requested path is treated as already satisfied.
func (s *MemStore) BuildPaths(_ context.Context, _ []string, _ daemon.BuildMode, _ daemon.LogSink) error {
	return nil
}

func (s *MemStore) BuildPathsWithResults(
	_ context.Context, paths []string, _ daemon.BuildMode, _ daemon.LogSink,
) ([]daemon.BuildResult, error) {
	results := make([]daemon.BuildResult, len(paths))
	for i := range paths {
		results[i] = daemon.BuildResult{Status: daemon.BuildStatusAlreadyValid}
	}

	return results, nil
}

func (s *MemStore) BuildDerivation(
	_ context.Context, _ string, _ *daemon.BasicDerivation, _ daemon.BuildMode, _ daemon.LogSink,
) (*daemon.BuildResult, error) {
	return &daemon.BuildResult{Status: daemon.BuildStatusAlreadyValid}, nil
}

func (s *MemStore) EnsurePath(_ context.Context, path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.paths[path]; !ok {
		return fmt.Errorf("storetest: path %q is not valid", path)
	}

	return nil
}

func (s *MemStore) AddTempRoot(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tempRoots[path] = struct{}{}

	return nil
}

func (s *MemStore) AddIndirectRoot(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.indirectRoot[path] = struct{}{}

	return nil
}

func (s *MemStore) AddPermRoot(_ context.Context, storePath, gcRoot string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.roots[gcRoot] = storePath

	return gcRoot, nil
}

func (s *MemStore) FindRoots(_ context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.roots))
	for k, v := range s.roots {
		out[k] = v
	}

	return out, nil
}

// CollectGarbage computes live paths by transitive closure over References
// starting from the GC roots, then for GCDeleteDead deletes everything
// else, and for GCDeleteSpecific deletes the requested paths that are not
// live (all of them with IgnoreLiveness), matching the reachability rule spec.md leaves
// implicit ("how references are discovered" is store-specific, but closure
// over the recorded reference graph is the only sane definition for a
// reference store that has no other liveness source).
func (s *MemStore) CollectGarbage(_ context.Context, opts *daemon.GCOptions, logs daemon.LogSink) (*daemon.GCResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := s.liveClosureLocked()

	result := &daemon.GCResult{}

	switch opts.Action {
	case daemon.GCReturnLive:
		for p := range live {
			result.Paths = append(result.Paths, p)
		}
	case daemon.GCReturnDead:
		for p := range s.paths {
			if _, ok := live[p]; !ok {
				result.Paths = append(result.Paths, p)
			}
		}
	case daemon.GCDeleteDead, daemon.GCDeleteSpecific:
		toDelete := opts.PathsToDelete
		if opts.Action == daemon.GCDeleteDead {
			toDelete = nil

			for p := range s.paths {
				if _, ok := live[p]; !ok {
					toDelete = append(toDelete, p)
				}
			}
		}

		for _, p := range toDelete {
			if _, ok := live[p]; ok && !opts.IgnoreLiveness {
				continue
			}

			if nar, ok := s.nars[p]; ok {
				result.BytesFreed += uint64(len(nar))

				if logs != nil {
					logs(daemon.LogMessage{Type: daemon.LogNext, Text: fmt.Sprintf("deleting '%s'\n", p)})
				}
			}

			delete(s.paths, p)
			delete(s.nars, p)
			result.Paths = append(result.Paths, p)
		}
	}

	sort.Strings(result.Paths)

	return result, nil
}

func (s *MemStore) liveClosureLocked() map[string]struct{} {
	live := make(map[string]struct{})

	var visit func(string)

	visit = func(p string) {
		if _, ok := live[p]; ok {
			return
		}

		info, ok := s.paths[p]
		if !ok {
			return
		}

		live[p] = struct{}{}

		for _, ref := range info.References {
			visit(ref)
		}
	}

	for _, root := range s.roots {
		visit(root)
	}

	for root := range s.tempRoots {
		visit(root)
	}

	return live
}

// OptimiseStore is a no-op: there is nothing to deduplicate in an
// in-memory map.
func (s *MemStore) OptimiseStore(_ context.Context, _ daemon.LogSink) error {
	return nil
}

// VerifyStore recomputes each path's NAR hash and reports whether any
// mismatched; a MemStore's own AddToStoreNar always stores a hash
// consistent with its bytes, so this only ever catches Seed-injected
// corruption in tests.
func (s *MemStore) VerifyStore(_ context.Context, checkContents bool, _ bool, logs daemon.LogSink) (bool, error) {
	if !checkContents {
		return false, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	errorsFound := false

	for p, info := range s.paths {
		nar, ok := s.nars[p]
		if !ok {
			continue
		}

		sum := sha256.Sum256(nar)

		computed, err := hash.New(hash.SHA256, sum[:])
		if err != nil {
			return false, err
		}

		if computed.String() != info.NarHash {
			errorsFound = true

			if logs != nil {
				logs(daemon.LogMessage{Type: daemon.LogNext, Text: fmt.Sprintf("path '%s' was modified!\n", p)})
			}
		}
	}

	return errorsFound, nil
}

func (s *MemStore) AddSignatures(_ context.Context, path string, sigs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.paths[path]
	if !ok {
		return fmt.Errorf("storetest: path %q is not valid", path)
	}

	info.Sigs = append(info.Sigs, sigs...)

	return nil
}

func (s *MemStore) RegisterDrvOutput(_ context.Context, realisation string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.realisations[realisation] = append(s.realisations[realisation], realisation)

	return nil
}

func (s *MemStore) AddBuildLog(ctx context.Context, drvPath string, log io.Reader) error {
	data, err := io.ReadAll(log)
	if err != nil {
		return err
	}

	return s.logs.AppendLog(ctx, drvPath, data)
}

// ReadBuildLog exposes the backing BuildLogStore for callers (e.g. the CLI)
// that need to print a derivation's accumulated log; it is not part of
// daemon.Store since no worker-protocol operation retrieves a log this way.
func (s *MemStore) ReadBuildLog(ctx context.Context, drvPath string) ([]byte, error) {
	return s.logs.ReadLog(ctx, drvPath)
}

func (s *MemStore) SetOptions(_ context.Context, _ *daemon.ClientSettings) error {
	return nil
}

var _ daemon.Store = (*MemStore)(nil)
