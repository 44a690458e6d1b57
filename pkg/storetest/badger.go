package storetest

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	badger "github.com/dgraph-io/badger/v3"

	"github.com/cbrgm/nixworker/pkg/daemon"
	"github.com/cbrgm/nixworker/pkg/hash"
)

// BadgerStore is a daemon.Store backed by a BadgerDB instance: path
// metadata and NAR bytes survive a process restart. GC roots and
// derivation-output realisations stay in-memory, mirroring how the
// upstream daemon itself keeps root state in a tmpfs-backed directory
// rather than the content-addressed store proper — out of scope here per
// spec.md §1, so this reference store doesn't pretend to persist it either.
type BadgerStore struct {
	db *badger.DB

	mu           sync.RWMutex
	roots        map[string]string
	tempRoots    map[string]struct{}
	realisations map[string][]string

	logs  BuildLogStore
	trust daemon.TrustLevel
}

// badgerPathInfo is the JSON-on-disk shape of a daemon.PathInfo; kept
// distinct from daemon.PathInfo itself so the wire type can evolve without
// silently changing the on-disk format.
type badgerPathInfo struct {
	StorePath        string   `json:"store_path"`
	Deriver          string   `json:"deriver,omitempty"`
	NarHash          string   `json:"nar_hash"`
	References       []string `json:"references,omitempty"`
	RegistrationTime uint64   `json:"registration_time"`
	NarSize          uint64   `json:"nar_size"`
	Ultimate         bool     `json:"ultimate,omitempty"`
	Sigs             []string `json:"sigs,omitempty"`
	CA               string   `json:"ca,omitempty"`
}

func toBadgerPathInfo(info *daemon.PathInfo) badgerPathInfo {
	return badgerPathInfo{
		StorePath:        info.StorePath,
		Deriver:          info.Deriver,
		NarHash:          info.NarHash,
		References:       info.References,
		RegistrationTime: info.RegistrationTime,
		NarSize:          info.NarSize,
		Ultimate:         info.Ultimate,
		Sigs:             info.Sigs,
		CA:               info.CA,
	}
}

func (b badgerPathInfo) toPathInfo() *daemon.PathInfo {
	return &daemon.PathInfo{
		StorePath:        b.StorePath,
		Deriver:          b.Deriver,
		NarHash:          b.NarHash,
		References:       b.References,
		RegistrationTime: b.RegistrationTime,
		NarSize:          b.NarSize,
		Ultimate:         b.Ultimate,
		Sigs:             b.Sigs,
		CA:               b.CA,
	}
}

func infoKey(storePath string) []byte { return []byte("info:" + storePath) }
func narKey(storePath string) []byte  { return []byte("nar:" + storePath) }

// NewBadgerStore opens (or creates) a BadgerDB at dir and returns a store
// over it. Callers must call Close when done.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storetest: open badger db at %s: %w", dir, err)
	}

	return &BadgerStore{
		db:           db,
		roots:        make(map[string]string),
		tempRoots:    make(map[string]struct{}),
		realisations: make(map[string][]string),
		logs:         newMemLogStore(),
		trust:        daemon.TrustTrusted,
	}, nil
}

func (s *BadgerStore) WithBuildLogStore(logs BuildLogStore) *BadgerStore {
	s.logs = logs

	return s
}

func (s *BadgerStore) WithTrustLevel(level daemon.TrustLevel) *BadgerStore {
	s.trust = level

	return s
}

func (s *BadgerStore) TrustLevel() daemon.TrustLevel { return s.trust }

// Close releases the underlying BadgerDB handle.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) getInfo(path string) (*daemon.PathInfo, error) {
	var info *daemon.PathInfo

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(infoKey(path))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}

			return err
		}

		return item.Value(func(val []byte) error {
			var b badgerPathInfo
			if err := json.Unmarshal(val, &b); err != nil {
				return err
			}

			info = b.toPathInfo()

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("storetest: badger get %s: %w", path, err)
	}

	return info, nil
}

func (s *BadgerStore) putInfoAndNar(info *daemon.PathInfo, nar []byte) error {
	data, err := json.Marshal(toBadgerPathInfo(info))
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(infoKey(info.StorePath), data); err != nil {
			return err
		}

		return txn.Set(narKey(info.StorePath), nar)
	})
}

func (s *BadgerStore) getNar(path string) ([]byte, bool, error) {
	var data []byte

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(narKey(path))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}

			return err
		}

		data, err = item.ValueCopy(nil)

		return err
	})
	if err != nil {
		return nil, false, err
	}

	return data, data != nil, nil
}

// RawPathInfoJSON returns the exact JSON bytes stored for path, for tests
// that want to assert on the on-disk shape rather than going back through
// toPathInfo. Returns nil, nil if path is not present.
func (s *BadgerStore) RawPathInfoJSON(path string) ([]byte, error) {
	var data []byte

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(infoKey(path))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}

			return err
		}

		data, err = item.ValueCopy(nil)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("storetest: badger raw get %s: %w", path, err)
	}

	return data, nil
}

// forEachInfo iterates all stored PathInfo records in key order.
func (s *BadgerStore) forEachInfo(fn func(*daemon.PathInfo) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte("info:")

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()

			if err := item.Value(func(val []byte) error {
				var b badgerPathInfo
				if err := json.Unmarshal(val, &b); err != nil {
					return err
				}

				return fn(b.toPathInfo())
			}); err != nil {
				return err
			}
		}

		return nil
	})
}

func (s *BadgerStore) IsValidPath(_ context.Context, path string) (bool, error) {
	info, err := s.getInfo(path)

	return info != nil, err
}

func (s *BadgerStore) QueryPathInfo(_ context.Context, path string) (*daemon.PathInfo, error) {
	return s.getInfo(path)
}

func (s *BadgerStore) QueryValidPaths(_ context.Context, paths []string, _ bool) ([]string, error) {
	var out []string

	for _, p := range paths {
		info, err := s.getInfo(p)
		if err != nil {
			return nil, err
		}

		if info != nil {
			out = append(out, p)
		}
	}

	sort.Strings(out)

	return out, nil
}

func (s *BadgerStore) QueryAllValidPaths(context.Context) ([]string, error) {
	var out []string

	if err := s.forEachInfo(func(info *daemon.PathInfo) error {
		out = append(out, info.StorePath)

		return nil
	}); err != nil {
		return nil, err
	}

	sort.Strings(out)

	return out, nil
}

func (s *BadgerStore) QueryPathFromHashPart(_ context.Context, hashPart string) (string, error) {
	var found string

	err := s.forEachInfo(func(info *daemon.PathInfo) error {
		if found == "" && storePathHashPart(info.StorePath) == hashPart {
			found = info.StorePath
		}

		return nil
	})

	return found, err
}

func (s *BadgerStore) QuerySubstitutablePaths(_ context.Context, _ []string) ([]string, error) {
	return nil, nil
}

func (s *BadgerStore) QueryValidDerivers(_ context.Context, path string) ([]string, error) {
	info, err := s.getInfo(path)
	if err != nil || info == nil || info.Deriver == "" {
		return nil, err
	}

	return []string{info.Deriver}, nil
}

func (s *BadgerStore) QueryReferrers(_ context.Context, path string) ([]string, error) {
	var out []string

	err := s.forEachInfo(func(info *daemon.PathInfo) error {
		for _, ref := range info.References {
			if ref == path {
				out = append(out, info.StorePath)

				break
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(out)

	return out, nil
}

func (s *BadgerStore) QueryDerivationOutputMap(_ context.Context, _ string) (map[string]string, error) {
	return map[string]string{}, nil
}

func (s *BadgerStore) QueryMissing(_ context.Context, paths []string) (*daemon.MissingInfo, error) {
	info := &daemon.MissingInfo{}

	for _, p := range paths {
		got, err := s.getInfo(p)
		if err != nil {
			return nil, err
		}

		if got == nil {
			info.WillBuild = append(info.WillBuild, p)
		}
	}

	sort.Strings(info.WillBuild)

	return info, nil
}

func (s *BadgerStore) QueryRealisation(_ context.Context, outputID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.realisations[outputID], nil
}

func (s *BadgerStore) NarFromPath(_ context.Context, path string, w io.Writer, _ daemon.LogSink) error {
	data, ok, err := s.getNar(path)
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("storetest: path %q is not valid", path)
	}

	_, err = w.Write(data)

	return err
}

func (s *BadgerStore) AddToStoreNar(
	_ context.Context, info *daemon.PathInfo, nar io.Reader, _, _ bool, logs daemon.LogSink,
) error {
	data, err := io.ReadAll(nar)
	if err != nil {
		return fmt.Errorf("storetest: read NAR for %s: %w", info.StorePath, err)
	}

	if logs != nil {
		logs(daemon.LogMessage{Type: daemon.LogNext, Text: fmt.Sprintf("copying path '%s'\n", info.StorePath)})
	}

	sum := sha256.Sum256(data)

	computed, err := hash.New(hash.SHA256, sum[:])
	if err != nil {
		return err
	}

	info.NarHash = computed.String()
	info.NarSize = uint64(len(data))

	return s.putInfoAndNar(info, data)
}

func (s *BadgerStore) AddMultipleToStore(
	ctx context.Context, items []daemon.AddToStoreItem, repair, dontCheckSigs bool, logs daemon.LogSink,
) error {
	for i := range items {
		if err := s.AddToStoreNar(ctx, &items[i].Info, items[i].Source, repair, dontCheckSigs, logs); err != nil {
			return err
		}
	}

	return nil
}

func (s *BadgerStore) BuildPaths(_ context.Context, _ []string, _ daemon.BuildMode, _ daemon.LogSink) error {
	return nil
}

func (s *BadgerStore) BuildPathsWithResults(
	_ context.Context, paths []string, _ daemon.BuildMode, _ daemon.LogSink,
) ([]daemon.BuildResult, error) {
	results := make([]daemon.BuildResult, len(paths))
	for i := range paths {
		results[i] = daemon.BuildResult{Status: daemon.BuildStatusAlreadyValid}
	}

	return results, nil
}

func (s *BadgerStore) BuildDerivation(
	_ context.Context, _ string, _ *daemon.BasicDerivation, _ daemon.BuildMode, _ daemon.LogSink,
) (*daemon.BuildResult, error) {
	return &daemon.BuildResult{Status: daemon.BuildStatusAlreadyValid}, nil
}

func (s *BadgerStore) EnsurePath(_ context.Context, path string) error {
	info, err := s.getInfo(path)
	if err != nil {
		return err
	}

	if info == nil {
		return fmt.Errorf("storetest: path %q is not valid", path)
	}

	return nil
}

func (s *BadgerStore) AddTempRoot(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tempRoots[path] = struct{}{}

	return nil
}

func (s *BadgerStore) AddIndirectRoot(_ context.Context, _ string) error {
	return nil
}

func (s *BadgerStore) AddPermRoot(_ context.Context, storePath, gcRoot string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.roots[gcRoot] = storePath

	return gcRoot, nil
}

func (s *BadgerStore) FindRoots(_ context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.roots))
	for k, v := range s.roots {
		out[k] = v
	}

	return out, nil
}

// CollectGarbage mirrors MemStore's closure-over-references rule, reading
// the reference graph from Badger instead of an in-memory map.
func (s *BadgerStore) CollectGarbage(_ context.Context, opts *daemon.GCOptions, logs daemon.LogSink) (*daemon.GCResult, error) {
	all := make(map[string]*daemon.PathInfo)

	if err := s.forEachInfo(func(info *daemon.PathInfo) error {
		all[info.StorePath] = info

		return nil
	}); err != nil {
		return nil, err
	}

	s.mu.RLock()
	roots := make([]string, 0, len(s.roots)+len(s.tempRoots))
	for _, r := range s.roots {
		roots = append(roots, r)
	}

	for r := range s.tempRoots {
		roots = append(roots, r)
	}
	s.mu.RUnlock()

	live := make(map[string]struct{})

	var visit func(string)

	visit = func(p string) {
		if _, ok := live[p]; ok {
			return
		}

		info, ok := all[p]
		if !ok {
			return
		}

		live[p] = struct{}{}

		for _, ref := range info.References {
			visit(ref)
		}
	}

	for _, r := range roots {
		visit(r)
	}

	result := &daemon.GCResult{}

	switch opts.Action {
	case daemon.GCReturnLive:
		for p := range live {
			result.Paths = append(result.Paths, p)
		}
	case daemon.GCReturnDead:
		for p := range all {
			if _, ok := live[p]; !ok {
				result.Paths = append(result.Paths, p)
			}
		}
	case daemon.GCDeleteDead, daemon.GCDeleteSpecific:
		toDelete := opts.PathsToDelete
		if opts.Action == daemon.GCDeleteDead {
			toDelete = nil

			for p := range all {
				if _, ok := live[p]; !ok {
					toDelete = append(toDelete, p)
				}
			}
		}

		if err := s.db.Update(func(txn *badger.Txn) error {
			for _, p := range toDelete {
				if _, ok := live[p]; ok && !opts.IgnoreLiveness {
					continue
				}

				if info, ok := all[p]; ok {
					result.BytesFreed += info.NarSize

					if logs != nil {
						logs(daemon.LogMessage{Type: daemon.LogNext, Text: fmt.Sprintf("deleting '%s'\n", p)})
					}
				}

				if err := txn.Delete(infoKey(p)); err != nil && err != badger.ErrKeyNotFound {
					return err
				}

				if err := txn.Delete(narKey(p)); err != nil && err != badger.ErrKeyNotFound {
					return err
				}

				result.Paths = append(result.Paths, p)
			}

			return nil
		}); err != nil {
			return nil, err
		}
	}

	sort.Strings(result.Paths)

	return result, nil
}

func (s *BadgerStore) OptimiseStore(_ context.Context, _ daemon.LogSink) error {
	return s.db.RunValueLogGC(0.5)
}

func (s *BadgerStore) VerifyStore(_ context.Context, checkContents bool, _ bool, logs daemon.LogSink) (bool, error) {
	if !checkContents {
		return false, nil
	}

	errorsFound := false

	err := s.forEachInfo(func(info *daemon.PathInfo) error {
		data, ok, err := s.getNar(info.StorePath)
		if err != nil || !ok {
			return err
		}

		sum := sha256.Sum256(data)

		computed, err := hash.New(hash.SHA256, sum[:])
		if err != nil {
			return err
		}

		if computed.String() != info.NarHash {
			errorsFound = true

			if logs != nil {
				logs(daemon.LogMessage{Type: daemon.LogNext, Text: fmt.Sprintf("path '%s' was modified!\n", info.StorePath)})
			}
		}

		return nil
	})

	return errorsFound, err
}

func (s *BadgerStore) AddSignatures(_ context.Context, path string, sigs []string) error {
	info, err := s.getInfo(path)
	if err != nil {
		return err
	}

	if info == nil {
		return fmt.Errorf("storetest: path %q is not valid", path)
	}

	info.Sigs = append(info.Sigs, sigs...)

	data, ok, err := s.getNar(path)
	if err != nil {
		return err
	}

	if !ok {
		data = nil
	}

	return s.putInfoAndNar(info, data)
}

func (s *BadgerStore) RegisterDrvOutput(_ context.Context, realisation string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.realisations[realisation] = append(s.realisations[realisation], realisation)

	return nil
}

func (s *BadgerStore) AddBuildLog(ctx context.Context, drvPath string, log io.Reader) error {
	data, err := io.ReadAll(log)
	if err != nil {
		return err
	}

	return s.logs.AppendLog(ctx, drvPath, data)
}

func (s *BadgerStore) ReadBuildLog(ctx context.Context, drvPath string) ([]byte, error) {
	return s.logs.ReadLog(ctx, drvPath)
}

func (s *BadgerStore) SetOptions(_ context.Context, _ *daemon.ClientSettings) error {
	return nil
}

var _ daemon.Store = (*BadgerStore)(nil)
