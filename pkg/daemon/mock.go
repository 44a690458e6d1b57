package daemon

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"sync"
)

// Reporter receives mismatches detected by a MockStore. NewMockStoreT wires
// a *testing.T in by adapting t.Fatalf to it through reporterFunc.
type Reporter interface {
	Errorf(format string, args ...any)
}

// reporterFunc adapts a plain function to Reporter.
type reporterFunc func(format string, args ...any)

func (f reporterFunc) Errorf(format string, args ...any) { f(format, args...) }

// ChannelReporter delivers formatted mismatches on a channel, for tests
// that drive the mock from a goroutine where failing the test directly is
// unsafe.
type ChannelReporter chan string

func (c ChannelReporter) Errorf(format string, args ...any) { c <- fmt.Sprintf(format, args...) }

// mockCall is one recorded expectation: the operation name (for
// mismatch messages), the request value the call must match, the logs to
// replay through the LogSink before returning, and the response/error to
// hand back.
type mockCall struct {
	op       string
	request  any
	response any
	logs     []LogMessage
	err      error
}

// MockStore implements Store by replaying a queue of expectations recorded
// with the Expect* methods, in the order they were added — the Go
// rendering of the closed MockOperation/MockRequest/MockResponse enum the
// original store mock builds around.
type MockStore struct {
	mu            sync.Mutex
	calls         []mockCall
	handshakeLogs []LogMessage
	reporter      Reporter
	trust         TrustLevel
}

// NewMockStore returns a MockStore whose mismatches are reported via
// reporter. Use NewMockStoreT for the common testing.T case.
func NewMockStore(reporter Reporter) *MockStore {
	return &MockStore{reporter: reporter, trust: TrustTrusted}
}

// fatalfer is the subset of *testing.T that NewMockStoreT needs; avoids an
// import of "testing" from non-test code.
type fatalfer interface {
	Fatalf(format string, args ...any)
}

// NewMockStoreT returns a MockStore that reports mismatches via t.Fatalf.
func NewMockStoreT(t fatalfer) *MockStore {
	return NewMockStore(reporterFunc(func(format string, args ...any) { t.Fatalf(format, args...) }))
}

// WithTrustLevel overrides the trust level TrustLevel() reports (default
// TrustTrusted).
func (m *MockStore) WithTrustLevel(level TrustLevel) *MockStore {
	m.trust = level

	return m
}

func (m *MockStore) TrustLevel() TrustLevel { return m.trust }

// ExpectHandshakeLog queues log messages the store replays during
// connection setup, before the handshake's terminating Last frame.
func (m *MockStore) ExpectHandshakeLog(msgs ...LogMessage) *MockStore {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.handshakeLogs = append(m.handshakeLogs, msgs...)

	return m
}

// HandshakeLogs implements HandshakeLogger by replaying the queued
// handshake messages. The queue is consumed: a second connection to the
// same mock sees none.
func (m *MockStore) HandshakeLogs(_ context.Context, logs LogSink) error {
	m.mu.Lock()
	msgs := m.handshakeLogs
	m.handshakeLogs = nil
	m.mu.Unlock()

	for _, msg := range msgs {
		logs(msg)
	}

	return nil
}

// Close reports one mismatch per expectation nothing ever consumed,
// mirroring the Rust mock's drop-time residual check.
func (m *MockStore) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.calls {
		m.reporter.Errorf("mock store: unread expectation for %s(%#v)", c.op, c.request)
	}

	m.calls = nil
}

func (m *MockStore) enqueue(c mockCall) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, c)
}

// pop removes and returns the head call, verifying it matches op and
// request. A queue-empty or op-mismatch failure still returns a usable
// zero mockCall so callers can continue without a nil panic.
func (m *MockStore) pop(op string, request any) mockCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.calls) == 0 {
		m.reporter.Errorf("mock store: unexpected call to %s(%#v), no expectations queued", op, request)

		return mockCall{op: op}
	}

	c := m.calls[0]
	m.calls = m.calls[1:]

	if c.op != op {
		m.reporter.Errorf("mock store: expected call to %s, got %s(%#v)", c.op, op, request)
	} else if !reflect.DeepEqual(c.request, request) {
		m.reporter.Errorf("mock store: %s called with %#v, expected %#v", op, request, c.request)
	}

	return c
}

func (m *MockStore) replay(c mockCall, logs LogSink) {
	if logs == nil {
		return
	}

	for _, msg := range c.logs {
		logs(msg)
	}
}

// --- Expect* builders, one per Store method -------------------------------

type isValidPathReq struct{ Path string }

func (m *MockStore) ExpectIsValidPath(path string, valid bool, err error, logs ...LogMessage) *MockStore {
	m.enqueue(mockCall{op: "IsValidPath", request: isValidPathReq{path}, response: valid, logs: logs, err: err})

	return m
}

func (m *MockStore) IsValidPath(_ context.Context, path string) (bool, error) {
	c := m.pop("IsValidPath", isValidPathReq{path})
	if c.err != nil {
		return false, c.err
	}

	v, _ := c.response.(bool)

	return v, nil
}

type queryPathInfoReq struct{ Path string }

func (m *MockStore) ExpectQueryPathInfo(path string, info *PathInfo, err error, logs ...LogMessage) *MockStore {
	m.enqueue(mockCall{op: "QueryPathInfo", request: queryPathInfoReq{path}, response: info, logs: logs, err: err})

	return m
}

func (m *MockStore) QueryPathInfo(_ context.Context, path string) (*PathInfo, error) {
	c := m.pop("QueryPathInfo", queryPathInfoReq{path})
	if c.err != nil {
		return nil, c.err
	}

	info, _ := c.response.(*PathInfo)

	return info, nil
}

type queryValidPathsReq struct {
	Paths      []string
	Substitute bool
}

func (m *MockStore) ExpectQueryValidPaths(paths []string, substitute bool, valid []string, err error, logs ...LogMessage) *MockStore {
	m.enqueue(mockCall{
		op:       "QueryValidPaths",
		request:  queryValidPathsReq{paths, substitute},
		response: valid, logs: logs, err: err,
	})

	return m
}

func (m *MockStore) QueryValidPaths(_ context.Context, paths []string, substitute bool) ([]string, error) {
	c := m.pop("QueryValidPaths", queryValidPathsReq{paths, substitute})
	if c.err != nil {
		return nil, c.err
	}

	v, _ := c.response.([]string)

	return v, nil
}

func (m *MockStore) ExpectQueryAllValidPaths(paths []string, err error, logs ...LogMessage) *MockStore {
	m.enqueue(mockCall{op: "QueryAllValidPaths", request: nil, response: paths, logs: logs, err: err})

	return m
}

func (m *MockStore) QueryAllValidPaths(context.Context) ([]string, error) {
	c := m.pop("QueryAllValidPaths", nil)
	if c.err != nil {
		return nil, c.err
	}

	v, _ := c.response.([]string)

	return v, nil
}

type queryPathFromHashPartReq struct{ HashPart string }

func (m *MockStore) ExpectQueryPathFromHashPart(hashPart, path string, err error, logs ...LogMessage) *MockStore {
	m.enqueue(mockCall{op: "QueryPathFromHashPart", request: queryPathFromHashPartReq{hashPart}, response: path, logs: logs, err: err})

	return m
}

func (m *MockStore) QueryPathFromHashPart(_ context.Context, hashPart string) (string, error) {
	c := m.pop("QueryPathFromHashPart", queryPathFromHashPartReq{hashPart})
	if c.err != nil {
		return "", c.err
	}

	v, _ := c.response.(string)

	return v, nil
}

type queryPathsReq struct{ Paths []string }

func (m *MockStore) ExpectQuerySubstitutablePaths(paths, substitutable []string, err error, logs ...LogMessage) *MockStore {
	m.enqueue(mockCall{op: "QuerySubstitutablePaths", request: queryPathsReq{paths}, response: substitutable, logs: logs, err: err})

	return m
}

func (m *MockStore) QuerySubstitutablePaths(_ context.Context, paths []string) ([]string, error) {
	c := m.pop("QuerySubstitutablePaths", queryPathsReq{paths})
	if c.err != nil {
		return nil, c.err
	}

	v, _ := c.response.([]string)

	return v, nil
}

type queryPathReq struct{ Path string }

func (m *MockStore) ExpectQueryValidDerivers(path string, derivers []string, err error, logs ...LogMessage) *MockStore {
	m.enqueue(mockCall{op: "QueryValidDerivers", request: queryPathReq{path}, response: derivers, logs: logs, err: err})

	return m
}

func (m *MockStore) QueryValidDerivers(_ context.Context, path string) ([]string, error) {
	c := m.pop("QueryValidDerivers", queryPathReq{path})
	if c.err != nil {
		return nil, c.err
	}

	v, _ := c.response.([]string)

	return v, nil
}

func (m *MockStore) ExpectQueryReferrers(path string, referrers []string, err error, logs ...LogMessage) *MockStore {
	m.enqueue(mockCall{op: "QueryReferrers", request: queryPathReq{path}, response: referrers, logs: logs, err: err})

	return m
}

func (m *MockStore) QueryReferrers(_ context.Context, path string) ([]string, error) {
	c := m.pop("QueryReferrers", queryPathReq{path})
	if c.err != nil {
		return nil, c.err
	}

	v, _ := c.response.([]string)

	return v, nil
}

type queryDrvPathReq struct{ DrvPath string }

func (m *MockStore) ExpectQueryDerivationOutputMap(drvPath string, outputs map[string]string, err error, logs ...LogMessage) *MockStore {
	m.enqueue(mockCall{op: "QueryDerivationOutputMap", request: queryDrvPathReq{drvPath}, response: outputs, logs: logs, err: err})

	return m
}

func (m *MockStore) QueryDerivationOutputMap(_ context.Context, drvPath string) (map[string]string, error) {
	c := m.pop("QueryDerivationOutputMap", queryDrvPathReq{drvPath})
	if c.err != nil {
		return nil, c.err
	}

	v, _ := c.response.(map[string]string)

	return v, nil
}

func (m *MockStore) ExpectQueryMissing(paths []string, info *MissingInfo, err error, logs ...LogMessage) *MockStore {
	m.enqueue(mockCall{op: "QueryMissing", request: queryPathsReq{paths}, response: info, logs: logs, err: err})

	return m
}

func (m *MockStore) QueryMissing(_ context.Context, paths []string) (*MissingInfo, error) {
	c := m.pop("QueryMissing", queryPathsReq{paths})
	if c.err != nil {
		return nil, c.err
	}

	v, _ := c.response.(*MissingInfo)

	return v, nil
}

type queryRealisationReq struct{ OutputID string }

func (m *MockStore) ExpectQueryRealisation(outputID string, ids []string, err error, logs ...LogMessage) *MockStore {
	m.enqueue(mockCall{op: "QueryRealisation", request: queryRealisationReq{outputID}, response: ids, logs: logs, err: err})

	return m
}

func (m *MockStore) QueryRealisation(_ context.Context, outputID string) ([]string, error) {
	c := m.pop("QueryRealisation", queryRealisationReq{outputID})
	if c.err != nil {
		return nil, c.err
	}

	v, _ := c.response.([]string)

	return v, nil
}

type narFromPathResp struct{ Nar []byte }

func (m *MockStore) ExpectNarFromPath(path string, nar []byte, err error, logs ...LogMessage) *MockStore {
	m.enqueue(mockCall{op: "NarFromPath", request: queryPathReq{path}, response: narFromPathResp{nar}, logs: logs, err: err})

	return m
}

func (m *MockStore) NarFromPath(_ context.Context, path string, w io.Writer, logs LogSink) error {
	c := m.pop("NarFromPath", queryPathReq{path})
	m.replay(c, logs)

	if c.err != nil {
		return c.err
	}

	resp, _ := c.response.(narFromPathResp)
	_, err := w.Write(resp.Nar)

	return err
}

type addToStoreNarReq struct {
	Info          *PathInfo
	Nar           []byte
	Repair        bool
	DontCheckSigs bool
}

func (m *MockStore) ExpectAddToStoreNar(info *PathInfo, nar []byte, repair, dontCheckSigs bool, err error, logs ...LogMessage) *MockStore {
	m.enqueue(mockCall{
		op:      "AddToStoreNar",
		request: addToStoreNarReq{info, nar, repair, dontCheckSigs},
		logs:    logs, err: err,
	})

	return m
}

func (m *MockStore) AddToStoreNar(_ context.Context, info *PathInfo, nar io.Reader, repair, dontCheckSigs bool, logs LogSink) error {
	data, readErr := io.ReadAll(nar)
	c := m.pop("AddToStoreNar", addToStoreNarReq{info, data, repair, dontCheckSigs})
	m.replay(c, logs)

	if c.err != nil {
		return c.err
	}

	return readErr
}

type addMultipleToStoreReq struct {
	Items         []mockAddItem
	Repair        bool
	DontCheckSigs bool
}

type mockAddItem struct {
	Info PathInfo
	Nar  []byte
}

func (m *MockStore) ExpectAddMultipleToStore(items []mockAddItem, repair, dontCheckSigs bool, err error, logs ...LogMessage) *MockStore {
	m.enqueue(mockCall{
		op:      "AddMultipleToStore",
		request: addMultipleToStoreReq{items, repair, dontCheckSigs},
		logs:    logs, err: err,
	})

	return m
}

func (m *MockStore) AddMultipleToStore(_ context.Context, items []AddToStoreItem, repair, dontCheckSigs bool, logs LogSink) error {
	resolved := make([]mockAddItem, len(items))

	for i, it := range items {
		data, err := io.ReadAll(it.Source)
		if err != nil {
			return err
		}

		resolved[i] = mockAddItem{Info: it.Info, Nar: data}
	}

	c := m.pop("AddMultipleToStore", addMultipleToStoreReq{resolved, repair, dontCheckSigs})
	m.replay(c, logs)

	return c.err
}

type buildPathsReq struct {
	Paths []string
	Mode  BuildMode
}

func (m *MockStore) ExpectBuildPaths(paths []string, mode BuildMode, err error, logs ...LogMessage) *MockStore {
	m.enqueue(mockCall{op: "BuildPaths", request: buildPathsReq{paths, mode}, logs: logs, err: err})

	return m
}

func (m *MockStore) BuildPaths(_ context.Context, paths []string, mode BuildMode, logs LogSink) error {
	c := m.pop("BuildPaths", buildPathsReq{paths, mode})
	m.replay(c, logs)

	return c.err
}

func (m *MockStore) ExpectBuildPathsWithResults(paths []string, mode BuildMode, results []BuildResult, err error, logs ...LogMessage) *MockStore {
	m.enqueue(mockCall{op: "BuildPathsWithResults", request: buildPathsReq{paths, mode}, response: results, logs: logs, err: err})

	return m
}

func (m *MockStore) BuildPathsWithResults(_ context.Context, paths []string, mode BuildMode, logs LogSink) ([]BuildResult, error) {
	c := m.pop("BuildPathsWithResults", buildPathsReq{paths, mode})
	m.replay(c, logs)

	if c.err != nil {
		return nil, c.err
	}

	v, _ := c.response.([]BuildResult)

	return v, nil
}

type buildDerivationReq struct {
	DrvPath string
	Drv     *BasicDerivation
	Mode    BuildMode
}

func (m *MockStore) ExpectBuildDerivation(drvPath string, drv *BasicDerivation, mode BuildMode, result *BuildResult, err error, logs ...LogMessage) *MockStore {
	m.enqueue(mockCall{op: "BuildDerivation", request: buildDerivationReq{drvPath, drv, mode}, response: result, logs: logs, err: err})

	return m
}

func (m *MockStore) BuildDerivation(_ context.Context, drvPath string, drv *BasicDerivation, mode BuildMode, logs LogSink) (*BuildResult, error) {
	c := m.pop("BuildDerivation", buildDerivationReq{drvPath, drv, mode})
	m.replay(c, logs)

	if c.err != nil {
		return nil, c.err
	}

	v, _ := c.response.(*BuildResult)

	return v, nil
}

func (m *MockStore) ExpectEnsurePath(path string, err error, logs ...LogMessage) *MockStore {
	m.enqueue(mockCall{op: "EnsurePath", request: queryPathReq{path}, logs: logs, err: err})

	return m
}

func (m *MockStore) EnsurePath(_ context.Context, path string) error {
	c := m.pop("EnsurePath", queryPathReq{path})
	m.replay(c, nil)

	return c.err
}

func (m *MockStore) ExpectAddTempRoot(path string, err error, logs ...LogMessage) *MockStore {
	m.enqueue(mockCall{op: "AddTempRoot", request: queryPathReq{path}, logs: logs, err: err})

	return m
}

func (m *MockStore) AddTempRoot(_ context.Context, path string) error {
	c := m.pop("AddTempRoot", queryPathReq{path})
	m.replay(c, nil)

	return c.err
}

func (m *MockStore) ExpectAddIndirectRoot(path string, err error, logs ...LogMessage) *MockStore {
	m.enqueue(mockCall{op: "AddIndirectRoot", request: queryPathReq{path}, logs: logs, err: err})

	return m
}

func (m *MockStore) AddIndirectRoot(_ context.Context, path string) error {
	c := m.pop("AddIndirectRoot", queryPathReq{path})
	m.replay(c, nil)

	return c.err
}

type addPermRootReq struct{ StorePath, GCRoot string }

func (m *MockStore) ExpectAddPermRoot(storePath, gcRoot, result string, err error, logs ...LogMessage) *MockStore {
	m.enqueue(mockCall{op: "AddPermRoot", request: addPermRootReq{storePath, gcRoot}, response: result, logs: logs, err: err})

	return m
}

func (m *MockStore) AddPermRoot(_ context.Context, storePath, gcRoot string) (string, error) {
	c := m.pop("AddPermRoot", addPermRootReq{storePath, gcRoot})
	m.replay(c, nil)

	if c.err != nil {
		return "", c.err
	}

	v, _ := c.response.(string)

	return v, nil
}

func (m *MockStore) ExpectFindRoots(roots map[string]string, err error, logs ...LogMessage) *MockStore {
	m.enqueue(mockCall{op: "FindRoots", request: nil, response: roots, logs: logs, err: err})

	return m
}

func (m *MockStore) FindRoots(context.Context) (map[string]string, error) {
	c := m.pop("FindRoots", nil)
	m.replay(c, nil)

	if c.err != nil {
		return nil, c.err
	}

	v, _ := c.response.(map[string]string)

	return v, nil
}

func (m *MockStore) ExpectCollectGarbage(opts *GCOptions, result *GCResult, err error, logs ...LogMessage) *MockStore {
	m.enqueue(mockCall{op: "CollectGarbage", request: opts, response: result, logs: logs, err: err})

	return m
}

func (m *MockStore) CollectGarbage(_ context.Context, opts *GCOptions, logs LogSink) (*GCResult, error) {
	c := m.pop("CollectGarbage", opts)
	m.replay(c, logs)

	if c.err != nil {
		return nil, c.err
	}

	v, _ := c.response.(*GCResult)

	return v, nil
}

func (m *MockStore) ExpectOptimiseStore(err error, logs ...LogMessage) *MockStore {
	m.enqueue(mockCall{op: "OptimiseStore", request: nil, logs: logs, err: err})

	return m
}

func (m *MockStore) OptimiseStore(_ context.Context, logs LogSink) error {
	c := m.pop("OptimiseStore", nil)
	m.replay(c, logs)

	return c.err
}

type verifyStoreReq struct{ CheckContents, Repair bool }

func (m *MockStore) ExpectVerifyStore(checkContents, repair, errorsFound bool, err error, logs ...LogMessage) *MockStore {
	m.enqueue(mockCall{op: "VerifyStore", request: verifyStoreReq{checkContents, repair}, response: errorsFound, logs: logs, err: err})

	return m
}

func (m *MockStore) VerifyStore(_ context.Context, checkContents, repair bool, logs LogSink) (bool, error) {
	c := m.pop("VerifyStore", verifyStoreReq{checkContents, repair})
	m.replay(c, logs)

	if c.err != nil {
		return false, c.err
	}

	v, _ := c.response.(bool)

	return v, nil
}

type addSignaturesReq struct {
	Path string
	Sigs []string
}

func (m *MockStore) ExpectAddSignatures(path string, sigs []string, err error, logs ...LogMessage) *MockStore {
	m.enqueue(mockCall{op: "AddSignatures", request: addSignaturesReq{path, sigs}, logs: logs, err: err})

	return m
}

func (m *MockStore) AddSignatures(_ context.Context, path string, sigs []string) error {
	c := m.pop("AddSignatures", addSignaturesReq{path, sigs})
	m.replay(c, nil)

	return c.err
}

type registerDrvOutputReq struct{ Realisation string }

func (m *MockStore) ExpectRegisterDrvOutput(realisation string, err error, logs ...LogMessage) *MockStore {
	m.enqueue(mockCall{op: "RegisterDrvOutput", request: registerDrvOutputReq{realisation}, logs: logs, err: err})

	return m
}

func (m *MockStore) RegisterDrvOutput(_ context.Context, realisation string) error {
	c := m.pop("RegisterDrvOutput", registerDrvOutputReq{realisation})
	m.replay(c, nil)

	return c.err
}

type addBuildLogReq struct {
	DrvPath string
	Log     []byte
}

func (m *MockStore) ExpectAddBuildLog(drvPath string, log []byte, err error, logs ...LogMessage) *MockStore {
	m.enqueue(mockCall{op: "AddBuildLog", request: addBuildLogReq{drvPath, log}, logs: logs, err: err})

	return m
}

func (m *MockStore) AddBuildLog(_ context.Context, drvPath string, log io.Reader) error {
	data, readErr := io.ReadAll(log)
	c := m.pop("AddBuildLog", addBuildLogReq{drvPath, data})
	m.replay(c, nil)

	if c.err != nil {
		return c.err
	}

	return readErr
}

func (m *MockStore) ExpectSetOptions(settings *ClientSettings, err error, logs ...LogMessage) *MockStore {
	m.enqueue(mockCall{op: "SetOptions", request: settings, logs: logs, err: err})

	return m
}

func (m *MockStore) SetOptions(_ context.Context, settings *ClientSettings) error {
	c := m.pop("SetOptions", settings)
	m.replay(c, nil)

	return c.err
}

var _ Store = (*MockStore)(nil)
