package daemon_test

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/cbrgm/nixworker/pkg/daemon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dialMock wires a MockStore-backed Server to a Client over net.Pipe and
// returns the client plus its log channel.
func dialMock(t *testing.T, store *daemon.MockStore) (*daemon.Client, chan daemon.LogMessage) {
	t.Helper()

	serverConn, clientConn := net.Pipe()

	srv := daemon.NewServer(serverConn, store, daemon.WithDaemonVersion("2.24.0"))

	go func() {
		_ = srv.Serve(context.Background())
	}()

	logs := make(chan daemon.LogMessage, 16)

	client, err := daemon.NewClientFromConn(clientConn, daemon.WithLogChannel(logs))
	require.NoError(t, err)

	t.Cleanup(func() { client.Close() })

	return client, logs
}

func TestMockServerEndToEnd(t *testing.T) {
	store := daemon.NewMockStoreT(t)
	store.ExpectHandshakeLog(daemon.LogMessage{Type: daemon.LogNext, Text: "opening store\n"})
	store.ExpectIsValidPath("/nix/store/00000000000000000000000000000000-_", true, nil)
	store.ExpectBuildPaths([]string{"/nix/store/abc-test.drv"}, daemon.BuildModeNormal, nil,
		daemon.LogMessage{Type: daemon.LogNext, Text: "building '/nix/store/abc-test.drv'\n"})

	client, logs := dialMock(t, store)

	// The handshake's setup log line arrives before the first operation.
	msg := <-logs
	assert.Equal(t, daemon.LogNext, msg.Type)
	assert.Equal(t, "opening store\n", msg.Text)

	ctx := context.Background()

	valid, err := client.IsValidPath(ctx, "/nix/store/00000000000000000000000000000000-_")
	require.NoError(t, err)
	assert.True(t, valid)

	require.NoError(t, client.BuildPaths(ctx, []string{"/nix/store/abc-test.drv"}, daemon.BuildModeNormal))

	msg = <-logs
	assert.Equal(t, daemon.LogNext, msg.Type)
	assert.Equal(t, "building '/nix/store/abc-test.drv'\n", msg.Text)

	store.Close()
}

func TestMockServerActivityFrames(t *testing.T) {
	id := daemon.NewActivityID()

	store := daemon.NewMockStoreT(t)
	store.ExpectBuildPaths([]string{"/nix/store/abc-test.drv"}, daemon.BuildModeNormal, nil,
		daemon.LogMessage{Type: daemon.LogStartActivity, Activity: &daemon.Activity{
			ID:    id,
			Level: daemon.VerbInfo,
			Type:  daemon.ActBuild,
			Text:  "building abc-test",
		}},
		daemon.LogMessage{Type: daemon.LogStopActivity, ActivityID: id},
	)

	client, logs := dialMock(t, store)

	require.NoError(t, client.BuildPaths(context.Background(), []string{"/nix/store/abc-test.drv"}, daemon.BuildModeNormal))

	start := <-logs
	require.Equal(t, daemon.LogStartActivity, start.Type)
	require.NotNil(t, start.Activity)
	assert.Equal(t, id, start.Activity.ID)
	assert.Equal(t, daemon.ActBuild, start.Activity.Type)
	assert.Equal(t, "building abc-test", start.Activity.Text)

	stop := <-logs
	require.Equal(t, daemon.LogStopActivity, stop.Type)
	assert.Equal(t, id, stop.ActivityID)

	store.Close()
}

func TestMockServerRecoverableError(t *testing.T) {
	store := daemon.NewMockStoreT(t)
	store.ExpectBuildPaths([]string{"/nix/store/abc-test.drv"}, daemon.BuildModeNormal, errors.New("builder exploded"))
	store.ExpectIsValidPath("/nix/store/abc-test", true, nil)

	client, _ := dialMock(t, store)

	ctx := context.Background()

	err := client.BuildPaths(ctx, []string{"/nix/store/abc-test.drv"}, daemon.BuildModeNormal)
	require.Error(t, err)

	var de *daemon.DaemonError
	require.ErrorAs(t, err, &de)
	assert.Contains(t, de.Message, "builder exploded")

	// Recoverable: the connection keeps serving operations.
	valid, err := client.IsValidPath(ctx, "/nix/store/abc-test")
	require.NoError(t, err)
	assert.True(t, valid)

	store.Close()
}

func TestMockStoreReportsResidualExpectations(t *testing.T) {
	reports := make(daemon.ChannelReporter, 4)

	store := daemon.NewMockStore(reports)
	store.ExpectIsValidPath("/nix/store/never-asked", true, nil)

	store.Close()

	report := <-reports
	assert.Contains(t, report, "unread expectation")
	assert.Contains(t, report, "IsValidPath")
}

func TestMockStoreReportsUnexpectedCall(t *testing.T) {
	reports := make(daemon.ChannelReporter, 4)

	store := daemon.NewMockStore(reports)

	_, _ = store.IsValidPath(context.Background(), "/nix/store/surprise")

	report := <-reports
	assert.Contains(t, report, "unexpected call")
}

func TestMockStoreReportsRequestMismatch(t *testing.T) {
	reports := make(daemon.ChannelReporter, 4)

	store := daemon.NewMockStore(reports)
	store.ExpectIsValidPath("/nix/store/expected", true, nil)

	_, _ = store.IsValidPath(context.Background(), "/nix/store/actual")

	report := <-reports
	assert.Contains(t, report, "IsValidPath")
	assert.Contains(t, report, "expected")
}
