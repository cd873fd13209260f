package main

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thejuampi/realtime-client-go/realtime/realtimetest"
)

func pointAtServer(t *testing.T) *realtimetest.Server {
	t.Helper()
	server := realtimetest.NewServer()
	t.Cleanup(server.Close)
	host, port := server.Host()
	t.Setenv("RTCTL_KEY", realtimetest.TestKey)
	t.Setenv("RTCTL_REALTIME_HOST", host)
	t.Setenv("RTCTL_PORT", strconv.Itoa(port))
	t.Setenv("RTCTL_TLS", "false")
	t.Setenv("RTCTL_DISABLE_FALLBACKS", "true")
	t.Setenv("RTCTL_CLIENT_ID", "cli")
	return server
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--env-prefix", "RTCTL", "--log-level", "none", "--timeout", "5s"}, args...))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestPublishCommand(t *testing.T) {
	pointAtServer(t)
	output, err := runCommand(t, "publish", "news", "greeting", "hello", "--count", "3")
	require.NoError(t, err)
	assert.Contains(t, output, "published 3 message(s) to news")
}

func TestPingCommand(t *testing.T) {
	pointAtServer(t)
	output, err := runCommand(t, "ping", "--count", "2", "--interval", "10ms")
	require.NoError(t, err)
	assert.Contains(t, output, "ping 1:")
	assert.Contains(t, output, "ping 2:")
}

func TestPresenceCommand(t *testing.T) {
	server := pointAtServer(t)
	server.EnterMember("room", "other", "bob", "away")

	output, err := runCommand(t, "presence", "room", "--enter", "here")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(output), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, output, `"clientId":"bob"`)
	assert.Contains(t, output, `"clientId":"cli"`)
}

func TestCommandsRequireArguments(t *testing.T) {
	_, err := runCommand(t, "publish", "news")
	assert.Error(t, err)
}

func TestConnectFailsWithoutCredentials(t *testing.T) {
	t.Setenv("RTCTL_KEY", "")
	_, err := runCommand(t, "ping")
	assert.Error(t, err)
}
