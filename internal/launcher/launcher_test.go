package launcher

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindChrome(t *testing.T) {
	t.Parallel()

	path := FindChrome("")
	if path == "" {
		t.Skip("Chrome not found on this system")
	}

	_, err := os.Stat(path)
	assert.NoError(t, err, "FindChrome returned path that doesn't exist: %s", path)
}

func TestFindChrome_ExplicitPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "/bin/sh", FindChrome("/bin/sh"))
}

func TestFindChrome_ExplicitPath_NotFound(t *testing.T) {
	t.Parallel()

	assert.Empty(t, FindChrome("/nonexistent/chrome"))
}

func TestIsPortOpen_ClosedPort(t *testing.T) {
	t.Parallel()

	port, err := FreePort()
	require.NoError(t, err)
	assert.False(t, IsPortOpen("localhost", port))
}

func TestWaitForPort_Timeout(t *testing.T) {
	t.Parallel()

	port, err := FreePort()
	require.NoError(t, err)

	start := time.Now()
	err = WaitForPort(context.Background(), "localhost", port, 100*time.Millisecond)
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestArgs(t *testing.T) {
	t.Parallel()

	args := Args(Options{Port: 9333, Headless: true, ExtraArgs: []string{"--lang=en"}}, "/tmp/profile")

	assert.Equal(t, "--headless=new", args[0])
	assert.Contains(t, args, "--remote-debugging-port=9333")
	assert.Contains(t, args, "--user-data-dir=/tmp/profile")
	assert.Contains(t, args, "--lang=en")
	assert.Equal(t, "about:blank", args[len(args)-1])

	headed := Args(Options{Port: 9333}, "/tmp/profile")
	assert.NotContains(t, headed, "--headless=new")
}

func TestLaunch_InvalidChromePath(t *testing.T) {
	t.Parallel()

	_, err := Launch(context.Background(), Options{ChromePath: "/nonexistent/chrome"})
	require.ErrorIs(t, err, ErrChromeNotFound)
}

func TestLaunchAndStop(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	if FindChrome("") == "" {
		t.Skip("Chrome not found on this system")
	}

	inst, err := Launch(context.Background(), Options{Headless: true})
	require.NoError(t, err)

	assert.NotZero(t, inst.PID)
	assert.NotNil(t, inst.Info)
	assert.True(t, IsPortOpen("localhost", inst.Port))

	dataDir := inst.DataDir
	require.NoError(t, inst.Stop())

	_, err = os.Stat(dataDir)
	assert.True(t, os.IsNotExist(err), "temp data dir should be removed")
}
