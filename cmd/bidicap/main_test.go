package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/goleak"

	"github.com/tomyan/bidicap/internal/bidi"
	"github.com/tomyan/bidicap/internal/config"
	"github.com/tomyan/bidicap/internal/launcher"
	"github.com/tomyan/bidicap/internal/testutil"
	"github.com/tomyan/bidicap/internal/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreAnyFunction("os/signal.loop"),
	)
}

type cli struct {
	gs     *globalState
	stdout *bytes.Buffer
	stderr *bytes.Buffer
}

// newCLI points a globalState at fb through the environment, with no
// config file.
func newCLI(t *testing.T, fb *testutil.FakeBrowser) *cli {
	t.Helper()

	env := map[string]string{}
	if fb != nil {
		host, port := fb.HostPort()
		env["BIDICAP_HOST"] = host
		env["BIDICAP_PORT"] = strconv.Itoa(port)
	}
	c := &cli{stdout: &bytes.Buffer{}, stderr: &bytes.Buffer{}}
	c.gs = &globalState{
		stdout:      c.stdout,
		stderr:      c.stderr,
		env:         env,
		configPaths: []string{filepath.Join(t.TempDir(), config.FileName)},
	}
	return c
}

func (c *cli) run(args ...string) int {
	return run(args, c.gs)
}

func TestVersion(t *testing.T) {
	t.Parallel()

	c := newCLI(t, testutil.NewFakeBrowser(t))
	require.Equal(t, ExitSuccess, c.run("version"), c.stderr.String())

	var v map[string]any
	require.NoError(t, json.Unmarshal(c.stdout.Bytes(), &v))
	assert.Equal(t, "FakeChrome/1.0", v["browser"])
	assert.Equal(t, "1.3", v["protocol"])
}

func TestPages_Text(t *testing.T) {
	t.Parallel()

	c := newCLI(t, testutil.NewFakeBrowser(t))
	require.Equal(t, ExitSuccess, c.run("-o", "text", "pages"), c.stderr.String())
	assert.Equal(t, "0\tT1\tFake\tabout:blank\n", c.stdout.String())
}

func TestEval_ReturnStatement(t *testing.T) {
	t.Parallel()

	fb := testutil.NewFakeBrowser(t)
	fb.Handle("Runtime.evaluate", func(p *testutil.Peer, msg *wire.Message) {
		expr := gjson.GetBytes(msg.Params, "expression").String()
		if !strings.HasPrefix(expr, "(function() {") {
			p.Fail(msg, -32000, "unwrapped: "+expr)
			return
		}
		p.Reply(msg, map[string]any{"result": map[string]any{"type": "number", "value": 8, "description": "8"}})
	})

	c := newCLI(t, fb)
	require.Equal(t, ExitSuccess, c.run("--output", "text", "eval", "return 5 + 3"), c.stderr.String())
	assert.Equal(t, "8\n", c.stdout.String())

	attach := fb.Commands("Target.attachToTarget")
	require.Len(t, attach, 1)
	assert.Equal(t, "T1", gjson.GetBytes(attach[0].Params, "targetId").String())
}

func TestEval_ExceptionIsError(t *testing.T) {
	t.Parallel()

	fb := testutil.NewFakeBrowser(t)
	fb.Result("Runtime.evaluate", map[string]any{
		"result": map[string]any{"type": "object", "subtype": "error"},
		"exceptionDetails": map[string]any{
			"exceptionId": 1, "text": "Uncaught", "lineNumber": 0, "columnNumber": 0,
			"exception": map[string]any{"type": "object", "subtype": "error", "description": "ReferenceError: nope is not defined"},
		},
	})

	c := newCLI(t, fb)
	assert.Equal(t, ExitError, c.run("eval", "nope"))
	assert.Contains(t, c.stderr.String(), "ReferenceError: nope is not defined")
}

func TestSend_ScriptEvaluateAlias(t *testing.T) {
	t.Parallel()

	fb := testutil.NewFakeBrowser(t)
	fb.Result("Runtime.evaluate", map[string]any{"result": map[string]any{"type": "number", "value": 2}})

	c := newCLI(t, fb)
	code := c.run("-o", "ndjson", "send", "Script.evaluate", `{"expression":"1 + 1"}`)
	require.Equal(t, ExitSuccess, code, c.stderr.String())
	assert.Equal(t, "{\"value\":2}\n", c.stdout.String())

	eval := fb.Commands("Runtime.evaluate")
	require.Len(t, eval, 1)
	assert.Equal(t, "S1", eval[0].SessionID)
}

func TestSend_BrowserLevel(t *testing.T) {
	t.Parallel()

	fb := testutil.NewFakeBrowser(t)
	c := newCLI(t, fb)
	require.Equal(t, ExitSuccess, c.run("-o", "ndjson", "send", "--browser", "Browser.getVersion"), c.stderr.String())
	assert.Equal(t, "FakeChrome/1.0", gjson.Get(c.stdout.String(), "value.product").String())

	assert.Empty(t, fb.Commands("Target.attachToTarget"))
	require.Len(t, fb.Commands("Browser.getVersion"), 1)
	assert.Empty(t, fb.Commands("Browser.getVersion")[0].SessionID)
}

func TestSend_InvalidParams(t *testing.T) {
	t.Parallel()

	c := newCLI(t, testutil.NewFakeBrowser(t))
	assert.Equal(t, ExitError, c.run("send", "Page.navigate", "{url"))
	assert.Contains(t, c.stderr.String(), "not valid JSON")
}

func TestSend_ProtocolError(t *testing.T) {
	t.Parallel()

	fb := testutil.NewFakeBrowser(t)
	fb.Handle("Bogus.method", func(p *testutil.Peer, msg *wire.Message) {
		p.Fail(msg, -32601, "'Bogus.method' wasn't found")
	})

	c := newCLI(t, fb)
	assert.Equal(t, ExitError, c.run("send", "Bogus.method"))
	assert.Contains(t, c.stderr.String(), "wasn't found")
}

func TestSend_CommandTimeout(t *testing.T) {
	t.Parallel()

	fb := testutil.NewFakeBrowser(t)
	fb.Silence("Runtime.evaluate")

	c := newCLI(t, fb)
	start := time.Now()
	assert.Equal(t, ExitTimeout, c.run("--command-timeout", "150ms", "eval", "1"))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.Contains(t, c.stderr.String(), "error: timeout")
}

func TestConnectionFailed(t *testing.T) {
	t.Parallel()

	port, err := launcher.FreePort()
	require.NoError(t, err)

	c := newCLI(t, nil)
	assert.Equal(t, ExitConnFailed, c.run("--host", "127.0.0.1", "--port", strconv.Itoa(port), "version"))
	assert.Contains(t, c.stderr.String(), "connection failed")
}

func TestListen_LogEntryAdded(t *testing.T) {
	t.Parallel()

	fb := testutil.NewFakeBrowser(t)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			case <-ticker.C:
				fb.Emit("S1", "Runtime.consoleAPICalled", map[string]any{
					"type":               "log",
					"args":               []map[string]any{{"type": "string", "value": fmt.Sprintf("line %d", i)}},
					"executionContextId": 1,
					"timestamp":          1700000000000.0,
				})
			}
		}
	}()
	t.Cleanup(func() {
		close(stop)
		wg.Wait()
	})

	c := newCLI(t, fb)
	require.Equal(t, ExitSuccess, c.run("listen", "log.entryAdded", "--count", "2", "--duration", "5s"), c.stderr.String())

	lines := strings.Split(strings.TrimSpace(c.stdout.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		assert.Equal(t, "log.entryAdded", gjson.Get(line, "event").String())
		assert.Equal(t, "S1", gjson.Get(line, "sessionId").String())
		assert.True(t, strings.HasPrefix(gjson.Get(line, "params.text").String(), "line "), line)
		assert.Equal(t, "info", gjson.Get(line, "params.level").String())
	}

	assert.Len(t, fb.Commands("Runtime.enable"), 1)
	assert.Len(t, fb.Commands("Log.enable"), 1)
}

func TestListen_DurationElapses(t *testing.T) {
	t.Parallel()

	c := newCLI(t, testutil.NewFakeBrowser(t))
	start := time.Now()
	require.Equal(t, ExitSuccess, c.run("listen", "Page.loadEventFired", "--duration", "100ms"), c.stderr.String())
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Empty(t, c.stdout.String())
}

func TestListen_ConnectionDrop(t *testing.T) {
	t.Parallel()

	fb := testutil.NewFakeBrowser(t)
	fb.Handle("Performance.enable", func(p *testutil.Peer, msg *wire.Message) {
		p.Reply(msg, struct{}{})
		go fb.DropConnections()
	})

	c := newCLI(t, fb)
	start := time.Now()
	assert.Equal(t, ExitError, c.run("listen", "Performance.metrics", "--duration", "5s"))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestText(t *testing.T) {
	t.Parallel()

	fb := testutil.NewFakeBrowser(t)
	fb.Result("DOM.getDocument", map[string]any{
		"root": map[string]any{"nodeId": 1, "backendNodeId": 1, "nodeType": 9, "nodeName": "#document"},
	})
	fb.Result("DOM.querySelector", map[string]int{"nodeId": 5})
	fb.Result("DOM.resolveNode", map[string]any{
		"object": map[string]any{"type": "object", "subtype": "node", "objectId": "node-5"},
	})
	fb.Result("Runtime.callFunctionOn", map[string]any{
		"result": map[string]any{"type": "string", "value": "Example Domain"},
	})

	c := newCLI(t, fb)
	require.Equal(t, ExitSuccess, c.run("-o", "text", "text", "h1"), c.stderr.String())
	assert.Equal(t, "Example Domain\n", c.stdout.String())

	c = newCLI(t, fb)
	require.Equal(t, ExitSuccess, c.run("set-text", "h1", "Hello"), c.stderr.String())
	assert.Equal(t, "Hello", gjson.Get(c.stdout.String(), "text").String())
	calls := fb.Commands("Runtime.callFunctionOn")
	assert.Equal(t, "Hello", gjson.GetBytes(calls[len(calls)-1].Params, "arguments.0.value").String())
}

func TestText_NotFound(t *testing.T) {
	t.Parallel()

	fb := testutil.NewFakeBrowser(t)
	fb.Result("DOM.getDocument", map[string]any{"root": map[string]any{"nodeId": 1}})
	fb.Result("DOM.querySelector", map[string]int{"nodeId": 0})

	c := newCLI(t, fb)
	assert.Equal(t, ExitError, c.run("text", "#missing"))
	assert.Contains(t, c.stderr.String(), "element not found: #missing")
}

func TestGoto(t *testing.T) {
	t.Parallel()

	fb := testutil.NewFakeBrowser(t)
	fb.Handle("Page.navigate", func(p *testutil.Peer, msg *wire.Message) {
		p.Reply(msg, map[string]string{"frameId": "F1", "loaderId": "L1"})
		p.Emit(msg.SessionID, "Page.loadEventFired", map[string]float64{"timestamp": 1})
	})

	c := newCLI(t, fb)
	require.Equal(t, ExitSuccess, c.run("-o", "text", "goto", "https://example.com"), c.stderr.String())
	assert.Equal(t, "https://example.com\n", c.stdout.String())
}

func TestPerf(t *testing.T) {
	t.Parallel()

	fb := testutil.NewFakeBrowser(t)
	fb.Result("Performance.getMetrics", map[string]any{
		"metrics": []map[string]any{{"name": "Nodes", "value": 12}, {"name": "Documents", "value": 1}},
	})

	c := newCLI(t, fb)
	require.Equal(t, ExitSuccess, c.run("-o", "text", "perf"), c.stderr.String())
	assert.Equal(t, "Documents\t1\nNodes\t12\n", c.stdout.String())
}

func TestConfigChain(t *testing.T) {
	t.Parallel()

	fb := testutil.NewFakeBrowser(t)
	host, port := fb.HostPort()

	dir := t.TempDir()
	path := filepath.Join(dir, config.FileName)
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(`
host: %s
port: 1
output: text
profiles:
  fake:
    port: %d
`, host, port)), 0o600))

	// The profile fixes the port; the file's output applies.
	c := newCLI(t, nil)
	require.Equal(t, ExitSuccess, c.run("--config", path, "--profile", "fake", "pages"), c.stderr.String())
	assert.Equal(t, "0\tT1\tFake\tabout:blank\n", c.stdout.String())

	// Environment beats the file, an explicit flag beats the environment.
	c = newCLI(t, nil)
	c.gs.env["BIDICAP_PROFILE"] = "fake"
	c.gs.env["BIDICAP_OUTPUT"] = "ndjson"
	require.Equal(t, ExitSuccess, c.run("--config", path, "pages"), c.stderr.String())
	assert.Equal(t, "T1", gjson.Get(c.stdout.String(), "pages.0.id").String())

	c = newCLI(t, nil)
	c.gs.env["BIDICAP_OUTPUT"] = "ndjson"
	require.Equal(t, ExitSuccess, c.run("--config", path, "--profile", "fake", "-o", "text", "pages"), c.stderr.String())
	assert.Equal(t, "0\tT1\tFake\tabout:blank\n", c.stdout.String())

	// Without the profile the file's port is used and nothing listens there.
	c = newCLI(t, nil)
	assert.Equal(t, ExitConnFailed, c.run("--config", path, "pages"))
}

func TestConfigErrors(t *testing.T) {
	t.Parallel()

	c := newCLI(t, nil)
	assert.Equal(t, ExitError, c.run("-o", "xml", "pages"))
	assert.Contains(t, c.stderr.String(), "invalid output format")

	c = newCLI(t, nil)
	assert.Equal(t, ExitError, c.run("--profile", "nope", "pages"))
	assert.Contains(t, c.stderr.String(), `profile "nope" not found`)

	c = newCLI(t, nil)
	assert.Equal(t, ExitError, c.run("--log-level", "loud", "pages"))
	assert.Contains(t, c.stderr.String(), "log level")
}

func TestUnknownCommand(t *testing.T) {
	t.Parallel()

	c := newCLI(t, nil)
	assert.Equal(t, ExitError, c.run("frobnicate"))
	assert.Contains(t, c.stderr.String(), "unknown command")
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ExitError, exitCode(errors.New("boom")))
	assert.Equal(t, ExitConnFailed, exitCode(fmt.Errorf("%w: refused", errConnFailed)))
	assert.Equal(t, ExitTimeout, exitCode(fmt.Errorf("eval: %w", &bidi.TimeoutError{Method: "Runtime.evaluate"})))
	assert.Equal(t, ExitTimeout, exitCode(context.DeadlineExceeded))
	assert.Equal(t, ExitError, exitCode(&bidi.ProtocolError{Method: "X", Code: -32000}))
}

func TestOutputResult(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, outputResult(config.OutputText, &buf, ValueResult{Value: map[string]any{"a": int64(1)}}))
	assert.Equal(t, "{\"a\":1}\n", buf.String())

	buf.Reset()
	require.NoError(t, outputResult(config.OutputText, &buf, struct {
		N int `json:"n"`
	}{3}))
	assert.Equal(t, "{\n  \"n\": 3\n}\n", buf.String())

	assert.Error(t, outputResult("xml", &buf, nil))
}
