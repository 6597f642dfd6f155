package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testOptions(terminated *bool) Options {
	return Options{
		PID: os.Getpid(),
		Status: func() []string {
			return []string{
				"running since 2026-08-29 10:00:00",
				"json: /etc/opsd/backupd.json",
				"listeningPort: 9999",
			}
		},
		Terminate: func() {
			if terminated != nil {
				*terminated = true
			}
		},
	}
}

func bindTest(t *testing.T, opts Options) *Listener {
	t.Helper()
	l, err := Bind(0, opts, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

// roundTrip sends one request from a background client while the listener is
// driven on the test goroutine, so handlers run without extra goroutines.
func roundTrip(t *testing.T, l *Listener, service map[string]Handler, line string) []string {
	t.Helper()

	linesCh := make(chan []string, 1)
	errCh := make(chan error, 1)
	go func() {
		conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", l.Port()))
		if err != nil {
			errCh <- err
			return
		}
		defer conn.Close()
		if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
			errCh <- err
			return
		}
		var lines []string
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			errCh <- err
			return
		}
		linesCh <- lines
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, l.Listen(service))
		select {
		case lines := <-linesCh:
			return lines
		case err := <-errCh:
			t.Fatal(err)
		default:
		}
	}
	t.Fatal("no response before deadline")
	return nil
}

func stripPID(t *testing.T, lines []string) []string {
	t.Helper()
	pid := strconv.Itoa(os.Getpid())
	stripped := make([]string, 0, len(lines))
	for _, line := range lines {
		require.True(t, strings.HasPrefix(line, pid+" "), "line %q must carry the pid prefix", line)
		stripped = append(stripped, strings.TrimPrefix(line, pid+" "))
	}
	return stripped
}

func TestStatusCommand(t *testing.T) {
	l := bindTest(t, testOptions(nil))

	lines := stripPID(t, roundTrip(t, l, nil, "status"))

	require.Len(t, lines, 4, "three body lines plus OK")
	require.Equal(t, "running since 2026-08-29 10:00:00", lines[0])
	require.Equal(t, "json: /etc/opsd/backupd.json", lines[1])
	require.Equal(t, "listeningPort: 9999", lines[2])
	require.Equal(t, "OK", lines[3])
}

func TestHelpCommand(t *testing.T) {
	service := map[string]Handler{
		"vacuum": func(*Request) (string, error) { return "", nil },
		"dump":   func(*Request) (string, error) { return "", nil },
	}
	l := bindTest(t, testOptions(nil))

	lines := stripPID(t, roundTrip(t, l, service, "help"))
	require.Equal(t, []string{"dump, help, status, terminate, vacuum", "OK"}, lines)

	// idempotent across repeated calls
	again := stripPID(t, roundTrip(t, l, service, "help"))
	require.Equal(t, lines, again)
}

func TestHelpListsShadowedBuiltinOnce(t *testing.T) {
	service := map[string]Handler{
		"status": func(*Request) (string, error) { return "custom", nil },
		"vacuum": func(*Request) (string, error) { return "", nil },
	}
	l := bindTest(t, testOptions(nil))

	lines := stripPID(t, roundTrip(t, l, service, "help"))
	require.Equal(t, []string{"help, status, terminate, vacuum", "OK"}, lines)
}

func TestTerminateCommand(t *testing.T) {
	terminated := false
	l := bindTest(t, testOptions(&terminated))

	lines := stripPID(t, roundTrip(t, l, nil, "terminate"))

	require.Equal(t, []string{"OK"}, lines, "terminate has an empty body")
	require.True(t, terminated, "terminate must set the terminating flag")
}

func TestUnknownCommand(t *testing.T) {
	l := bindTest(t, testOptions(nil))

	lines := stripPID(t, roundTrip(t, l, nil, "frobnicate now"))
	require.Equal(t, []string{"unknowned command 'frobnicate'", "OK"}, lines)
}

func TestServiceCommandWinsOverBuiltin(t *testing.T) {
	service := map[string]Handler{
		"status": func(*Request) (string, error) { return "custom status", nil },
	}
	l := bindTest(t, testOptions(nil))

	lines := stripPID(t, roundTrip(t, l, service, "status"))
	require.Equal(t, []string{"custom status", "OK"}, lines)
}

func TestServiceCommandArgs(t *testing.T) {
	var got *Request
	service := map[string]Handler{
		"dump": func(req *Request) (string, error) {
			got = req
			return "dumped " + strings.Join(req.Args, "+"), nil
		},
	}
	l := bindTest(t, testOptions(nil))

	lines := stripPID(t, roundTrip(t, l, service, "dump db1  db2"))

	require.Equal(t, []string{"dumped db1+db2", "OK"}, lines)
	require.Equal(t, "dump", got.Command)
	require.Equal(t, []string{"db1", "db2"}, got.Args)
	require.Equal(t, "dump db1  db2", got.Raw)
	require.NotEmpty(t, got.ID)
	require.NotEmpty(t, got.Peer)
}

func TestServiceCommandError(t *testing.T) {
	service := map[string]Handler{
		"dump": func(*Request) (string, error) { return "", errors.New("dump failed: no space") },
	}
	l := bindTest(t, testOptions(nil))

	lines := stripPID(t, roundTrip(t, l, service, "dump"))
	require.Equal(t, []string{"dump failed: no space", "OK"}, lines)
}

func TestMultiLineResponse(t *testing.T) {
	service := map[string]Handler{
		"list": func(*Request) (string, error) { return "one\ntwo\nthree", nil },
	}
	l := bindTest(t, testOptions(nil))

	lines := stripPID(t, roundTrip(t, l, service, "list"))
	require.Equal(t, []string{"one", "two", "three", "OK"}, lines)
}

func TestListenWithoutClientReturnsQuickly(t *testing.T) {
	l := bindTest(t, testOptions(nil))

	start := time.Now()
	require.NoError(t, l.Listen(nil))
	require.Less(t, time.Since(start), time.Second, "idle accept must not stall the loop")
}

func TestListenCallsRefresh(t *testing.T) {
	refreshed := 0
	opts := testOptions(nil)
	opts.Refresh = func() { refreshed++ }
	l := bindTest(t, opts)

	require.NoError(t, l.Listen(nil))
	require.NoError(t, l.Listen(nil))
	require.Equal(t, 2, refreshed)
}

func TestBindBusyPortFails(t *testing.T) {
	l := bindTest(t, testOptions(nil))

	_, err := Bind(l.Port(), testOptions(nil), zap.NewNop().Sugar())
	require.Error(t, err)
}
