package daemon

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sitetools/opsdaemon/internal/config"
	"github.com/sitetools/opsdaemon/internal/protocol"
	"github.com/sitetools/opsdaemon/model"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T, port int, extra string) *config.DaemonConfig {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backupd.json")
	content := fmt.Sprintf(`{
		"listeningPort": %d,
		"execPath": "/bin/true",
		"listeningInterval": 500,
		"messagingInterval": 0,
		"httpingInterval": 0,
		"textingInterval": 0
		%s
	}`, port, extra)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := config.NewDaemonConfig(path, false, zap.NewNop().Sugar())
	require.NoError(t, err)
	return cfg
}

// startDaemon runs Daemonize in the background and waits for the socket to
// accept connections.
func startDaemon(t *testing.T, d *Daemon, port int) chan error {
	t.Helper()

	done := make(chan error, 1)
	go func() { done <- d.Daemonize(context.Background(), false) }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			conn.Close()
			return done
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("daemon did not start listening")
	return done
}

func send(t *testing.T, port int, line string) []string {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer conn.Close()

	_, err = fmt.Fprintf(conn, "%s\n", line)
	require.NoError(t, err)

	var lines []string
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestDaemonStatusEndToEnd(t *testing.T) {
	port := freePort(t)
	d, err := New(testConfig(t, port, ""))
	require.NoError(t, err)

	done := startDaemon(t, d, port)

	lines := send(t, port, "status")
	require.Len(t, lines, 4, "three body lines plus OK")

	pid := strconv.Itoa(os.Getpid())
	for _, line := range lines {
		require.True(t, strings.HasPrefix(line, pid+" "), "line %q must carry the pid", line)
	}
	require.Contains(t, lines[0], "running since ")
	require.Contains(t, lines[1], "json: ")
	require.Equal(t, fmt.Sprintf("%s listeningPort: %d", pid, port), lines[2])
	require.Equal(t, pid+" OK", lines[3])

	send(t, port, "terminate")
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not terminate")
	}
}

func TestDaemonTerminateEndToEnd(t *testing.T) {
	port := freePort(t)
	d, err := New(testConfig(t, port, ""))
	require.NoError(t, err)

	done := startDaemon(t, d, port)
	require.False(t, d.Terminating())

	lines := send(t, port, "terminate")
	require.Len(t, lines, 1, "terminate answers with only the OK line")
	require.True(t, d.Terminating(), "terminating flag set after the response")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("scheduler did not exit after terminate")
	}
	require.Zero(t, d.ErrorCount(), "clean run accumulates no errors")
}

func TestDaemonServiceCommand(t *testing.T) {
	port := freePort(t)
	d, err := New(testConfig(t, port, ""))
	require.NoError(t, err)
	d.RegisterCommand("ping", func(req *protocol.Request) (string, error) { return "pong", nil })

	done := startDaemon(t, d, port)

	lines := send(t, port, "ping")
	pid := strconv.Itoa(os.Getpid())
	require.Equal(t, []string{pid + " pong", pid + " OK"}, lines)

	helpLines := send(t, port, "help")
	require.Equal(t, pid+" help, ping, status, terminate", helpLines[0])

	send(t, port, "terminate")
	<-done
}

func TestDaemonBindFailureIsFatal(t *testing.T) {
	port := freePort(t)
	blocker, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	require.NoError(t, err)
	defer blocker.Close()

	d, err := New(testConfig(t, port, ""))
	require.NoError(t, err)

	err = d.Daemonize(context.Background(), false)
	require.Error(t, err)
	require.Equal(t, 1, d.ErrorCount())
}

func TestStartDummyMode(t *testing.T) {
	cfg := testConfig(t, freePort(t), "")
	cfg.Dummy = true
	d, err := New(cfg)
	require.NoError(t, err)

	require.NoError(t, d.Start([]string{"--verbose"}))
	require.Zero(t, d.ErrorCount())
}

func TestStartSpawnsDetachedProcess(t *testing.T) {
	cfg := testConfig(t, freePort(t), "")
	d, err := New(cfg)
	require.NoError(t, err)

	require.NoError(t, d.Start(nil))
}

func TestStartMissingExecutable(t *testing.T) {
	port := freePort(t)
	path := filepath.Join(t.TempDir(), "d.json")
	content := fmt.Sprintf(`{"listeningPort": %d, "execPath": "/does/not/exist"}`, port)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := config.NewDaemonConfig(path, false, zap.NewNop().Sugar())
	require.NoError(t, err)
	d, err := New(cfg)
	require.NoError(t, err)

	require.Error(t, d.Start(nil))
	require.Equal(t, 1, d.ErrorCount())
}

func TestStatusLines(t *testing.T) {
	cfg := testConfig(t, 9999, "")
	d, err := New(cfg)
	require.NoError(t, err)

	lines := d.statusLines()
	require.Len(t, lines, 3)
	require.Contains(t, lines[0], "running since ")
	require.Equal(t, "json: "+cfg.Path, lines[1])
	require.Equal(t, "listeningPort: 9999", lines[2])
}

func TestAdvertiseTextPublishesRecordedMetrics(t *testing.T) {
	root := t.TempDir()
	drop := filepath.Join(root, "drop")
	require.NoError(t, os.MkdirAll(drop, 0o755))
	nodeJSON := fmt.Sprintf(`{"name": "testnode", "dropDir": %q}`, drop)
	require.NoError(t, os.WriteFile(filepath.Join(root, "node.json"), []byte(nodeJSON), 0o644))
	t.Setenv("OPSD_ROOTS", root)

	cfg := testConfig(t, freePort(t), "")
	d, err := New(cfg)
	require.NoError(t, err)

	m, err := model.NewMetric("jobs_done", model.Counter)
	require.NoError(t, err)
	m.SetFloat(3)
	require.NoError(t, d.Record(m))

	require.NoError(t, d.advertiseText(context.Background()))

	uptime, err := os.ReadFile(filepath.Join(drop, "opsd_daemon_uptime_seconds.prom"))
	require.NoError(t, err)
	require.Contains(t, string(uptime), "opsd_daemon_uptime_seconds ")

	jobs, err := os.ReadFile(filepath.Join(drop, "opsd_jobs_done.prom"))
	require.NoError(t, err)
	require.Contains(t, string(jobs), "opsd_jobs_done 3\n")
}

func TestRecordCounterAccumulates(t *testing.T) {
	cfg := testConfig(t, freePort(t), "")
	d, err := New(cfg)
	require.NoError(t, err)

	for _, v := range []float64{3, 4} {
		m, err := model.NewMetric("jobs_done", model.Counter)
		require.NoError(t, err)
		m.SetFloat(v)
		require.NoError(t, d.Record(m))
	}

	m, err := d.registry.Get("jobs_done")
	require.NoError(t, err)
	v, _ := m.Value()
	require.Equal(t, "7", v)
}

type fakePublish struct {
	topic    string
	payload  string
	retained bool
}

// fakeMessaging records publishes in place of a broker connection.
type fakeMessaging struct {
	mu   sync.Mutex
	pubs []fakePublish
	disc bool
}

func (f *fakeMessaging) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pubs = append(f.pubs, fakePublish{topic: topic, payload: fmt.Sprint(payload), retained: retained})
	return &fakeToken{}
}

func (f *fakeMessaging) Disconnect(quiesce uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disc = true
}

func (f *fakeMessaging) published() []fakePublish {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakePublish(nil), f.pubs...)
}

func (f *fakeMessaging) wasDisconnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disc
}

func (f *fakeMessaging) IsConnected() bool                                 { return true }
func (f *fakeMessaging) IsConnectionOpen() bool                            { return true }
func (f *fakeMessaging) Connect() mqtt.Token                               { return &fakeToken{} }
func (f *fakeMessaging) Subscribe(string, byte, mqtt.MessageHandler) mqtt.Token { return &fakeToken{} }
func (f *fakeMessaging) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return &fakeToken{}
}
func (f *fakeMessaging) Unsubscribe(...string) mqtt.Token        { return &fakeToken{} }
func (f *fakeMessaging) AddRoute(string, mqtt.MessageHandler)    {}
func (f *fakeMessaging) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

type fakeToken struct{}

func (fakeToken) Wait() bool                     { return true }
func (fakeToken) WaitTimeout(time.Duration) bool { return true }
func (fakeToken) Error() error                   { return nil }
func (fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func TestShutdownPublishesRetainedOffline(t *testing.T) {
	port := freePort(t)
	cfg := testConfig(t, port, `, "messagingInterval": 60000`)
	d, err := New(cfg)
	require.NoError(t, err)

	fake := &fakeMessaging{}
	d.mqtt = fake
	d.publisher.SetMessaging(fake)

	done := startDaemon(t, d, port)
	send(t, port, "terminate")
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not terminate")
	}

	topic := fmt.Sprintf("%s/daemon/%s/status", d.publisher.Node().Name, cfg.Name)
	pubs := fake.published()
	require.NotEmpty(t, pubs)

	last := pubs[len(pubs)-1]
	require.Equal(t, topic, last.topic)
	require.Equal(t, "offline", last.payload)
	require.True(t, last.retained, "offline must be retained so the broker keeps it")
	require.True(t, fake.wasDisconnected(), "broker connection closed after the offline publish")
	require.Zero(t, d.ErrorCount())
}
