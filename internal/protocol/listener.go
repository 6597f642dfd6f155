// Package protocol implements the daemon's one-shot TCP command protocol.
//
// Requests are a single newline-terminated text line: a command followed by
// whitespace-separated arguments. Every response line, including the final
// "OK", is prefixed with the daemon's process id so a supervising script can
// disambiguate responses from several daemons sharing a log stream. After
// the final line the server closes its write half and the client reads to
// EOF; there is no keep-alive and no length header.
package protocol

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler answers a service-specific command with a response body, possibly
// multi-line. A handler error becomes the response body.
type Handler func(req *Request) (string, error)

// Request is one parsed client request.
type Request struct {
	Command string
	Args    []string
	Raw     string
	Peer    string // remote host:port
	ID      string // per-connection correlation id
}

// maxRequestSize bounds a single request read.
const maxRequestSize = 4096

// acceptWait bounds how long one Listen call may wait for a client, keeping
// the scheduler loop effectively non-blocking on an idle socket.
const acceptWait = 10 * time.Millisecond

// ioTimeout bounds the read and write on an accepted connection.
const ioTimeout = 2 * time.Second

// Options wires the listener to its daemon instance.
type Options struct {
	PID       int
	Status    func() []string // body lines of the status command
	Terminate func()          // invoked by the terminate command
	Refresh   func()          // invoked at the top of every Listen call
}

// Listener owns the daemon's single listening socket.
type Listener struct {
	logger *zap.SugaredLogger
	ln     net.Listener
	opts   Options
}

// Bind opens the listening socket on the given port. Port 0 picks an
// ephemeral port, used by tests.
func Bind(port int, opts Options, logger *zap.SugaredLogger) (*Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind port %d: %w", port, err)
	}
	logger.Infof("listening on %s", ln.Addr())
	return &Listener{logger: logger, ln: ln, opts: opts}, nil
}

// Port returns the bound port.
func (l *Listener) Port() int {
	return l.ln.Addr().(*net.TCPAddr).Port
}

// Close closes the listening socket.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Listen performs one protocol tick: refresh the resolved configuration,
// accept at most one pending client, dispatch its request and answer it.
func (l *Listener) Listen(service map[string]Handler) error {
	if l.opts.Refresh != nil {
		l.opts.Refresh()
	}

	conn, err := l.accept()
	if err != nil || conn == nil {
		return err
	}
	defer conn.Close()

	req, err := l.readRequest(conn)
	if err != nil {
		return err
	}
	if req == nil {
		return nil // client went away before sending anything
	}
	l.logger.Infow("request", "id", req.ID, "peer", req.Peer, "line", req.Raw)

	body := l.dispatch(req, service)
	return l.respond(conn, body)
}

// accept waits briefly for one pending client. A nil connection with a nil
// error means nobody was there.
func (l *Listener) accept() (net.Conn, error) {
	type deadliner interface{ SetDeadline(time.Time) error }
	if d, ok := l.ln.(deadliner); ok {
		if err := d.SetDeadline(time.Now().Add(acceptWait)); err != nil {
			return nil, err
		}
	}

	conn, err := l.ln.Accept()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil
		}
		return nil, fmt.Errorf("accept: %w", err)
	}
	return conn, nil
}

func (l *Listener) readRequest(conn net.Conn) (*Request, error) {
	if err := conn.SetDeadline(time.Now().Add(ioTimeout)); err != nil {
		return nil, fmt.Errorf("set deadline for %s: %w", conn.RemoteAddr(), err)
	}

	buf := make([]byte, maxRequestSize)
	n, err := conn.Read(buf)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("read request from %s: %w", conn.RemoteAddr(), err)
	}

	raw := strings.TrimRight(string(buf[:n]), "\r\n")
	fields := strings.Fields(raw)
	req := &Request{
		Raw:  raw,
		Peer: conn.RemoteAddr().String(),
		ID:   uuid.NewString(),
	}
	if len(fields) > 0 {
		req.Command = fields[0]
		req.Args = fields[1:]
	}
	return req, nil
}

// dispatch resolves the command: daemon-specific table first, then the
// built-ins, then the unknown-command answer.
func (l *Listener) dispatch(req *Request, service map[string]Handler) string {
	if h, ok := service[req.Command]; ok {
		body, err := h(req)
		if err != nil {
			l.logger.Errorw("command failed", "id", req.ID, "command", req.Command, "err", err)
			return err.Error()
		}
		return body
	}

	switch req.Command {
	case "help":
		return l.helpBody(service)
	case "status":
		return strings.Join(l.opts.Status(), "\n")
	case "terminate":
		l.opts.Terminate()
		return ""
	}
	return fmt.Sprintf("unknowned command '%s'", req.Command)
}

func (l *Listener) helpBody(service map[string]Handler) string {
	names := []string{"help", "status", "terminate"}
	for name := range service {
		switch name {
		case "help", "status", "terminate":
			continue // a shadowed built-in is still one command
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// respond frames the body: every line prefixed with the pid, a final "OK"
// line, then the write half is shut down so the client sees EOF.
func (l *Listener) respond(conn net.Conn, body string) error {
	var b strings.Builder
	if body != "" {
		for _, line := range strings.Split(body, "\n") {
			fmt.Fprintf(&b, "%d %s\n", l.opts.PID, line)
		}
	}
	fmt.Fprintf(&b, "%d OK\n", l.opts.PID)

	if _, err := conn.Write([]byte(b.String())); err != nil {
		return fmt.Errorf("write response to %s: %w", conn.RemoteAddr(), err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		return tc.CloseWrite()
	}
	return nil
}
