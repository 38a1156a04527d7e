// Package controlclient implements the line-oriented TCP client used to
// talk to a target-control daemon's control port (§4.7): Telnet-style
// option negotiation, prompt sequencing, and a single-outstanding-command
// exec contract.
package controlclient

import (
	"bufio"
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/particle-iot/flashctl/internal/logx"
)

// clientState mirrors §9's suggested explicit state machine for the
// control-client lifecycle.
type clientState int

const (
	StateDisconnected clientState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

// Options configures a connect() call.
type Options struct {
	LoginPrompt      string // optional; empty skips the login step
	PasswordPrompt   string // optional; empty skips the password step
	ShellPrompt      string // required
	User             string
	Password         string
	EnableEcho       bool
	SuppressGoAhead  bool
	ConnectTimeout   time.Duration
	ExecTimeout      time.Duration
	LineTimeout      time.Duration
}

// DefaultOptions returns the per-operation timeouts named in §5: 5s
// control-connect, 10s default command.
func DefaultOptions(shellPrompt string) Options {
	return Options{
		ShellPrompt:     shellPrompt,
		SuppressGoAhead: true,
		ConnectTimeout:  5 * time.Second,
		ExecTimeout:     10 * time.Second,
		LineTimeout:     10 * time.Second,
	}
}

// ControlProtocolError wraps any transport-level failure.
type ControlProtocolError struct {
	Op  string
	Err error
}

func (e *ControlProtocolError) Error() string { return fmt.Sprintf("controlclient: %s: %v", e.Op, e.Err) }
func (e *ControlProtocolError) Unwrap() error { return e.Err }

// CommandTimeout is returned when exec does not see the shell prompt
// within its timeout.
type CommandTimeout struct {
	Cmd     string
	Timeout time.Duration
}

func (e *CommandTimeout) Error() string {
	return fmt.Sprintf("controlclient: command %q timed out after %s", e.Cmd, e.Timeout)
}

// ErrDisconnected is returned to any pending prompt-wait or exec call
// interrupted by Disconnect.
var ErrDisconnected = fmt.Errorf("controlclient: disconnected")

// ErrCommandInFlight is returned by Exec when another command has not yet
// completed.
var ErrCommandInFlight = fmt.Errorf("controlclient: a command is already in flight")

// Client is one line-oriented TCP session to a target-control daemon.
type Client struct {
	mu    sync.Mutex
	state clientState
	conn  net.Conn
	neg   *negotiator
	scan  *streamScanner

	lineCh   chan string
	execMu   sync.Mutex
	inFlight bool
	closeCh  chan struct{}
}

func New() *Client {
	return &Client{state: StateDisconnected}
}

// Connect establishes a TCP session, negotiates SUPPRESS-GO-AHEAD on both
// halves (fatal if it fails) and echo from the server, then consumes
// login → password → shell prompts in order (§4.7).
func (c *Client) Connect(host string, port int, opts Options) error {
	c.mu.Lock()
	c.state = StateConnecting
	c.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := net.DialTimeout("tcp", addr, opts.ConnectTimeout)
	if err != nil {
		return &ControlProtocolError{Op: "connect", Err: err}
	}

	c.mu.Lock()
	c.conn = conn
	c.neg = newNegotiator()
	c.scan = newStreamScanner(c.neg)
	c.lineCh = make(chan string, 64)
	c.closeCh = make(chan struct{})
	c.mu.Unlock()

	c.neg.requestWill(optSuppressGoAhead)
	c.neg.requestDo(optSuppressGoAhead)
	if opts.EnableEcho {
		c.neg.requestDo(optEcho)
	}
	if err := c.flushOutbox(); err != nil {
		conn.Close()
		return &ControlProtocolError{Op: "connect", Err: err}
	}

	go c.readLoop()

	deadline := time.Now().Add(opts.ConnectTimeout)
	for !c.neg.suppressGoAheadReady() {
		if time.Now().After(deadline) {
			conn.Close()
			return &ControlProtocolError{Op: "connect", Err: fmt.Errorf("SUPPRESS-GO-AHEAD negotiation failed")}
		}
		select {
		case <-c.lineCh:
		case <-time.After(10 * time.Millisecond):
		}
		if err := c.flushOutbox(); err != nil {
			conn.Close()
			return &ControlProtocolError{Op: "connect", Err: err}
		}
	}

	if opts.LoginPrompt != "" {
		if err := c.awaitPrompt(opts.LoginPrompt, opts.LineTimeout); err != nil {
			conn.Close()
			return err
		}
		c.writeLine(opts.User)
	}
	if opts.PasswordPrompt != "" {
		if err := c.awaitPrompt(opts.PasswordPrompt, opts.LineTimeout); err != nil {
			conn.Close()
			return err
		}
		c.writeLine(opts.Password)
	}
	if err := c.awaitPrompt(opts.ShellPrompt, opts.LineTimeout); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.state = StateConnected
	c.mu.Unlock()
	logx.Debug("control client connected", zap.String("addr", addr))
	return nil
}

func (c *Client) flushOutbox() error {
	out := c.neg.drain()
	if len(out) == 0 {
		return nil
	}
	_, err := c.conn.Write(out)
	return err
}

func (c *Client) writeLine(s string) error {
	_, err := c.conn.Write([]byte(s + "\n"))
	return err
}

func (c *Client) readLoop() {
	reader := bufio.NewReader(c.conn)
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			lines := c.scan.feed(buf[:n])
			c.flushOutbox()
			for _, line := range lines {
				select {
				case c.lineCh <- line:
				case <-c.closeCh:
					return
				}
			}
		}
		if err != nil {
			close(c.lineCh)
			return
		}
		select {
		case <-c.closeCh:
			return
		default:
		}
	}
}

func (c *Client) awaitPrompt(prompt string, timeout time.Duration) error {
	deadline := time.After(timeout)
	for {
		select {
		case line, ok := <-c.lineCh:
			if !ok {
				return &ControlProtocolError{Op: "awaitPrompt", Err: ErrDisconnected}
			}
			if strings.Contains(line, prompt) {
				return nil
			}
		case <-deadline:
			return &ControlProtocolError{Op: "awaitPrompt", Err: fmt.Errorf("prompt %q not seen within %s", prompt, timeout)}
		}
	}
}

// Exec writes cmd, collects lines until the shell prompt or timeout, and
// returns the post-processed joined body. Rejects if another command is
// in flight (§4.7, §5's "one outstanding command" rule).
func (c *Client) Exec(cmd string, shellPrompt string, timeout time.Duration) (string, error) {
	c.execMu.Lock()
	if c.inFlight {
		c.execMu.Unlock()
		return "", ErrCommandInFlight
	}
	c.inFlight = true
	c.execMu.Unlock()
	defer func() {
		c.execMu.Lock()
		c.inFlight = false
		c.execMu.Unlock()
	}()

	start := time.Now()
	if err := c.writeLine(cmd); err != nil {
		return "", &ControlProtocolError{Op: "exec", Err: err}
	}

	var collected []string
	deadline := time.After(timeout)
	for {
		select {
		case line, ok := <-c.lineCh:
			if !ok {
				return "", &ControlProtocolError{Op: "exec", Err: ErrDisconnected}
			}
			if strings.Contains(line, shellPrompt) {
				body := postProcess(collected)
				logx.LogControlExec(cmd, time.Since(start).Milliseconds(), len(body))
				return body, nil
			}
			collected = append(collected, line)
		case <-deadline:
			return "", &CommandTimeout{Cmd: cmd, Timeout: timeout}
		}
	}
}

var backspaceRun = regexp.MustCompile(".\x08")

// postProcess applies backspace-deletion, then trims whitespace and
// non-printable characters from each line, dropping empty lines (§4.7).
func postProcess(lines []string) string {
	var out []string
	for _, line := range lines {
		for backspaceRun.MatchString(line) {
			line = backspaceRun.ReplaceAllString(line, "")
		}
		line = strings.TrimFunc(line, func(r rune) bool {
			return r <= 0x1f || r == 0x7f || r == ' ' || r == '\t'
		})
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// Disconnect is idempotent; it interrupts any pending prompt-wait or exec
// with a disconnect error and closes the socket.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnected {
		return nil
	}
	c.state = StateDisconnecting
	close(c.closeCh)
	var err error
	if c.conn != nil {
		err = c.conn.Close()
	}
	c.state = StateDisconnected
	return err
}

func (c *Client) State() clientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
