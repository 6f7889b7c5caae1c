// Package control implements the named-pipe command channel of spec §6:
// reload/snapshot/dump/check/drop/register/message/stop/restart, each
// line optionally prefixed with a reply target (a PID for a signal reply
// or a /tmp/.reply.* path for a publish-style reply).
//
// Grounded on the teacher's absence of an equivalent (sebacius-switchboard
// has no control-plane file at all) and on original_source/common/process.cpp's
// process::receive/process::reply, the sipwitch control channel this core
// replaces.
package control

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/relaypbx/switchcore/internal/callstack"
	"github.com/relaypbx/switchcore/internal/messaging"
	"github.com/relaypbx/switchcore/internal/registry"
)

// Engine is the subset of the daemon the control channel can act on.
type Engine struct {
	Registry *registry.Registry
	Stack    *callstack.Stack
	Messages *messaging.Store

	// Reload is invoked for the "reload" command; nil is a no-op.
	Reload func() error
	// Stop is invoked for "stop"; it should begin graceful shutdown.
	Stop func()
	// Restart is invoked for "restart"; the process is expected to exit
	// with code 1 per spec §6 Exit codes so a supervisor re-execs it.
	Restart func()
}

// Channel owns the control fifo and dispatches each line it reads to an
// Engine. One Channel serves one daemon instance.
type Channel struct {
	path   string
	engine *Engine

	mu   sync.Mutex
	file *os.File
}

// New opens (creating if necessary) the control fifo at path.
func New(path string, engine *Engine) (*Channel, error) {
	if err := ensureFifo(path); err != nil {
		return nil, fmt.Errorf("control: create fifo %s: %w", path, err)
	}
	c := &Channel{path: path, engine: engine}
	return c, nil
}

// Serve blocks reading lines from the control fifo until stopCh closes;
// stopCh is checked before each open and after each line read. Whenever
// the read loop ends (EOF or a read error) the fifo is reopened, mirroring
// the teacher's fopen(path, "r+") reopen-on-EOF loop in process::receive.
func (c *Channel) Serve(stopCh <-chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		f, err := openFifoForRead(c.path)
		if err != nil {
			slog.Error("[Control] reopen fifo failed", "path", c.path, "error", err)
			time.Sleep(time.Second)
			continue
		}
		c.mu.Lock()
		c.file = f
		c.mu.Unlock()

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			select {
			case <-stopCh:
				f.Close()
				return
			default:
			}
			c.handleLine(scanner.Text())
		}
		f.Close()
	}
}

// handleLine parses one control line and dispatches it, replying via
// whatever target (if any) prefixed the command.
func (c *Channel) handleLine(raw string) {
	line := strings.TrimSpace(raw)
	if line == "" {
		return
	}

	target, rest := splitReplyTarget(line)
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return
	}

	cmd, args := fields[0], fields[1:]
	slog.Info("[Control] command", "cmd", cmd, "args", args)

	reply, err := c.dispatch(cmd, args)
	if err != nil {
		slog.Warn("[Control] command failed", "cmd", cmd, "error", err)
		c.reply(target, false, err.Error())
		return
	}
	c.reply(target, true, reply)
}

// splitReplyTarget extracts a leading numeric PID or /tmp/.reply.* path
// from the front of a control line, rejecting path-traversal attempts per
// the spec §9 Open Question ("reject control lines containing '..' after
// an absolute path check").
func splitReplyTarget(line string) (target string, rest string) {
	if line == "" {
		return "", line
	}
	first := strings.Fields(line)
	if len(first) == 0 {
		return "", line
	}
	head := first[0]
	isPID := isAllDigits(head)
	isPath := strings.HasPrefix(head, "/")

	if !isPID && !isPath {
		return "", line
	}
	if isPath {
		if strings.Contains(head, "..") || !strings.HasPrefix(head, "/tmp/.reply.") {
			slog.Warn("[Control] rejected reply target", "target", head)
			return "", line
		}
	}

	idx := strings.Index(line, head) + len(head)
	return head, strings.TrimSpace(line[idx:])
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// reply delivers msg to target: a PID gets SIGUSR1 (ok) or SIGUSR2
// (failure); a /tmp/.reply.* path is created or truncated and gets one
// status line holding the message, the Go equivalent of the teacher's
// service::publish.
func (c *Channel) reply(target string, ok bool, msg string) {
	if target == "" {
		return
	}
	if isAllDigits(target) {
		pid, err := strconv.Atoi(target)
		if err != nil {
			return
		}
		sig := syscall.SIGUSR1
		if !ok {
			sig = syscall.SIGUSR2
		}
		if err := syscall.Kill(pid, sig); err != nil {
			slog.Warn("[Control] reply signal failed", "pid", pid, "error", err)
		}
		return
	}

	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		slog.Warn("[Control] reply publish failed", "target", target, "error", err)
		return
	}
	defer f.Close()
	status := "ok"
	if !ok {
		status = "msg"
	}
	fmt.Fprintf(f, "%s %s\n", status, msg)
}

// dispatch runs one command and returns the text to send back on success.
func (c *Channel) dispatch(cmd string, args []string) (string, error) {
	switch strings.ToLower(cmd) {
	case "check":
		return "running", nil

	case "reload":
		if c.engine.Reload == nil {
			return "reload not supported", nil
		}
		if err := c.engine.Reload(); err != nil {
			return "", err
		}
		return "reloaded", nil

	case "snapshot", "dump":
		return strings.Join(c.snapshot(), "\n"), nil

	case "drop":
		if len(args) != 1 {
			return "", fmt.Errorf("drop requires <id>")
		}
		c.engine.Registry.Expire(args[0])
		return "dropped " + args[0], nil

	case "register":
		if len(args) != 2 {
			return "", fmt.Errorf("register requires <id> <addr>")
		}
		if _, err := c.engine.Registry.Refresh(args[0], registry.RefreshParams{
			ContactURI: "sip:" + args[0] + "@" + args[1],
			ReceivedIP: hostOf(args[1]),
		}); err != nil {
			return "", err
		}
		return "registered " + args[0], nil

	case "message":
		if len(args) < 2 {
			return "", fmt.Errorf("message requires <to> <body...>")
		}
		body := strings.Join(args[1:], " ")
		if _, err := c.engine.Messages.Enqueue(args[0], "control", "", "text/plain", []byte(body)); err != nil {
			return "", err
		}
		return "queued", nil

	case "stop":
		if c.engine.Stop != nil {
			go c.engine.Stop()
		}
		return "stopping", nil

	case "restart":
		if c.engine.Restart != nil {
			go c.engine.Restart()
		}
		return "restarting", nil

	default:
		return "", fmt.Errorf("unknown command %q", cmd)
	}
}

func hostOf(addr string) string {
	if idx := strings.LastIndex(addr, ":"); idx > 0 {
		return addr[:idx]
	}
	return addr
}

// snapshot renders the plaintext format of spec §6, concatenating the
// stack and registry sections.
func (c *Channel) snapshot() []string {
	lines := c.engine.Stack.Snapshot()
	lines = append(lines, "Registry:")
	for _, l := range c.engine.Registry.Snapshot() {
		lines = append(lines, "  "+l)
	}
	return lines
}

// Close removes the fifo from disk.
func (c *Channel) Close() error {
	c.mu.Lock()
	f := c.file
	c.mu.Unlock()
	if f != nil {
		f.Close()
	}
	return os.Remove(c.path)
}
