package systemd

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	logx "scriptsched/pkg/logx"
)

// listenNotify binds a datagram socket and points NOTIFY_SOCKET at it.
func listenNotify(t *testing.T) *net.UnixConn {
	t.Helper()
	// Unix socket paths are short; t.TempDir can exceed the limit.
	dir, err := os.MkdirTemp("", "sd")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	addr := &net.UnixAddr{Name: filepath.Join(dir, "notify"), Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		t.Fatalf("ListenUnixgram: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	t.Setenv("NOTIFY_SOCKET", addr.Name)
	return conn
}

func readMsg(t *testing.T, conn *net.UnixConn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read notify: %v", err)
	}
	return string(buf[:n])
}

func TestNoSocketIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	n := NewNotifier(logx.Nop())
	if n.Ready() {
		t.Fatal("Ready reported sent without NOTIFY_SOCKET")
	}
}

func TestNotifyStates(t *testing.T) {
	conn := listenNotify(t)
	n := NewNotifier(logx.Nop())

	tests := []struct {
		name string
		send func() bool
		want string
	}{
		{"ready", n.Ready, "READY=1"},
		{"status", func() bool { return n.Status("%d jobs", 3) }, "STATUS=3 jobs"},
		{"stopping", n.Stopping, "STOPPING=1"},
	}
	for _, tt := range tests {
		if !tt.send() {
			t.Fatalf("%s: not sent", tt.name)
		}
		if got := readMsg(t, conn); got != tt.want {
			t.Fatalf("%s: got %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestWatchdog(t *testing.T) {
	conn := listenNotify(t)
	t.Setenv("WATCHDOG_USEC", strconv.Itoa(int((40 * time.Millisecond).Microseconds())))
	t.Setenv("WATCHDOG_PID", strconv.Itoa(os.Getpid()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewNotifier(logx.Nop()).Watchdog(ctx) }()

	if got := readMsg(t, conn); got != "WATCHDOG=1" {
		t.Fatalf("got %q, want WATCHDOG=1", got)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watchdog: %v", err)
	}
}

func TestWatchdogDisabled(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	if err := NewNotifier(logx.Nop()).Watchdog(context.Background()); err != nil {
		t.Fatalf("Watchdog: %v", err)
	}
}
