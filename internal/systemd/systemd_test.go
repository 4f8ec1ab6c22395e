// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package systemd

import (
	"context"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"go.astrophena.name/tgrelay/internal/testutil"
)

func listen(t *testing.T) (*net.UnixConn, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notify.sock")
	l, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		t.Fatalf("listening on unixgram socket: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, path
}

func read(t *testing.T, l *net.UnixConn) string {
	t.Helper()
	buf := make([]byte, 512)
	l.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, _, err := l.ReadFromUnix(buf)
	if err != nil {
		t.Fatalf("reading from unixgram socket: %v", err)
	}
	return string(buf[:n])
}

func env(m map[string]string) func(string) string {
	return func(name string) string { return m[name] }
}

func TestNotify(t *testing.T) {
	t.Parallel()

	l, path := listen(t)
	n := FromEnv(env(map[string]string{"NOTIFY_SOCKET": path}), slog.New(slog.DiscardHandler))

	n.Notify(Ready, Status("published 2/4\nwatermark 105"))
	testutil.AssertEqual(t, read(t, l), "READY=1\nSTATUS=published 2/4 watermark 105")
}

func TestNotifyOutsideSystemd(t *testing.T) {
	t.Parallel()

	// Must not panic or block.
	FromEnv(env(nil), nil).Notify(Ready)
	var n *Notifier
	n.Notify(Ready)
	n.WatchdogLoop(context.Background())
}

func TestWatchdogLoop(t *testing.T) {
	t.Parallel()

	l, path := listen(t)
	n := FromEnv(env(map[string]string{
		"NOTIFY_SOCKET": path,
		"WATCHDOG_USEC": "200000",
	}), slog.New(slog.DiscardHandler))
	testutil.AssertEqual(t, n.interval, 100*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.WatchdogLoop(ctx)
		close(done)
	}()

	testutil.AssertEqual(t, read(t, l), "WATCHDOG=1")
	cancel()
	<-done
}

func TestWatchdogInterval(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		"valid":    {in: "1000000", want: time.Second},
		"zero":     {in: "0", wantErr: true},
		"negative": {in: "-5", wantErr: true},
		"garbage":  {in: "soon", wantErr: true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			got, err := watchdogInterval(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatal("want error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			testutil.AssertEqual(t, got, tc.want)
		})
	}
}
