// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package systemd reports run status and updates the watchdog timestamp
// through the sd_notify protocol.
package systemd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"
)

// State defines a sd-notify protocol state.
// See https://www.freedesktop.org/software/systemd/man/sd_notify.html.
type State string

const (
	// Ready tells the service manager that service startup is finished.
	Ready State = "READY=1"
	// Stopping tells the service manager that the service is shutting down.
	Stopping State = "STOPPING=1"
	// Watchdog tells the service manager to update the watchdog timestamp.
	Watchdog State = "WATCHDOG=1"
)

// Status returns a state that sets the free-form status shown by
// systemctl status. Newlines are replaced with spaces.
func Status(s string) State {
	return State("STATUS=" + strings.ReplaceAll(s, "\n", " "))
}

// Notifier sends notifications to the service manager. The zero value, or a
// Notifier outside of systemd, does nothing.
type Notifier struct {
	socket   string
	interval time.Duration
	log      *slog.Logger
}

// FromEnv returns a Notifier configured by NOTIFY_SOCKET and WATCHDOG_USEC.
func FromEnv(getenv func(string) string, log *slog.Logger) *Notifier {
	n := &Notifier{socket: getenv("NOTIFY_SOCKET"), log: log}
	if n.log == nil {
		n.log = slog.Default()
	}
	if usec := getenv("WATCHDOG_USEC"); usec != "" {
		interval, err := watchdogInterval(usec)
		if err != nil {
			n.log.Warn("systemd: ignoring watchdog", "error", err)
		} else {
			// Ping twice per period.
			n.interval = interval / 2
		}
	}
	return n
}

// Notify sends states in one datagram. Errors are logged.
func (n *Notifier) Notify(states ...State) {
	if n == nil || n.socket == "" || len(states) == 0 {
		return
	}
	addr := &net.UnixAddr{Net: "unixgram", Name: n.socket}
	conn, err := net.DialUnix(addr.Net, nil, addr)
	if err != nil {
		n.log.Warn("systemd: failed when notifying", "error", err)
		return
	}
	defer conn.Close()

	msg := make([]string, len(states))
	for i, s := range states {
		msg[i] = string(s)
	}
	if _, err := conn.Write([]byte(strings.Join(msg, "\n"))); err != nil {
		n.log.Warn("systemd: failed when notifying", "error", err)
	}
}

// WatchdogLoop periodically updates the watchdog timestamp until ctx is
// canceled. It returns at once if the watchdog is not enabled.
func (n *Notifier) WatchdogLoop(ctx context.Context) {
	if n == nil || n.socket == "" || n.interval <= 0 {
		return
	}
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.Notify(Watchdog)
		case <-ctx.Done():
			return
		}
	}
}

func watchdogInterval(usec string) (time.Duration, error) {
	s, err := strconv.Atoi(usec)
	if err != nil {
		return 0, fmt.Errorf("systemd: error converting WATCHDOG_USEC: %v", err)
	}
	if s <= 0 {
		return 0, errors.New("systemd: WATCHDOG_USEC must be a positive number")
	}
	return time.Duration(s) * time.Microsecond, nil
}
