// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package clitest runs command-line applications in tests.
package clitest

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"go.astrophena.name/tgrelay/internal/cli"
)

// Case is one invocation of an application.
type Case[App cli.App] struct {
	Args []string
	// Env is the whole environment seen by the application.
	Env map[string]string

	// WantErr is matched with errors.Is.
	WantErr error
	// WantFail accepts any error.
	WantFail bool
	// WantInStdout and WantInStderr must all be present in the output.
	WantInStdout []string
	WantInStderr []string
	// CheckFunc runs after the application returns.
	CheckFunc func(*testing.T, App)
}

// Result is the outcome of Exec.
type Result struct {
	Stdout string
	Stderr string
	Err    error
}

// Exec runs app once with args and env, capturing its output.
func Exec(t *testing.T, app cli.App, env map[string]string, args ...string) Result {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := cli.Run(cli.WithEnv(t.Context(), &cli.Env{
		Args:   args,
		Getenv: func(name string) string { return env[name] },
		Stdin:  strings.NewReader(""),
		Stdout: &stdout,
		Stderr: &stderr,
	}), app)
	return Result{Stdout: stdout.String(), Stderr: stderr.String(), Err: err}
}

// Run runs every case in parallel against a fresh application returned by
// setup.
func Run[App cli.App](t *testing.T, setup func(*testing.T) App, cases map[string]Case[App]) {
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			app := setup(t)
			res := Exec(t, app, tc.Env, tc.Args...)

			switch {
			case tc.WantErr != nil && !errors.Is(res.Err, tc.WantErr):
				t.Fatalf("want error %v, got %v\nstderr:\n%s", tc.WantErr, res.Err, res.Stderr)
			case tc.WantFail && res.Err == nil:
				t.Fatalf("must fail\nstdout:\n%s", res.Stdout)
			case tc.WantErr == nil && !tc.WantFail && res.Err != nil:
				t.Fatalf("failed: %v\nstderr:\n%s", res.Err, res.Stderr)
			}

			for _, s := range tc.WantInStdout {
				if !strings.Contains(res.Stdout, s) {
					t.Errorf("stdout must contain %q, got:\n%s", s, res.Stdout)
				}
			}
			for _, s := range tc.WantInStderr {
				if !strings.Contains(res.Stderr, s) {
					t.Errorf("stderr must contain %q, got:\n%s", s, res.Stderr)
				}
			}

			if tc.CheckFunc != nil {
				tc.CheckFunc(t, app)
			}
		})
	}
}
