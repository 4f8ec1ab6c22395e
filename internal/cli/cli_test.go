// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package cli

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"testing"

	"go.astrophena.name/tgrelay/internal/logger"
	"go.astrophena.name/tgrelay/internal/testutil"
)

type flagApp struct {
	name string
	args []string
}

func (a *flagApp) Flags(fs *flag.FlagSet) { fs.StringVar(&a.name, "name", "", "Name.") }

func (a *flagApp) Run(ctx context.Context) error {
	a.args = GetEnv(ctx).Args
	logger.Get(ctx).Info("hello", "name", a.name)
	return nil
}

func testEnv(args ...string) (*Env, *bytes.Buffer) {
	var stderr bytes.Buffer
	return &Env{
		Args:   args,
		Getenv: func(string) string { return "" },
		Stdin:  strings.NewReader(""),
		Stdout: new(bytes.Buffer),
		Stderr: &stderr,
	}, &stderr
}

func TestRunParsesFlags(t *testing.T) {
	t.Parallel()

	env, stderr := testEnv("-name", "relay", "run")
	app := new(flagApp)
	if err := Run(WithEnv(t.Context(), env), app); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, app.name, "relay")
	testutil.AssertEqual(t, app.args, []string{"run"})
	if !strings.Contains(stderr.String(), "name=relay") {
		t.Fatalf("logger is not wired to stderr: %q", stderr.String())
	}
}

func TestRunVersion(t *testing.T) {
	t.Parallel()

	env, _ := testEnv("-version")
	err := Run(WithEnv(t.Context(), env), AppFunc(func(context.Context) error {
		t.Fatal("app should not run")
		return nil
	}))
	testutil.AssertErrorIs(t, err, ErrExitVersion)
	testutil.AssertEqual(t, isSilent(err), true)
}

func TestRunBadFlag(t *testing.T) {
	t.Parallel()

	env, _ := testEnv("-nope")
	err := Run(WithEnv(t.Context(), env), new(flagApp))
	if err == nil {
		t.Fatal("want error for unknown flag")
	}
	testutil.AssertEqual(t, isSilent(err), true)
}

func TestIsSilent(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		err  error
		want bool
	}{
		"plain":        {err: errors.New("boom")},
		"invalid args": {err: fmt.Errorf("%w: missing command", ErrInvalidArgs)},
		"help":         {err: flag.ErrHelp, want: true},
		"wrapped help": {err: fmt.Errorf("parsing: %w", flag.ErrHelp), want: true},
		"silent":       {err: silent(errors.New("x")), want: true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			testutil.AssertEqual(t, isSilent(tc.err), tc.want)
		})
	}
}

func TestRunDoesNotMutateEnv(t *testing.T) {
	t.Parallel()

	env, _ := testEnv("-name", "x", "run")
	if err := Run(WithEnv(t.Context(), env), new(flagApp)); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, env.Args, []string{"-name", "x", "run"})
}

func TestParseDocComment(t *testing.T) {
	t.Parallel()
	src := []byte("// header\n\n/*\nRelay does things.\n\n# Usage\n*/\npackage main\n/*\nignored\n*/\n")
	testutil.AssertEqual(t, parseDocComment(src), "Relay does things.\n\n# Usage\n")
	testutil.AssertEqual(t, parseDocComment(nil), "")
}
