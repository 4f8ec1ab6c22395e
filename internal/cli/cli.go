// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package cli runs command-line applications with an injectable environment.
package cli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.astrophena.name/tgrelay/internal/logger"
	"go.astrophena.name/tgrelay/internal/version"
)

var (
	// ErrInvalidArgs is wrapped by applications to report bad command-line
	// arguments:
	//
	//	return fmt.Errorf("%w: set-watermark wants one id", cli.ErrInvalidArgs)
	ErrInvalidArgs = errors.New("invalid arguments")
	// ErrExitVersion is returned by Run after printing the version.
	ErrExitVersion = silent(errors.New("version printed"))
)

// App is a command-line application.
type App interface {
	Run(context.Context) error
}

// HasFlags is an App that registers its own flags.
type HasFlags interface {
	App
	Flags(*flag.FlagSet)
}

// AppFunc is an App without flags.
type AppFunc func(context.Context) error

func (f AppFunc) Run(ctx context.Context) error { return f(ctx) }

// Env is everything an application may take from the process.
type Env struct {
	Args   []string
	Getenv func(string) string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

type envKey struct{}

// WithEnv returns a copy of ctx that carries env.
func WithEnv(ctx context.Context, env *Env) context.Context {
	return context.WithValue(ctx, envKey{}, env)
}

// GetEnv returns the Env carried by ctx, or the process environment.
func GetEnv(ctx context.Context) *Env {
	if env, ok := ctx.Value(envKey{}).(*Env); ok {
		return env
	}
	return &Env{
		Args:   os.Args[1:],
		Getenv: os.Getenv,
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

// Main runs app in the process environment and exits with status 1 on error.
// SIGINT and SIGTERM cancel the context passed to the app.
func Main(app App) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := Run(ctx, app)
	stop()
	if err == nil {
		return
	}
	if !isSilent(err) {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(1)
}

// Run parses flags from the environment in ctx, puts a logger writing to its
// standard error into the context and runs app with the remaining arguments.
func Run(ctx context.Context, app App) error {
	env := GetEnv(ctx)

	fs := flag.NewFlagSet(version.CmdName(), flag.ContinueOnError)
	fs.SetOutput(env.Stderr)
	if fa, ok := app.(HasFlags); ok {
		fa.Flags(fs)
	}
	var showVersion bool
	if fs.Lookup("version") == nil {
		fs.BoolVar(&showVersion, "version", false, "Print version and exit.")
	}
	fs.Usage = func() {
		if doc := parseDocComment(docSrc); doc != "" {
			fmt.Fprintln(env.Stderr, doc)
		}
		fmt.Fprint(env.Stderr, "Flags:\n\n")
		fs.PrintDefaults()
	}

	// The flag package already reported parse errors.
	if err := fs.Parse(env.Args); err != nil {
		return silent(err)
	}
	if showVersion {
		fmt.Fprint(env.Stderr, version.Version())
		return ErrExitVersion
	}

	runEnv := *env
	runEnv.Args = fs.Args()
	ctx = logger.Put(ctx, logger.New(env.Stderr))
	return app.Run(WithEnv(ctx, &runEnv))
}

// silentError is not printed by Main.
type silentError struct{ err error }

func silent(err error) error { return &silentError{err} }

func (e *silentError) Error() string { return e.err.Error() }
func (e *silentError) Unwrap() error { return e.err }

func isSilent(err error) bool {
	var se *silentError
	return errors.Is(err, flag.ErrHelp) || errors.As(err, &se)
}

var docSrc []byte

// SetDocComment sets the source file whose leading /* ... */ comment is
// printed as help. Applications usually embed their doc.go:
//
//	//go:embed doc.go
//	var doc []byte
//
//	func init() { cli.SetDocComment(doc) }
func SetDocComment(src []byte) { docSrc = src }

func parseDocComment(src []byte) string {
	var (
		b         strings.Builder
		inComment bool
	)
	s := bufio.NewScanner(bytes.NewReader(src))
	for s.Scan() {
		switch line := s.Text(); {
		case line == "/*":
			inComment = true
		case line == "*/":
			return b.String()
		case inComment:
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String()
}
