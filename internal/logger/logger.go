// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package logger carries a structured logger through a context.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger is a [slog.Logger] with an adjustable level.
type Logger struct {
	*slog.Logger
	Level *slog.LevelVar
}

// New returns a Logger that writes text records to w at info level.
func New(w io.Writer) *Logger {
	lv := new(slog.LevelVar)
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv})),
		Level:  lv,
	}
}

type ctxKey struct{}

// Put returns a copy of ctx that carries l.
func Put(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// Get returns the Logger stored in ctx, or a Logger writing to standard error
// if there is none.
func Get(ctx context.Context) *Logger {
	if l, ok := ctx.Value(ctxKey{}).(*Logger); ok {
		return l
	}
	return New(os.Stderr)
}
