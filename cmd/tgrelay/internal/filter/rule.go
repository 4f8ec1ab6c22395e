// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package filter

import (
	"fmt"
	"log/slog"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"go.astrophena.name/tgrelay/cmd/tgrelay/internal/source"
)

// BlockRule is a Starlark predicate deciding whether a post is rejected.
//
// The script must define a block_rule function taking one argument, a struct
// with the fields id, text, link, pinned and attachments:
//
//	def block_rule(item):
//	    return "giveaway" in item.text.lower()
type BlockRule struct {
	fn  *starlark.Function
	log *slog.Logger
}

// CompileRule executes the Starlark script src and extracts its block_rule
// function. Print calls in the script go to log.
func CompileRule(filename, src string, log *slog.Logger) (*BlockRule, error) {
	if log == nil {
		log = slog.Default()
	}
	thread := &starlark.Thread{
		Name:  "compile",
		Print: func(_ *starlark.Thread, msg string) { log.Info(msg, "rule", filename) },
	}
	globals, err := starlark.ExecFileOptions(&syntax.FileOptions{}, thread, filename, src, nil)
	if err != nil {
		return nil, err
	}
	fn, ok := globals["block_rule"].(*starlark.Function)
	if !ok {
		return nil, fmt.Errorf("%s: block_rule must be defined and be a function", filename)
	}
	if fn.NumParams() != 1 {
		return nil, fmt.Errorf("%s: block_rule must take exactly one argument, got %d", filename, fn.NumParams())
	}
	return &BlockRule{fn: fn, log: log}, nil
}

// Match reports whether the rule rejects item. Errors and non-boolean
// results are logged and treated as no match.
func (r *BlockRule) Match(item source.Item) bool {
	attachments := make([]starlark.Value, 0, len(item.Attachments))
	for _, a := range item.Attachments {
		attachments = append(attachments, starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"url":  starlark.String(a.URL),
			"kind": starlark.String(a.Kind),
		}))
	}

	val, err := starlark.Call(
		&starlark.Thread{
			Name:  "block_rule",
			Print: func(_ *starlark.Thread, msg string) { r.log.Info(msg, "id", item.ID) },
		},
		r.fn,
		starlark.Tuple{starlarkstruct.FromStringDict(
			starlarkstruct.Default,
			starlark.StringDict{
				"id":          starlark.MakeInt64(int64(item.ID)),
				"text":        starlark.String(item.Text),
				"link":        starlark.String(item.Link),
				"pinned":      starlark.Bool(item.Pinned),
				"attachments": starlark.NewList(attachments),
			},
		)},
		nil,
	)
	if err != nil {
		r.log.Warn("applying block rule", "id", item.ID, "error", err)
		return false
	}
	ret, ok := val.(starlark.Bool)
	if !ok {
		r.log.Warn("block rule returned non-boolean value", "id", item.ID, "type", val.Type())
		return false
	}
	return bool(ret)
}
