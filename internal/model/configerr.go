package model

import (
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// ConfigError is one offending field of a configuration file.
type ConfigError struct {
	Path    string // schedule.misfire.policy
	Code    string // unknown_field | invalid_value | missing_required
	Message string
	File    string
	Line    int
	Column  int
}

func (e ConfigError) Attr() slog.Attr {
	return slog.GroupAttrs("config",
		slog.String("code", e.Code),
		slog.String("path", e.Path),
		slog.String("file", e.File),
		slog.Int("line", e.Line),
		slog.Int("column", e.Column),
	)
}

const durationHint = "a duration in seconds (300), Go notation (5m30s) or ISO-8601 (PT5M)"

// hints describe the accepted values of a field by its name.
var hints = map[string]string{
	"interval":       durationHint,
	"timeout":        durationHint,
	"stagger":        durationHint,
	"stop_timeout":   durationHint,
	"grace":          durationHint,
	"action_timeout": durationHint,
	"cron":           "a non-empty five field cron expression",
	"port":           "a port between 1 and 65535",
	"retention_days": "a number of days, at least 1",
	"remote_url":     "a ws://, wss://, http:// or https:// url",
	"extensions":     "a list of extensions like .sh",
	"interpreters":   "a map of extension to command, like .py: [python3]",
	"version":        "0",
	"headless":       "true or false",
	"verbose":        "true or false",
	"disabled":       "true or false",
}

// ConfigErrors splits a LoadConfig error into one ConfigError per offending
// position of the file.
func ConfigErrors(err error) []ConfigError {
	if err == nil {
		return nil
	}
	type key struct {
		file         string
		line, column int
	}
	seen := make(map[key]struct{})
	var out []ConfigError
	for _, e := range cueerrors.Errors(err) {
		ce := ConfigError{Path: fieldPath(e.Path())}
		for _, p := range cueerrors.Positions(e) {
			if p.Filename() == "" {
				continue
			}
			// prefer the config file over the schema side of a conflict
			if ce.File == "" || strings.HasSuffix(ce.File, ".cue") {
				ce.File, ce.Line, ce.Column = p.Filename(), p.Line(), p.Column()
			}
		}
		if ce.File == "" {
			continue
		}
		k := key{ce.File, ce.Line, ce.Column}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}

		format, args := e.Msg()
		ce.Code, ce.Message = explain(ce.Path, fmt.Sprintf(format, args...))
		out = append(out, ce)
	}
	return out
}

// fieldPath drops the #Config definition and list indexes.
func fieldPath(p []string) string {
	p = slices.DeleteFunc(slices.Clone(p), func(s string) bool {
		_, err := strconv.Atoi(s)
		return strings.HasPrefix(s, "#") || err == nil
	})
	return strings.Join(p, ".")
}

func explain(path, raw string) (code, msg string) {
	if strings.Contains(raw, "not allowed") {
		parent, field := splitPath(path)
		msg = fmt.Sprintf("unknown field %s", field)
		if known := fields(parent); len(known) > 0 {
			msg += fmt.Sprintf(", expected one of %s", strings.Join(known, ", "))
		}
		return "unknown_field", msg
	}
	if strings.Contains(raw, "incomplete value") {
		return "missing_required", fmt.Sprintf("%s is required", path)
	}

	_, field := splitPath(path)
	if values, dflt := choices(path); len(values) > 1 {
		msg = fmt.Sprintf("%s must be one of %s", path, strings.Join(values, ", "))
		if dflt != "" {
			msg += fmt.Sprintf(" (default %s)", dflt)
		}
		return "invalid_value", msg
	}
	if hint, ok := hints[field]; ok {
		return "invalid_value", fmt.Sprintf("%s must be %s", path, hint)
	}
	return "invalid_value", fmt.Sprintf("%s: %s", path, raw)
}

func splitPath(path string) (parent, field string) {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return path[:i], path[i+1:]
	}
	return "", path
}

// lookup resolves path in the schema, job names resolve to #Job.
func lookup(path string) cue.Value {
	v := schema
	if path == "" {
		return v
	}
	for _, name := range strings.Split(path, ".") {
		next := v.LookupPath(cue.MakePath(cue.Str(name)))
		if !next.Exists() {
			next = v.LookupPath(cue.MakePath(cue.AnyString))
		}
		v = next
	}
	return v
}

func fields(path string) []string {
	it, err := lookup(path).Fields(cue.Optional(true))
	if err != nil {
		return nil
	}
	var names []string
	for it.Next() {
		names = append(names, it.Selector().Unquoted())
	}
	return names
}

// choices lists the string values of an enum field like
// schedule.misfire.policy.
func choices(path string) (values []string, dflt string) {
	v := lookup(path)
	if d, ok := v.Default(); ok {
		dflt, _ = d.String()
	}
	op, args := v.Expr()
	if op != cue.OrOp {
		return nil, ""
	}
	for _, a := range args {
		if s, err := a.String(); err == nil && !slices.Contains(values, s) {
			values = append(values, s)
		}
	}
	// a default next to a constrained string is no enum
	if len(values) != len(args) {
		return nil, ""
	}
	return values, dflt
}
