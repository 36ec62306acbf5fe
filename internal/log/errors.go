package log

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
)

// implemented by xerrors values
type (
	pcer    interface{ PC() uintptr }
	stacker interface{ StackPCs() []uintptr }
)

// errorKV is the set of fields attached to every Error call.
func errorKV(err error, withLinks bool, maxLinks int) []any {
	surface, root := errorTypes(err)
	kv := []any{"err", err, "error_type", surface, "cause_type", root}
	if chain := errorChain(err); len(chain) > 0 {
		kv = append(kv, "error_chain", chain)
	}
	if withLinks {
		kv = append(kv, "error_links", errorLinks(err, maxLinks))
	}
	return kv
}

func unwrapAll(err error) []error {
	var out []error
	for e := err; e != nil; e = errors.Unwrap(e) {
		out = append(out, e)
	}
	return out
}

// errorChain lists each distinct message down the Unwrap chain, then the members of a join.
func errorChain(err error) []string {
	var out []string
	push := func(msg string) {
		if len(out) == 0 || out[len(out)-1] != msg {
			out = append(out, msg)
		}
	}
	for _, e := range unwrapAll(err) {
		push(e.Error())
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range j.Unwrap() {
			push(e.Error())
		}
	}
	return out
}

// errorLinks gives each wrap layer with a known source position, the outermost always.
func errorLinks(err error, max int) []map[string]any {
	var links []map[string]any
	for depth, e := range unwrapAll(err) {
		if max > 0 && depth >= max {
			break
		}
		link := map[string]any{"msg": e.Error()}
		fn, file, line, ok := errorPosition(e)
		if ok {
			link["func"], link["file"], link["line"] = fn, file, line
		}
		if ok || depth == 0 {
			links = append(links, link)
		}
	}
	return links
}

func errorPosition(e error) (fn, file string, line int, ok bool) {
	switch v := e.(type) {
	case pcer:
		if pc := v.PC(); pc != 0 {
			fr, _ := runtime.CallersFrames([]uintptr{pc}).Next()
			return fr.Function, fr.File, fr.Line, true
		}
	case stacker:
		frames := runtime.CallersFrames(v.StackPCs())
		for {
			fr, more := frames.Next()
			if fr.Function != "" && !internalFrame(fr.Function) && !strings.Contains(fr.Function, "/internal/xerrors.") {
				return fr.Function, fr.File, fr.Line, true
			}
			if !more {
				break
			}
		}
	}
	return "", "", 0, false
}

// errorTypes names the first non-wrapper type in the chain and the innermost type.
func errorTypes(err error) (surface, root string) {
	if err == nil {
		return "", ""
	}
	chain := unwrapAll(err)
	for _, e := range chain {
		t := reflect.TypeOf(e)
		base := t
		for base.Kind() == reflect.Pointer {
			base = base.Elem()
		}
		if strings.Contains(base.PkgPath(), "/internal/xerrors") {
			continue
		}
		if base.PkgPath() == "fmt" && base.Name() == "wrapError" {
			continue
		}
		surface = t.String()
		break
	}
	if surface == "" {
		surface = fmt.Sprintf("%T", err)
	}
	return surface, fmt.Sprintf("%T", chain[len(chain)-1])
}

func internalFrame(fn string) bool {
	return strings.HasPrefix(fn, "runtime.") ||
		strings.HasPrefix(fn, "log/slog.") ||
		strings.Contains(fn, "/internal/log.")
}

// formatFrames renders "func\n\tfile:line" per frame, skipping leading logger
// frames and stopping once the runtime is reached.
func formatFrames(pcs []uintptr) string {
	var b strings.Builder
	started := false
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if strings.HasPrefix(fr.Function, "runtime.") {
			break
		}
		if !started && fr.Function != "" && !internalFrame(fr.Function) {
			started = true
		}
		if started {
			fmt.Fprintf(&b, "%s\n\t%s:%d\n", fr.Function, fr.File, fr.Line)
		}
		if !more {
			break
		}
	}
	return strings.TrimSpace(b.String())
}
