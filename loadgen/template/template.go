// Package template parses an "object description" file (§6) into a
// per-attribute field list and renders attribute values from it, including
// the object-scoped variable slots `A..H` described in §4.4.
package template

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/389ds/ldclt-nuncstans/loadgen/randfmt"
)

// Kind is the tagged-variant discriminator for a bracketed field
// specifier, modeling the original's switch-on-`how` dispatch as an
// exhaustive Go type switch (spec §9's redesign note for "dynamic field
// dispatch").
type Kind int

const (
	KindConstant Kind = iota
	KindIncrFromFile
	KindIncrFromFileNoLoop
	KindIncrN
	KindIncrNNoLoop
	KindRndFromFile
	KindRndN
	KindRndS
	KindVarRef
)

// howNames maps the object-file grammar's HOW tokens to Kind.
var howNames = map[string]Kind{
	"CONSTANT":           KindConstant,
	"INCRFROMFILE":       KindIncrFromFile,
	"INCRFROMFILENOLOOP": KindIncrFromFileNoLoop,
	"INCRN":              KindIncrN,
	"INCRNNOLOOP":        KindIncrNNoLoop,
	"RNDFROMFILE":        KindRndFromFile,
	"RNDN":               KindRndN,
	"RNDS":               KindRndS,
}

// Incrementer is satisfied by both a per-worker randfmt.Counter and a
// cross-worker counters.Common, letting a Field be oblivious to which mode
// produced its sequence, and letting a caller outside this package (the
// commoncounter wiring in cmd/ldclt) supply its own.
type Incrementer interface {
	Next() (int, bool)
}

// Segment is one piece of an attribute's value template: either literal
// text, or a dynamic field.
type Segment struct {
	Literal string // non-empty only if Field == nil
	Field   *Field
}

// Field is one bracketed specifier `[HOW(args)]`, `[VAR=HOW(args)]`, or
// `[VAR]`.
type Field struct {
	Kind Kind

	// numeric forms (INCRN*, RNDN): low;high;width
	Low, High, Width int

	// file forms (INCRFROMFILE*, RNDFROMFILE): the loaded data file
	DataFile *randfmt.DataFile

	// RNDS: requested length
	StrWidth int

	// constantText is CONSTANT's literal argument.
	constantText string

	// VarWrite is the slot this field writes its rendered value to
	// (`[VAR=HOW(...)]`); empty if none.
	VarWrite string
	// VarRead is set instead of Kind/args for a bare `[VAR]` reference.
	VarRead string

	counter Incrementer
}

// NoLoop reports whether this field's exhaustion should terminate the
// worker per §4.4.
func (f *Field) NoLoop() bool {
	return f.Kind == KindIncrFromFileNoLoop || f.Kind == KindIncrNNoLoop
}

// ErrNoLoopExhausted is returned by Render (wrapped with the attribute
// name) when a NOLOOP field's range is exhausted; the worker loop maps it
// to exit status OK.
var ErrNoLoopExhausted = fmt.Errorf("template: counter exhausted (noloop)")

// ErrUnwrittenVar is returned when a template references a variable slot
// `[VAR]` that no prior field in the same render wrote.
var ErrUnwrittenVar = fmt.Errorf("template: variable referenced before assignment")

// Attribute is one parsed `attrname: value-template` line.
type Attribute struct {
	Name     string
	Segments []Segment
}

// Object is a fully parsed object-description file: the attribute list,
// plus the designated RDN template if an `rdn:` line was present.
type Object struct {
	Attributes []Attribute
	RDN        *Attribute
}

// ParseOptions supplies the file-backed resources a template may
// reference: LoadDataFile is called once per distinct filename the first
// time it's referenced, so multiple fields can share one loaded file.
type ParseOptions struct {
	LoadDataFile func(path string) (*randfmt.DataFile, error)
	// CommonCounter, if non-nil, is consulted for every INCRN/INCRNNOLOOP
	// and INCRFROMFILE/INCRFROMFILENOLOOP field instead of giving it a
	// private per-field randfmt.Counter —
	// the `-e commoncounter` mode from §6.
	CommonCounter func(lo, hi int, noLoop bool) Incrementer
}

// Parse reads an object-description file per §6's grammar.
func Parse(r io.Reader, opts ParseOptions) (*Object, error) {
	obj := &Object{}
	dataFiles := map[string]*randfmt.DataFile{}

	loadFile := func(path string) (*randfmt.DataFile, error) {
		if df, ok := dataFiles[path]; ok {
			return df, nil
		}
		df, err := opts.LoadDataFile(path)
		if err != nil {
			return nil, err
		}
		dataFiles[path] = df
		return df, nil
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r\n")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			return nil, fmt.Errorf("template: line %d: missing ':': %q", lineNo, line)
		}
		name := strings.TrimSpace(line[:idx])
		valueTemplate := strings.TrimSpace(line[idx+1:])

		segs, err := parseValueTemplate(valueTemplate, loadFile, opts.CommonCounter)
		if err != nil {
			return nil, fmt.Errorf("template: line %d (%s): %w", lineNo, name, err)
		}
		attr := Attribute{Name: name, Segments: segs}
		if strings.EqualFold(name, "rdn") {
			a := attr
			obj.RDN = &a
			continue
		}
		obj.Attributes = append(obj.Attributes, attr)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("template: %w", err)
	}
	return obj, nil
}

func parseValueTemplate(s string, loadFile func(string) (*randfmt.DataFile, error), commonCounter func(int, int, bool) Incrementer) ([]Segment, error) {
	var segs []Segment
	for len(s) > 0 {
		open := strings.IndexByte(s, '[')
		if open < 0 {
			segs = append(segs, Segment{Literal: s})
			break
		}
		if open > 0 {
			segs = append(segs, Segment{Literal: s[:open]})
		}
		close := strings.IndexByte(s[open:], ']')
		if close < 0 {
			return nil, fmt.Errorf("unterminated '[' in %q", s)
		}
		close += open
		spec := s[open+1 : close]
		field, err := parseFieldSpec(spec, loadFile, commonCounter)
		if err != nil {
			return nil, err
		}
		segs = append(segs, Segment{Field: field})
		s = s[close+1:]
	}
	return segs, nil
}

func parseFieldSpec(spec string, loadFile func(string) (*randfmt.DataFile, error), commonCounter func(int, int, bool) Incrementer) (*Field, error) {
	if eq := strings.IndexByte(spec, '='); eq >= 0 && !strings.ContainsAny(spec[:eq], "(") {
		varName := strings.TrimSpace(spec[:eq])
		rest := spec[eq+1:]
		f, err := parseHowArgs(rest, loadFile, commonCounter)
		if err != nil {
			return nil, err
		}
		f.VarWrite = varName
		return f, nil
	}
	if !strings.Contains(spec, "(") {
		// bare [VAR] reference
		return &Field{Kind: KindVarRef, VarRead: strings.TrimSpace(spec)}, nil
	}
	return parseHowArgs(spec, loadFile, commonCounter)
}

func parseHowArgs(spec string, loadFile func(string) (*randfmt.DataFile, error), commonCounter func(int, int, bool) Incrementer) (*Field, error) {
	open := strings.IndexByte(spec, '(')
	if open < 0 || !strings.HasSuffix(spec, ")") {
		return nil, fmt.Errorf("malformed field specifier %q", spec)
	}
	how := strings.TrimSpace(spec[:open])
	args := spec[open+1 : len(spec)-1]

	kind, ok := howNames[how]
	if !ok {
		return nil, fmt.Errorf("unknown field kind %q", how)
	}

	f := &Field{Kind: kind}
	switch kind {
	case KindConstant:
		f.constantText = args
	case KindIncrFromFile, KindIncrFromFileNoLoop, KindRndFromFile:
		df, err := loadFile(strings.TrimSpace(args))
		if err != nil {
			return nil, err
		}
		f.DataFile = df
		if kind != KindRndFromFile {
			noLoop := kind == KindIncrFromFileNoLoop
			if commonCounter != nil {
				f.counter = commonCounter(0, df.Len()-1, noLoop)
			} else {
				f.counter = randfmt.NewCounter(0, df.Len()-1, noLoop)
			}
		}
	case KindIncrN, KindIncrNNoLoop:
		lo, hi, width, err := parseNumericArgs(args)
		if err != nil {
			return nil, err
		}
		f.Low, f.High, f.Width = lo, hi, width
		noLoop := kind == KindIncrNNoLoop
		if commonCounter != nil {
			f.counter = commonCounter(lo, hi, noLoop)
		} else {
			f.counter = randfmt.NewCounter(lo, hi, noLoop)
		}
	case KindRndN:
		lo, hi, width, err := parseNumericArgs(args)
		if err != nil {
			return nil, err
		}
		f.Low, f.High, f.Width = lo, hi, width
	case KindRndS:
		w, err := strconv.Atoi(strings.TrimSpace(args))
		if err != nil {
			return nil, fmt.Errorf("RNDS: bad width %q: %w", args, err)
		}
		f.StrWidth = w
	}
	return f, nil
}

func parseNumericArgs(args string) (lo, hi, width int, err error) {
	parts := strings.Split(args, ";")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("numeric field needs low;high;width, got %q", args)
	}
	lo, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, 0, fmt.Errorf("bad low %q: %w", parts[0], err)
	}
	hi, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, 0, fmt.Errorf("bad high %q: %w", parts[1], err)
	}
	width, err = strconv.Atoi(strings.TrimSpace(parts[2]))
	if err != nil {
		return 0, 0, 0, fmt.Errorf("bad width %q: %w", parts[2], err)
	}
	return lo, hi, width, nil
}

// Vars holds the per-render object-scoped variable slots `A..H`.
type Vars map[string]string

// Render evaluates every segment of attr in order, returning the
// concatenated rendering. vars persists variable writes across the
// attributes of a single entry (callers render every attribute of an
// Object against the same Vars instance).
func Render(attr *Attribute, vars Vars) (string, error) {
	var b strings.Builder
	for _, seg := range attr.Segments {
		if seg.Field == nil {
			b.WriteString(seg.Literal)
			continue
		}
		v, err := renderField(seg.Field, vars)
		if err != nil {
			return "", fmt.Errorf("attribute %s: %w", attr.Name, err)
		}
		b.WriteString(v)
	}
	return b.String(), nil
}

func renderField(f *Field, vars Vars) (string, error) {
	if f.Kind == KindVarRef {
		v, ok := vars[f.VarRead]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUnwrittenVar, f.VarRead)
		}
		return v, nil
	}

	var out string
	switch f.Kind {
	case KindConstant:
		out = f.constantText
	case KindIncrFromFile:
		idx, ok := f.counter.Next()
		if !ok {
			return "", fmt.Errorf("%w", ErrNoLoopExhausted)
		}
		out = f.DataFile.At(idx)
	case KindIncrFromFileNoLoop:
		idx, ok := f.counter.Next()
		if !ok {
			return "", fmt.Errorf("%w", ErrNoLoopExhausted)
		}
		out = f.DataFile.At(idx)
	case KindRndFromFile:
		out = f.DataFile.Random()
	case KindIncrN, KindIncrNNoLoop:
		v, ok := f.counter.Next()
		if !ok {
			return "", fmt.Errorf("%w", ErrNoLoopExhausted)
		}
		out = formatWidth(v, f.Width)
	case KindRndN:
		out = formatWidth(randfmt.Int(f.Low, f.High), f.Width)
	case KindRndS:
		out = randfmt.DNString(f.StrWidth)
	default:
		return "", fmt.Errorf("unhandled field kind %d", f.Kind)
	}

	if f.VarWrite != "" {
		vars[f.VarWrite] = out
	}
	return out, nil
}

func formatWidth(v, width int) string {
	if width <= 0 {
		return strconv.Itoa(v)
	}
	return fmt.Sprintf("%0*d", width, v)
}
