// Copyright 2025 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynmigrate

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/shopspring/decimal"
)

// opCode enumerates the transformation operations a substitution may apply.
// The set is closed; arity and argument types are validated at parse time so
// evaluation only ever fails on data-dependent conditions.
type opCode int

const (
	opNone opCode = iota

	// string operations
	opUpper
	opLower
	opTitle
	opStrip
	opReplace
	opSplit
	opJoin
	opSubstring
	opPadLeft
	opPadRight

	// number operations
	opAdd
	opSubtract
	opMultiply
	opDivide
	opRoundTo
	opAbsValue
	opPower
	opSqrt
	opFloor
	opCeil
	opMod
)

type argKind int

const (
	argString argKind = iota
	argInt
	argChar   // single character
	argNumber // decimal
)

type opInfo struct {
	name    string
	numeric bool
	args    []argKind
}

var opTable = map[string]opCode{
	"upper":     opUpper,
	"lower":     opLower,
	"title":     opTitle,
	"strip":     opStrip,
	"replace":   opReplace,
	"split":     opSplit,
	"join":      opJoin,
	"substring": opSubstring,
	"pad_left":  opPadLeft,
	"pad_right": opPadRight,
	"add":       opAdd,
	"subtract":  opSubtract,
	"multiply":  opMultiply,
	"divide":    opDivide,
	"round_to":  opRoundTo,
	"abs_value": opAbsValue,
	"power":     opPower,
	"sqrt":      opSqrt,
	"floor":     opFloor,
	"ceil":      opCeil,
	"mod":       opMod,
}

var opInfos = map[opCode]opInfo{
	opUpper:     {name: "upper"},
	opLower:     {name: "lower"},
	opTitle:     {name: "title"},
	opStrip:     {name: "strip"},
	opReplace:   {name: "replace", args: []argKind{argString, argString}},
	opSplit:     {name: "split", args: []argKind{argString}},
	opJoin:      {name: "join", args: []argKind{argString}},
	opSubstring: {name: "substring", args: []argKind{argInt, argInt}},
	opPadLeft:   {name: "pad_left", args: []argKind{argInt, argChar}},
	opPadRight:  {name: "pad_right", args: []argKind{argInt, argChar}},
	opAdd:       {name: "add", numeric: true, args: []argKind{argNumber}},
	opSubtract:  {name: "subtract", numeric: true, args: []argKind{argNumber}},
	opMultiply:  {name: "multiply", numeric: true, args: []argKind{argNumber}},
	opDivide:    {name: "divide", numeric: true, args: []argKind{argNumber}},
	opRoundTo:   {name: "round_to", numeric: true, args: []argKind{argInt}},
	opAbsValue:  {name: "abs_value", numeric: true},
	opPower:     {name: "power", numeric: true, args: []argKind{argNumber}},
	opSqrt:      {name: "sqrt", numeric: true},
	opFloor:     {name: "floor", numeric: true},
	opCeil:      {name: "ceil", numeric: true},
	opMod:       {name: "mod", numeric: true, args: []argKind{argNumber}},
}

// substitution is one `{field [op args...]}` token of a template.
type substitution struct {
	field string
	op    opCode
	raw   []string // argument text as written, kept for String

	// arguments decoded at parse time
	strs [2]string
	ints [2]int
	num  decimal.Decimal
}

type segment struct {
	literal string // used when sub is nil
	sub     *substitution
}

// Template is the parsed form of one target field's mapping specification:
// literal text interleaved with `{field [op args...]}` substitutions.
type Template struct {
	spec     string
	segments []segment
}

// ParseTemplate parses a mapping specification.  It returns a *SyntaxError
// for unbalanced braces, empty field names, unknown operations or operation
// arguments of the wrong count or type.
func ParseTemplate(spec string) (*Template, error) {
	t := &Template{spec: spec}
	rest := spec
	for len(rest) > 0 {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			if strings.IndexByte(rest, '}') >= 0 {
				return nil, &SyntaxError{Spec: spec, Reason: "unbalanced '}'"}
			}
			t.segments = append(t.segments, segment{literal: rest})
			break
		}
		if lit := rest[:open]; lit != "" {
			if strings.IndexByte(lit, '}') >= 0 {
				return nil, &SyntaxError{Spec: spec, Reason: "unbalanced '}'"}
			}
			t.segments = append(t.segments, segment{literal: lit})
		}
		rest = rest[open+1:]
		end := strings.IndexByte(rest, '}')
		if end < 0 {
			return nil, &SyntaxError{Spec: spec, Reason: "unbalanced '{'"}
		}
		inner := rest[:end]
		if strings.IndexByte(inner, '{') >= 0 {
			return nil, &SyntaxError{Spec: spec, Reason: "nested '{'"}
		}
		sub, err := parseSubstitution(spec, inner)
		if err != nil {
			return nil, err
		}
		t.segments = append(t.segments, segment{sub: sub})
		rest = rest[end+1:]
	}
	return t, nil
}

func parseSubstitution(spec, inner string) (*substitution, error) {
	fields := strings.Fields(inner)
	if len(fields) == 0 {
		return nil, &SyntaxError{Spec: spec, Reason: "empty field name"}
	}
	sub := &substitution{field: fields[0], op: opNone}
	if len(fields) == 1 {
		return sub, nil
	}

	opName := fields[1]
	op, ok := opTable[opName]
	if !ok {
		return nil, &SyntaxError{Spec: spec, Reason: fmt.Sprintf("unknown operation %q", opName)}
	}
	sub.op = op
	sub.raw = fields[2:]

	info := opInfos[op]
	if len(sub.raw) != len(info.args) {
		return nil, &SyntaxError{
			Spec: spec,
			Reason: fmt.Sprintf("operation %q requires %d argument(s), got %d",
				opName, len(info.args), len(sub.raw)),
		}
	}

	var stri, inti int
	for i, kind := range info.args {
		arg := sub.raw[i]
		switch kind {
		case argString:
			sub.strs[stri] = arg
			stri++
		case argChar:
			if len([]rune(arg)) != 1 {
				return nil, &SyntaxError{
					Spec:   spec,
					Reason: fmt.Sprintf("operation %q requires a single pad character, got %q", opName, arg),
				}
			}
			sub.strs[stri] = arg
			stri++
		case argInt:
			n, err := strconv.Atoi(arg)
			if err != nil || n < 0 {
				return nil, &SyntaxError{
					Spec:   spec,
					Reason: fmt.Sprintf("operation %q requires a non-negative integer argument, got %q", opName, arg),
				}
			}
			sub.ints[inti] = n
			inti++
		case argNumber:
			d, err := decimal.NewFromString(arg)
			if err != nil {
				return nil, &SyntaxError{
					Spec:   spec,
					Reason: fmt.Sprintf("operation %q requires a numeric argument, got %q", opName, arg),
				}
			}
			sub.num = d
		}
	}

	if op == opSubstring && sub.ints[1] < sub.ints[0] {
		return nil, &SyntaxError{Spec: spec, Reason: "substring end precedes start"}
	}
	return sub, nil
}

// String re-serializes the template to its specification form.  Parsing the
// result yields an equivalent template.
func (t *Template) String() string {
	var b strings.Builder
	for _, seg := range t.segments {
		if seg.sub == nil {
			b.WriteString(seg.literal)
			continue
		}
		b.WriteByte('{')
		b.WriteString(seg.sub.field)
		if seg.sub.op != opNone {
			b.WriteByte(' ')
			b.WriteString(opInfos[seg.sub.op].name)
			for _, arg := range seg.sub.raw {
				b.WriteByte(' ')
				b.WriteString(arg)
			}
		}
		b.WriteByte('}')
	}
	return b.String()
}

// Eval evaluates the template against a source record.  A template that is
// exactly one substitution preserves the typed value end to end; any
// surrounding literal text coerces every substitution to text and returns a
// string value.
//
// A reference to an absent field evaluates to null rather than failing.
// Data-dependent failures (non-numeric operand, division by zero, negative
// sqrt) return a *EvalError.
func (t *Template) Eval(item Record) (*dynamodb.AttributeValue, error) {
	if len(t.segments) == 1 && t.segments[0].sub != nil {
		return t.segments[0].sub.eval(item)
	}

	var b strings.Builder
	for _, seg := range t.segments {
		if seg.sub == nil {
			b.WriteString(seg.literal)
			continue
		}
		av, err := seg.sub.eval(item)
		if err != nil {
			return nil, err
		}
		b.WriteString(coerceString(av))
	}
	return &dynamodb.AttributeValue{S: aws.String(b.String())}, nil
}

var nullValue = &dynamodb.AttributeValue{NULL: aws.Bool(true)}

func (s *substitution) eval(item Record) (*dynamodb.AttributeValue, error) {
	value, ok := item[s.field]
	if !ok || value == nil || aws.BoolValue(value.NULL) {
		return nullValue, nil
	}
	if s.op == opNone {
		return value, nil
	}
	if opInfos[s.op].numeric {
		return s.evalNumber(value)
	}
	return s.evalString(value)
}

func (s *substitution) evalString(value *dynamodb.AttributeValue) (*dynamodb.AttributeValue, error) {
	str := coerceString(value)

	switch s.op {
	case opUpper:
		str = strings.ToUpper(str)
	case opLower:
		str = strings.ToLower(str)
	case opTitle:
		str = titleCase(str)
	case opStrip:
		str = strings.TrimSpace(str)
	case opReplace:
		str = strings.ReplaceAll(str, s.strs[0], s.strs[1])
	case opSplit:
		parts := strings.Split(str, s.strs[0])
		list := make([]*dynamodb.AttributeValue, len(parts))
		for i, p := range parts {
			list[i] = &dynamodb.AttributeValue{S: aws.String(p)}
		}
		return &dynamodb.AttributeValue{L: list}, nil
	case opJoin:
		parts, err := listElems(s.field, value)
		if err != nil {
			return nil, err
		}
		str = strings.Join(parts, s.strs[0])
	case opSubstring:
		r := []rune(str)
		start, end := s.ints[0], s.ints[1]
		if start > len(r) {
			start = len(r)
		}
		if end > len(r) {
			end = len(r)
		}
		str = string(r[start:end])
	case opPadLeft:
		if n := s.ints[0] - len([]rune(str)); n > 0 {
			str = strings.Repeat(s.strs[0], n) + str
		}
	case opPadRight:
		if n := s.ints[0] - len([]rune(str)); n > 0 {
			str += strings.Repeat(s.strs[0], n)
		}
	}
	return &dynamodb.AttributeValue{S: aws.String(str)}, nil
}

func (s *substitution) evalNumber(value *dynamodb.AttributeValue) (*dynamodb.AttributeValue, error) {
	d, err := numericOperand(s.field, value)
	if err != nil {
		return nil, err
	}

	switch s.op {
	case opAdd:
		d = d.Add(s.num)
	case opSubtract:
		d = d.Sub(s.num)
	case opMultiply:
		d = d.Mul(s.num)
	case opDivide:
		if s.num.IsZero() {
			return nil, &EvalError{Field: s.field, Reason: "division by zero"}
		}
		// Div pads its result to DivisionPrecision; drop the zero tail so
		// an exact quotient renders without one
		d = trimScale(d.Div(s.num))
	case opRoundTo:
		d = d.Round(int32(s.ints[0]))
	case opAbsValue:
		d = d.Abs()
	case opPower:
		if s.num.IsInteger() {
			d = d.Pow(s.num)
			break
		}
		f, _ := d.Float64()
		e, _ := s.num.Float64()
		r := math.Pow(f, e)
		if math.IsNaN(r) || math.IsInf(r, 0) {
			return nil, &EvalError{Field: s.field, Reason: fmt.Sprintf("cannot raise %s to power %s", d, s.num)}
		}
		d = decimal.NewFromFloat(r)
	case opSqrt:
		if d.IsNegative() {
			return nil, &EvalError{Field: s.field, Reason: "square root of negative number"}
		}
		f, _ := d.Float64()
		d = decimal.NewFromFloat(math.Sqrt(f))
	case opFloor:
		d = d.Floor()
	case opCeil:
		d = d.Ceil()
	case opMod:
		if s.num.IsZero() {
			return nil, &EvalError{Field: s.field, Reason: "modulo by zero"}
		}
		d = d.Mod(s.num)
	}
	return &dynamodb.AttributeValue{N: aws.String(renderNumber(d))}, nil
}

// renderNumber formats a result at its arithmetic scale; Decimal.String
// trims trailing zeros, which would turn 100 multiplied by 1.1 into "110"
// instead of "110.0".
func renderNumber(d decimal.Decimal) string {
	if exp := d.Exponent(); exp < 0 {
		return d.StringFixed(-exp)
	}
	return d.String()
}

// trimScale re-parses a decimal at its shortest exact representation.
func trimScale(d decimal.Decimal) decimal.Decimal {
	t, err := decimal.NewFromString(d.String())
	if err != nil {
		return d
	}
	return t
}

// listElems renders the elements of a list or string-set value as text for
// the join operation.
func listElems(field string, value *dynamodb.AttributeValue) ([]string, error) {
	switch {
	case value.L != nil:
		parts := make([]string, len(value.L))
		for i, v := range value.L {
			parts[i] = coerceString(v)
		}
		return parts, nil
	case value.SS != nil:
		return aws.StringValueSlice(value.SS), nil
	}
	return nil, &EvalError{Field: field, Reason: "value is not a list"}
}

func numericOperand(field string, value *dynamodb.AttributeValue) (decimal.Decimal, error) {
	var text string
	switch {
	case value.N != nil:
		text = *value.N
	case value.S != nil:
		text = *value.S
	default:
		return decimal.Zero, &EvalError{Field: field, Reason: "value is not numeric"}
	}
	d, err := decimal.NewFromString(strings.TrimSpace(text))
	if err != nil {
		return decimal.Zero, &EvalError{Field: field, Reason: fmt.Sprintf("value %q is not numeric", text)}
	}
	return d, nil
}

// coerceString renders an attribute value as text for concatenation and for
// the string operation family.  Numbers keep their canonical decimal form,
// booleans become "true"/"false" and null becomes "null"; composite values
// render as JSON.
func coerceString(av *dynamodb.AttributeValue) string {
	switch {
	case av == nil || aws.BoolValue(av.NULL):
		return "null"
	case av.S != nil:
		return *av.S
	case av.N != nil:
		return *av.N
	case av.BOOL != nil:
		if *av.BOOL {
			return "true"
		}
		return "false"
	case av.B != nil:
		return base64.StdEncoding.EncodeToString(av.B)
	default:
		b, err := json.Marshal(nativeValue(av))
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// nativeValue converts an attribute value to plain Go values for JSON
// rendering of lists, maps and sets.
func nativeValue(av *dynamodb.AttributeValue) interface{} {
	switch {
	case av == nil || aws.BoolValue(av.NULL):
		return nil
	case av.S != nil:
		return *av.S
	case av.N != nil:
		return json.Number(*av.N)
	case av.BOOL != nil:
		return *av.BOOL
	case av.B != nil:
		return base64.StdEncoding.EncodeToString(av.B)
	case av.L != nil:
		out := make([]interface{}, len(av.L))
		for i, v := range av.L {
			out[i] = nativeValue(v)
		}
		return out
	case av.M != nil:
		out := make(map[string]interface{}, len(av.M))
		for k, v := range av.M {
			out[k] = nativeValue(v)
		}
		return out
	case av.SS != nil:
		return aws.StringValueSlice(av.SS)
	case av.NS != nil:
		out := make([]json.Number, len(av.NS))
		for i, v := range av.NS {
			out[i] = json.Number(aws.StringValue(v))
		}
		return out
	case av.BS != nil:
		out := make([]string, len(av.BS))
		for i, v := range av.BS {
			out[i] = base64.StdEncoding.EncodeToString(v)
		}
		return out
	}
	return nil
}

func titleCase(s string) string {
	var b strings.Builder
	prevLetter := false
	for _, r := range s {
		switch {
		case !prevLetter && isLetter(r):
			b.WriteString(strings.ToUpper(string(r)))
			prevLetter = true
		case isLetter(r):
			b.WriteString(strings.ToLower(string(r)))
		default:
			b.WriteRune(r)
			prevLetter = false
		}
	}
	return b.String()
}

func isLetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

// CompileMapping parses every specification of a column mapping.  Parsing
// happens once per run; the compiled templates are reused for every record.
func CompileMapping(mapping map[string]string) (map[string]*Template, error) {
	compiled := make(map[string]*Template, len(mapping))
	for target, spec := range mapping {
		t, err := ParseTemplate(spec)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", target, err)
		}
		compiled[target] = t
	}
	return compiled, nil
}
