package registry

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"github.com/c360/jflux/errors"
)

// Filter is a parsed LDAP (RFC 1960) filter over registration properties.
// Attribute names match case-insensitively. Multi-valued properties
// (slices) match when any element matches.
type Filter interface {
	Match(props map[string]any) bool
	String() string
}

// ParseFilter parses an LDAP filter string such as
// "(&(objectClass=Sensor)(|(zone=a*)(priority>=3)))". Invalid input returns
// an error wrapping ErrInvalidFilter.
func ParseFilter(s string) (Filter, error) {
	p := &filterParser{in: []rune(s)}
	p.skipSpace()
	f, err := p.parse()
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %q: %v", errors.ErrInvalidFilter, s, err),
			"registry", "ParseFilter", "parse filter")
	}
	p.skipSpace()
	if !p.done() {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %q: trailing input at %d", errors.ErrInvalidFilter, s, p.pos),
			"registry", "ParseFilter", "parse filter")
	}
	return f, nil
}

// MustParseFilter is ParseFilter for filters known to be valid
func MustParseFilter(s string) Filter {
	f, err := ParseFilter(s)
	if err != nil {
		panic(err)
	}
	return f
}

type filterOp int

const (
	opEqual filterOp = iota
	opApprox
	opGreaterEq
	opLessEq
)

func (o filterOp) String() string {
	switch o {
	case opApprox:
		return "~="
	case opGreaterEq:
		return ">="
	case opLessEq:
		return "<="
	default:
		return "="
	}
}

type andFilter struct{ children []Filter }

func (f andFilter) Match(props map[string]any) bool {
	for _, c := range f.children {
		if !c.Match(props) {
			return false
		}
	}
	return true
}

func (f andFilter) String() string { return joinFilters("&", f.children) }

type orFilter struct{ children []Filter }

func (f orFilter) Match(props map[string]any) bool {
	for _, c := range f.children {
		if c.Match(props) {
			return true
		}
	}
	return false
}

func (f orFilter) String() string { return joinFilters("|", f.children) }

type notFilter struct{ child Filter }

func (f notFilter) Match(props map[string]any) bool { return !f.child.Match(props) }

func (f notFilter) String() string { return "(!" + f.child.String() + ")" }

func joinFilters(op string, children []Filter) string {
	var b strings.Builder
	b.WriteString("(")
	b.WriteString(op)
	for _, c := range children {
		b.WriteString(c.String())
	}
	b.WriteString(")")
	return b.String()
}

type presentFilter struct{ attr string }

func (f presentFilter) Match(props map[string]any) bool {
	_, ok := lookup(props, f.attr)
	return ok
}

func (f presentFilter) String() string { return "(" + f.attr + "=*)" }

type compareFilter struct {
	attr  string
	op    filterOp
	value string
}

func (f compareFilter) Match(props map[string]any) bool {
	v, ok := lookup(props, f.attr)
	if !ok {
		return false
	}
	return anyValue(v, func(item any) bool { return compare(item, f.op, f.value) })
}

func (f compareFilter) String() string {
	return "(" + f.attr + f.op.String() + EscapeValue(f.value) + ")"
}

// substringFilter matches initial*any*...*final. parts has len >= 2; the
// first and last entries may be empty.
type substringFilter struct {
	attr  string
	parts []string
}

func (f substringFilter) Match(props map[string]any) bool {
	v, ok := lookup(props, f.attr)
	if !ok {
		return false
	}
	return anyValue(v, func(item any) bool {
		s, ok := item.(string)
		if !ok {
			s = fmt.Sprint(item)
		}
		return matchSubstring(s, f.parts)
	})
}

func (f substringFilter) String() string {
	escaped := make([]string, len(f.parts))
	for i, p := range f.parts {
		escaped[i] = EscapeValue(p)
	}
	return "(" + f.attr + "=" + strings.Join(escaped, "*") + ")"
}

func matchSubstring(s string, parts []string) bool {
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	last := parts[len(parts)-1]
	for _, mid := range parts[1 : len(parts)-1] {
		if mid == "" {
			continue
		}
		i := strings.Index(s, mid)
		if i < 0 {
			return false
		}
		s = s[i+len(mid):]
	}
	return strings.HasSuffix(s, last)
}

// ValidateKey checks that key can be written as a filter attribute. Values
// are escaped by EscapeValue; attributes cannot be.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: empty attribute", errors.ErrInvalidFilter),
			"registry", "ValidateKey", "validate key")
	}
	if key != strings.TrimSpace(key) || strings.ContainsAny(key, "=~<>()*\\") {
		return errors.WrapInvalid(fmt.Errorf("%w: attribute %q has reserved characters", errors.ErrInvalidFilter, key),
			"registry", "ValidateKey", "validate key")
	}
	return nil
}

// EscapeValue escapes the characters with special meaning in filter values
func EscapeValue(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*':
			b.WriteString(`\2a`)
		case '(':
			b.WriteString(`\28`)
		case ')':
			b.WriteString(`\29`)
		case '\\':
			b.WriteString(`\5c`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func lookup(props map[string]any, attr string) (any, bool) {
	if v, ok := props[attr]; ok {
		return v, true
	}
	for k, v := range props {
		if strings.EqualFold(k, attr) {
			return v, true
		}
	}
	return nil, false
}

func anyValue(v any, fn func(any) bool) bool {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
		return fn(string(rv.Bytes()))
	}
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		for i := 0; i < rv.Len(); i++ {
			if fn(rv.Index(i).Interface()) {
				return true
			}
		}
		return false
	}
	return fn(v)
}

func compare(item any, op filterOp, value string) bool {
	switch v := item.(type) {
	case string:
		return compareStrings(v, op, value)
	case bool:
		b, err := strconv.ParseBool(strings.TrimSpace(value))
		return err == nil && (op == opEqual || op == opApprox) && b == v
	case int, int8, int16, int32, int64:
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return false
		}
		return compareOrdered(reflect.ValueOf(v).Int(), op, n)
	case uint, uint8, uint16, uint32, uint64:
		n, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return false
		}
		return compareOrdered(reflect.ValueOf(v).Uint(), op, n)
	case float32, float64:
		n, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return false
		}
		return compareOrdered(reflect.ValueOf(v).Float(), op, n)
	default:
		return compareStrings(fmt.Sprint(v), op, value)
	}
}

func compareStrings(v string, op filterOp, value string) bool {
	if op == opApprox {
		return normalizeApprox(v) == normalizeApprox(value)
	}
	return compareOrdered(v, op, value)
}

func compareOrdered[T int64 | uint64 | float64 | string](v T, op filterOp, target T) bool {
	switch op {
	case opGreaterEq:
		return v >= target
	case opLessEq:
		return v <= target
	default:
		return v == target
	}
}

func normalizeApprox(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, s)
}

type filterParser struct {
	in  []rune
	pos int
}

func (p *filterParser) done() bool { return p.pos >= len(p.in) }

func (p *filterParser) peek() rune {
	if p.done() {
		return 0
	}
	return p.in[p.pos]
}

func (p *filterParser) skipSpace() {
	for !p.done() && unicode.IsSpace(p.in[p.pos]) {
		p.pos++
	}
}

func (p *filterParser) expect(r rune) error {
	if p.peek() != r {
		if p.done() {
			return fmt.Errorf("expected %q at end of input", r)
		}
		return fmt.Errorf("expected %q at %d, found %q", r, p.pos, p.peek())
	}
	p.pos++
	return nil
}

func (p *filterParser) parse() (Filter, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}
	p.skipSpace()

	var f Filter
	var err error
	switch p.peek() {
	case '&':
		p.pos++
		var children []Filter
		children, err = p.parseList()
		f = andFilter{children: children}
	case '|':
		p.pos++
		var children []Filter
		children, err = p.parseList()
		f = orFilter{children: children}
	case '!':
		p.pos++
		p.skipSpace()
		var child Filter
		child, err = p.parse()
		f = notFilter{child: child}
	default:
		f, err = p.parseItem()
	}
	if err != nil {
		return nil, err
	}

	p.skipSpace()
	if err := p.expect(')'); err != nil {
		return nil, err
	}
	return f, nil
}

func (p *filterParser) parseList() ([]Filter, error) {
	var children []Filter
	for {
		p.skipSpace()
		if p.peek() != '(' {
			break
		}
		child, err := p.parse()
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	if len(children) == 0 {
		return nil, fmt.Errorf("empty filter list at %d", p.pos)
	}
	return children, nil
}

func (p *filterParser) parseItem() (Filter, error) {
	start := p.pos
	for !p.done() && !strings.ContainsRune("=~<>()", p.peek()) {
		p.pos++
	}
	attr := strings.TrimSpace(string(p.in[start:p.pos]))
	if attr == "" {
		return nil, fmt.Errorf("missing attribute at %d", start)
	}

	var op filterOp
	switch p.peek() {
	case '=':
		op = opEqual
		p.pos++
	case '~', '<', '>':
		c := p.peek()
		p.pos++
		if err := p.expect('='); err != nil {
			return nil, err
		}
		switch c {
		case '~':
			op = opApprox
		case '<':
			op = opLessEq
		default:
			op = opGreaterEq
		}
	default:
		return nil, fmt.Errorf("missing operator after %q", attr)
	}

	parts, wildcard, err := p.parseValue()
	if err != nil {
		return nil, err
	}

	if !wildcard {
		return compareFilter{attr: attr, op: op, value: parts[0]}, nil
	}
	if op != opEqual {
		return nil, fmt.Errorf("wildcard not allowed with %s", op)
	}
	if len(parts) == 2 && parts[0] == "" && parts[1] == "" {
		return presentFilter{attr: attr}, nil
	}
	return substringFilter{attr: attr, parts: parts}, nil
}

// parseValue reads up to the closing paren, splitting on unescaped '*'.
func (p *filterParser) parseValue() ([]string, bool, error) {
	var parts []string
	var cur strings.Builder
	wildcard := false

	for {
		if p.done() {
			return nil, false, fmt.Errorf("unterminated value")
		}
		r := p.peek()
		switch r {
		case ')':
			parts = append(parts, cur.String())
			return parts, wildcard, nil
		case '(':
			return nil, false, fmt.Errorf("unescaped '(' in value at %d", p.pos)
		case '*':
			wildcard = true
			parts = append(parts, cur.String())
			cur.Reset()
			p.pos++
		case '\\':
			p.pos++
			if p.done() {
				return nil, false, fmt.Errorf("dangling escape")
			}
			if p.pos+1 < len(p.in) && isHex(p.in[p.pos]) && isHex(p.in[p.pos+1]) {
				b, _ := strconv.ParseUint(string(p.in[p.pos:p.pos+2]), 16, 8)
				cur.WriteByte(byte(b))
				p.pos += 2
			} else {
				cur.WriteRune(p.in[p.pos])
				p.pos++
			}
		default:
			cur.WriteRune(r)
			p.pos++
		}
	}
}

func isHex(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}
