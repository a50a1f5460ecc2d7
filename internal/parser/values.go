package parser

import (
	"errors"
	"fmt"
	"strings"
)

var errUnexpectedEnd = errors.New("unexpected end of record")

// scanner is a recursive-descent reader for MI result lists:
//
//	result := variable "=" value
//	value  := c-string | tuple | list
//	tuple  := "{}" | "{" result ( "," result )* "}"
//	list   := "[]" | "[" value ( "," value )* "]" | "[" result ( "," result )* "]"
type scanner struct {
	src string
	pos int
}

func (s *scanner) done() bool { return s.pos >= len(s.src) }

func (s *scanner) peek() (byte, bool) {
	if s.done() {
		return 0, false
	}
	return s.src[s.pos], true
}

func (s *scanner) expect(ch byte) error {
	c, ok := s.peek()
	if !ok {
		return errUnexpectedEnd
	}
	if c != ch {
		return fmt.Errorf("expected %q at %d, got %q", ch, s.pos, c)
	}
	s.pos++
	return nil
}

// results reads result ("," result)* up to the end of input or a closing
// bracket. A name that repeats collects its values into a list.
func (s *scanner) results() (map[string]any, error) {
	out := map[string]any{}
	for {
		name, value, err := s.result()
		if err != nil {
			return nil, err
		}
		addResult(out, name, value)

		c, ok := s.peek()
		if !ok || c == '}' || c == ']' {
			return out, nil
		}
		if err := s.expect(','); err != nil {
			return nil, err
		}
	}
}

func addResult(out map[string]any, name string, value any) {
	prev, exists := out[name]
	if !exists {
		out[name] = value
		return
	}
	if list, ok := prev.([]any); ok {
		out[name] = append(list, value)
		return
	}
	out[name] = []any{prev, value}
}

func (s *scanner) result() (string, any, error) {
	start := s.pos
	for !s.done() && s.src[s.pos] != '=' {
		if strings.IndexByte(",{}[]\"", s.src[s.pos]) >= 0 {
			return "", nil, fmt.Errorf("invalid variable name at %d", start)
		}
		s.pos++
	}
	name := s.src[start:s.pos]
	if name == "" {
		return "", nil, fmt.Errorf("empty variable name at %d", start)
	}
	if err := s.expect('='); err != nil {
		return "", nil, err
	}
	value, err := s.value()
	if err != nil {
		return "", nil, err
	}
	return name, value, nil
}

func (s *scanner) value() (any, error) {
	c, ok := s.peek()
	if !ok {
		return nil, errUnexpectedEnd
	}
	switch c {
	case '"':
		return s.cstring()
	case '{':
		return s.tuple()
	case '[':
		return s.list()
	default:
		return nil, fmt.Errorf("unexpected %q at %d", c, s.pos)
	}
}

func (s *scanner) tuple() (any, error) {
	if err := s.expect('{'); err != nil {
		return nil, err
	}
	if c, ok := s.peek(); ok && c == '}' {
		s.pos++
		return map[string]any{}, nil
	}
	out, err := s.results()
	if err != nil {
		return nil, err
	}
	if err := s.expect('}'); err != nil {
		return nil, err
	}
	return out, nil
}

// list keeps only the values of a result list, so stack=[frame={..},frame={..}]
// becomes a slice of frame tuples.
func (s *scanner) list() (any, error) {
	if err := s.expect('['); err != nil {
		return nil, err
	}
	out := []any{}
	if c, ok := s.peek(); ok && c == ']' {
		s.pos++
		return out, nil
	}
	for {
		c, ok := s.peek()
		if !ok {
			return nil, errUnexpectedEnd
		}
		var (
			v   any
			err error
		)
		if c == '"' || c == '{' || c == '[' {
			v, err = s.value()
		} else {
			_, v, err = s.result()
		}
		if err != nil {
			return nil, err
		}
		out = append(out, v)

		c, ok = s.peek()
		if !ok {
			return nil, errUnexpectedEnd
		}
		if c == ']' {
			s.pos++
			return out, nil
		}
		if err := s.expect(','); err != nil {
			return nil, err
		}
	}
}

// cstring reads a double-quoted C string, decoding escapes. Octal escapes
// are raw bytes; invalid UTF-8 in the result is replaced.
func (s *scanner) cstring() (string, error) {
	if err := s.expect('"'); err != nil {
		return "", err
	}
	var buf []byte
	for {
		if s.done() {
			return "", errUnexpectedEnd
		}
		c := s.src[s.pos]
		s.pos++
		switch c {
		case '"':
			return strings.ToValidUTF8(string(buf), "�"), nil
		case '\\':
			if s.done() {
				return "", errUnexpectedEnd
			}
			e := s.src[s.pos]
			s.pos++
			switch e {
			case 'n':
				buf = append(buf, '\n')
			case 't':
				buf = append(buf, '\t')
			case 'r':
				buf = append(buf, '\r')
			case 'a':
				buf = append(buf, '\a')
			case 'b':
				buf = append(buf, '\b')
			case 'f':
				buf = append(buf, '\f')
			case 'v':
				buf = append(buf, '\v')
			case 'e':
				buf = append(buf, 0x1b)
			case '0', '1', '2', '3', '4', '5', '6', '7':
				n := int(e - '0')
				for i := 0; i < 2 && !s.done(); i++ {
					d := s.src[s.pos]
					if d < '0' || d > '7' {
						break
					}
					n = n*8 + int(d-'0')
					s.pos++
				}
				buf = append(buf, byte(n))
			default:
				buf = append(buf, e)
			}
		default:
			buf = append(buf, c)
		}
	}
}
