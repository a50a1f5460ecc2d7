package parser

import (
	"regexp"
	"strconv"
	"strings"
)

var tokenPrefix = regexp.MustCompile(`^[0-9]+`)

const promptLine = "(gdb)"

// ParseLine converts one line of MI output into an Event. Stream records
// other than console output, the prompt and anything malformed yield false.
func ParseLine(line string) (Event, bool) {
	line = cleanLine(line)
	if line == "" || line == promptLine {
		return Event{}, false
	}

	token := 0
	if digits := tokenPrefix.FindString(line); digits != "" {
		n, err := strconv.Atoi(digits)
		if err != nil {
			return Event{}, false
		}
		token = n
		line = line[len(digits):]
		if line == "" {
			return Event{}, false
		}
	}

	switch line[0] {
	case '~':
		if token != 0 {
			return Event{}, false
		}
		return parseConsole(line[1:])
	case '*', '=':
		return parseRecord(KindNotify, token, line[1:])
	case '^':
		ev, ok := parseRecord(KindResult, token, line[1:])
		if !ok {
			return Event{}, false
		}
		switch {
		case ev.Has("stack"):
			ev.Message = "stack"
		case ev.Has("locals"):
			ev.Message = "locals"
		}
		return ev, true
	default:
		// '@' target output, '&' log output, '+' status records and
		// echoed input are dropped.
		return Event{}, false
	}
}

func parseConsole(rest string) (Event, bool) {
	s := &scanner{src: rest}
	text, err := s.cstring()
	if err != nil || !s.done() || text == "" {
		return Event{}, false
	}
	return Event{Kind: KindConsole, Text: text}, true
}

func parseRecord(kind Kind, token int, rest string) (Event, bool) {
	class, results, hasResults := strings.Cut(rest, ",")
	if class == "" || strings.ContainsAny(class, " \"{}[]=") {
		return Event{}, false
	}

	payload := map[string]any{}
	if hasResults {
		s := &scanner{src: results}
		parsed, err := s.results()
		if err != nil || !s.done() {
			return Event{}, false
		}
		payload = parsed
	}

	return Event{
		Kind:    kind,
		Message: class,
		Payload: payload,
		Token:   token,
	}, true
}

func cleanLine(line string) string {
	return strings.TrimSpace(StripTerminal(line))
}
