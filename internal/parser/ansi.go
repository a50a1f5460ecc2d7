package parser

import (
	"regexp"
	"strings"
)

// terminalEscapes matches the escape sequences a pseudo-terminal may
// inject into debugger output: CSI, OSC, DCS/PM/APC strings, charset and
// keypad selection, and any other two-byte ESC sequence.
var terminalEscapes = regexp.MustCompile(strings.Join([]string{
	`\x1b\[[0-?]*[ -/]*[@-~]`,
	`\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)`,
	`\x1b[P^_k][^\x1b]*\x1b\\`,
	`\x1b[()][0-9A-Za-z]`,
	`\x1b.`,
}, "|"))

// StripTerminal removes terminal escape sequences and control bytes from a
// single line of output. Backspace erases the preceding byte.
func StripTerminal(line string) string {
	line = terminalEscapes.ReplaceAllString(line, "")

	out := make([]byte, 0, len(line))
	for i := 0; i < len(line); i++ {
		ch := line[i]
		switch {
		case ch == '\b':
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		case ch == '\t':
			out = append(out, ch)
		case ch < 0x20 || ch == 0x7f:
		default:
			out = append(out, ch)
		}
	}
	return string(out)
}
