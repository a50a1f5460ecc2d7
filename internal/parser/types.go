package parser

type Kind string

const (
	KindConsole Kind = "console"
	KindNotify  Kind = "notify"
	KindResult  Kind = "result"
	KindError   Kind = "error"
)

// Event is one structured record decoded from a line of GDB/MI output.
//
// Payload values are string, []any or map[string]any, mirroring MI's
// c-string, list and tuple values. Token is 0 when the record carried none.
type Event struct {
	Kind    Kind
	Message string
	Payload map[string]any
	Token   int
	Text    string
}

// Field returns payload[key] when it is a string.
func (e Event) Field(key string) string {
	s, _ := e.Payload[key].(string)
	return s
}

// Has reports whether the payload carries key at all.
func (e Event) Has(key string) bool {
	_, ok := e.Payload[key]
	return ok
}
