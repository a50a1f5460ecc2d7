package session

import (
	"fmt"

	"github.com/user/gdbrelay/internal/parser"
)

type Status string

const (
	StatusReady   Status = "Ready"
	StatusRunning Status = "Running"
	StatusPaused  Status = "Paused"
	StatusExited  Status = "Exited"
)

type effectKind int

const (
	effectSnapshot effectKind = iota
	effectSend
	effectLog
	effectWrite
)

// effect is one ordered consequence of handling an event.
type effect struct {
	kind    effectKind
	msg     Message
	level   string
	text    string
	command string
}

func snapshotEffect() effect { return effect{kind: effectSnapshot} }

func sendEffect(typ string, payload any) effect {
	return effect{kind: effectSend, msg: Message{Type: typ, Payload: payload}}
}

func logEffect(level, text string) effect {
	return effect{kind: effectLog, level: level, text: text}
}

func writeEffect(command string) effect {
	return effect{kind: effectWrite, command: command}
}

// State is the derived debugger state. It is owned by a single goroutine.
type State struct {
	Status    Status
	Location  *Location
	Stack     []any
	Variables []any
}

func NewState() *State {
	s := &State{}
	s.Reset()
	return s
}

// Reset returns to Ready with no location, stack or variables.
func (s *State) Reset() {
	s.Status = StatusReady
	s.clear()
}

func (s *State) clear() {
	s.Location = nil
	s.Stack = []any{}
	s.Variables = []any{}
}

func (s *State) Snapshot() Snapshot {
	snap := Snapshot{
		Status:    s.Status,
		Stack:     append([]any{}, s.Stack...),
		Variables: append([]any{}, s.Variables...),
	}
	if s.Location != nil {
		loc := *s.Location
		snap.Location = &loc
	}
	return snap
}

// Handle applies ev and returns the effects to carry out, in order.
// Unrecognized events yield no effects.
func (s *State) Handle(ev parser.Event) []effect {
	switch ev.Kind {
	case parser.KindConsole:
		return []effect{sendEffect(TypeConsole, ev.Text)}
	case parser.KindNotify:
		return s.handleNotify(ev)
	case parser.KindResult:
		return s.handleResult(ev)
	case parser.KindError:
		return errorEffects("Error: ", ev.Message)
	default:
		return nil
	}
}

func (s *State) handleNotify(ev parser.Event) []effect {
	switch ev.Message {
	case "running":
		s.Status = StatusRunning
		s.clear()
		return []effect{snapshotEffect(), logEffect(LevelInfo, "[Running]")}

	case "stopped":
		reason := ev.Field("reason")
		if reason == "exited-normally" || reason == "exited" {
			s.Status = StatusExited
			s.clear()
			return []effect{
				snapshotEffect(),
				logEffect(LevelInfo, "[Exited] Reason: "+reason),
			}
		}

		s.Status = StatusPaused
		if frame, ok := ev.Payload["frame"].(map[string]any); ok && len(frame) > 0 {
			s.Location = &Location{
				File: stringField(frame, "file"),
				Line: stringField(frame, "line"),
				Func: stringField(frame, "func"),
			}
		}
		text := "[Paused] " + reason
		if s.Location != nil {
			text += fmt.Sprintf(" at %s:%s", s.Location.File, s.Location.Line)
		}
		return append([]effect{snapshotEffect(), logEffect(LevelInfo, text)}, contextEffects()...)

	case "error":
		msg := ev.Field("msg")
		if msg == "" {
			msg = "Unknown Error"
		}
		return errorEffects("Error: ", msg)
	}
	return nil
}

func (s *State) handleResult(ev parser.Event) []effect {
	var out []effect

	switch ev.Token {
	case TokenStack:
		s.Stack = listField(ev.Payload, "stack")
		out = append(out, snapshotEffect())

	case TokenLocals:
		s.Variables = listField(ev.Payload, "locals")
		out = append(out, snapshotEffect())

	case TokenBreakInsert:
		if bkpt, ok := ev.Payload["bkpt"].(map[string]any); ok && len(bkpt) > 0 {
			file := stringField(bkpt, "fullname")
			if file == "" {
				file = stringField(bkpt, "file")
			}
			out = append(out, sendEffect(TypeBreakpointCreated, BreakpointCreated{
				ID:   stringField(bkpt, "number"),
				File: file,
				Line: stringField(bkpt, "line"),
			}))
		}

	case TokenVarCreate:
		out = append(out, sendEffect(TypeVarCreated, VarCreated{
			Name:     ev.Field("name"),
			NumChild: ev.Field("numchild"),
			Value:    ev.Field("value"),
			Type:     ev.Field("type"),
		}))

	case TokenVarListChildren:
		out = append(out, sendEffect(TypeVarChildren, VarChildren{
			Children: listField(ev.Payload, "children"),
		}))

	case TokenReadMemory:
		out = append(out, sendEffect(TypeMemoryRead, readMemory(ev.Payload)))
	}

	if msg := ev.Field("msg"); msg != "" && !ev.Has("bkpt") && !ev.Has("name") && !ev.Has("children") {
		out = append(out, errorEffects("GDB Error: ", msg)...)
	} else if ev.Message == "error" && msg == "" {
		out = append(out, errorEffects("Error: ", "Unknown Error")...)
	}
	return out
}

func readMemory(payload map[string]any) MemoryRead {
	out := MemoryRead{Address: "0x0"}
	chunks := listField(payload, "memory")
	for i, c := range chunks {
		chunk, ok := c.(map[string]any)
		if !ok {
			continue
		}
		if i == 0 {
			if begin := stringField(chunk, "begin"); begin != "" {
				out.Address = begin
			}
		}
		out.Contents += stringField(chunk, "contents")
	}
	return out
}

// errorEffects logs at error level then emits an error message. Status is
// left untouched.
func errorEffects(prefix, msg string) []effect {
	return []effect{
		logEffect(LevelError, prefix+msg),
		sendEffect(TypeError, msg),
	}
}

func contextEffects() []effect {
	out := make([]effect, 0, len(contextCommands))
	for _, cmd := range contextCommands {
		out = append(out, writeEffect(cmd))
	}
	return out
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func listField(m map[string]any, key string) []any {
	switch v := m[key].(type) {
	case []any:
		if v == nil {
			return []any{}
		}
		return v
	case map[string]any:
		return []any{v}
	default:
		return []any{}
	}
}
