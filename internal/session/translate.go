package session

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Reserved tokens. A token names a command kind, not a request, so two
// overlapping requests of the same kind cannot be told apart.
const (
	TokenStack           = 101
	TokenLocals          = 102
	TokenBreakInsert     = 201
	TokenVarCreate       = 301
	TokenVarListChildren = 302
	TokenReadMemory      = 401
)

const defaultMemoryCount = 256

var contextCommands = []string{
	fmt.Sprintf("%d-stack-list-frames", TokenStack),
	fmt.Sprintf("%d-stack-list-locals --simple-values", TokenLocals),
}

type CommandKind int

const (
	// CommandWrite writes Lines to the debugger.
	CommandWrite CommandKind = iota
	// CommandInit (re)starts the debugger for Executable.
	CommandInit
	// CommandStop stops the debugger and resets status to Ready.
	CommandStop
)

type Command struct {
	Kind       CommandKind
	Lines      []string
	Executable string
}

// Translate maps a client action to what the session must do. Unknown
// actions are forwarded verbatim.
func Translate(action string, args map[string]any) Command {
	switch action {
	case "init":
		return Command{Kind: CommandInit, Executable: argString(args, "executable")}
	case "stop":
		return Command{Kind: CommandStop}
	case "get_context":
		return Command{Kind: CommandWrite, Lines: append([]string{}, contextCommands...)}
	}
	return Command{Kind: CommandWrite, Lines: []string{translateLine(action, args)}}
}

func translateLine(action string, args map[string]any) string {
	switch action {
	case "run":
		if argBool(args, "stop_at_entry") {
			return "-exec-run --start"
		}
		return "-exec-run"
	case "next":
		return "-exec-next"
	case "step":
		return "-exec-step"
	case "continue":
		return "-exec-continue"
	case "break":
		return fmt.Sprintf("%d-break-insert %s", TokenBreakInsert, argString(args, "location"))
	case "remove_breakpoint":
		return "-break-delete " + argString(args, "id")
	case "var_create":
		return fmt.Sprintf("%d-var-create - * %s", TokenVarCreate, argString(args, "expression"))
	case "var_list_children":
		return fmt.Sprintf("%d-var-list-children --all-values %s", TokenVarListChildren, argString(args, "name"))
	case "read_memory":
		count := argString(args, "count")
		if count == "" {
			count = strconv.Itoa(defaultMemoryCount)
		}
		return fmt.Sprintf("%d-data-read-memory-bytes %s %s", TokenReadMemory, argString(args, "address"), count)
	default:
		return action
	}
}

// argString renders a JSON argument as command text. Numbers decoded into
// float64 are printed without a trailing fraction when integral.
func argString(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}

func argBool(args map[string]any, key string) bool {
	switch v := args[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	case float64:
		return v != 0
	default:
		return false
	}
}
