// Package command turns decoded frames into proxy requests: either a plain
// command with its arguments, or a HELLO with its parsed options.
package command

import (
	"fmt"
	"strconv"

	"github.com/appnet-org/rwproxy/internal/resp"
)

// Request is either *Command or *Hello.
type Request interface {
	isRequest()
}

// Command is a parsed client command. Name is uppercased ASCII; Args keep
// the original argument bytes.
type Command struct {
	Name string
	Args [][]byte
}

// Hello is a parsed HELLO request. Protover is always resolved: when the
// client omits it, it carries the session's current version.
type Hello struct {
	Protover resp.Version

	AuthUser string
	AuthPass string
	HasAuth  bool

	SetName    string
	HasSetName bool
}

func (*Command) isRequest() {}
func (*Hello) isRequest()   {}

// FirstArgUpper returns the command's first argument uppercased, or "" when
// there are no arguments. Used for subcommand-sensitive routing.
func (c *Command) FirstArgUpper() string {
	if len(c.Args) == 0 {
		return ""
	}
	return asciiUpper(c.Args[0])
}

// Parse converts one decoded frame into a Request. current is the session's
// protocol version, used to default HELLO's protover.
func Parse(frame resp.Frame, current resp.Version) (Request, error) {
	switch f := frame.(type) {
	case *resp.Hello:
		return parseHelloArgs(current, f.Args)
	case *resp.Array:
		if f.Null || len(f.Items) == 0 {
			return nil, fmt.Errorf("empty request array")
		}

		name, ok := stringLike(f.Items[0])
		if !ok {
			return nil, fmt.Errorf("invalid command name frame")
		}

		args := make([][]byte, 0, len(f.Items)-1)
		for _, item := range f.Items[1:] {
			b, ok := stringLike(item)
			if !ok {
				return nil, fmt.Errorf("invalid argument frame")
			}
			args = append(args, b)
		}

		upper := asciiUpper(name)
		if upper == "HELLO" {
			return parseHelloArgs(current, args)
		}
		return &Command{Name: upper, Args: args}, nil
	default:
		return nil, fmt.Errorf("expected array frame for request")
	}
}

// stringLike extracts the byte content of frames that can act as a command
// name or argument. Integer frames are accepted and stringified because
// some clients send numeric arguments that way.
func stringLike(f resp.Frame) ([]byte, bool) {
	switch v := f.(type) {
	case *resp.BulkString:
		if v.Null {
			return nil, false
		}
		return v.Data, true
	case *resp.SimpleString:
		return v.Data, true
	case *resp.Number:
		return strconv.AppendInt(nil, v.Value, 10), true
	case *resp.BigNumber:
		return v.Data, true
	case *resp.VerbatimString:
		return v.Data, true
	default:
		return nil, false
	}
}

// parseHelloArgs applies the HELLO grammar:
//
//	HELLO [protover] [AUTH username password] [SETNAME name]
func parseHelloArgs(current resp.Version, args [][]byte) (*Hello, error) {
	hello := &Hello{Protover: current}

	idx := 0
	if len(args) > 0 {
		switch string(args[0]) {
		case "2":
			hello.Protover = resp.Resp2
			idx = 1
		case "3":
			hello.Protover = resp.Resp3
			idx = 1
		}
	}

	for idx < len(args) {
		token := asciiUpper(args[idx])
		idx++

		switch token {
		case "AUTH":
			if idx >= len(args) {
				return nil, fmt.Errorf("HELLO AUTH missing username")
			}
			if idx+1 >= len(args) {
				return nil, fmt.Errorf("HELLO AUTH missing password")
			}
			hello.AuthUser = string(args[idx])
			hello.AuthPass = string(args[idx+1])
			hello.HasAuth = true
			idx += 2
		case "SETNAME":
			if idx >= len(args) {
				return nil, fmt.Errorf("HELLO SETNAME missing name")
			}
			hello.SetName = string(args[idx])
			hello.HasSetName = true
			idx++
		default:
			return nil, fmt.Errorf("unsupported HELLO option: %s", token)
		}
	}

	return hello, nil
}

// asciiUpper uppercases ASCII letters byte-wise, leaving other bytes as-is.
func asciiUpper(b []byte) string {
	out := make([]byte, len(b))
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
