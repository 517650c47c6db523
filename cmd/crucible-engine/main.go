// crucible-engine is the reference engine binary for the extproc protocol.
// It reads framed requests from stdin and writes framed responses to stdout,
// exposing a handful of operations useful for demos and manual testing.
//
// Startup options are plain command-line arguments. Options of the form
// --warmup=<duration> delay the hello frame, simulating the expensive
// startup of a real engine.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/cruciblehq/crucible/internal/engine/extproc"
)

// operations maps operation names to their handlers. Handlers receive the
// decoded argument list and an emit function for streaming output lines.
var operations = map[string]func(args []any, emit func(line string)) (any, error){
	"echo":    opEcho,
	"sum":     opSum,
	"say":     opSay,
	"sleep":   opSleep,
	"options": nil, // bound in main, needs the startup options
	"fail":    opFail,
}

func main() {
	opts := os.Args[1:]

	for _, opt := range opts {
		if d, ok := strings.CutPrefix(opt, "--warmup="); ok {
			if dur, err := time.ParseDuration(d); err == nil {
				time.Sleep(dur)
			}
		}
	}

	operations["options"] = func(_ []any, _ func(line string)) (any, error) {
		return opts, nil
	}

	if err := extproc.WriteFrame(os.Stdout, extproc.Frame{
		Type:     extproc.FrameHello,
		Engine:   "crucible-engine",
		Protocol: extproc.ProtocolVersion,
	}); err != nil {
		log.Fatalf("write hello: %v", err)
	}

	if err := serve(); err != nil {
		log.Fatalf("serve: %v", err)
	}
}

// serve processes requests until stdin closes or a shutdown request arrives.
func serve() error {
	for {
		var req extproc.Request
		if err := extproc.ReadFrame(os.Stdin, &req); err != nil {
			// EOF means the host closed our stdin; exit quietly.
			return nil
		}

		switch req.Op {
		case extproc.OpPing:
			if err := extproc.WriteFrame(os.Stdout, extproc.Frame{Type: extproc.FramePong}); err != nil {
				return err
			}
		case extproc.OpShutdown:
			return nil
		case extproc.OpCall:
			if err := handleCall(req); err != nil {
				return err
			}
		default:
			if err := writeError(fmt.Sprintf("unknown request op %q", req.Op)); err != nil {
				return err
			}
		}
	}
}

func handleCall(req extproc.Request) error {
	handler, ok := operations[req.Name]
	if !ok {
		return writeError(fmt.Sprintf("unknown operation %q", req.Name))
	}

	var args []any
	if len(req.Args) > 0 {
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return writeError(fmt.Sprintf("decode args: %v", err))
		}
	}

	emit := func(line string) {
		_ = extproc.WriteFrame(os.Stdout, extproc.Frame{Type: extproc.FrameOutput, Line: line})
	}

	result, err := handler(args, emit)
	if err != nil {
		return writeError(err.Error())
	}

	data, err := json.Marshal(result)
	if err != nil {
		return writeError(fmt.Sprintf("encode result: %v", err))
	}
	return extproc.WriteFrame(os.Stdout, extproc.Frame{Type: extproc.FrameResult, Result: data})
}

func writeError(msg string) error {
	return extproc.WriteFrame(os.Stdout, extproc.Frame{Type: extproc.FrameError, Error: msg})
}

func opEcho(args []any, _ func(line string)) (any, error) {
	return args, nil
}

func opSum(args []any, _ func(line string)) (any, error) {
	var total float64
	for i, a := range args {
		n, ok := a.(float64)
		if !ok {
			return nil, fmt.Errorf("sum: argument %d is not a number", i)
		}
		total += n
	}
	return total, nil
}

func opSay(args []any, emit func(line string)) (any, error) {
	for i, a := range args {
		s, ok := a.(string)
		if !ok {
			return nil, fmt.Errorf("say: argument %d is not a string", i)
		}
		emit(s)
	}
	return len(args), nil
}

func opSleep(args []any, _ func(line string)) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("sleep: want exactly one duration argument")
	}
	ms, ok := args[0].(float64)
	if !ok {
		return nil, fmt.Errorf("sleep: argument is not a number of milliseconds")
	}
	time.Sleep(time.Duration(ms) * time.Millisecond)
	return nil, nil
}

func opFail(args []any, _ func(line string)) (any, error) {
	msg := "requested failure"
	if len(args) > 0 {
		if s, ok := args[0].(string); ok {
			msg = s
		}
	}
	return nil, fmt.Errorf("%s", msg)
}
