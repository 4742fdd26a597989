// Package server exposes the engine's debugger channel: a JSON-over-
// WebSocket RPC with requests correlated by sequence number, plus
// state-change notifications pushed by the engine.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tliron/commonlog"

	"github.com/vesper-lang/vesper/pkg/codegen"
	"github.com/vesper-lang/vesper/vm"

	"github.com/vesper-lang/vesper/compiler"
)

// ProtocolVersion identifies the debugger wire protocol. A client
// announcing a different version has its session terminated.
const ProtocolVersion = 1

var log = commonlog.GetLogger("vesper.debugger")

// Request is one client RPC message.
type Request struct {
	Seq    int64           `json:"seq"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers one Request, correlated by Seq.
type Response struct {
	Seq    int64  `json:"seq"`
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Notification is a server-initiated state message.
type Notification struct {
	Notify  string `json:"notify"`
	Version int    `json:"version,omitempty"`
	Session string `json:"session,omitempty"`
	Running *bool  `json:"running,omitempty"`
	Cause   string `json:"cause,omitempty"`
}

type stepMode int

const (
	stepNone stepMode = iota
	stepIn
	stepOver
	stepOut
)

// command is delivered to the VM thread while it is stopped at a break.
type command struct {
	req   Request
	reply chan Response
}

// DebugServer attaches to one VM as its DebugHook and serves one debugging
// client at a time.
type DebugServer struct {
	machine  *vm.VM
	upgrader websocket.Upgrader
	session  string

	mu          sync.Mutex
	writeMu     sync.Mutex
	conn        *websocket.Conn
	breakpoints map[int]bool
	mode        stepMode
	stepDepth   int
	stopped     bool

	// cmds carries requests into OnBreak while the VM is stopped; resume
	// values tell OnBreak how to continue.
	cmds chan command
}

// NewDebugServer creates a debug server and attaches it to the VM.
func NewDebugServer(machine *vm.VM) *DebugServer {
	s := &DebugServer{
		machine:     machine,
		session:     uuid.NewString(),
		breakpoints: make(map[int]bool),
		cmds:        make(chan command, 8),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	machine.SetDebugHook(s)
	return s
}

// ListenAndServe serves the debugger endpoint at /debug until the listener
// fails.
func (s *DebugServer) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug", s.handleWS)
	log.Infof("debugger listening on ws://%s/debug", addr)
	return http.ListenAndServe(addr, mux)
}

// send serializes one message to the client. Writes come from both the
// read loop and the stopped VM thread, so they share a mutex: gorilla
// connections allow one concurrent writer.
func (s *DebugServer) send(conn *websocket.Conn, v any) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.WriteJSON(v)
}

// handleWS upgrades the connection and runs the session read loop.
func (s *DebugServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("websocket upgrade failed: %s", err.Error())
		return
	}
	defer conn.Close()

	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		s.send(conn, Response{OK: false, Error: "a debugger is already attached"})
		return
	}
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()

	s.send(conn, Notification{
		Notify:  "initialState",
		Version: ProtocolVersion,
		Session: s.session,
	})

	// The first request must be initialize with a matching version.
	var init Request
	if err := conn.ReadJSON(&init); err != nil {
		return
	}
	var initParams struct {
		Version int `json:"version"`
	}
	json.Unmarshal(init.Params, &initParams)
	if init.Method != "initialize" || initParams.Version != ProtocolVersion {
		s.send(conn, Response{
			Seq: init.Seq, OK: false,
			Error: fmt.Sprintf("incompatible protocol version %d (want %d)", initParams.Version, ProtocolVersion),
		})
		return
	}
	s.send(conn, Response{Seq: init.Seq, OK: true})

	for {
		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			log.Infof("debugger session %s closed", s.session)
			return
		}
		resp := s.dispatch(req)
		s.mu.Lock()
		c := s.conn
		s.mu.Unlock()
		if c != nil {
			s.send(c, resp)
		}
	}
}

// dispatch routes a request: breakpoint management is handled on the read
// loop; execution-state requests are forwarded to the stopped VM thread.
func (s *DebugServer) dispatch(req Request) Response {
	switch req.Method {
	case "setBreakpoint":
		var p struct {
			Offset int `json:"offset"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return Response{Seq: req.Seq, OK: false, Error: "bad params"}
		}
		s.mu.Lock()
		s.breakpoints[p.Offset] = true
		s.mu.Unlock()
		return Response{Seq: req.Seq, OK: true}

	case "clearBreakpoint":
		var p struct {
			Offset int `json:"offset"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return Response{Seq: req.Seq, OK: false, Error: "bad params"}
		}
		s.mu.Lock()
		delete(s.breakpoints, p.Offset)
		s.mu.Unlock()
		return Response{Seq: req.Seq, OK: true}

	case "listBreakpoints":
		s.mu.Lock()
		offsets := make([]int, 0, len(s.breakpoints))
		for off := range s.breakpoints {
			offsets = append(offsets, off)
		}
		s.mu.Unlock()
		return Response{Seq: req.Seq, OK: true, Result: map[string]any{"offsets": offsets}}

	case "continue", "stepIn", "stepOver", "stepOut", "stackTrace", "eval":
		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if !stopped {
			return Response{Seq: req.Seq, OK: false, Error: "vm is not stopped"}
		}
		reply := make(chan Response, 1)
		s.cmds <- command{req: req, reply: reply}
		return <-reply

	default:
		return Response{Seq: req.Seq, OK: false, Error: "unknown method " + req.Method}
	}
}

// ---------------------------------------------------------------------------
// vm.DebugHook
// ---------------------------------------------------------------------------

// WantsStop reports whether a checkpoint should stop: a breakpoint at this
// offset, or an active step.
func (s *DebugServer) WantsStop(offset int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		// Already at a break (e.g. a debugger eval re-entered the VM).
		return false
	}
	if s.breakpoints[offset] {
		return true
	}
	switch s.mode {
	case stepIn:
		return true
	case stepOver:
		return s.machine.Depth() <= s.stepDepth
	case stepOut:
		return s.machine.Depth() < s.stepDepth
	}
	return false
}

// OnBreak runs on the VM thread with execution stopped. It notifies the
// client and services execution-state requests until a resume command.
func (s *DebugServer) OnBreak(machine *vm.VM, offset int, forced bool) {
	s.mu.Lock()
	s.stopped = true
	s.mode = stepNone
	conn := s.conn
	s.mu.Unlock()

	cause := "breakpoint"
	if forced {
		cause = "break instruction"
	}
	running := false
	if conn != nil {
		s.send(conn, Notification{Notify: "state", Running: &running, Cause: cause})
	}

	defer func() {
		s.mu.Lock()
		s.stopped = false
		conn := s.conn
		s.mu.Unlock()
		running := true
		if conn != nil {
			s.send(conn, Notification{Notify: "state", Running: &running})
		}
	}()

	for cmd := range s.cmds {
		switch cmd.req.Method {
		case "continue":
			cmd.reply <- Response{Seq: cmd.req.Seq, OK: true}
			return

		case "stepIn", "stepOver", "stepOut":
			s.mu.Lock()
			switch cmd.req.Method {
			case "stepIn":
				s.mode = stepIn
			case "stepOver":
				s.mode = stepOver
			case "stepOut":
				s.mode = stepOut
			}
			s.stepDepth = machine.Depth()
			s.mu.Unlock()
			cmd.reply <- Response{Seq: cmd.req.Seq, OK: true}
			return

		case "stackTrace":
			frames := machine.StackTrace()
			out := make([]map[string]any, len(frames))
			for i, fr := range frames {
				out[i] = map[string]any{
					"function": fr.Function,
					"file":     fr.File,
					"line":     fr.Line,
					"offset":   fr.Offset,
				}
			}
			cmd.reply <- Response{Seq: cmd.req.Seq, OK: true, Result: map[string]any{"frames": out}}

		case "eval":
			var p struct {
				Source string `json:"source"`
			}
			if err := json.Unmarshal(cmd.req.Params, &p); err != nil {
				cmd.reply <- Response{Seq: cmd.req.Seq, OK: false, Error: "bad params"}
				continue
			}
			result, err := s.evalOnVM(machine, p.Source)
			if err != nil {
				cmd.reply <- Response{Seq: cmd.req.Seq, OK: false, Error: err.Error()}
				continue
			}
			cmd.reply <- Response{Seq: cmd.req.Seq, OK: true, Result: map[string]any{"value": result}}

		default:
			cmd.reply <- Response{Seq: cmd.req.Seq, OK: false, Error: "unknown method " + cmd.req.Method}
		}
	}
}

// evalOnVM compiles and runs an expression on the stopped VM thread, where
// re-entering the interpreter is safe. The expression sees globals, not the
// stopped frame's locals.
func (s *DebugServer) evalOnVM(machine *vm.VM, source string) (string, error) {
	mod, err := compiler.Parse("<debugger>", "return "+source+";")
	if err != nil {
		return "", err
	}
	img, err := codegen.Compile(mod)
	if err != nil {
		return "", err
	}
	v, err := machine.Execute(img)
	if err != nil {
		return "", err
	}
	return vm.ToString(v), nil
}
