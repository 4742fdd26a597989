package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vesper-lang/vesper/compiler"
	"github.com/vesper-lang/vesper/pkg/bytecode"
	"github.com/vesper-lang/vesper/pkg/codegen"
	"github.com/vesper-lang/vesper/vm"
)

// message is the union of everything the server can send.
type message struct {
	Notify  string          `json:"notify"`
	Version int             `json:"version"`
	Session string          `json:"session"`
	Running *bool           `json:"running"`
	Cause   string          `json:"cause"`
	Seq     int64           `json:"seq"`
	OK      bool            `json:"ok"`
	Result  json.RawMessage `json:"result"`
	Error   string          `json:"error"`
}

type debugClient struct {
	t    *testing.T
	conn *websocket.Conn
	seq  int64
}

func (c *debugClient) read() message {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var m message
	if err := c.conn.ReadJSON(&m); err != nil {
		c.t.Fatalf("read failed: %v", err)
	}
	return m
}

// request sends a request and reads messages until its response arrives,
// returning any notifications seen on the way.
func (c *debugClient) request(method string, params any) (message, []message) {
	c.t.Helper()
	c.seq++
	raw, _ := json.Marshal(params)
	if err := c.conn.WriteJSON(Request{Seq: c.seq, Method: method, Params: raw}); err != nil {
		c.t.Fatalf("write failed: %v", err)
	}
	var notes []message
	for {
		m := c.read()
		if m.Notify != "" {
			notes = append(notes, m)
			continue
		}
		if m.Seq != c.seq {
			c.t.Fatalf("response seq = %d, want %d", m.Seq, c.seq)
		}
		return m, notes
	}
}

// waitNotify reads until a notification of the given kind arrives.
func (c *debugClient) waitNotify(kind string) message {
	c.t.Helper()
	for {
		m := c.read()
		if m.Notify == kind {
			return m
		}
	}
}

func compileDebug(t *testing.T, source string) *bytecode.Image {
	t.Helper()
	mod, err := compiler.Parse("debug.vs", source)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	img, err := codegen.Compile(mod)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	return img
}

// startSession wires a VM, debug server and connected client.
func startSession(t *testing.T) (*vm.VM, *DebugServer, *debugClient) {
	t.Helper()
	machine := vm.New()
	dbg := NewDebugServer(machine)

	mux := http.NewServeMux()
	mux.HandleFunc("/debug", dbg.handleWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/debug"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	client := &debugClient{t: t, conn: conn}
	return machine, dbg, client
}

func TestHandshake(t *testing.T) {
	_, _, client := startSession(t)

	hello := client.read()
	if hello.Notify != "initialState" || hello.Version != ProtocolVersion {
		t.Fatalf("initialState = %+v", hello)
	}
	if hello.Session == "" {
		t.Error("initialState lacks a session id")
	}

	resp, _ := client.request("initialize", map[string]int{"version": ProtocolVersion})
	if !resp.OK {
		t.Fatalf("initialize rejected: %s", resp.Error)
	}
}

func TestIncompatibleVersionTerminates(t *testing.T) {
	_, _, client := startSession(t)
	client.read() // initialState

	resp, _ := client.request("initialize", map[string]int{"version": 99})
	if resp.OK {
		t.Fatal("mismatched version accepted")
	}
	// The server closes the session after rejecting.
	client.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m message
	if err := client.conn.ReadJSON(&m); err == nil {
		t.Error("session still open after version mismatch")
	}
}

func TestBreakpointStopAndResume(t *testing.T) {
	machine, _, client := startSession(t)
	client.read() // initialState
	if resp, _ := client.request("initialize", map[string]int{"version": ProtocolVersion}); !resp.OK {
		t.Fatalf("initialize failed: %s", resp.Error)
	}

	img := compileDebug(t, `
		var a = 1;
		var b = a + 1;
		var c = b + 1;
	`)
	if img.Debug == nil || len(img.Debug.Statements) < 2 {
		t.Fatalf("script lacks statement table: %+v", img.Debug)
	}
	stopAt := img.Debug.Statements[1].Offset

	if resp, _ := client.request("setBreakpoint", map[string]uint32{"offset": stopAt}); !resp.OK {
		t.Fatalf("setBreakpoint failed: %s", resp.Error)
	}

	done := make(chan error, 1)
	go func() {
		_, err := machine.Execute(img)
		done <- err
	}()

	stoppedMsg := client.waitNotify("state")
	if stoppedMsg.Running == nil || *stoppedMsg.Running {
		t.Fatalf("expected stopped state, got %+v", stoppedMsg)
	}
	if stoppedMsg.Cause != "breakpoint" {
		t.Errorf("stop cause = %q", stoppedMsg.Cause)
	}

	trace, _ := client.request("stackTrace", nil)
	if !trace.OK {
		t.Fatalf("stackTrace failed: %s", trace.Error)
	}
	var tr struct {
		Frames []struct {
			Function string `json:"function"`
			File     string `json:"file"`
			Line     int    `json:"line"`
		} `json:"frames"`
	}
	if err := json.Unmarshal(trace.Result, &tr); err != nil {
		t.Fatalf("bad stackTrace payload: %v", err)
	}
	if len(tr.Frames) == 0 || tr.Frames[0].File != "debug.vs" {
		t.Errorf("frames = %+v", tr.Frames)
	}

	if resp, _ := client.request("continue", nil); !resp.OK {
		t.Fatalf("continue failed: %s", resp.Error)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("script failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("script did not finish after continue")
	}
}

func TestStepOverStops(t *testing.T) {
	machine, _, client := startSession(t)
	client.read()
	if resp, _ := client.request("initialize", map[string]int{"version": ProtocolVersion}); !resp.OK {
		t.Fatal("initialize failed")
	}

	img := compileDebug(t, `
		var a = 1;
		var b = 2;
		var c = 3;
	`)
	first := img.Debug.Statements[0].Offset
	if resp, _ := client.request("setBreakpoint", map[string]uint32{"offset": first}); !resp.OK {
		t.Fatal("setBreakpoint failed")
	}

	done := make(chan error, 1)
	go func() {
		_, err := machine.Execute(img)
		done <- err
	}()

	client.waitNotify("state") // stopped at first statement

	// Clear the breakpoint so only the step stops us again.
	if resp, _ := client.request("clearBreakpoint", map[string]uint32{"offset": first}); !resp.OK {
		t.Fatal("clearBreakpoint failed")
	}
	resp, notes := client.request("stepOver", nil)
	if !resp.OK {
		t.Fatal("stepOver failed")
	}

	// Running notification, then stopped again at the next statement. The
	// VM resumes as soon as it replies, so either notification may arrive
	// before the stepOver response.
	sawStop := false
	for _, m := range notes {
		if m.Running != nil && !*m.Running {
			sawStop = true
		}
	}
	for i := 0; i < 4 && !sawStop; i++ {
		m := client.waitNotify("state")
		if m.Running != nil && !*m.Running {
			sawStop = true
		}
	}
	if !sawStop {
		t.Fatal("step did not stop at the next statement")
	}

	if resp, _ := client.request("continue", nil); !resp.OK {
		t.Fatal("continue failed")
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("script failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("script did not finish")
	}
}

func TestRequestsWhileRunningRejected(t *testing.T) {
	_, _, client := startSession(t)
	client.read()
	if resp, _ := client.request("initialize", map[string]int{"version": ProtocolVersion}); !resp.OK {
		t.Fatal("initialize failed")
	}
	resp, _ := client.request("continue", nil)
	if resp.OK {
		t.Error("continue while running should be rejected")
	}
	if resp, _ := client.request("bogus", nil); resp.OK {
		t.Error("unknown method should be rejected")
	}
}
