// Package fakechild implements a minimal child process that speaks the
// length-prefixed request/response protocol over stdin/stdout, for use
// by workerproc's tests. It is driven via the standard library's
// "re-exec the test binary" idiom (see os/exec's own TestHelperProcess
// pattern): a test spawns os.Args[0] with an environment variable set,
// and TestMain calls Main here instead of running the test suite.
package fakechild

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/YuminosukeSato/epwr/internal/framing"
	"github.com/YuminosukeSato/epwr/internal/protocol"
)

// EnvMode names the environment variable a test sets to select this
// child's behavior.
const EnvMode = "EPWR_FAKECHILD_MODE"

// Mode selects how the fake child responds to requests.
type Mode string

const (
	// ModeEcho replies success to every command, echoing args back as
	// the result (and replying {"status":"ok"} to ping).
	ModeEcho Mode = "echo"
	// ModeSlowPing delays every ping reply to exercise timeouts.
	ModeSlowPing Mode = "slow_ping"
	// ModeBadFrame writes one malformed (non-JSON) frame, then exits,
	// to exercise the framing-error fatal path.
	ModeBadFrame Mode = "bad_frame"
	// ModeCrash exits immediately without responding to anything, to
	// exercise the child-exit-is-fatal path.
	ModeCrash Mode = "crash"
	// ModeMismatchedID always replies with a response id one higher
	// than the request it answers, to exercise the out-of-order/id
	// mismatch fatal path.
	ModeMismatchedID Mode = "mismatched_id"
	// ModeNeverReady never answers its first ping, to exercise init
	// timeout.
	ModeNeverReady Mode = "never_ready"
)

// Main runs the fake child's request loop. It returns once a read, decode
// or write fails (for example when stdin is closed); some modes exit the
// process directly instead. Call it from TestMain guarded on EnvMode
// being set, then os.Exit.
func Main() {
	mode := Mode(os.Getenv(EnvMode))
	if mode == "" {
		mode = ModeEcho
	}

	framer := framing.NewFramer(stdio{})

	if mode == ModeCrash {
		os.Exit(1)
	}
	if mode == ModeNeverReady {
		select {} // hang forever; the parent's init timeout must fire
	}
	if mode == ModeBadFrame {
		_ = framer.WriteMessage([]byte("not json"))
		os.Exit(0)
	}

	for {
		data, err := framer.ReadMessage()
		if err != nil {
			return
		}

		var req protocol.Request
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}

		if mode == ModeSlowPing && req.Command == protocol.PingCommand {
			time.Sleep(500 * time.Millisecond)
		}

		respID := req.ID
		if mode == ModeMismatchedID {
			respID++
		}

		var resp *protocol.Response
		if req.Command == protocol.PingCommand {
			result, _ := json.Marshal(map[string]string{"status": "ok"})
			resp = &protocol.Response{ID: respID, Success: true, Result: result}
		} else {
			result, _ := json.Marshal(req.Args)
			resp = &protocol.Response{ID: respID, Success: true, Result: result}
		}

		out, err := resp.Marshal()
		if err != nil {
			return
		}
		if err := framer.WriteMessage(out); err != nil {
			return
		}
	}
}

// stdio adapts os.Stdin/os.Stdout into a single io.ReadWriter for the
// framer, mirroring the parent's own childPipes adapter.
type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

// RequireBuilt is a tiny guard a test can call before spawning os.Args[0]
// as a child, giving a clearer failure than an inscrutable exec error when
// run under an environment that stripped the test binary's own path.
func RequireBuilt(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("fakechild: test binary not found at %s: %w", path, err)
	}
	return nil
}
