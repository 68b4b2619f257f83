package simvar

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Simulated process spawning. Test code installs a
// ProcessRegistry of canned MockResponses; Command looks
// them up instead of exec-ing anything. The registry is
// process-local state with an explicit set/clear
// lifecycle; it is not tied to any task and persists
// until cleared.

// MockResponse is one canned outcome for a matched
// command invocation.
type MockResponse struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int

	// Delay gates completion behind a simulated-clock
	// sleep; no real time passes.
	Delay time.Duration

	// FailToSpawn makes the invocation fail immediately
	// with a NotFound error carrying SpawnErrMsg.
	FailToSpawn bool
	SpawnErrMsg string
}

// ProcessRegistry maps (program, args) to FIFO queues of
// MockResponses, plus one optional default. Matched
// responses are consumed at most once; the default is
// reused without limit. The mutex is for Send/Sync
// compliance: inside the single goroutine runtime there
// is no genuine contention.
type ProcessRegistry struct {
	mut       sync.Mutex
	responses map[string][]MockResponse
	def       *MockResponse
}

func NewProcessRegistry() *ProcessRegistry {
	return &ProcessRegistry{
		responses: make(map[string][]MockResponse),
	}
}

func matchKey(program string, args []string) string {
	if len(args) == 0 {
		return program
	}
	return program + "\x00" + strings.Join(args, "\x00")
}

// Register queues resp for exact (program, args)
// invocations, behind any responses already queued for
// the same matcher.
func (r *ProcessRegistry) Register(program string, args []string, resp MockResponse) {
	r.mut.Lock()
	key := matchKey(program, args)
	r.responses[key] = append(r.responses[key], resp)
	r.mut.Unlock()
}

// RegisterAll queues several responses for one matcher,
// in order.
func (r *ProcessRegistry) RegisterAll(program string, args []string, resps []MockResponse) {
	r.mut.Lock()
	key := matchKey(program, args)
	r.responses[key] = append(r.responses[key], resps...)
	r.mut.Unlock()
}

// SetDefault installs the fallback used when no exact
// matcher has a queued response.
func (r *ProcessRegistry) SetDefault(resp MockResponse) {
	r.mut.Lock()
	r.def = &resp
	r.mut.Unlock()
}

// Clear empties every queue and drops the default.
func (r *ProcessRegistry) Clear() {
	r.mut.Lock()
	r.responses = make(map[string][]MockResponse)
	r.def = nil
	r.mut.Unlock()
}

// take pops the next response for the invocation:
// exact matcher FIFO first, then the default, then the
// built-in zero-exit empty success.
func (r *ProcessRegistry) take(program string, args []string) MockResponse {
	r.mut.Lock()
	defer r.mut.Unlock()
	key := matchKey(program, args)
	if q := r.responses[key]; len(q) > 0 {
		resp := q[0]
		if len(q) == 1 {
			delete(r.responses, key)
		} else {
			r.responses[key] = q[1:]
		}
		return resp
	}
	if r.def != nil {
		return *r.def
	}
	return MockResponse{}
}

var processRegistryMut sync.Mutex
var processRegistry *ProcessRegistry

// SetRegistry installs reg as the process-local registry
// consulted by Command. Test code pairs this with
// ClearRegistry around simulated command execution.
func SetRegistry(reg *ProcessRegistry) {
	processRegistryMut.Lock()
	processRegistry = reg
	processRegistryMut.Unlock()
}

// ClearRegistry removes the installed registry; with
// none installed every invocation gets the built-in
// empty success.
func ClearRegistry() {
	processRegistryMut.Lock()
	processRegistry = nil
	processRegistryMut.Unlock()
}

func currentRegistry() *ProcessRegistry {
	processRegistryMut.Lock()
	defer processRegistryMut.Unlock()
	return processRegistry
}

// CmdOutput is what a completed simulated command
// produced.
type CmdOutput struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Success reports a zero exit code.
func (o *CmdOutput) Success() bool { return o.ExitCode == 0 }

// Command is a simulated external command invocation.
type Command struct {
	rt      *Runtime
	program string
	args    []string
}

func NewCommand(rt *Runtime, program string, args ...string) *Command {
	return &Command{rt: rt, program: program, args: args}
}

// Output resolves with the command's mocked output. A
// response carrying a Delay completes only after that
// much simulated time; FailToSpawn yields a NotFound
// error immediately.
func (c *Command) Output() Future[Result[*CmdOutput]] {
	var resp MockResponse
	var looked bool
	var gate Future[time.Time]
	return PollFunc[Result[*CmdOutput]](func(cx *Context) (Result[*CmdOutput], bool) {
		if !looked {
			looked = true
			if reg := currentRegistry(); reg != nil {
				resp = reg.take(c.program, c.args)
			}
			if resp.FailToSpawn {
				msg := resp.SpawnErrMsg
				if msg == "" {
					msg = c.program
				}
				return Errv[*CmdOutput](fmt.Errorf("%w: %s", os.ErrNotExist, msg)), true
			}
			if resp.Delay > 0 {
				gate = Sleep(resp.Delay)
			}
		}
		if gate != nil {
			if _, ok := gate.Poll(cx); !ok {
				return Result[*CmdOutput]{}, false
			}
			gate = nil
		}
		return Ok(&CmdOutput{
			Stdout:   resp.Stdout,
			Stderr:   resp.Stderr,
			ExitCode: resp.ExitCode,
		}), true
	})
}

// Child is a spawned-but-not-awaited simulated process.
type Child struct {
	out Future[Result[*CmdOutput]]
}

// Spawn starts the command; the registry lookup (and any
// FailToSpawn error) happens on the first poll of the
// returned future's Wait.
func (c *Command) Spawn() *Child {
	return &Child{out: c.Output()}
}

// Wait resolves with the child's output.
func (c *Child) Wait() Future[Result[*CmdOutput]] {
	return c.out
}
