package supervisor

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/loykin/deployr/internal/detector"
	"github.com/loykin/deployr/internal/logger"
)

// Proc is one live service process. Wait blocks until the process exits
// and may be called once, by the supervisor's monitor goroutine.
type Proc interface {
	PID() int
	StartUnix() int64
	Signal(sig syscall.Signal) error
	Wait() error
	Alive() bool
	Tail() []byte
}

// Launcher spawns service processes. ExecLauncher is the default; tests
// substitute a deterministic fake so the restart policy can be exercised
// without real subprocesses.
type Launcher interface {
	Start(spec ServiceSpec) (Proc, error)
}

// ExecLauncher runs services as real child processes in their own process
// group, with stdout/stderr copied into rotating log files when configured
// and always into a bounded in-memory tail.
type ExecLauncher struct{}

func (ExecLauncher) Start(spec ServiceSpec) (Proc, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return nil, errors.New("empty service command")
	}
	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	configureSysProcAttr(cmd)

	tail := logger.NewTailWriter(spec.TailBytes)
	var outW, errW io.WriteCloser
	if spec.Log.Dir != "" || spec.Log.StdoutPath != "" || spec.Log.StderrPath != "" {
		var err error
		outW, errW, err = spec.Log.Writers(spec.Name)
		if err != nil {
			return nil, err
		}
		cmd.Stdout = io.MultiWriter(outW, tail)
		cmd.Stderr = io.MultiWriter(errW, tail)
	} else {
		cmd.Stdout = tail
		cmd.Stderr = tail
	}

	if err := cmd.Start(); err != nil {
		closeQuiet(outW)
		closeQuiet(errW)
		return nil, err
	}
	return &execProc{
		cmd:    cmd,
		handle: detector.Capture(cmd.Process.Pid),
		out:    outW,
		errW:   errW,
		tail:   tail,
	}, nil
}

type execProc struct {
	cmd    *exec.Cmd
	handle detector.Handle
	out    io.WriteCloser
	errW   io.WriteCloser
	tail   *logger.TailWriter
}

func (p *execProc) PID() int         { return p.handle.PID }
func (p *execProc) StartUnix() int64 { return p.handle.StartUnix }
func (p *execProc) Tail() []byte     { return p.tail.Bytes() }

// Signal targets the whole process group so children the service forked
// go down with it.
func (p *execProc) Signal(sig syscall.Signal) error {
	return signalProcessGroup(p.handle.PID, sig)
}

func (p *execProc) Wait() error {
	err := p.cmd.Wait()
	closeQuiet(p.out)
	closeQuiet(p.errW)
	return err
}

func (p *execProc) Alive() bool { return p.handle.Matches() }

// adoptedProc reattaches to a process spawned by a previous daemon run.
// It is not our child, so exits are observed by polling rather than wait.
type adoptedProc struct {
	handle detector.Handle
}

func (p *adoptedProc) PID() int         { return p.handle.PID }
func (p *adoptedProc) StartUnix() int64 { return p.handle.StartUnix }
func (p *adoptedProc) Tail() []byte     { return nil }
func (p *adoptedProc) Alive() bool      { return p.handle.Matches() }

func (p *adoptedProc) Signal(sig syscall.Signal) error {
	return signalProcessGroup(p.handle.PID, sig)
}

// errAdoptedExit marks an exit whose status is unknowable because the
// process was never our child.
var errAdoptedExit = errors.New("adopted process exited; exit status unknown")

func (p *adoptedProc) Wait() error {
	t := time.NewTicker(250 * time.Millisecond)
	defer t.Stop()
	for range t.C {
		if !p.handle.Matches() {
			return errAdoptedExit
		}
	}
	return errAdoptedExit
}

func closeQuiet(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}
