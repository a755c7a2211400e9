package automation

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

// LaunchSpec describes one server-side automation instance process.
type LaunchSpec struct {
	UserID    string
	Workspace string
	Port      int
}

type Process interface {
	PID() int
	Signal(sig os.Signal) error
	Done() <-chan struct{}
}

type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// ExecLauncher runs Command with the instance port and workspace passed
// through the environment.
type ExecLauncher struct {
	Command string
	Args    []string
	Env     []string
}

func (l ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	cmd := exec.Command(l.Command, l.Args...)
	cmd.Dir = spec.Workspace
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Env = append(cmd.Env,
		"CREATOR_INSTANCE_PORT="+strconv.Itoa(spec.Port),
		"CREATOR_INSTANCE_USER="+spec.UserID,
		"CREATOR_WORKSPACE="+spec.Workspace,
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}
