package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
)

// SlotEnvVar tells a worker process which supervisor slot it occupies
const SlotEnvVar = "BALANCE_WORKER_SLOT"

//go:generate mockgen -destination=mocks/mock_process.go -package=mocks -source=process.go Process,Launcher

// Process is a running worker
type Process interface {
	Pid() int
	// Wait blocks until the process exits. It is called exactly once.
	Wait() error
	Signal(sig os.Signal) error
	Kill() error
}

// Launcher starts the worker process for a slot
type Launcher interface {
	Launch(ctx context.Context, slot int) (Process, error)
}

// ExecLauncher starts workers by executing a binary, normally the running
// executable with the worker subcommand
type ExecLauncher struct {
	Path string
	Args []string
	// Env is appended to the supervisor's own environment
	Env []string
	// ExtraFiles are inherited starting at fd 3
	ExtraFiles []*os.File
	Stdout     io.Writer
	Stderr     io.Writer
}

var _ Launcher = (*ExecLauncher)(nil)

// Launch starts one worker. The process is not tied to ctx; the supervisor
// stops workers with signals so that they can shut down gracefully.
func (l *ExecLauncher) Launch(_ context.Context, slot int) (Process, error) {
	cmd := exec.Command(l.Path, l.Args...) //nolint:gosec // path is our own executable
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Env = append(cmd.Env, SlotEnvVar+"="+strconv.Itoa(slot))
	cmd.ExtraFiles = l.ExtraFiles
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker for slot %d: %w", slot, err)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}
