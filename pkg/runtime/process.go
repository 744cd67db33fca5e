package runtime

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// stopGrace is how long a runner gets to exit after its input is closed.
const stopGrace = 5 * time.Second

// RunnerCommand is how the pickle runner is started.
type RunnerCommand struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// runnerProcess is a started pickle runner.
type runnerProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	done   chan struct{}
}

// startRunner starts the runner with its stdout on an os.Pipe so that
// exec.Cmd.Wait cannot discard unread output, and forwards stderr line by
// line with a "[runner]" prefix.
func startRunner(ctx context.Context, c RunnerCommand, stderrOut io.Writer) (*runnerProcess, error) {
	if c.Path == "" {
		return nil, fmt.Errorf("no pickle runner command configured")
	}
	if stderrOut == nil {
		stderrOut = os.Stderr
	}

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Dir = c.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{stdoutR, stdoutW, stderrR, stderrW} {
			f.Close()
		}
		return nil, fmt.Errorf("start pickle runner %q: %w", c.Path, err)
	}
	// The child holds its own copies.
	stdoutW.Close()
	stderrW.Close()

	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()

	go func() {
		defer stderrR.Close()
		scanner := bufio.NewScanner(stderrR)
		for scanner.Scan() {
			fmt.Fprintf(stderrOut, "[runner] %s\n", scanner.Text())
		}
	}()

	return &runnerProcess{cmd: cmd, stdin: stdin, stdout: stdoutR, done: done}, nil
}

func (p *runnerProcess) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *runnerProcess) channel() Channel {
	return Channel{In: p.stdout, Out: p.stdin, Exited: p.done}
}

// stop closes the runner's input and waits for it to exit, killing it
// after stopGrace.
func (p *runnerProcess) stop() {
	p.stdin.Close()
	select {
	case <-p.done:
	case <-time.After(stopGrace):
		p.kill()
		<-p.done
	}
	p.stdout.Close()
}

func (p *runnerProcess) kill() {
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
}
