package exec

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/tombee/conductorcore/internal/errs"
	"github.com/tombee/conductorcore/internal/interpolate"
	"github.com/tombee/conductorcore/internal/plan"
)

type shellHandler struct{}

// Execute runs a shell command, string form through the platform shell,
// "safe" form as a literal argv vector with no shell involved. The child
// is placed in its own process group and tracked in ec.ProcessRegistry so
// cancellation or timeout can terminate the whole tree.
func (shellHandler) Execute(ctx context.Context, step *plan.StepDefinition, ec *Context, timeout time.Duration) (*StepOutput, error) {
	p := step.Shell
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	scope := ec.Scope()

	commandSub, err := interpolate.ResolveWithMasking(p.Command, scope)
	if err != nil {
		return nil, err
	}

	var cmd *exec.Cmd
	var resolvedCommandText string
	if p.Safe {
		args := make([]string, 0, len(p.Args)+1)
		argv0 := fmt.Sprintf("%v", commandSub.Real)
		args = append(args, argv0)
		for _, a := range p.Args {
			sub, err := interpolate.ResolveWithMasking(a, scope)
			if err != nil {
				return nil, err
			}
			args = append(args, fmt.Sprintf("%v", sub.Real))
		}
		resolvedCommandText = strings.Join(args, " ")
		cmd = exec.CommandContext(ctx, args[0], args[1:]...)
	} else {
		resolvedCommandText = fmt.Sprintf("%v", commandSub.Real)
		cmd = exec.CommandContext(ctx, "sh", "-c", resolvedCommandText)
	}

	for _, w := range ScanShellInjection(resolvedCommandText) {
		if ec.Logger != nil {
			ec.Logger.Log("warn", "shell-safety advisory: "+w, map[string]any{"step_id": step.ID})
		}
	}

	if p.Cwd != "" {
		cwdSub, err := interpolate.ResolveWithMasking(p.Cwd, scope)
		if err != nil {
			return nil, err
		}
		cmd.Dir = fmt.Sprintf("%v", cwdSub.Real)
	}

	cmd.Env = os.Environ()
	for k, v := range p.Env {
		sub, err := interpolate.ResolveWithMasking(v, scope)
		if err != nil {
			return nil, err
		}
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%v", k, sub.Real))
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, &errs.StepFailureError{StepID: step.ID, Diagnostic: err.Error(), Err: err}
	}

	pgid := cmd.Process.Pid
	if ec.ProcessRegistry != nil {
		ec.ProcessRegistry.Track(pgid)
		defer ec.ProcessRegistry.Untrack(pgid)
	}

	waitErr := waitWithCancellation(ctx, cmd, pgid, ec.ProcessRegistry)

	if ctx.Err() == context.DeadlineExceeded {
		return nil, &errs.TimeoutError{Scope: "step", ID: step.ID, Timeout: timeout.String()}
	}

	exitCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, &errs.StepFailureError{StepID: step.ID, Diagnostic: waitErr.Error(), Err: waitErr}
		}
	}

	out := &StepOutput{Fields: map[string]any{
		"stdout":   strings.TrimSpace(stdout.String()),
		"stderr":   strings.TrimSpace(stderr.String()),
		"exitCode": exitCode,
	}}

	failOnError := p.FailOnError == nil || *p.FailOnError
	if exitCode != 0 && failOnError {
		return out, &errs.StepFailureError{
			StepID:      step.ID,
			Diagnostic:  fmt.Sprintf("exit code %d: %s", exitCode, strings.TrimSpace(stderr.String())),
			FailOnError: true,
		}
	}
	return out, nil
}

// waitWithCancellation waits for cmd to exit, and on ctx cancellation
// sends a graceful termination signal to the process group, escalating to
// a forceful one after a bounded grace period.
func waitWithCancellation(ctx context.Context, cmd *exec.Cmd, pgid int, reg *ProcessRegistry) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if reg != nil {
			reg.Terminate(pgid, syscall.SIGTERM)
		} else {
			_ = syscall.Kill(-pgid, syscall.SIGTERM)
		}
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			if reg != nil {
				reg.Terminate(pgid, syscall.SIGKILL)
			} else {
				_ = syscall.Kill(-pgid, syscall.SIGKILL)
			}
			return <-done
		}
	}
}
