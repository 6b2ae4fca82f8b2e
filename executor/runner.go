package executor

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"time"
)

type envKey struct{}

// WithEnv returns a context under which commands see the extra KEY=value pairs. Secrets go here rather
// than into the command text, which is logged.
func WithEnv(ctx context.Context, env ...string) context.Context {
	if len(env) == 0 {
		return ctx
	}
	merged := append(append([]string{}, Env(ctx)...), env...)
	return context.WithValue(ctx, envKey{}, merged)
}

// Env returns the pairs added with WithEnv.
func Env(ctx context.Context) []string {
	env, _ := ctx.Value(envKey{}).([]string)
	return env
}

// A Runner runs one shell command and streams its combined stdout and stderr into out.
// A non-nil error means the command could not be started or exited non-zero.
type Runner interface {
	Run(ctx context.Context, command string, out io.Writer) error
}

// LocalRunner runs commands on this machine through a shell.
type LocalRunner struct {
	Shell string // defaults to bash
}

func (r *LocalRunner) Run(ctx context.Context, command string, out io.Writer) error {
	shell := r.Shell
	if shell == "" {
		shell = "bash"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Stdout = out
	cmd.Stderr = out
	if env := Env(ctx); len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	// The shell may fork children (pipelines, daemons), so cancellation signals the whole group.
	killGroupOnCancel(cmd)
	cmd.WaitDelay = 5 * time.Second
	return cmd.Run()
}

// RunOutput runs the command and returns everything it printed.
func RunOutput(ctx context.Context, r Runner, command string) ([]byte, error) {
	var buf bytes.Buffer
	err := r.Run(ctx, command, &buf)
	return buf.Bytes(), err
}
