package retrain

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Trainer is the protected long-running procedure. The context is the
// cooperative cancellation checkpoint: implementations must observe
// ctx.Done() at their natural checkpoints and stop, because the
// coordinator will not (and cannot) forcibly interrupt work that does
// not check.
type Trainer interface {
	Train(ctx context.Context) error
}

// TrainerFunc adapts a function to the Trainer interface.
type TrainerFunc func(ctx context.Context) error

func (f TrainerFunc) Train(ctx context.Context) error { return f(ctx) }

// CommandTrainer runs the configured training command as a subprocess.
// Cancellation sends SIGTERM and gives the process a grace window to
// checkpoint and exit before the runtime escalates to SIGKILL.
type CommandTrainer struct {
	argv      []string
	waitDelay time.Duration
}

func NewCommandTrainer(command string) (*CommandTrainer, error) {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return nil, fmt.Errorf("trainer command required")
	}
	return &CommandTrainer{
		argv:      argv,
		waitDelay: 30 * time.Second,
	}, nil
}

func (t *CommandTrainer) Train(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, t.argv[0], t.argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = t.waitDelay

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("trainer %q: %w", t.argv[0], err)
	}
	return nil
}
