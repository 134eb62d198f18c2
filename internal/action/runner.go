// internal/action/runner.go
package action

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// Runner invokes a host command given as argv
type Runner interface {
	Run(ctx context.Context, argv []string) error
}

// ExecRunner runs commands as child processes
type ExecRunner struct{}

// Run executes argv and folds the command's combined output into the error.
// Uses LC_ALL=C so failure messages read the same across locales.
func (ExecRunner) Run(ctx context.Context, argv []string) error {
	if len(argv) == 0 || argv[0] == "" {
		return errors.New("empty command")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), "LC_ALL=C")
	out, err := cmd.CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

// DryRunner logs the command line instead of running it
type DryRunner struct {
	Logger *zap.Logger
}

func (r DryRunner) Run(ctx context.Context, argv []string) error {
	if r.Logger != nil {
		r.Logger.Info("dry run: skipping host command", zap.Strings("argv", argv))
	}
	return nil
}
