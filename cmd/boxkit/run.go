package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/boxkit/boxkit"
)

var (
	runName       string
	runCPUs       int
	runMemoryMB   int
	runEnv        []string
	runWorkingDir string
	runTimeout    time.Duration
	runKeep       bool
	runSecurity   string
)

var runCmd = &cobra.Command{
	Use:   "run IMAGE COMMAND [ARGS...]",
	Short: "Run a command in a fresh box",
	Long: `Create a box from IMAGE, run COMMAND inside it and stream its output.
The box is removed afterwards unless --keep is given.

Examples:
  boxkit run alpine:latest echo hi
  boxkit run --env FOO=bar alpine:latest env
  boxkit run --timeout 30s --name builder debian:12 make -j4`,
	Args: cobra.MinimumNArgs(2),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runName, "name", "", "box name (default: unnamed)")
	runCmd.Flags().IntVar(&runCPUs, "cpus", 0, "vCPU allocation (default from config)")
	runCmd.Flags().IntVar(&runMemoryMB, "memory", 0, "memory in MiB (default from config)")
	runCmd.Flags().StringArrayVar(&runEnv, "env", nil, "environment variables (KEY=VALUE, repeatable)")
	runCmd.Flags().StringVar(&runWorkingDir, "workdir", "", "working directory inside the guest")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "kill the command after this duration")
	runCmd.Flags().BoolVar(&runKeep, "keep", false, "keep the box after the command exits")
	runCmd.Flags().StringVar(&runSecurity, "security", "standard", "security preset: development, standard, maximum")
}

func runRun(_ *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	opts := []boxkit.CreateOption{
		boxkit.WithImage(args[0]),
		boxkit.WithSecurity(boxkit.SecurityPreset(runSecurity)),
	}
	if runName != "" {
		opts = append(opts, boxkit.WithName(runName))
	}
	if runCPUs > 0 {
		opts = append(opts, boxkit.WithCPUs(runCPUs))
	}
	if runMemoryMB > 0 {
		opts = append(opts, boxkit.WithMemoryMB(runMemoryMB))
	}
	for _, kv := range runEnv {
		opts = append(opts, boxkit.WithEnv(kv))
	}
	if runWorkingDir != "" {
		opts = append(opts, boxkit.WithWorkingDir(runWorkingDir))
	}

	box, err := rt.Create(ctx, opts...)
	if err != nil {
		return err
	}
	if !runKeep {
		defer rt.Remove(context.Background(), box.ID(), true)
	}

	exec, err := box.Run(ctx, boxkit.CommandSpec{
		Command: args[1],
		Args:    args[2:],
		Timeout: runTimeout,
	})
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	if stdout, ok := exec.Stdout(); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			io.Copy(os.Stdout, stdout)
		}()
	}
	if stderr, ok := exec.Stderr(); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			io.Copy(os.Stderr, stderr)
		}()
	}

	result, err := exec.Wait(ctx)
	if err != nil {
		exec.Kill(context.Background())
		return err
	}
	wg.Wait()

	if result.Code != 0 {
		if result.Message != "" {
			fmt.Fprintf(os.Stderr, "boxkit: %s (%s)\n", result.Message, result.Reason)
		}
		os.Exit(int(exitCode(result)))
	}
	return nil
}

// exitCode maps a guest result to a shell exit code, using the 128+n
// convention for signal deaths.
func exitCode(result boxkit.ExitResult) int32 {
	if result.Code < 0 {
		return 128 - result.Code
	}
	return result.Code
}
