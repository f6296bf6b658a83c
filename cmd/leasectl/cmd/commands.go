package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-lease/v1/adapter"
	"github.com/mirkobrombin/go-lease/v1/lease"
	"github.com/mirkobrombin/go-lease/v1/validator"
)

var (
	checkWatch time.Duration
	checkHeal  bool
	tryHold    time.Duration
	runWait    time.Duration

	provisionCmd = &cobra.Command{
		Use:   "provision",
		Short: "Create the lease table if it does not exist",
		Args:  cobra.NoArgs,
		RunE:  runProvision,
	}

	checkCmd = &cobra.Command{
		Use:   "check",
		Short: "Check the lease table schema",
		Long:  "Check that the lease table exists and has the expected key and expiry settings. With --watch the check repeats until interrupted.",
		Args:  cobra.NoArgs,
		RunE:  runCheck,
	}

	tryCmd = &cobra.Command{
		Use:   "try [key]",
		Short: "Make a single attempt at a lease",
		Args:  cobra.ExactArgs(1),
		RunE:  runTry,
	}

	runCmd = &cobra.Command{
		Use:   "run [key] -- [command...]",
		Short: "Run a command while holding a lease",
		Long:  "Acquire the lease on key, run the command and release the lease when it exits. The command is stopped if the lease is lost.",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runRun,
	}
)

func init() {
	checkCmd.Flags().DurationVar(&checkWatch, "watch", 0, "repeat the check at this interval")
	checkCmd.Flags().BoolVar(&checkHeal, "heal", false, "provision the table when it goes missing (with --watch)")
	tryCmd.Flags().DurationVar(&tryHold, "hold", 0, "hold the lease this long before releasing it")
	runCmd.Flags().DurationVar(&runWait, "wait", 0, "give up after waiting this long (0 waits forever)")
}

func runProvision(cmd *cobra.Command, _ []string) error {
	s, err := openStack(cmd.Context(), lease.WithoutSchemaCheck())
	if err != nil {
		return err
	}
	defer s.Close()

	p, ok := s.Backend.(adapter.Provisioner)
	if !ok {
		return fmt.Errorf("backend %q cannot provision tables", cfg.Backend)
	}
	if err := p.Provision(cmd.Context(), s.Table()); err != nil {
		return fmt.Errorf("provision %q: %w", s.Table(), err)
	}
	cmd.Printf("provisioned=true table=%s\n", s.Table())
	return nil
}

func runCheck(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	s, err := openStack(ctx, lease.WithoutSchemaCheck())
	if err != nil {
		return err
	}
	defer s.Close()

	if checkWatch <= 0 {
		if err := validator.CheckTable(ctx, s.Backend, s.Table()); err != nil {
			return err
		}
		cmd.Printf("valid=true table=%s\n", s.Table())
		return nil
	}

	mode := validator.ModeAlert
	if checkHeal {
		mode = validator.ModeAutoHeal
	}
	v := validator.New(s.Backend, s.Table(), mode, checkWatch)
	v.Run(ctx)
	cmd.Printf("failed_checks=%d\n", v.Metrics())
	return nil
}

func runTry(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openStack(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	l, err := s.TryAcquire(ctx, args[0])
	if err != nil {
		return err
	}
	if l == nil {
		cmd.Printf("acquired=false key=%s\n", args[0])
		return nil
	}
	cmd.Printf("acquired=true key=%s token=%s\n", l.Key(), l.Token())
	if tryHold > 0 {
		select {
		case <-time.After(tryHold):
		case <-l.Done():
		case <-ctx.Done():
		}
	}
	state := l.State()
	l.Release()
	// give the background delete a chance before the connections close
	time.Sleep(100 * time.Millisecond)
	if state == lease.StateLost {
		return fmt.Errorf("lease on %q lost while held", args[0])
	}
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openStack(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	key := args[0]
	var l *lease.Lease
	if runWait > 0 {
		l, err = s.AcquireTimeout(ctx, key, runWait)
	} else {
		l, err = s.Acquire(ctx, key)
	}
	if err != nil {
		return err
	}
	defer func() {
		l.Release()
		time.Sleep(100 * time.Millisecond)
	}()

	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.Done():
			cancel()
		case <-childCtx.Done():
		}
	}()

	child := exec.CommandContext(childCtx, args[1], args[2:]...)
	child.Stdin, child.Stdout, child.Stderr = os.Stdin, cmd.OutOrStdout(), cmd.ErrOrStderr()
	child.Env = append(os.Environ(), "LEASE_KEY="+key, "LEASE_TOKEN="+l.Token())
	err = child.Run()
	if l.State() == lease.StateLost {
		return errors.Join(fmt.Errorf("lease on %q lost, command stopped", key), err)
	}
	return err
}
