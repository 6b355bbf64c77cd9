package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var rmForce bool

var rmCmd = &cobra.Command{
	Use:   "rm BOX [BOX...]",
	Short: "Remove one or more boxes",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRm,
}

var stopCmd = &cobra.Command{
	Use:   "stop BOX [BOX...]",
	Short: "Stop one or more running boxes",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runStop,
}

func init() {
	rmCmd.Flags().BoolVarP(&rmForce, "force", "f", false, "stop a running box before removing it")
}

func runRm(_ *cobra.Command, args []string) error {
	ctx := context.Background()
	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	for _, idOrName := range args {
		if err := rt.Remove(ctx, idOrName, rmForce); err != nil {
			return fmt.Errorf("removing %s: %w", idOrName, err)
		}
		fmt.Println(idOrName)
	}
	return nil
}

func runStop(_ *cobra.Command, args []string) error {
	ctx := context.Background()
	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	for _, idOrName := range args {
		box, err := rt.Get(ctx, idOrName)
		if err != nil {
			return fmt.Errorf("stopping %s: %w", idOrName, err)
		}
		if err := box.Stop(ctx); err != nil {
			return fmt.Errorf("stopping %s: %w", idOrName, err)
		}
		fmt.Println(idOrName)
	}
	return nil
}
