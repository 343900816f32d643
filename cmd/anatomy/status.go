package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/codeanatomy/codeanatomy/internal/storage"
)

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show the state and log of a run",
	Long:  `Print the status, timestamps and log of an analysis run, and how to resume it when a checkpoint is available.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, err := storage.Open(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	run, err := store.GetRun(ctx, args[0])
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("run %s not found", args[0])
	}
	if err != nil {
		return err
	}

	fmt.Printf("Run %s\n", run.ID)
	if p, err := store.GetProject(ctx, run.ProjectID); err == nil {
		fmt.Printf("  Project:  %s\n", p.Name)
	}
	fmt.Printf("  Status:   %s\n", run.Status)
	fmt.Printf("  Created:  %s\n", run.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	if run.StartedAt != nil {
		fmt.Printf("  Started:  %s\n", run.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if run.FinishedAt != nil {
		fmt.Printf("  Finished: %s\n", run.FinishedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if run.ErrorMessage != "" {
		fmt.Printf("  Error:    %s\n", run.ErrorMessage)
	}
	if run.Status.Resumable() {
		if _, err := store.LoadRunCheckpoint(ctx, run.ID); err == nil {
			fmt.Printf("  Resume:   anatomy resume %s\n", run.ID)
		}
	}
	if run.Log != "" {
		fmt.Println()
		fmt.Println("Log:")
		for _, line := range strings.Split(strings.TrimRight(run.Log, "\n"), "\n") {
			fmt.Printf("  %s\n", line)
		}
	}
	return nil
}
