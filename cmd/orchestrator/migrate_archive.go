package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Azure-Samples/healthcare-agent-orchestrator/config"
)

// newMigrateArchiveCmd builds the operator command that runs the Context
// Service's clear/archive operation against one or more conversations
// without going through the HTTP ingress — for bulk offboarding or
// scheduled retention sweeps.
func newMigrateArchiveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate-archive [conversation-id...]",
		Short: "Archive patient context for one or more conversations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runMigrateArchive(cmd.Context(), cfg, args)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	return cmd
}

func runMigrateArchive(ctx context.Context, cfg *config.Config, conversationIDs []string) error {
	a, err := buildApp(cfg)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}
	defer a.Close(ctx)

	var failures int
	for _, id := range conversationIDs {
		result, err := a.contextSvc.Clear(ctx, id)
		if err != nil {
			a.logger.Error("archive failed", zap.String("conversation_id", id), zap.Error(err))
			failures++
			continue
		}
		if len(result.FailedPatients) > 0 {
			a.logger.Warn("archive completed with per-patient failures",
				zap.String("conversation_id", id),
				zap.String("archive_folder", result.ArchiveFolder),
				zap.Int("failed_patients", len(result.FailedPatients)))
			continue
		}
		a.logger.Info("archived", zap.String("conversation_id", id), zap.String("archive_folder", result.ArchiveFolder))
	}

	if failures > 0 {
		return fmt.Errorf("%d of %d conversations failed to archive", failures, len(conversationIDs))
	}
	return nil
}
