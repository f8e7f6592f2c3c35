package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/arcthur/brewva/internal/agentregistry"
	"github.com/arcthur/brewva/internal/config"
)

func openRegistry(cfg *config.Config) (*agentregistry.Registry, error) {
	workspace := config.ExpandHome(cfg.Workspace)
	channelDir := filepath.Join(workspace, ".brewva", "channel")
	agentsDir := filepath.Join(workspace, ".brewva", "agents")
	return agentregistry.Open(channelDir, agentsDir)
}

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Inspect and manage the agent registry",
	}
	cmd.AddCommand(agentLsCmd())
	cmd.AddCommand(agentRmCmd())
	return cmd
}

func agentLsCmd() *cobra.Command {
	var scopeKey string
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List the agent registry snapshot for a scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			reg, err := openRegistry(cfg)
			if err != nil {
				return err
			}
			focused, defaultID, agents := reg.Snapshot(scopeKey)
			fmt.Printf("default: %s   focused: %s\n\n", defaultID, focused)
			for _, a := range agents {
				marker := " "
				if a.IsFocused {
					marker = "*"
				}
				fmt.Printf("%s %-20s %-8s model=%s\n", marker, a.AgentID, a.Status, a.Model)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&scopeKey, "scope", "global", "scope key to resolve focus against")
	return cmd
}

func agentRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Soft-delete an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			reg, err := openRegistry(cfg)
			if err != nil {
				return err
			}
			if err := reg.SoftDelete(args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", args[0])
			return nil
		},
	}
}
