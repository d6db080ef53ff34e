package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relgraph/relgraph/internal/engine"
	"github.com/relgraph/relgraph/internal/types"
)

var (
	checkTenant      string
	checkZookie      string
	checkConsistency string
)

var checkCmd = &cobra.Command{
	Use:   "check <subject> <permission> <object>",
	Short: "Evaluate one permission check against the local store",
	Example: `  rgd check user:alice view doc:readme --tenant acme
  rgd check user:alice view doc:readme --tenant acme --consistency fully_consistent`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := buildLogger(cfg)
		if err != nil {
			return err
		}
		rt, err := openRuntime(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer rt.Close()

		sub, err := types.ParseSubjectRef(args[0])
		if err != nil {
			return err
		}
		obj, err := types.ParseEntityRef(args[2])
		if err != nil {
			return err
		}
		var selector *types.Consistency
		if checkConsistency != "" {
			mode, err := types.ParseConsistencyMode(checkConsistency)
			if err != nil {
				return err
			}
			selector = &types.Consistency{Mode: mode}
		}

		resp, err := rt.engine.CheckPermission(ctx, engine.CheckRequest{
			Tenant:      checkTenant,
			Subject:     sub,
			Permission:  args[1],
			Object:      obj,
			Zookie:      checkZookie,
			Consistency: selector,
		})
		if err != nil {
			return err
		}

		if jsonOutput {
			outputJSON(map[string]any{
				"allowed":  resp.Decision.Allowed(),
				"degraded": resp.Decision.Degraded,
				"zookie":   resp.Zookie,
			})
			return nil
		}
		verdict := "DENY"
		if resp.Decision.Allowed() {
			verdict = "ALLOW"
		}
		if resp.Decision.Degraded {
			verdict += " (degraded)"
		}
		fmt.Printf("%s\nzookie: %s\n", verdict, resp.Zookie)
		return nil
	},
}

func init() {
	checkCmd.Flags().StringVar(&checkTenant, "tenant", "", "Tenant ID (required)")
	checkCmd.Flags().StringVar(&checkZookie, "zookie", "", "Consistency token from a previous response")
	checkCmd.Flags().StringVar(&checkConsistency, "consistency", "", "minimize_latency | at_least_as_fresh | fully_consistent")
	_ = checkCmd.MarkFlagRequired("tenant")

	rootCmd.AddCommand(checkCmd)
}
