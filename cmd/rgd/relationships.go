package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relgraph/relgraph/internal/types"
)

var (
	relTenant string
	relRemove bool

	readObjectType  string
	readObjectID    string
	readRelation    string
	readSubjectType string
	readSubjectID   string
)

var writeCmd = &cobra.Command{
	Use:   "write <object> <relation> <subject>",
	Short: "Add or remove one relationship tuple",
	Example: `  rgd write doc:readme direct_viewer user:alice --tenant acme
  rgd write doc:readme direct_viewer user:alice --tenant acme --remove`,
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

		obj, err := types.ParseEntityRef(args[0])
		if err != nil {
			return err
		}
		sub, err := types.ParseSubjectRef(args[2])
		if err != nil {
			return err
		}
		tup := types.Tuple{Tenant: relTenant, Object: obj, Relation: args[1], Subject: sub}

		var zookie string
		if relRemove {
			zookie, err = rt.engine.WriteRelationships(ctx, relTenant, nil, []types.Tuple{tup})
		} else {
			zookie, err = rt.engine.WriteRelationships(ctx, relTenant, []types.Tuple{tup}, nil)
		}
		if err != nil {
			return err
		}

		if jsonOutput {
			outputJSON(map[string]string{"zookie": zookie})
			return nil
		}
		fmt.Printf("ok\nzookie: %s\n", zookie)
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "List relationship tuples matching a filter",
	Example: `  rgd read --tenant acme --object-type doc
  rgd read --tenant acme --subject-id alice`,
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

		filter := types.TupleFilter{
			ObjectType:  readObjectType,
			ObjectID:    readObjectID,
			Relation:    readRelation,
			SubjectType: readSubjectType,
			SubjectID:   readSubjectID,
		}
		tuples, err := rt.engine.ReadRelationships(ctx, relTenant, filter, "", nil)
		if err != nil {
			return err
		}

		if jsonOutput {
			out := make([]map[string]any, len(tuples))
			for i, tup := range tuples {
				entry := map[string]any{
					"object":   tup.Object.String(),
					"relation": tup.Relation,
					"subject":  tup.Subject.String(),
				}
				if tup.Caveat != nil {
					entry["caveat"] = tup.Caveat
				}
				out[i] = entry
			}
			outputJSON(out)
			return nil
		}
		for _, tup := range tuples {
			line := fmt.Sprintf("%s %s %s", tup.Object, tup.Relation, tup.Subject)
			if tup.Caveat != nil {
				line += fmt.Sprintf(" [%s]", tup.Caveat.Name)
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{writeCmd, readCmd} {
		cmd.Flags().StringVar(&relTenant, "tenant", "", "Tenant ID (required)")
		_ = cmd.MarkFlagRequired("tenant")
	}
	writeCmd.Flags().BoolVar(&relRemove, "remove", false, "Remove the tuple instead of adding it")

	readCmd.Flags().StringVar(&readObjectType, "object-type", "", "Filter by object type")
	readCmd.Flags().StringVar(&readObjectID, "object-id", "", "Filter by object ID")
	readCmd.Flags().StringVar(&readRelation, "relation", "", "Filter by relation")
	readCmd.Flags().StringVar(&readSubjectType, "subject-type", "", "Filter by subject type")
	readCmd.Flags().StringVar(&readSubjectID, "subject-id", "", "Filter by subject ID")

	rootCmd.AddCommand(writeCmd, readCmd)
}
