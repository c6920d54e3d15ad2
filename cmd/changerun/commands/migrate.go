package commands

import (
	"errors"

	"github.com/loykin/changerun"
	"github.com/spf13/cobra"
)

var MigrateCmd = &cobra.Command{
	Use:   "migrate <project-key> <changelog-path>",
	Short: "Apply pending changesets of a changelog to a project database",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		tag, _ := cmd.Flags().GetString("tag")
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		if c := remote(doc); c != nil {
			res, err := c.RunMigration(ctx, args[0], args[1], tag)
			if err != nil {
				return err
			}
			return printRemote(out, res)
		}
		return withService(ctx, doc, func(svc *changerun.Service) error {
			rep, err := svc.RunMigration(ctx, args[0], args[1], tag)
			if err != nil {
				return err
			}
			if !rep.Success {
				return errors.New(rep.Message)
			}
			return printJSON(out, rep)
		})
	},
}

func init() {
	MigrateCmd.Flags().String("tag", "", "tag the ledger after applying")
}
