package commands

import (
	"github.com/loykin/changerun"
	"github.com/spf13/cobra"
)

var HistoryCmd = &cobra.Command{
	Use:   "history <project-key>",
	Short: "List the applied changesets of a project, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		if c := remote(doc); c != nil {
			res, err := c.ListChangelog(ctx, args[0])
			if err != nil {
				return err
			}
			return printRemote(out, res)
		}
		return withService(ctx, doc, func(svc *changerun.Service) error {
			rows, err := svc.ListChangelogEntries(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(out, rows)
		})
	},
}

var ProfilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List the connection profiles of the local store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		return withService(ctx, doc, func(svc *changerun.Service) error {
			list, err := svc.ListProfiles(ctx)
			if err != nil {
				return err
			}
			for i := range list {
				list[i].Password = ""
			}
			return printJSON(cmd.OutOrStdout(), list)
		})
	},
}
