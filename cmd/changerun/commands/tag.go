package commands

import (
	"errors"

	"github.com/loykin/changerun"
	"github.com/spf13/cobra"
)

var TagCmd = &cobra.Command{
	Use:   "tag <project-key> <changeset-id> [tag]",
	Short: "Set, replace or remove the tag of an applied changeset",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		remove, _ := cmd.Flags().GetBool("remove")
		tag := ""
		if len(args) == 3 {
			tag = args[2]
		}
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		if c := remote(doc); c != nil {
			res, err := c.SetTag(ctx, args[0], args[1], tag, remove)
			if err != nil {
				return err
			}
			if !res.Success() {
				return errors.New(res.Message())
			}
			return printRemote(out, res)
		}
		return withService(ctx, doc, func(svc *changerun.Service) error {
			rep, err := svc.SetChangesetTag(ctx, args[0], args[1], tag, remove)
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
	TagCmd.Flags().Bool("remove", false, "remove the tag instead of setting one")
}
