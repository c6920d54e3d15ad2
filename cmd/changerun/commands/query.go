package commands

import (
	"errors"

	"github.com/loykin/changerun"
	"github.com/spf13/cobra"
)

var QueryCmd = &cobra.Command{
	Use:   "query <project-key> <sql>",
	Short: "Execute an ad-hoc statement, optionally capturing it as a changeset",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		capture, _ := cmd.Flags().GetBool("capture")
		tag := optionalTag(cmd)
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		if c := remote(doc); c != nil {
			res, err := c.ExecuteQuery(ctx, args[0], args[1], capture, tag)
			if err != nil {
				return err
			}
			if !res.Success() {
				return errors.New(res.Message())
			}
			return printRemote(out, res)
		}
		return withService(ctx, doc, func(svc *changerun.Service) error {
			rep := svc.ExecuteAdHocQuery(ctx, args[0], args[1], capture, tag)
			if !rep.Success {
				return errors.New(rep.Message)
			}
			return printJSON(out, rep)
		})
	},
}

var SaveCmd = &cobra.Command{
	Use:   "save <project-key> <sql>",
	Short: "Save a statement as a new changeset without executing it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		author, _ := cmd.Flags().GetString("author")
		description, _ := cmd.Flags().GetString("description")
		tag := optionalTag(cmd)
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		if c := remote(doc); c != nil {
			res, err := c.SaveChangeset(ctx, args[0], args[1], author, description, tag)
			if err != nil {
				return err
			}
			return printRemote(out, res)
		}
		return withService(ctx, doc, func(svc *changerun.Service) error {
			ref, err := svc.SaveAsChangeset(ctx, args[0], args[1], author, description, tag)
			if err != nil {
				return err
			}
			return printJSON(out, ref)
		})
	},
}

func init() {
	QueryCmd.Flags().Bool("capture", false, "save a successful mutation as a changeset")
	QueryCmd.Flags().String("tag", "", "tag directive for the captured changeset")
	SaveCmd.Flags().String("author", "", "changeset author (default system)")
	SaveCmd.Flags().String("description", "", "changeset comment")
	SaveCmd.Flags().String("tag", "", "tag directive for the changeset")
}
