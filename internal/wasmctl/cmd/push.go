package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sorenmh/infrastructure-shared/wasm-deploy/internal/wasmctl/output"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/models"
)

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Submit a push event",
	Long: `Submit a push event so every application the push touches is built
and deployed. CI systems usually call this after a push.

Example:
  wasmctl push --owner acme --repo widget --ref refs/heads/main \
    --before $GITHUB_EVENT_BEFORE --after $GITHUB_SHA`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}

		ev := models.PushEvent{}
		ev.Owner, _ = cmd.Flags().GetString("owner")
		ev.Repo, _ = cmd.Flags().GetString("repo")
		ev.Ref, _ = cmd.Flags().GetString("ref")
		ev.Before, _ = cmd.Flags().GetString("before")
		ev.After, _ = cmd.Flags().GetString("after")
		ev.ForceDeploy, _ = cmd.Flags().GetBool("force")
		if err := models.ValidatePushEvent(&ev); err != nil {
			return err
		}

		scheduled, err := c.Push(cmd.Context(), ev)
		if err != nil {
			return err
		}

		return output.Print(format(), scheduled, func() {
			if len(scheduled) == 0 {
				fmt.Fprintln(output.Out, "Push touched no registered application")
				return
			}
			output.Success(fmt.Sprintf("Deploying %d application(s)", len(scheduled)))
			for _, id := range scheduled {
				fmt.Fprintf(output.Out, "  %s\n", id)
			}
		})
	},
}

func init() {
	pushCmd.Flags().String("owner", "", "repository owner (required)")
	pushCmd.Flags().String("repo", "", "repository name (required)")
	pushCmd.Flags().String("ref", os.Getenv("GITHUB_REF"), "pushed ref")
	pushCmd.Flags().String("before", "", "commit before the push")
	pushCmd.Flags().String("after", os.Getenv("GITHUB_SHA"), "commit after the push")
	pushCmd.Flags().Bool("force", false, "deploy every application regardless of changed files")
	pushCmd.MarkFlagRequired("owner")
	pushCmd.MarkFlagRequired("repo")

	rootCmd.AddCommand(pushCmd)
}
