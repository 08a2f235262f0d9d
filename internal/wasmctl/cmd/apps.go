package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sorenmh/infrastructure-shared/wasm-deploy/internal/wasmctl/output"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/models"
)

var appsCmd = &cobra.Command{
	Use:   "apps",
	Short: "Manage applications",
	Long:  `Register applications and attach custom domains to them.`,
}

var appsRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a new application",
	Long: `Register a repository application with wasm-deploy.

The slug must match the application's entry in the repository's
wasm-deploy.json.

Example:
  wasmctl apps register --slug widget --owner acme --repo widget --org acme --default-branch main`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}

		slug, _ := cmd.Flags().GetString("slug")
		owner, _ := cmd.Flags().GetString("owner")
		repo, _ := cmd.Flags().GetString("repo")
		org, _ := cmd.Flags().GetString("org")
		branch, _ := cmd.Flags().GetString("default-branch")
		ledgers, _ := cmd.Flags().GetBool("commit-ledgers")

		app, err := c.RegisterApplication(cmd.Context(), models.Application{
			Slug:                slug,
			Owner:               owner,
			Repo:                repo,
			OrgSlug:             org,
			DefaultBranch:       branch,
			DeployCommitLedgers: ledgers,
		})
		if err != nil {
			return err
		}

		return output.Print(format(), app, func() {
			output.Success("Application registered successfully")
			fmt.Fprintln(output.Out)
			fmt.Fprintf(output.Out, "  Slug:   %s\n", app.Slug)
			fmt.Fprintf(output.Out, "  ID:     %s\n", app.ID)
			fmt.Fprintf(output.Out, "  Repo:   %s/%s\n", app.Owner, app.Repo)
			fmt.Fprintf(output.Out, "  Prefix: %s\n", app.Prefix())
		})
	},
}

var appsAddDomainCmd = &cobra.Command{
	Use:   "add-domain <app-id> <fqdn>",
	Short: "Attach a custom domain to an application",
	Long: `Attach a custom domain to an application. Only verified domains
receive deployments.

Example:
  wasmctl apps add-domain 1b2c3d4e-... widget.io --verified`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		verified, _ := cmd.Flags().GetBool("verified")

		domain, err := c.AddDomain(cmd.Context(), args[0], args[1], verified)
		if err != nil {
			return err
		}

		return output.Print(format(), domain, func() {
			output.Success(fmt.Sprintf("Domain %s added", domain.FQDN))
			if !domain.Verified {
				output.Warn("domain is not verified, no deployments will target it")
			}
		})
	},
}

func init() {
	appsRegisterCmd.Flags().String("slug", "", "application slug (required)")
	appsRegisterCmd.Flags().String("owner", "", "repository owner (required)")
	appsRegisterCmd.Flags().String("repo", "", "repository name (required)")
	appsRegisterCmd.Flags().String("org", "", "organisation slug (required)")
	appsRegisterCmd.Flags().String("default-branch", "main", "branch used when a push carries none")
	appsRegisterCmd.Flags().Bool("commit-ledgers", false, "also deploy every build to its own address")
	for _, f := range []string{"slug", "owner", "repo", "org"} {
		appsRegisterCmd.MarkFlagRequired(f)
	}

	appsAddDomainCmd.Flags().Bool("verified", false, "mark the domain as verified")

	appsCmd.AddCommand(appsRegisterCmd, appsAddDomainCmd)
	rootCmd.AddCommand(appsCmd)
}
