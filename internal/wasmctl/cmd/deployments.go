package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sorenmh/infrastructure-shared/wasm-deploy/internal/wasmctl/output"
)

var deploymentsCmd = &cobra.Command{
	Use:     "deployments",
	Aliases: []string{"deployment", "dep"},
	Short:   "Inspect and manage deployments",
}

var deploymentsListCmd = &cobra.Command{
	Use:   "list <app-id>",
	Short: "List the deployments of an application",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		resp, err := c.ListDeployments(cmd.Context(), args[0], limit, offset)
		if err != nil {
			return err
		}

		return output.Print(format(), resp, func() {
			if len(resp.Deployments) == 0 {
				fmt.Fprintln(output.Out, "No deployments found")
				return
			}
			output.PrintDeployments(resp.Deployments, time.Now())
			fmt.Fprintf(output.Out, "\nShowing %d of %d deployments\n", len(resp.Deployments), resp.Total)
		})
	},
}

var deploymentsGetCmd = &cobra.Command{
	Use:   "get <deployment-id>",
	Short: "Show one deployment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		dep, err := c.GetDeployment(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if out, _ := cmd.Flags().GetString("wasm-out"); out != "" && len(dep.Wasm) > 0 {
			if err := os.WriteFile(out, dep.Wasm, 0644); err != nil {
				return fmt.Errorf("failed to write module: %w", err)
			}
		}

		summary := *dep
		summary.Wasm = nil
		return output.Print(format(), summary, func() {
			fmt.Fprintf(output.Out, "ID:        %s\n", dep.ID)
			fmt.Fprintf(output.Out, "Address:   %s\n", dep.Address.FQDN)
			fmt.Fprintf(output.Out, "Status:    %s\n", output.Status(*dep))
			fmt.Fprintf(output.Out, "Life:      %s (expires %s)\n", dep.Life, output.Expiry(*dep, time.Now()))
			fmt.Fprintf(output.Out, "Branch:    %s\n", dep.Branch)
			fmt.Fprintf(output.Out, "Build:     %s\n", dep.Build)
			fmt.Fprintf(output.Out, "Module:    %d bytes\n", len(dep.Wasm))
			if len(dep.ContractFunctions) > 0 {
				fmt.Fprintf(output.Out, "Functions: %s\n", strings.Join(dep.ContractFunctions, ", "))
			}
			if dep.Error != nil {
				fmt.Fprintf(output.Out, "Error:     %s\n", dep.Error.Error())
			}
			if dep.Stderr != "" {
				fmt.Fprintf(output.Out, "\n%s\n", dep.Stderr)
			}
		})
	},
}

var deploymentsReleaseCmd = &cobra.Command{
	Use:   "release <deployment-id>",
	Short: "Promote a deployment to the application's release addresses",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		by, _ := cmd.Flags().GetString("requested-by")

		released, err := c.Release(cmd.Context(), args[0], by)
		if err != nil {
			return err
		}

		return output.Print(format(), released, func() {
			output.Success(fmt.Sprintf("Release started on %d addresses", len(released)))
			output.PrintDeployments(released, time.Now())
		})
	},
}

var deploymentsTerminateCmd = &cobra.Command{
	Use:   "terminate <deployment-id>",
	Short: "Tear a deployment down",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		if err := c.Terminate(cmd.Context(), args[0]); err != nil {
			return err
		}
		output.Success("Deployment is terminating")
		return nil
	},
}

var deploymentsDeleteCmd = &cobra.Command{
	Use:   "delete <deployment-id>",
	Short: "Delete a deployment record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		if err := c.DeleteDeployment(cmd.Context(), args[0]); err != nil {
			return err
		}
		output.Success("Deployment deleted")
		return nil
	},
}

func init() {
	deploymentsListCmd.Flags().Int("limit", 20, "maximum number of deployments to list")
	deploymentsListCmd.Flags().Int("offset", 0, "number of deployments to skip")
	deploymentsGetCmd.Flags().String("wasm-out", "", "write the compiled module to this file")
	deploymentsReleaseCmd.Flags().String("requested-by", os.Getenv("USER"), "who requested the release")

	deploymentsCmd.AddCommand(deploymentsListCmd, deploymentsGetCmd, deploymentsReleaseCmd, deploymentsTerminateCmd, deploymentsDeleteCmd)
	rootCmd.AddCommand(deploymentsCmd)
}
