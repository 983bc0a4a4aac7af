package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shadowsift/shadowsift/internal/client"
	"github.com/shadowsift/shadowsift/internal/version"
)

// resolveServerURL returns the server URL from the flag or SHADOWSIFT_SERVER_URL
// env var. Returns an error if neither is set.
func resolveServerURL(cmd *cobra.Command, flagValue string) (string, error) {
	normalize := func(v string) string {
		return strings.TrimRight(v, "/")
	}
	if cmd.Flags().Changed("server") {
		return normalize(flagValue), nil
	}
	if v := os.Getenv("SHADOWSIFT_SERVER_URL"); v != "" {
		return normalize(v), nil
	}
	return "", fmt.Errorf("server URL required: use --server flag or set SHADOWSIFT_SERVER_URL")
}

// resolveToken returns the admin token from the flag or SHADOWSIFT_ADMIN_TOKEN.
func resolveToken(cmd *cobra.Command, flagValue string) (string, error) {
	if cmd.Flags().Changed("token") {
		return flagValue, nil
	}
	if v := os.Getenv("SHADOWSIFT_ADMIN_TOKEN"); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("admin token required: use --token flag or set SHADOWSIFT_ADMIN_TOKEN")
}

func newClient(cmd *cobra.Command, serverURL, token string) (*client.Client, error) {
	resolved, err := resolveServerURL(cmd, serverURL)
	if err != nil {
		return nil, err
	}
	tok, err := resolveToken(cmd, token)
	if err != nil {
		return nil, err
	}
	return client.New(resolved, tok), nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:     "shadowsift",
		Short:   "Shadowsift - discover third-party OAuth apps across your organization",
		Version: version.Version,
	}
	rootCmd.SetVersionTemplate(version.String("shadowsift") + "\n")

	rootCmd.AddCommand(newSyncCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newAppsCmd())
	rootCmd.AddCommand(newUsersCmd())
	rootCmd.AddCommand(newManageCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func addConnFlags(cmd *cobra.Command, serverURL, token *string) {
	cmd.Flags().StringVar(serverURL, "server", "", "Shadowsift server URL (or set SHADOWSIFT_SERVER_URL)")
	cmd.Flags().StringVar(token, "token", "", "Admin Bearer token (or set SHADOWSIFT_ADMIN_TOKEN)")
}

func newSyncCmd() *cobra.Command {
	var (
		serverURL string
		token     string
		domain    string
		email     string
		credsFile string
		watch     bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Start a discovery sync for an organization",
		Long: `Submit provider admin credentials and start a discovery run. The
credentials file is JSON with provider, client_id, client_secret and a
refresh_token (plus tenant_id for Microsoft).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd, serverURL, token)
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(credsFile)
			if err != nil {
				return fmt.Errorf("read credentials file: %w", err)
			}

			job, err := c.StartSync(cmd.Context(), domain, email, json.RawMessage(raw))
			if err != nil {
				var conflict *client.ConflictError
				if errors.As(err, &conflict) {
					return fmt.Errorf("sync %s is already running; check it with: shadowsift status %s", conflict.ActiveJobID, conflict.ActiveJobID)
				}
				return err
			}
			fmt.Printf("job_id=%s\nstatus=%s\n", job.JobID, job.Status)

			if watch {
				return watchJob(cmd.Context(), c, job.JobID)
			}
			return nil
		},
	}

	addConnFlags(cmd, &serverURL, &token)
	cmd.Flags().StringVar(&domain, "domain", "", "Organization domain (required)")
	cmd.Flags().StringVar(&email, "operator-email", "", "Operator email for completion notifications")
	cmd.Flags().StringVar(&credsFile, "credentials-file", "", "Path to provider credentials JSON (required)")
	cmd.Flags().BoolVar(&watch, "watch", false, "Poll the job until it finishes")
	cmd.MarkFlagRequired("domain")
	cmd.MarkFlagRequired("credentials-file")

	return cmd
}

func newStatusCmd() *cobra.Command {
	var (
		serverURL string
		token     string
		watch     bool
		force     bool
	)

	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a sync job's phase, progress and status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd, serverURL, token)
			if err != nil {
				return err
			}
			if force {
				job, err := c.ForceComplete(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printJob(job)
				return nil
			}
			if watch {
				return watchJob(cmd.Context(), c, args[0])
			}
			job, err := c.GetSync(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printJob(job)
			return nil
		},
	}

	addConnFlags(cmd, &serverURL, &token)
	cmd.Flags().BoolVar(&watch, "watch", false, "Poll until the job reaches a final state")
	cmd.Flags().BoolVar(&force, "force-complete", false, "Force a stuck job to COMPLETED")

	return cmd
}

func newAppsCmd() *cobra.Command {
	var (
		serverURL string
		token     string
		domain    string
		riskLevel string
		catFilter string
	)

	cmd := &cobra.Command{
		Use:   "apps",
		Short: "List discovered applications for an organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd, serverURL, token)
			if err != nil {
				return err
			}
			apps, err := c.ListApplications(cmd.Context(), domain, catFilter, riskLevel)
			if err != nil {
				return err
			}
			if len(apps) == 0 {
				fmt.Println("no applications found")
				return nil
			}
			for _, app := range apps {
				cat := app.Category
				if cat == "" {
					cat = "-"
				}
				fmt.Printf("%-40s  risk=%-6s  users=%-5d  scopes=%-4d  category=%-24s  management=%s\n",
					truncate(app.Name, 40), app.RiskLevel, app.UserCount, app.PermissionCount, cat, app.ManagementStatus)
			}
			return nil
		},
	}

	addConnFlags(cmd, &serverURL, &token)
	cmd.Flags().StringVar(&domain, "domain", "", "Organization domain (required)")
	cmd.Flags().StringVar(&riskLevel, "risk", "", "Filter by risk level: LOW|MEDIUM|HIGH")
	cmd.Flags().StringVar(&catFilter, "category", "", "Filter by category")
	cmd.MarkFlagRequired("domain")

	return cmd
}

func newUsersCmd() *cobra.Command {
	var (
		serverURL string
		token     string
		domain    string
	)

	cmd := &cobra.Command{
		Use:   "users",
		Short: "List discovered directory users for an organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd, serverURL, token)
			if err != nil {
				return err
			}
			users, err := c.ListUsers(cmd.Context(), domain)
			if err != nil {
				return err
			}
			if len(users) == 0 {
				fmt.Println("no users found")
				return nil
			}
			for _, u := range users {
				fmt.Printf("%-36s  %-24s  apps=%d\n", u.Email, truncate(u.DisplayName, 24), u.AppCount)
			}
			return nil
		},
	}

	addConnFlags(cmd, &serverURL, &token)
	cmd.Flags().StringVar(&domain, "domain", "", "Organization domain (required)")
	cmd.MarkFlagRequired("domain")

	return cmd
}

func newManageCmd() *cobra.Command {
	var (
		serverURL string
		token     string
		domain    string
		status    string
	)

	cmd := &cobra.Command{
		Use:   "manage <app-id>",
		Short: "Set an application's management status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd, serverURL, token)
			if err != nil {
				return err
			}
			if err := c.SetManagementStatus(cmd.Context(), domain, args[0], status); err != nil {
				return err
			}
			fmt.Printf("app_id=%s\nmanagement_status=%s\n", args[0], status)
			return nil
		},
	}

	addConnFlags(cmd, &serverURL, &token)
	cmd.Flags().StringVar(&domain, "domain", "", "Organization domain (required)")
	cmd.Flags().StringVar(&status, "status", "", "MANAGED, UNMANAGED or NEEDS_REVIEW (required)")
	cmd.MarkFlagRequired("domain")
	cmd.MarkFlagRequired("status")

	return cmd
}

func watchJob(ctx context.Context, c *client.Client, jobID string) error {
	for {
		job, err := c.GetSync(ctx, jobID)
		if err != nil {
			return err
		}
		printJob(job)
		switch job.Status {
		case "COMPLETED", "COMPLETED_WITH_ERRORS", "FAILED":
			if job.Status == "FAILED" {
				return fmt.Errorf("sync failed: %s", job.Message)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func printJob(job *client.SyncJob) {
	stuck := ""
	if job.Stuck {
		stuck = "  STUCK"
	}
	fmt.Printf("[%3d%%] %-12s %-22s %s%s\n", job.Progress, job.Phase, job.Status, job.Message, stuck)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
