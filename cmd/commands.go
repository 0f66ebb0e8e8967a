package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/rdf-harvester/internal/harvest"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the scheduler, the workers and the operator API",
		Long: `Recovers harvests left unfinished by a crash, then runs the scheduled
and urgent harvest loops, the reaper, history pruning and the operator
HTTP API until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return appInstance.Serve(cmd.Context())
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Creates missing tables and indexes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Opening the application applies the schema.
			if _, err := resolveApp(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		},
	}
}

func newRecoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Rolls back harvests left unfinished by a crash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			report, err := appInstance.Recover(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "found=%d recovered=%d skipped=%d failed=%d\n",
				report.Found, report.Recovered, report.Skipped, report.Failed)
			return nil
		},
	}
}

func newReapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Physically deletes sources queued for deletion",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			report, err := appInstance.Reap(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued=%d deleted=%d skipped=%d failed=%d\n",
				report.Queued, report.Deleted, report.Skipped, report.Failed)
			return nil
		},
	}
}

func newRegisterCmd() *cobra.Command {
	var (
		interval  int
		priority  bool
		owner     string
		emails    string
		mediaType string
	)
	cmd := &cobra.Command{
		Use:   "register <url>",
		Short: "Registers a harvest source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			url := harvest.CanonicalURL(args[0])
			if url == "" {
				return fmt.Errorf("url is required")
			}
			if interval < 0 {
				return fmt.Errorf("--interval must be >= 0")
			}
			id, err := appInstance.Register(cmd.Context(), harvest.Source{
				URL:             url,
				IntervalMinutes: interval,
				PrioritySource:  priority,
				Owner:           owner,
				Emails:          emails,
				MediaType:       mediaType,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s as source %d\n", url, id)
			return nil
		},
	}
	cmd.Flags().IntVar(&interval, "interval", 0, "harvest interval in minutes (0 harvests only on demand)")
	cmd.Flags().BoolVar(&priority, "priority", false, "schedule ahead of regular sources")
	cmd.Flags().StringVar(&owner, "owner", "", "owner recorded on the source")
	cmd.Flags().StringVar(&emails, "emails", "", "comma separated notification addresses")
	cmd.Flags().StringVar(&mediaType, "media-type", "", "override the served content type")
	return cmd
}

func newPushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push <url> <file|->",
		Short: "Queues RDF content for an urgent push harvest",
		Long: `Reads an RDF document from a file, or from stdin when the file is "-",
and queues it as the new content of the source url.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			url := harvest.CanonicalURL(args[0])
			if url == "" {
				return fmt.Errorf("url is required")
			}
			var content []byte
			if args[1] == "-" {
				content, err = io.ReadAll(cmd.InOrStdin())
			} else {
				content, err = os.ReadFile(args[1])
			}
			if err != nil {
				return fmt.Errorf("read content: %w", err)
			}
			if err := appInstance.Push(cmd.Context(), url, string(content)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %d bytes for %s\n", len(content), url)
			return nil
		},
	}
}
