package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"elector/pkg/auth"
	"elector/pkg/client"
	"elector/pkg/election"
)

type options struct {
	addr    string
	token   string
	apiKey  string
	timeout time.Duration
}

func main() {
	if err := rootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd(out io.Writer) *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:          "electorctl",
		Short:        "Inspect and control an elector daemon",
		SilenceUsage: true,
	}
	cmd.SetOut(out)

	pflags := cmd.PersistentFlags()
	pflags.StringVar(&opts.addr, "addr", envOr("ELECTOR_ADDR", "http://localhost:8080"), "daemon API address")
	pflags.StringVar(&opts.token, "token", os.Getenv("ELECTOR_TOKEN"), "bearer token")
	pflags.StringVar(&opts.apiKey, "api-key", os.Getenv("ELECTOR_API_KEY"), "API key")
	pflags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")

	cmd.AddCommand(
		healthCmd(opts),
		listCmd(opts),
		roleCmd(opts, "status", "Show the elections of a role", func(ctx context.Context, c *client.Client, role string) (any, error) {
			return c.Election(ctx, role)
		}),
		roleCmd(opts, "leader", "Show the current leader of a role", func(ctx context.Context, c *client.Client, role string) (any, error) {
			return c.Leader(ctx, role)
		}),
		roleCmd(opts, "candidates", "Show the candidates waiting for a role", func(ctx context.Context, c *client.Client, role string) (any, error) {
			return c.Candidates(ctx, role)
		}),
		roleCmd(opts, "location", "Show the published leader location of a role", func(ctx context.Context, c *client.Client, role string) (any, error) {
			return c.Location(ctx, role)
		}),
		roleCmd(opts, "start", "Start contending for a role", func(ctx context.Context, c *client.Client, role string) (any, error) {
			return c.Start(ctx, role)
		}),
		eventsCmd(opts),
		stopCmd(opts),
		tokenCmd(),
	)
	return cmd
}

func (o *options) client() *client.Client {
	c := client.NewClient(o.addr)
	c.Token = o.token
	c.APIKey = o.apiKey
	return c
}

func (o *options) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, o.timeout)
}

func healthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check daemon health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			h, err := opts.client().Health(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), h)
		},
	}
}

func listCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every election of the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			elections, err := opts.client().Elections(ctx)
			if err != nil {
				return err
			}
			printStatuses(cmd.OutOrStdout(), elections)
			return nil
		},
	}
}

func roleCmd(opts *options, use, short string, fn func(context.Context, *client.Client, string) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <role>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			v, err := fn(ctx, opts.client(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v)
		},
	}
}

func eventsCmd(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events <role>",
		Short: "Show the journaled leadership events of a role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			events, err := opts.client().Events(ctx, args[0], limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), events)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of events")
	return cmd
}

func stopCmd(opts *options) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "stop <role>",
		Short: "Stop contending for a role, releasing leadership",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			results, err := opts.client().Stop(ctx, args[0], wait)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), results)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "how long the daemon waits for the release")
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		secret  string
		subject string
		role    string
		scopes  []string
		expiry  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := auth.NewJWTService(auth.JWTConfig{SecretKey: secret, TokenExpiry: expiry})
			if err != nil {
				return err
			}
			token, err := svc.GenerateToken(subject, auth.Role(role), scopes)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&secret, "secret", os.Getenv("JWT_SECRET"), "signing secret shared with the daemon")
	flags.StringVar(&subject, "subject", "electorctl", "token subject")
	flags.StringVar(&role, "role", string(auth.RoleViewer), "admin, operator or viewer")
	flags.StringSliceVar(&scopes, "scope", nil, "election roles the token may act on (default all)")
	flags.DurationVar(&expiry, "expiry", time.Hour, "token lifetime")
	return cmd
}

func printStatuses(w io.Writer, statuses []election.Status) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROLE\tPATH\tCANDIDATE\tSTATE\tLEADING\tTOKEN\tLAST ERROR")
	for _, s := range statuses {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%d\t%s\n",
			s.Role, s.Path, s.CandidateID, s.State, s.Leading, s.FencingToken, s.LastError)
	}
	tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
