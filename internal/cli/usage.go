package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/anatolykoptev/go-imagecheck/internal/usage"
)

func (a *app) usageCommand() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Inspect and manage scan quotas",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "Usage database (overrides usage.db_path)")

	withStore := func(run func(cmd *cobra.Command, s *usage.Store, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg.Usage
			if dbPath != "" {
				cfg.DBPath = dbPath
			}
			s, err := openUsage(cfg)
			if err != nil {
				return err
			}
			defer s.Close()
			return run(cmd, s, args)
		}
	}

	enc := func() *json.Encoder {
		e := json.NewEncoder(a.stdout)
		e.SetIndent("", "  ")
		return e
	}

	status := &cobra.Command{
		Use:   "status <user-id>",
		Short: "Show the stored row for a user",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, s *usage.Store, args []string) error {
			u, err := s.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return enc().Encode(u)
		}),
	}

	var months int
	grant := &cobra.Command{
		Use:   "grant <user-id>",
		Short: "Grant premium (unlimited scans) for a number of months",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, s *usage.Store, args []string) error {
			m := months
			if m <= 0 {
				m = a.cfg.Usage.PremiumMonths
			}
			expires, err := s.Upgrade(cmd.Context(), args[0], m)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "Premium until %s\n", expires)
			return nil
		}),
	}
	grant.Flags().IntVarP(&months, "months", "m", 0, "Months of premium (default usage.premium_months)")

	revoke := &cobra.Command{
		Use:   "revoke <user-id>",
		Short: "Remove premium from a user",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, s *usage.Store, args []string) error {
			return s.Downgrade(cmd.Context(), args[0])
		}),
	}

	reset := &cobra.Command{
		Use:   "reset <user-id>",
		Short: "Reset today's scan counter",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, s *usage.Store, args []string) error {
			return s.ResetDaily(cmd.Context(), args[0])
		}),
	}

	var ip, ua string
	id := &cobra.Command{
		Use:   "id",
		Short: "Print the user id derived from a client address and user agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(a.stdout, usage.UserID(ip, ua))
			return nil
		},
	}
	id.Flags().StringVar(&ip, "ip", "", "Client IP address")
	id.Flags().StringVar(&ua, "ua", "", "Client User-Agent")
	id.MarkFlagRequired("ip")

	cmd.AddCommand(status, grant, revoke, reset, id)
	return cmd
}
