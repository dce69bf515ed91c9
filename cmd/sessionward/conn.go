package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/pixperk/sessionward/pkg/registry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var connCmd = &cobra.Command{
	Use:   "conn",
	Short: "Maintain the connection registry",
}

var connAddCmd = &cobra.Command{
	Use:   "add <connection-id>",
	Short: "Register a connection, active unless --status says otherwise",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		identity, _ := cmd.Flags().GetString("identity")
		raw, _ := cmd.Flags().GetString("status")
		status, err := registry.ParseStatus(raw)
		if err != nil {
			return err
		}
		return withRegistry(func(reg *registry.Bolt) error {
			return reg.Put(cmd.Context(), registry.Connection{ID: args[0], Identity: identity, Status: status})
		})
	},
}

var connStatusCmd = &cobra.Command{
	Use:   "status <connection-id> <active|inactive|disconnected>",
	Short: "Change a connection's declared status",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := registry.ParseStatus(args[1])
		if err != nil {
			return err
		}
		return withRegistry(func(reg *registry.Bolt) error {
			return reg.SetStatus(cmd.Context(), args[0], status)
		})
	},
}

var connRmCmd = &cobra.Command{
	Use:   "rm <connection-id>",
	Short: "Remove a connection from the registry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(func(reg *registry.Bolt) error {
			return reg.Delete(cmd.Context(), args[0])
		})
	},
}

var connLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List registered connections",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(func(reg *registry.Bolt) error {
			conns, err := reg.List(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tIDENTITY\tSTATUS\tUPDATED")
			for _, c := range conns {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.ID, c.Identity, c.Status, c.UpdatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		})
	},
}

func init() {
	connAddCmd.Flags().String("identity", "", "external identity the connection may lead")
	connAddCmd.Flags().String("status", string(registry.StatusActive), "initial status")

	connCmd.AddCommand(connAddCmd, connStatusCmd, connRmCmd, connLsCmd)
}

func withRegistry(fn func(*registry.Bolt) error) error {
	reg, err := registry.OpenBolt(viper.GetString("registry.path"), nil)
	if err != nil {
		return err
	}
	defer reg.Close()
	return fn(reg)
}
