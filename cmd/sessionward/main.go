package main

import (
	"fmt"
	"os"

	"github.com/pixperk/sessionward/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "sessionward",
	Short: "Single-owner coordination for long-lived protocol sessions",
	Long: `sessionward makes sure every registered connection is run by exactly one
instance of the fleet, picks one leader connection per identity, reclaims
orphaned connections and reconnects dead ones under a cooldown.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.InitViper(viper.GetString("config"))
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is ./sessionward.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: trace, debug, info, warn, error")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(runCmd, coorddCmd, connCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
