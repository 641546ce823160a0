package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dStripe/cmd/layout"
	"github.com/ValentinKolb/dStripe/cmd/serve"
	"github.com/ValentinKolb/dStripe/cmd/simulate"
	"github.com/ValentinKolb/dStripe/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.1"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dstripe",
		Short: "striped file lock coordinator",
		Long: fmt.Sprintf(`dStripe (v%s)

Client side lock coordination for striped files. A lock on a file range is
assembled from one lock per stripe, granted by the storage target that holds
the stripe, and kept consistent while targets revoke, change or fail them.`, Version),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := util.BindCommandFlags(cmd); err != nil {
				return err
			}
			return util.InitLogging()
		},
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dStripe",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dStripe v%s\n", Version)
		},
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(layout.MapCmd)
	RootCmd.AddCommand(simulate.SimulateCmd)
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "log-level"
	RootCmd.PersistentFlags().String(key, "info", util.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
