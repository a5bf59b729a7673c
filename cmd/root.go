package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ValentinKolb/dMQ/cmd/call"
	"github.com/ValentinKolb/dMQ/cmd/serve"
	"github.com/ValentinKolb/dMQ/cmd/util"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dmq",
		Short: "session based messaging",
		Long: fmt.Sprintf(`dMQ (v%s)

A session based messaging layer written in Go. Entities exchange
requests, replies and events over pluggable framing protocols on
tcp, unix, websocket and HTTP long-poll transports.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dMQ",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dMQ v%s\n", Version)
		},
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(call.CallCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "config"
	RootCmd.PersistentFlags().String(key, "", util.WrapString("Optional TOML config file. Flags and DMQ_* environment variables that are set explicitly override its values"))
	key = "content-type"
	RootCmd.PersistentFlags().String(key, "binary", util.WrapString("content type of the entity messages (binary, json, gob)"))
	key = "log-level"
	RootCmd.PersistentFlags().String(key, "info", util.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
