package main

import (
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:   "researchctl",
		Short: "Start, watch and cancel research requests",
		Long: `researchctl talks to a running orchestrator. Requests run on the server;
watching a request streams its events and cancelling is a soft stop that keeps
results of searches already running.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().String("server", "http://localhost:8080", "orchestrator base URL")
	root.PersistentFlags().Duration("timeout", 30*time.Second, "timeout for non-streaming calls")
	_ = v.BindPFlag("server", root.PersistentFlags().Lookup("server"))
	_ = v.BindPFlag("timeout", root.PersistentFlags().Lookup("timeout"))
	v.SetEnvPrefix("RESEARCHCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	clientFor := func() *client {
		return newClient(v.GetString("server"), v.GetDuration("timeout"))
	}

	root.AddCommand(
		newStartCmd(clientFor),
		newCancelCmd(clientFor),
		newWatchCmd(clientFor),
		newStatusCmd(clientFor),
	)
	return root
}
