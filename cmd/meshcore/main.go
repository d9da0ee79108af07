package main

import (
	"os"

	"github.com/spf13/cobra"

	"meshcore/cmd/cli"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "meshcore",
		Short: "meshcore node CLI — identity, sessions, relay, rate governance",
	}
	cli.RegisterIdentity(rootCmd)
	cli.RegisterSession(rootCmd)
	cli.RegisterRelay(rootCmd)
	cli.RegisterRate(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
