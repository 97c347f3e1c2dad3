package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kube-vip/nd6/pkg/config"
)

var logLevel uint32

// Release - this struct contains the release information populated when building nd6
var Release struct {
	Version string
	Build   string
}

var nd6Cmd = &cobra.Command{
	Use:   "nd6",
	Short: "IPv6 Neighbor Discovery on simulated Ethernet segments",
}

func init() {
	// Manage logging
	nd6Cmd.PersistentFlags().Uint32VarP(&logLevel, "log", "l", 4, "Set the level of logging")

	nd6Cmd.AddCommand(nd6Version)
	nd6Cmd.AddCommand(nd6Sample)
	nd6Cmd.AddCommand(nd6Start)
	nd6Cmd.AddCommand(nd6Decode)

	// Sample commands
	nd6Sample.AddCommand(nd6SampleConfig)
}

// Execute - starts the command parsing process
func Execute() {
	if err := nd6Cmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

var nd6Version = &cobra.Command{
	Use:   "version",
	Short: "Version and Release information about nd6",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("nd6 Release Information\n")
		fmt.Printf("Version:  %s\n", Release.Version)
		fmt.Printf("Build:    %s\n", Release.Build)
	},
}

var nd6Sample = &cobra.Command{
	Use:   "sample",
	Short: "Generate a Sample configuration",
	Run: func(cmd *cobra.Command, _ []string) {
		_ = cmd.Help()
	},
}

var nd6SampleConfig = &cobra.Command{
	Use:   "config",
	Short: "Generate a Sample configuration with a router and two hosts",
	Run: func(_ *cobra.Command, _ []string) {
		config.SampleConfig()
	},
}
