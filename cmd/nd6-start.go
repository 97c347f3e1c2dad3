package cmd

import (
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/kube-vip/nd6/pkg/config"
	"github.com/kube-vip/nd6/pkg/manager"
)

var configPath string

func init() {
	// Get the configuration file
	nd6Start.Flags().StringVarP(&configPath, "config", "c", "", "Path to an nd6 configuration")
}

var nd6Start = &cobra.Command{
	Use:   "start",
	Short: "Start the simulated network",
	Run: func(cmd *cobra.Command, _ []string) {
		// Set the logging level for all subsequent functions
		log.SetLevel(log.Level(logLevel))

		if configPath == "" {
			_ = cmd.Help()
			log.Fatalln("No Configuration has been specified")
		}

		c, err := config.LoadConfigFromFile(configPath)
		if err != nil {
			log.Fatalf("%v", err)
		}

		// parse environment variables, these will overwrite anything loaded
		if err := config.ParseEnvironment(c); err != nil {
			log.Fatalln(err)
		}

		// the flag wins over the file and the environment
		if !cmd.Flags().Changed("log") {
			log.SetLevel(log.Level(c.Logging))
		}

		if err := c.CheckInterfaces(); err != nil {
			log.Fatalln(err)
		}
		if err := c.Validate(); err != nil {
			log.Fatalln(err)
		}

		sm, err := manager.New(c, clock.RealClock{})
		if err != nil {
			log.Fatalf("%v", err)
		}
		if err := sm.Start(context.Background()); err != nil {
			log.Fatalf("%v", err)
		}
	},
}
