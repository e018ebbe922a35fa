// Command corkd is the collaborative board coordinator daemon: a
// websocket event router over an authoritative cache with write-behind
// persistence.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/corkboard/corkboard"
	"github.com/corkboard/corkboard/internal/config"
)

var (
	configPath string
	log        = logrus.New()
)

var rootCmd = &cobra.Command{
	Use:   "corkd",
	Short: "Collaborative board coordinator",
	Long: `corkd serves a shared kanban board to concurrent editors over
websockets. Task state lives in an authoritative cache, mutations
fan out to every connection, and a debounced write-behind queue
persists to durable storage.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the corkd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("corkd %s\n", corkboard.Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to corkboard.yaml (default: ./corkboard.yaml if present)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setupLogging configures the process logger from config.
func setupLogging(cfg *config.Config) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
