// Scenecommd — the scene-scoped relay daemon.
//
// Clients connect over TCP (default port 2021), identify themselves,
// declare a scene, and exchange reliable control messages and unreliable
// datagrams with co-scene peers. The daemon is a pure relay: no
// persistence, no auth, opaque payloads.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/attolabs/scenecomm/internal/conf"
	"github.com/attolabs/scenecomm/internal/ops"
	"github.com/attolabs/scenecomm/internal/relay"
	"github.com/attolabs/scenecomm/internal/util"
)

var version = "dev"

var (
	cfgFile   string
	debugMode bool
)

var rootCmd = &cobra.Command{
	Use:          "scenecommd",
	Short:        "Scene-scoped relay server for the scenecomm protocol",
	Version:      version,
	RunE:         run,
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "path to YAML config (defaults apply when omitted)")
	rootCmd.Flags().BoolVar(&debugMode, "debug", false, "enable debug logging")
}

func run(cmd *cobra.Command, args []string) error {
	cfg := conf.Default()
	if cfgFile != "" {
		loaded, err := conf.LoadFromFile(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if debugMode || cfg.Log.Level == "debug" {
		util.EnableDebug()
	}

	// Root context — cancelled on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ports := relay.NewPortAllocator(cfg.UDP.PortMin, cfg.UDP.PortMax)
	hub := relay.NewHub(cfg.ListenAddr(), ports)
	if err := hub.Start(); err != nil {
		return err
	}

	var opsSrv *ops.Server
	if cfg.Ops.Addr != "" {
		opsSrv = ops.NewServer(cfg.Ops.Addr, hub.Roster)
		if _, err := opsSrv.Start(); err != nil {
			hub.Stop()
			return err
		}
	}

	util.StartStatsReporter(ctx)
	util.LogInfo("scenecomm relay v%s started", version)

	<-ctx.Done()

	util.LogInfo("shutdown signal received")
	if opsSrv != nil {
		opsSrv.Close()
	}
	hub.Stop()
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}
