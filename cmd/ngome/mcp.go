package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/ngome/internal/config"
	mcpgw "github.com/jkaninda/ngome/internal/gateway/mcp"
)

var mcpConfigPath string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the sandbox over the Model Context Protocol (stdio)",
	Long: `Expose the sandbox to AI assistant runtimes as an MCP server on
stdin/stdout. Logs go to stderr; stdout carries only protocol frames.
Register the binary in an assistant's MCP configuration as:

  {"command": "ngome", "args": ["mcp"]}`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpConfigPath, "config", config.DefaultConfigPath(), "path to config file")
}

func runMCP(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig(mcpConfigPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw := mcpgw.NewGateway(sc.Dispatcher, sc.Engine, version, logger)

	err = gw.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = gw.Stop(shutdownCtx)

	// A canceled context is the normal way out: the assistant closed
	// stdin or the operator hit Ctrl-C.
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
