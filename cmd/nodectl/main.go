package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/drtio/internal/config"
	"github.com/danmuck/drtio/internal/node"
	"github.com/danmuck/drtio/internal/observability"
	"github.com/rs/zerolog/log"
)

func main() {
	path := flag.String("config", "cmd/nodectl/master.toml", "node config path")
	flag.Parse()

	observability.InitLogger("nodectl")
	cfg, err := config.LoadNode(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nodectl: %v\n", err)
		os.Exit(1)
	}
	log.Info().Str("path", *path).Str("node", cfg.Node.Name).Str("role", string(cfg.Node.Role)).Msg("loaded node config")

	svc, err := node.NewService(cfg, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nodectl: %v\n", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := svc.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "nodectl: %v\n", err)
		os.Exit(1)
	}
}
