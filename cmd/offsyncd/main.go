package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/brunodmn/offsync/internal/config"
	"github.com/brunodmn/offsync/internal/daemon"
	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

func main() {
	configFlag := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	// A .env next to the binary is a convenience for local development;
	// missing is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(cfg),
	)

	app.Run()
}
