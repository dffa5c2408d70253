// Command jimchat-server runs the jimchat server.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aeolun/jimchat/pkg/server"
)

func main() {
	configPath := flag.String("config", "~/.jimchat/config.toml", "Path to the TOML config file (written with defaults if missing)")
	debug := flag.Bool("debug", false, "Write a protocol trace to debug.log in the data directory")
	flag.Parse()

	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	dbPath, err := config.GetDatabasePath()
	if err != nil {
		log.Fatalf("Failed to resolve database path: %v", err)
	}

	srv, err := server.NewServer(dbPath, config.ToServerConfig())
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}
	if *debug {
		srv.EnableDebugLogging()
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("jimchat server started (database %s)", dbPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %v, shutting down...", sig)

	if err := srv.Stop(); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Printf("Server stopped")
}
