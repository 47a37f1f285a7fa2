package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/atlasfall/breakwater/pkg/server"
)

var version = "dev" // set via -ldflags at build time

func main() {
	configPath := flag.String("config", "~/.breakwater/config.toml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("breakwater %s\n", version)
		return
	}

	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	srv, err := server.New(config)
	if err != nil {
		log.Fatalf("building server: %v", err)
	}
	if err := srv.Start(); err != nil {
		log.Fatalf("starting server: %v", err)
	}
	log.Printf("breakwater %s up (http :%d, xmpp :%d)", version, config.Server.HTTPPort, config.XMPP.TCPPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received %v, shutting down", sig)

	srv.Stop()
}
