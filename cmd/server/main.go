package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/picochat/picochat/pkg/server"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] <address> <port>\n\n", os.Args[0])
	fmt.Fprintln(os.Stderr, "Flags:")
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "~/.config/picochat/server.toml", "Path to config file")
	debug := flag.Bool("debug", false, "Write debug.log")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 2 {
		usage()
		os.Exit(2)
	}
	address := flag.Arg(0)
	port, err := strconv.Atoi(flag.Arg(1))
	if err != nil || port < 0 || port > 65535 {
		fmt.Fprintf(os.Stderr, "Invalid port %q\n\n", flag.Arg(1))
		usage()
		os.Exit(2)
	}

	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	config := tomlConfig.ToServerConfig()
	config.Address = address
	config.Port = port
	if *debug {
		config.Debug = true
	}

	if err := server.InitLoggers(config.LogDir, config.Debug); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}

	log.Printf("Loaded config from %s", *configPath)
	log.Printf("Max frame size: %d bytes, max name length: %d", config.MaxFrameSize, config.MaxNameLength)
	log.Printf("Attachments in %s (compressed: %v)", config.AttachmentsDir, config.CompressAttachments)

	srv, err := server.NewServer(config)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := srv.Start(); err != nil {
		srv.Close()
		log.Fatalf("Failed to start server: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("Received %s, shutting down", sig)

	// Stop accepting first, then close the connections still open
	srv.Stop()
	log.Printf("Closing %d connections", srv.ConnectionCount())
	if err := srv.Close(); err != nil {
		log.Printf("Close: %v", err)
	}
	log.Println("Server stopped")
}
