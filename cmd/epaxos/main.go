package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"epaxos/internal/epaxos"
	"epaxos/internal/epaxos/state_machine"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML cluster config")
	index := flag.Int("index", -1, "override replica_index from the config")
	debug := flag.Bool("debug", false, "enable debug logging")
	metricsEvery := flag.Duration("metrics-every", 30*time.Second, "metrics dump interval (0 disables)")
	flag.Parse()

	if *configPath == "" {
		log.Fatal("usage: epaxos -config cluster.yaml [-index N]")
	}

	config, err := epaxos.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *index >= 0 {
		config.ReplicaIndex = *index
	}
	config.Logger = &epaxos.StdLogger{Debug: *debug}

	bindAddr := config.BindAddr
	if bindAddr == "" {
		bindAddr = config.Addresses[config.ReplicaIndex]
	}

	var transport epaxos.Transport
	switch config.TransportKind {
	case "tcp":
		transport = epaxos.NewTCPTransport(bindAddr, config.Logger)
	default:
		transport = epaxos.NewUDPTransport(bindAddr, config.Logger)
	}

	replica, err := epaxos.NewReplica(config, transport, state_machine.NewKVStateMachine())
	if err != nil {
		log.Fatalf("Failed to create replica: %v", err)
	}
	if err := replica.Start(); err != nil {
		log.Fatalf("Failed to start replica: %v", err)
	}

	if *metricsEvery > 0 {
		go func() {
			ticker := time.NewTicker(*metricsEvery)
			defer ticker.Stop()
			for range ticker.C {
				if report, err := replica.Metrics().ExportJSON(); err == nil {
					log.Printf("Metrics:\n%s", report)
				}
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down")
	if err := replica.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
}
