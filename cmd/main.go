package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/Konstantsiy/raft-replication/logging"
	raftserver "github.com/Konstantsiy/raft-replication/raft-server"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to a yaml config, other flags are ignored when set")
		id         = flag.Uint("id", 0, "ID of this server")
		address    = flag.String("address", "", "Address of this server as seen by the peers (e.g., raft-node-1:8000)")
		peers      = flag.String("peers", "", "Comma separated list of id=address pairs, including this server (e.g., 1=localhost:8001,2=localhost:8002)")
		leader     = flag.Uint("leader", 1, "ID of the leader")
		dataDir    = flag.String("data", "./data", "Data directory for persistent state")
		logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn or error")
	)

	flag.Parse()

	cfg, err := loadConfig(*configPath, uint32(*id), *address, *peers, uint32(*leader), *dataDir, *logLevel)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	if err = os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
		logger.Error("failed to create data directory", "dir", cfg.Node.DataDir, "err", err)
		os.Exit(1)
	}

	server, err := raftserver.NewServer(cfg, logger)
	if err != nil {
		logger.Error("failed to create server", "err", err)
		os.Exit(1)
	}

	server.Start()
	defer server.Shutdown()

	handler := raftserver.NewHTTPHandler(server)
	mux := http.NewServeMux()
	handler.RegisterHandlers(mux)

	_, port, err := net.SplitHostPort(cfg.Node.Address)
	if err != nil {
		logger.Error("invalid node address", "address", cfg.Node.Address, "err", err)
		os.Exit(1)
	}

	httpServer := &http.Server{Addr: ":" + port, Handler: mux}

	go func() {
		logger.Info("server listening", "id", cfg.Node.ID, "port", port, "leader", cfg.Cluster.Leader)
		if _err := httpServer.ListenAndServe(); _err != nil && !errors.Is(_err, http.ErrServerClosed) {
			logger.Error("http server failed", "err", _err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err = httpServer.Shutdown(ctx); err != nil {
		logger.Warn("http server shutdown", "err", err)
	}
}

func loadConfig(path string, id uint32, address, peers string, leader uint32, dataDir, logLevel string) (*raftserver.Config, error) {
	if path != "" {
		return raftserver.LoadConfig(path)
	}

	if peers == "" {
		return nil, errors.New("peers must be provided")
	}

	peerConfigs, err := parsePeers(peers)
	if err != nil {
		return nil, err
	}

	cfg := &raftserver.Config{
		Node:    raftserver.NodeConfig{ID: id, Address: address, DataDir: dataDir},
		Cluster: raftserver.ClusterConfig{Leader: leader, Peers: peerConfigs},
		Logging: logging.Config{Level: logLevel},
	}

	cfg.ApplyDefaults()

	if err = cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// parsePeers parses "1=host:port,2=host:port"
func parsePeers(s string) ([]raftserver.PeerConfig, error) {
	var res []raftserver.PeerConfig

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		idStr, addr, ok := strings.Cut(part, "=")
		if !ok {
			return nil, errors.Newf("peer %q must look like id=address", part)
		}

		id, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid peer id %q", idStr)
		}

		res = append(res, raftserver.PeerConfig{ID: uint32(id), Address: addr})
	}

	return res, nil
}
