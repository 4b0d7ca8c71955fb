// Command bboard runs one bulletin-board process. With two positional
// arguments it is a replica; with three or more it is the primary,
// which additionally hosts the coordinator:
//
//	bboard [flags] client_port replication_port
//	bboard [flags] client_port coordinator_port policy [Nw [Nr]]
//
// Replicas dial the -primary address (default localhost:10000) at
// startup to register; the coordinator's REGISTER reply dictates the
// policy every replica runs, so only the primary's policy argument
// matters.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mini-dynamo/bboard/internal/admin"
	"github.com/mini-dynamo/bboard/internal/config"
	"github.com/mini-dynamo/bboard/internal/coordinator"
	"github.com/mini-dynamo/bboard/internal/netutil"
	"github.com/mini-dynamo/bboard/internal/replica"
	"github.com/mini-dynamo/bboard/pkg/types"
)

var (
	version = "1.0.0"
)

func main() {
	var (
		primaryAddr  = flag.String("primary", config.DefaultPrimaryAddr, "coordinator address replicas register with")
		bindAddr     = flag.String("bind", "127.0.0.1", "address to bind listeners on")
		adminAddr    = flag.String("admin-addr", "", "HTTP status listener address (empty disables)")
		delayMin     = flag.Duration("delay-min", 0, "minimum emulated WAN delay per outbound send")
		delayMax     = flag.Duration("delay-max", 0, "maximum emulated WAN delay per outbound send")
		syncInterval = flag.Duration("sync-interval", config.DefaultSyncInterval, "quorum periodic sync interval")
		configFile   = flag.String("config", "", "configuration file path")
		showVersion  = flag.Bool("version", false, "show version")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("bboard v%s\n", version)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] client_port replication_port\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "       %s [flags] client_port coordinator_port policy [Nw [Nr]]\n", os.Args[0])
		os.Exit(1)
	}

	var cfg *config.Config
	var err error
	if *configFile != "" {
		cfg, err = config.LoadFromFile(*configFile)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	cfg.Address = *bindAddr
	cfg.ClientPort = mustPort(args[0])
	cfg.AdminAddr = *adminAddr
	cfg.DelayMin = *delayMin
	cfg.DelayMax = *delayMax
	cfg.SyncInterval = *syncInterval

	if len(args) >= 3 {
		// Primary role: arg 2 is the coordinator listener port and the
		// co-located replica takes an ephemeral replication port.
		cfg.IsPrimary = true
		cfg.CoordinatorAddr = "127.0.0.1"
		cfg.CoordinatorPort = mustPort(args[1])
		cfg.ReplicationPort = 0

		pol, ok := types.ParsePolicy(args[2])
		if !ok {
			log.Printf("Unknown policy %q, defaulting to sequential", args[2])
		}
		cfg.Policy = pol
		if len(args) >= 4 {
			cfg.Nw = mustInt(args[3], "Nw")
		}
		if len(args) >= 5 {
			cfg.Nr = mustInt(args[4], "Nr")
		}
	} else {
		// Replica role: arg 2 is this replica's replication port and
		// the coordinator lives at -primary.
		cfg.ReplicationPort = mustPort(args[1])
		host, portStr, err := net.SplitHostPort(*primaryAddr)
		if err != nil {
			log.Fatalf("Invalid -primary address %q: %v", *primaryAddr, err)
		}
		cfg.CoordinatorAddr = host
		cfg.CoordinatorPort = mustInt(portStr, "primary port")
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	role := "replica"
	if cfg.IsPrimary {
		role = "primary"
	}
	log.Printf("Starting bboard %s on %s", role, cfg.ClientAddr())
	if cfg.IsPrimary {
		log.Printf("Policy: %s, Nw=%d, Nr=%d", cfg.Policy, cfg.Nw, cfg.Nr)
	}

	dialer := netutil.NewDialer()
	if *delayMax > 0 {
		dialer = dialer.WithDelay(*delayMin, *delayMax)
		log.Printf("WAN delay emulation: %s-%s per outbound send", *delayMin, *delayMax)
	}

	var coord *coordinator.Coordinator
	if cfg.IsPrimary {
		coord = coordinator.New(cfg, dialer)
		if err := coord.Start(); err != nil {
			log.Fatalf("Failed to start coordinator: %v", err)
		}
	}

	rep := replica.New(cfg, dialer)
	if err := rep.Start(); err != nil {
		log.Fatalf("Failed to start replica: %v", err)
	}

	var adminSrv *admin.Server
	if cfg.AdminAddr != "" {
		adminSrv = admin.NewServer(cfg.AdminAddr, func() admin.Status {
			stats := rep.Store().Stats()
			st := admin.Status{
				Role:      role,
				Policy:    string(rep.Policy()),
				ReplicaID: rep.ID(),
				Messages:  stats.MessageCount,
				Version:   stats.Version,
			}
			if coord != nil {
				st.Registry = coord.Replicas()
				st.NextMessageID, st.LastSent = coord.Counters()
			}
			return st
		})
		go func() {
			if err := adminSrv.Start(); err != nil && err != http.ErrServerClosed {
				log.Printf("Admin server error: %v", err)
			}
		}()
	}

	log.Printf("Replica %d is ready", rep.ID())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")

	rep.Stop()
	if coord != nil {
		coord.Stop()
	}
	if adminSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := adminSrv.Stop(ctx); err != nil {
			log.Printf("Error stopping admin server: %v", err)
		}
	}

	log.Println("Shutdown complete")
}

func mustPort(s string) int {
	p := mustInt(s, "port")
	if p < 0 || p > 65535 {
		log.Fatalf("Port %d out of range", p)
	}
	return p
}

func mustInt(s, what string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		log.Fatalf("Invalid %s %q", what, s)
	}
	return v
}
