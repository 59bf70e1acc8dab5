// Command bitchat-node runs a single bitchat mesh node over an in-process
// loopback transport, optionally alongside a handful of simulated peers,
// for local demoing and manual testing where no real BLE radio is
// available. Grounded on cmd/relay/main.go's flag/banner/signal-handling
// shape.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Latticeworks1/bitchat/pkg/api"
	"github.com/Latticeworks1/bitchat/pkg/identity"
	"github.com/Latticeworks1/bitchat/pkg/node"
	"github.com/Latticeworks1/bitchat/pkg/transport"
	"github.com/Latticeworks1/bitchat/pkg/wire"
)

var (
	nickname     = flag.String("nickname", "anon", "Nickname to advertise on the mesh")
	dataDir      = flag.String("data", "./data", "Directory for the identity/trust SQLite store")
	apiPort      = flag.Int("api-port", 8088, "Status/debug HTTP API port (0 disables it)")
	simulatedPeers = flag.Int("sim-peers", 2, "Number of in-process simulated peers to join the loopback mesh")
	tickInterval = flag.Duration("tick", 500*time.Millisecond, "Core event-loop tick interval")
)

func main() {
	flag.Parse()
	printBanner()

	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	myPeerID, err := randomPeerID()
	if err != nil {
		log.Fatalf("Failed to generate peer ID: %v", err)
	}

	store, err := identity.NewSQLiteBlobStore(filepath.Join(*dataDir, "identity.db"))
	if err != nil {
		log.Fatalf("Failed to open identity store: %v", err)
	}
	defer store.Close()

	medium := transport.NewMedium(0)

	n, err := node.New(node.Config{
		MyPeerID:  myPeerID,
		Nickname:  *nickname,
		Store:     store,
		Transport: medium.Join(myPeerID),
	})
	if err != nil {
		log.Fatalf("Failed to construct node: %v", err)
	}
	n.OnMessage = func(sender wire.PeerID, msg wire.ChatMessage) {
		log.Printf("📬 [%s] %s: %s", hexPeerID(sender), msg.Sender, msg.Content)
	}
	n.OnPeerListChanged = func(peers []wire.PeerID) {
		log.Printf("🔓 peer list changed: %d peer(s)", len(peers))
	}
	n.OnDeliveryStatus = func(messageID, status string) {
		log.Printf("✅ message %s: %s", messageID, status)
	}

	spawnSimulatedPeers(medium, *simulatedPeers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *apiPort > 0 {
		server := api.NewServer(n, &api.Config{Port: *apiPort, EnableCORS: true})
		go func() {
			log.Printf("🌐 status API listening on :%d", *apiPort)
			if err := server.Start(ctx); err != nil {
				log.Printf("⚠️  status API stopped: %v", err)
			}
		}()
	}

	go tickLoop(ctx, n, *tickInterval)

	log.Printf("✓ node %s (%s) ready", hexPeerID(myPeerID), *nickname)
	waitForShutdown()
	cancel()
	log.Println("Shutting down gracefully...")
}

func tickLoop(ctx context.Context, n *node.Node, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n.Tick(now)
		}
	}
}

// spawnSimulatedPeers joins count additional nodes to medium purely for
// demo purposes: they periodically broadcast a public message so the
// main node's on_message callback has traffic to show.
func spawnSimulatedPeers(medium *transport.Medium, count int) {
	for i := 0; i < count; i++ {
		id, err := randomPeerID()
		if err != nil {
			log.Printf("⚠️  simulated peer %d: %v", i, err)
			continue
		}
		nick := fmt.Sprintf("sim-%d", i+1)
		simStore, err := identity.NewFileBlobStore(filepath.Join(*dataDir, fmt.Sprintf("sim-%d", i+1)))
		if err != nil {
			log.Printf("⚠️  simulated peer %d: %v", i, err)
			continue
		}
		peer, err := node.New(node.Config{
			MyPeerID:  id,
			Nickname:  nick,
			Store:     simStore,
			Transport: medium.Join(id),
		})
		if err != nil {
			log.Printf("⚠️  simulated peer %d: %v", i, err)
			continue
		}
		go func(p *node.Node, nick string) {
			ticker := time.NewTicker(7 * time.Second)
			defer ticker.Stop()
			for range ticker.C {
				_, _ = p.SendPublic(fmt.Sprintf("hello from %s", nick))
			}
		}(peer, nick)
	}
}

func randomPeerID() (wire.PeerID, error) {
	var id wire.PeerID
	_, err := rand.Read(id[:])
	return id, err
}

func hexPeerID(id wire.PeerID) string {
	return fmt.Sprintf("%x", id)
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════════╗")
	fmt.Println("║              bitchat mesh node  v0.1               ║")
	fmt.Println("║   Bluetooth-mesh chat protocol core, loopback demo ║")
	fmt.Println("╚═══════════════════════════════════════════════════╝")
	fmt.Println()
}

func waitForShutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	fmt.Println()
}
