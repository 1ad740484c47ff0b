// Command demo runs a three node cluster inside one process with an embedded worker on
// every node. "start" submits a batch of echo jobs and stops the leader while they run;
// "recover" reopens the same data directories and shows what the log replay restored.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ChuLiYu/raft-jobdist/internal/client"
	"github.com/ChuLiYu/raft-jobdist/internal/config"
	"github.com/ChuLiYu/raft-jobdist/internal/controller"
	"github.com/ChuLiYu/raft-jobdist/internal/logging"
	"github.com/ChuLiYu/raft-jobdist/internal/metrics"
	"github.com/ChuLiYu/raft-jobdist/internal/wire"
	"github.com/ChuLiYu/raft-jobdist/pkg/types"
)

const dataDir = "demo-data"

var peers = map[string]string{
	"n1": "127.0.0.1:7101",
	"n2": "127.0.0.1:7102",
	"n3": "127.0.0.1:7103",
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]
	if mode != "start" && mode != "recover" {
		log.Fatalf("unknown mode %q", mode)
	}
	if mode == "start" {
		if err := os.RemoveAll(dataDir); err != nil {
			log.Fatalf("Failed to reset %s: %v", dataDir, err)
		}
	}

	closer, err := logging.Setup(logging.Config{Level: "warn", Format: "console"})
	if err != nil {
		log.Fatal(err)
	}
	defer closer.Close()

	nodes := make(map[string]*controller.Controller)
	for id := range peers {
		ctrl, err := startNode(id)
		if err != nil {
			log.Fatalf("Failed to start %s: %v", id, err)
		}
		nodes[id] = ctrl
	}
	defer func() {
		for _, n := range nodes {
			n.Stop()
		}
	}()
	fmt.Printf("✓ Cluster started (mode: %s)\n", mode)

	leader := waitLeader(nodes)
	fmt.Printf("✓ Leader elected: %s\n", leader)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if mode == "recover" {
		printStats("Recovered state", nodes[leader].JobManager().Stats())
	} else {
		c, err := client.New(client.Config{Seeds: []string{peers[leader]}})
		if err != nil {
			log.Fatal(err)
		}
		defer c.Close()

		const total = 200
		for i := 1; i <= total; i++ {
			_, err := c.Submit(sigCtx, &wire.SubmitJobRequest{
				ProjectID: "demo",
				AuthorID:  "demo",
				MethodID:  7,
				Input:     []byte(fmt.Sprintf("job_%d", i)),
			})
			if err != nil {
				log.Fatalf("Failed to submit job %d: %v", i, err)
			}
		}
		fmt.Printf("✓ Submitted %d jobs\n", total)

		time.Sleep(300 * time.Millisecond)
		fmt.Printf("\n⚡ Stopping leader %s while jobs are in flight\n", leader)
		nodes[leader].Stop()
		delete(nodes, leader)

		leader = waitLeader(nodes)
		fmt.Printf("✓ New leader: %s\n", leader)
	}

	for i := 0; i < 20; i++ {
		select {
		case <-sigCtx.Done():
			fmt.Println("\nReceived shutdown signal, stopping")
			return
		case <-time.After(250 * time.Millisecond):
		}
		st := nodes[leader].JobManager().Stats()
		fmt.Printf("📊 Pending=%d Running=%d Completed=%d Failed=%d\n",
			st.Pending, st.Assigned+st.Running, st.Completed, st.Failed)
		if st.Pending+st.Assigned+st.Running == 0 && st.Total() > 0 {
			break
		}
	}
	printStats("Final state", nodes[leader].JobManager().Stats())
	fmt.Printf("\n💡 Run 'go run ./cmd/demo recover' to replay the surviving logs\n")
}

func startNode(id string) (*controller.Controller, error) {
	cfg := config.Default()
	cfg.Node.ID = id
	cfg.Node.Listen = peers[id]
	cfg.Node.DataDir = filepath.Join(dataDir, id)
	cfg.Cluster.Peers = peers
	cfg.Jobs.LeaseDuration = 2 * time.Second
	cfg.Jobs.RequeueExpired = true
	cfg.Storage.SnapshotInterval = 2 * time.Second
	cfg.Worker.Concurrency = 4
	cfg.Worker.PollInterval = 100 * time.Millisecond
	cfg.Worker.HeartbeatInterval = 500 * time.Millisecond

	ctrl, err := controller.NewController(cfg, metrics.NewCollector())
	if err != nil {
		return nil, err
	}
	if err := ctrl.Start(); err != nil {
		ctrl.Stop()
		return nil, err
	}
	return ctrl, nil
}

func waitLeader(nodes map[string]*controller.Controller) string {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		for id, n := range nodes {
			if n.Raft().IsLeader() {
				return id
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	log.Fatal("no leader elected")
	return ""
}

func printStats(title string, st types.Stats) {
	fmt.Printf("\n📊 %s:\n", title)
	fmt.Printf("  Pending:   %d\n", st.Pending)
	fmt.Printf("  Assigned:  %d\n", st.Assigned)
	fmt.Printf("  Running:   %d\n", st.Running)
	fmt.Printf("  Completed: %d\n", st.Completed)
	fmt.Printf("  Failed:    %d\n", st.Failed)
	fmt.Printf("  ─────────────────\n")
	fmt.Printf("  Total:     %d\n", st.Total())
}
