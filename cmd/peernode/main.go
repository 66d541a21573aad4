package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	ringsync "go-ringsync"
	"go-ringsync/transport"

	"github.com/eiannone/keyboard"
	"github.com/spf13/cobra"
)

var (
	peerCount     int
	heartbeat     time.Duration
	tokenDelay    time.Duration
	verboseOutput bool
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "peernode",
		Short: "A demo cluster of coordinated peer processes",
		Long: `Peernode spins up a group of peers on an in-process network and lets you
drive the coordination primitives interactively: circulating-token mutual
exclusion, barrier synchronization, acknowledged messaging, and membership
with failure detection and renumbering.`,
		RunE: runCluster,
	}

	rootCmd.Flags().IntVar(&peerCount, "peers", 4, "Number of peers to start")
	rootCmd.Flags().DurationVar(&heartbeat, "heartbeat", 500*time.Millisecond, "Heartbeat interval")
	rootCmd.Flags().DurationVar(&tokenDelay, "token-delay", 50*time.Millisecond, "Idle token hold delay")
	rootCmd.Flags().BoolVar(&verboseOutput, "verbose", false, "Log at debug level")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runCluster(cmd *cobra.Command, args []string) error {
	var (
		ctx     = context.Background()
		network = transport.NewNetwork()
		peers   = make([]*ringsync.Process, 0, peerCount)
	)

	var level = slog.LevelWarn
	if verboseOutput {
		level = slog.LevelDebug
	}
	// Logs go to stderr so they don't get cleared by status updates.
	var logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	fmt.Printf("Starting %d peers...\n", peerCount)
	for i := 0; i < peerCount; i++ {
		var link, err = network.Attach(transport.Endpoint(fmt.Sprintf("peer-%d", i)))
		if err != nil {
			return fmt.Errorf("failed to attach peer %d: %w", i, err)
		}

		var peer = ringsync.NewProcess(
			ringsync.WithHeartbeatInterval(heartbeat),
			ringsync.WithTokenHoldDelay(tokenDelay),
			ringsync.WithJoinTimeout(time.Second),
			ringsync.WithLogger(logger.With("peer", i)),
			ringsync.WithDeliveryHandler(func(d ringsync.Delivery) {
				fmt.Fprintf(os.Stderr, "📨 peer-%d got %q from id %d (ts=%d)\n",
					i, d.Payload, d.SenderID, d.LogicalTS)
			}),
		)
		if err := peer.Join(ctx, link); err != nil {
			return fmt.Errorf("failed to join peer %d: %w", i, err)
		}
		peers = append(peers, peer)
	}

	fmt.Printf("✓ All peers joined\n\n")
	printStatus(peers)

	var ticker = time.NewTicker(time.Second)
	defer ticker.Stop()

	var sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	if err := keyboard.Open(); err != nil {
		return fmt.Errorf("failed to initialize keyboard: %w", err)
	}
	defer keyboard.Close()

	var keyCh = make(chan rune)
	go func() {
		for {
			char, _, err := keyboard.GetKey()
			if err != nil {
				return
			}
			keyCh <- char
		}
	}()

	// Main loop
	for {
		select {
		case <-ticker.C:
			printStatus(peers)
		case key := <-keyCh:
			switch key {
			case 'c', 'C':
				go runCriticalSections(ctx, alive(peers))
			case 'b', 'B':
				go runBarrier(ctx, alive(peers))
			case 's', 'S':
				if live := alive(peers); len(live) > 0 {
					_ = live[0].Broadcast([]byte(fmt.Sprintf("hello @ %s", time.Now().Format("15:04:05"))))
				}
			case 'k', 'K':
				if live := alive(peers); len(live) > 1 {
					var victim = live[len(live)-1]
					fmt.Fprintf(os.Stderr, "\n💥 Killing peer id %d (no cleanup)...\n", victim.ID())
					victim.Crash()
				}
			case 'q', 'Q':
				fmt.Printf("\n\nShutting down gracefully...\n")
				for _, peer := range peers {
					_ = peer.Shutdown()
				}
				return nil
			}
		case sig := <-sigCh:
			fmt.Printf("\n\n💥 Received signal %v, exiting without cleanup...\n", sig)
			os.Exit(1)
		}
	}
}

// alive filters out peers that were killed interactively.
func alive(peers []*ringsync.Process) []*ringsync.Process {
	var out []*ringsync.Process
	for _, p := range peers {
		if !p.IsShutdown() {
			out = append(out, p)
		}
	}
	return out
}

// runCriticalSections has every live peer contend for the critical section
// at once; the shared counter detects any overlap.
func runCriticalSections(ctx context.Context, peers []*ringsync.Process) {
	var inside atomic.Int32
	var wg sync.WaitGroup
	for _, peer := range peers {
		peer := peer
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := peer.RequestCS(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "❌ request failed for id %d: %v\n", peer.ID(), err)
				return
			}
			if inside.Add(1) != 1 {
				fmt.Fprintf(os.Stderr, "❌ MUTUAL EXCLUSION VIOLATED\n")
			}
			fmt.Fprintf(os.Stderr, "🔒 peer id %d in critical section\n", peer.ID())
			time.Sleep(200 * time.Millisecond)
			inside.Add(-1)
			peer.ReleaseCS()
		}()
	}
	wg.Wait()
}

// runBarrier synchronizes all live peers with staggered arrivals.
func runBarrier(ctx context.Context, peers []*ringsync.Process) {
	var start = time.Now()
	for i, peer := range peers {
		i, peer := i, peer
		go func() {
			time.Sleep(time.Duration(i) * 300 * time.Millisecond)
			if err := peer.Synchronize(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "❌ barrier failed for id %d: %v\n", peer.ID(), err)
				return
			}
			fmt.Fprintf(os.Stderr, "🚧 peer id %d through the barrier after %s\n",
				peer.ID(), time.Since(start).Round(time.Millisecond))
		}()
	}
}

func printStatus(peers []*ringsync.Process) {
	fmt.Print("\033[2J\033[H") // Clear screen and move cursor to top

	var live = alive(peers)
	if len(live) == 0 {
		fmt.Println("[no live peers]")
	} else {
		fmt.Println(live[0].String())
		fmt.Printf("Live peers: %d/%d\n", len(live), len(peers))
	}

	fmt.Printf("\nControls:\n")
	fmt.Printf("  [c] Take turns in the critical section\n")
	fmt.Printf("  [b] Barrier with staggered arrivals\n")
	fmt.Printf("  [s] Broadcast a user payload from the first peer\n")
	fmt.Printf("  [k] Kill the last peer without cleanup\n")
	fmt.Printf("  [q] Quit gracefully\n")
}
