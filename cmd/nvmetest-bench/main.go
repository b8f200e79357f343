// Command nvmetest-bench drives one io-worker invocation against a mock or
// NVMe-over-TCP attached namespace and prints a summary, thin glue over
// nvmetest the same way ublk-mem is thin glue over the teacher's root
// package.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/nvmetest/nvmetest"
	"github.com/nvmetest/nvmetest/internal/interfaces"
	"github.com/nvmetest/nvmetest/internal/ioworker"
	"github.com/nvmetest/nvmetest/internal/logging"
	"github.com/nvmetest/nvmetest/internal/transport/mock"
	"github.com/nvmetest/nvmetest/internal/transport/tcp"
)

func main() {
	var (
		transportFlag = flag.String("transport", "mock", "transport to attach through: mock or tcp")
		addr          = flag.String("addr", "mock0", "transport address (mock: arbitrary label; tcp: host:port)")
		subnqn        = flag.String("subnqn", "nqn.nvmetest", "subsystem NQN (tcp transport only)")
		nsid          = flag.Uint("nsid", 1, "namespace id to attach and drive")
		sizeLBs       = flag.Uint64("size-lbs", 1<<20, "namespace size in logical blocks (mock transport only)")
		blockBytes    = flag.Int("block-bytes", 4096, "block size in bytes per command")
		queueDepth    = flag.Int("queue-depth", 32, "io-worker outstanding command limit")
		iops          = flag.Int("iops", 0, "target IOPS, 0 for unthrottled")
		seconds       = flag.Int("seconds", 10, "run duration in seconds")
		readPercent   = flag.Int("read-percent", 50, "percentage of commands that are reads, 0-100")
		verifyReads   = flag.Bool("verify-reads", true, "enable per-read CRC-32C verification")
		verbose       = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	transport, identity, err := dialTransport(*transportFlag, *addr, *subnqn, uint32(*nsid), *sizeLBs, uint32(*blockBytes))
	if err != nil {
		log.Fatalf("failed to build transport: %v", err)
	}

	params := nvmetest.DefaultParams(*addr)
	params.SubNQN = *subnqn
	params.VerifyReads = *verifyReads
	params.CmdLogDepth = 2048

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctrlr, err := nvmetest.Attach(ctx, params, transport, &nvmetest.Options{Logger: logger})
	if err != nil {
		logger.Error("failed to attach controller", "error", err)
		os.Exit(1)
	}
	defer ctrlr.Close()

	ns, err := ctrlr.AddNamespace(identity)
	if err != nil {
		logger.Error("failed to attach namespace", "error", err)
		os.Exit(1)
	}

	installStackDumpHandler(logger)

	args := ioworker.Args{
		QueueDepth:  *queueDepth,
		IOPS:        *iops,
		Seconds:     *seconds,
		ReadPercent: *readPercent,
		BlockBytes:  *blockBytes,
		LBAStart:    0,
		LBACount:    identity.SizeLBs,
		Seed:        time.Now().UnixNano(),
	}

	logger.Info("starting workload", "nsid", identity.NSID, "seconds", *seconds, "read_percent", *readPercent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	resultCh := make(chan result, 1)
	go func() {
		stats, err := ctrlr.Run(ctx, 1, ns, args)
		resultCh <- result{stats: stats, err: err}
	}()

	select {
	case <-sigCh:
		logger.Info("received shutdown signal, cancelling workload")
		cancel()
		<-resultCh
	case r := <-resultCh:
		printSummary(r)
		if r.err != nil {
			os.Exit(1)
		}
	}
}

type result struct {
	stats ioworker.Stats
	err   error
}

func printSummary(r result) {
	fmt.Printf("sent=%d completed=%d retried=%d integrity_errors=%d device_errors=%d\n",
		r.stats.Sent, r.stats.Completed, r.stats.Retried, r.stats.IntegrityErr, r.stats.DeviceErr)
	if r.stats.Completed > 0 {
		fmt.Printf("avg_latency_ns=%d max_latency_ns=%d\n",
			r.stats.LatencyNsSum/r.stats.Completed, r.stats.LatencyNsMax)
	}
	if r.err != nil {
		fmt.Printf("error: %v\n", r.err)
	}
}

func dialTransport(kind, addr, subnqn string, nsid uint32, sizeLBs uint64, blockBytes uint32) (nvmetest.Transport, interfaces.NamespaceIdentity, error) {
	switch kind {
	case "mock":
		ident := interfaces.NamespaceIdentity{NSID: nsid, EUI64: 0x5A5A000000000000 | uint64(nsid), SizeLBs: sizeLBs, LBADataBytes: blockBytes}
		tr := mock.New(interfaces.ControllerIdentity{SerialNumber: "nvmetest-bench"}, []interfaces.NamespaceIdentity{ident})
		return tr, ident, nil
	case "tcp":
		tr, err := tcp.Dial(context.Background(), addr, subnqn)
		if err != nil {
			return nil, interfaces.NamespaceIdentity{}, err
		}
		// EnumerateNamespaces is contract-only over this transport (see
		// internal/transport/tcp), so the namespace identity comes from
		// the flags the caller already supplied instead.
		ident := interfaces.NamespaceIdentity{NSID: nsid, EUI64: 0x5A5A000000000000 | uint64(nsid), SizeLBs: sizeLBs, LBADataBytes: blockBytes}
		return tr, ident, nil
	default:
		return nil, interfaces.NamespaceIdentity{}, fmt.Errorf("unknown transport %q, want mock or tcp", kind)
	}
}

func installStackDumpHandler(logger *logging.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	go func() {
		for range ch {
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "=== GOROUTINE STACK DUMP ===\n%s\n", buf[:n])
			if f, err := os.Create(fmt.Sprintf("nvmetest-bench-stacks-%d.txt", time.Now().Unix())); err == nil {
				f.Write(buf[:n])
				pprof.Lookup("goroutine").WriteTo(f, 2)
				f.Close()
			}
			logger.Info("stack trace dumped")
		}
	}()
}
