package main

import (
	"flag"
	"fmt"
	"net/netip"
	"os"

	fabcq "github.com/fabwork/go-fabcq"
	"github.com/fabwork/go-fabcq/internal/logging"
	"github.com/fabwork/go-fabcq/source/udp"
)

func main() {
	var (
		messages = flag.Int("n", 16, "Number of messages to send over loopback")
		depth    = flag.Int("depth", 32, "Completion queue depth")
		soft     = flag.Bool("soft", false, "Promote the CQ to soft (emulated) mode before reading")
		queues   = flag.Int("queues", 1, "Number of UDP queues multiplexed into the CQ (forces soft mode if > 1)")
		verify   = flag.Bool("checksum", true, "Carry and verify payload checksums")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	logConfig.Sync = true // error records must survive os.Exit
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	if *queues < 1 {
		logger.Error("at least one queue is required", "queues", *queues)
		os.Exit(1)
	}
	if *queues > 1 {
		*soft = true
	}

	metrics := fabcq.NewMetrics()
	domain := fabcq.NewDomain(fabcq.DomainConfig{
		Name:     "loopback",
		Logger:   logger,
		Observer: fabcq.NewMetricsObserver(metrics),
	})

	cq, err := domain.OpenCQ(fabcq.Attr{Format: fabcq.FormatMsg, Depth: *depth})
	if err != nil {
		logger.Error("failed to open CQ", "error", err)
		os.Exit(1)
	}

	// one sender plus the receive queues feeding the CQ
	sender, err := newQueue(*depth, *verify, logger)
	if err != nil {
		logger.Error("failed to create sender queue", "error", err)
		os.Exit(1)
	}
	defer sender.Destroy()

	receivers := make([]*udp.Queue, *queues)
	for i := range receivers {
		receivers[i], err = newQueue(*depth, *verify, logger)
		if err != nil {
			logger.Error("failed to create receiver queue", "error", err)
			os.Exit(1)
		}
	}

	// hard mode carries a single queue; promote before multiplexing more
	if err := cq.BindQueue(receivers[0]); err != nil {
		logger.Error("failed to bind queue", "error", err)
		os.Exit(1)
	}
	if *soft {
		if err := cq.MakeSoft(); err != nil {
			logger.Error("failed to promote CQ", "error", err)
			os.Exit(1)
		}
		logger.Info("CQ promoted to soft mode", "queues", *queues)
	}
	for _, rx := range receivers[1:] {
		if err := cq.BindQueue(rx); err != nil {
			logger.Error("failed to bind queue", "error", err)
			os.Exit(1)
		}
	}

	fmt.Printf("Sending %d messages across %d queue(s), CQ depth %d, soft=%v\n",
		*messages, *queues, *depth, cq.IsSoft())

	for i := 0; i < *messages; i++ {
		rx := receivers[i%len(receivers)]
		if err := rx.PostRecv(fmt.Sprintf("msg-%d", i)); err != nil {
			logger.Error("failed to post receive", "error", err)
			os.Exit(1)
		}
		payload := []byte(fmt.Sprintf("loopback payload %d", i))
		if err := sender.Send(i, payload, rx.LocalAddr()); err != nil {
			logger.Error("failed to send", "error", err)
			os.Exit(1)
		}
		// drain the sender's own completion so its queue never backs up
		var c fabcq.RawCompletion
		if err := sender.Poll(&c); err != nil {
			logger.Warn("sender completion missing", "error", err)
		}
	}

	received := 0
	buf := make([]fabcq.MsgEntry, *depth)
	for received < *messages {
		n, err := cq.ReadBlocking(buf, 2000)
		if err != nil {
			logger.Error("blocking read failed", "error", err)
			os.Exit(1)
		}
		for _, e := range buf[:n] {
			logger.Debug("completion", "context", e.Context, "len", e.Len, "flags", uint64(e.Flags))
		}
		received += n
	}

	if err := cq.Close(); err != nil {
		logger.Error("failed to close CQ", "error", err)
		os.Exit(1)
	}

	snap := metrics.Snapshot()
	fmt.Printf("\nReceived %d completions\n", received)
	fmt.Printf("  read calls:     %d (%d blocking)\n", snap.ReadCalls, snap.BlockingReads)
	fmt.Printf("  entries:        %d (avg batch %.2f)\n", snap.Entries, snap.AvgBatch)
	fmt.Printf("  ring drops:     %d\n", snap.RingDrops)
	fmt.Printf("  promotions:     %d\n", snap.Promotions)
	fmt.Printf("  progress runs:  %d\n", snap.ProgressSweeps)
	fmt.Printf("  error rate:     %.2f%%\n", snap.ErrorRate)
}

func newQueue(depth int, verify bool, logger *logging.Logger) (*udp.Queue, error) {
	return udp.New(udp.Config{
		LocalAddr:      netip.MustParseAddrPort("127.0.0.1:0"),
		Depth:          depth,
		VerifyChecksum: verify,
		Logger:         logger,
	})
}
