package call

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/ValentinKolb/dMQ/cmd/util"
	"github.com/ValentinKolb/dMQ/rpc/common"
	"github.com/ValentinKolb/dMQ/rpc/entity"
	"github.com/ValentinKolb/dMQ/rpc/session"
)

var Logger = logger.GetLogger(common.LoggerCmd)

var (
	callCmdConfig = &common.ClientConfig{}

	// CallCmd sends echo requests to a remote entity
	CallCmd = &cobra.Command{
		Use:     "call [payload]",
		Short:   "Send echo requests to a remote entity",
		Long:    `Connect to a remote entity and send dmq.EchoRequest messages. With --perf the requests are sent from several workers and a latency report is printed.`,
		Args:    cobra.MaximumNArgs(1),
		PreRunE: processConfig,
		RunE:    run,
	}
	callCount   = 1
	callThreads = 1
	callSize    = 0
	callPerf    = false
)

func init() {
	util.SetupClientFlags(CallCmd)

	key := "count"
	CallCmd.Flags().Int(key, 1, util.WrapString("Number of requests to send"))
	key = "threads"
	CallCmd.Flags().Int(key, 10, util.WrapString("Number of concurrent callers (only with --perf)"))
	key = "size"
	CallCmd.Flags().Int(key, 0, util.WrapString("Size of a generated payload in bytes, used when no payload argument is given"))
	key = "perf"
	CallCmd.Flags().Bool(key, false, util.WrapString("Print a latency report instead of the replies"))
}

func processConfig(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	conf, err := util.GetClientConfig()
	if err != nil {
		return err
	}
	*callCmdConfig = *conf

	callCount = max(viper.GetInt("count"), 1)
	callThreads = max(viper.GetInt("threads"), 1)
	callSize = viper.GetInt("size")
	callPerf = viper.GetBool("perf")
	if !callPerf {
		callThreads = 1
	}

	return common.InitLoggers(callCmdConfig.LogLevel)
}

func run(_ *cobra.Command, args []string) error {
	conf := callCmdConfig
	payload := []byte(strings.Repeat("x", callSize))
	if len(args) == 1 {
		payload = []byte(args[0])
	}

	opts, err := util.ConnectOptions(conf)
	if err != nil {
		return err
	}
	timeout := time.Duration(max(conf.TimeoutSecond, 1)) * time.Second

	sessions := session.NewContainer(session.WithSocketConfig(conf.Socket))
	entities := entity.NewContainer(sessions, nil, 0)
	defer sessions.TerminatePollerLoop()
	go func() { _ = sessions.Run(context.Background()) }()

	caller, err := entities.AddEntity("")
	if err != nil {
		return err
	}
	connected := make(chan common.Status, 1)
	caller.RegisterPeerEvent(func(peer entity.Peer, status common.Status) {
		select {
		case connected <- status:
		default:
		}
	})

	s, err := sessions.Connect(conf.Endpoint, opts)
	if err != nil {
		return err
	}
	peerID, err := caller.Connect(s, conf.EntityName)
	if err != nil {
		return err
	}

	select {
	case status := <-connected:
		if status != common.StatusOK {
			return fmt.Errorf("connecting to %q failed: %s", conf.EntityName, status)
		}
	case <-time.After(timeout):
		return fmt.Errorf("connecting to %q timed out after %s", conf.EntityName, timeout)
	}

	if callPerf {
		fmt.Println("Performance test of a dMQ entity")
		fmt.Println(conf.String())
		fmt.Printf("Requests: %d\nThreads: %d\nPayload: %d bytes\n\n", callCount, callThreads, len(payload))
	}

	var next atomic.Int64
	var failed atomic.Int64
	start := time.Now()

	g := errgroup.Group{}
	for range callThreads {
		g.Go(func() error {
			for next.Add(1) <= int64(callCount) {
				ctx, cancel := context.WithTimeout(context.Background(), timeout)
				status, msg, err := caller.Call(ctx, peerID, &entity.EchoRequest{Payload: payload, SentAt: time.Now()})
				cancel()
				if err != nil {
					return fmt.Errorf("request timed out after %s", timeout)
				}
				if status != common.StatusOK {
					failed.Add(1)
					if !callPerf {
						fmt.Printf("error: %s\n", status)
					}
					if status == common.StatusPeerDisconnected || status == common.StatusSessionDisconnected {
						return fmt.Errorf("connection lost: %s", status)
					}
					continue
				}
				if !callPerf {
					var reply entity.EchoReply
					if err := msg.Decode(&reply); err != nil {
						return err
					}
					fmt.Printf("%s (from %s in %s)\n", reply.Payload, reply.Server, time.Since(reply.SentAt))
				}
			}
			return nil
		})
	}
	err = g.Wait()

	if callPerf {
		printStats(caller.Stats(), time.Since(start), failed.Load())
	}
	return err
}

func printStats(stats entity.Stats, elapsed time.Duration, failed int64) {
	// the handshake is part of the statistics
	requests := max(stats.Requests-1, 0)
	opsPerSec := float64(requests) / max(elapsed.Seconds(), 1e-9)

	fmt.Printf("%-20s%d (%d failed)\n", "requests", requests, failed)
	fmt.Printf("%-20s%s\n", "elapsed", elapsed)
	fmt.Printf("%-20s%.0f ops/sec\n", "throughput", opsPerSec)
	fmt.Printf("%-20s%s\n", "mean", stats.Mean)
	fmt.Printf("%-20s%s\n", "p50", stats.P50)
	fmt.Printf("%-20s%s\n", "p95", stats.P95)
	fmt.Printf("%-20s%s\n", "p99", stats.P99)
	fmt.Printf("%-20s%s\n", "max", stats.Max)
}
