// SPDX-License-Identifier: GPL-3.0-or-later

// Command tunburst measures the loss and the throughput of a datagram
// channel by sending rate-paced bursts of sequence-stamped records.
//
// By default, tunburst runs sender and receiver in process on top of a
// simulated network, where -mode selects the endpoints:
//
//   - inject: datagrams written into a TUN reach a UDP socket of a userspace stack;
//   - capture: a UDP socket of a userspace stack sends to a TUN filtering the datagrams;
//   - udp: UDP sockets of two userspace stacks;
//   - tun: two TUNs exchanging raw datagrams.
//
// With -role, tunburst uses OS UDP sockets instead: the receiver listens
// on -addr and the sender sends to -addr.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/apex/log/handlers/json"
	"github.com/bassosimone/tunburst"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// args contains the command line arguments (overridable in tests).
	args = os.Args

	// output is the writer for the reports (overridable in tests).
	output io.Writer = os.Stdout

	// logOutput is the writer for the logs (overridable in tests).
	logOutput io.Writer = os.Stderr
)

var (
	senderAddr   = netip.MustParseAddr("10.22.0.11")
	receiverAddr = netip.MustParseAddr("10.22.0.12")
)

// config contains the parsed command line flags.
type config struct {
	addr             string
	blocking         bool
	dropRate         float64
	logJSON          bool
	mbits            float64
	mode             string
	mtu              int
	payloadSize      int
	pcapFile         string
	pcapSnaplen      int
	prometheusListen string
	resultsDir       string
	role             string
	rounds           int
	sessions         int
	smooth           bool
	verbose          bool
}

func parseFlags() (*config, error) {
	// 1. create command line parser
	fset := flag.NewFlagSet("tunburst", flag.ContinueOnError)
	fset.SetOutput(output)

	// 2. add flags to parse
	cfg := &config{}
	fset.StringVar(&cfg.addr, "addr", "127.0.0.1:1911", "UDP address used with -role.")
	fset.BoolVar(&cfg.blocking, "blocking", false, "Wait for the channel to accept each record.")
	fset.Float64Var(&cfg.dropRate, "drop-rate", 0, "Probability that the router drops a packet.")
	fset.BoolVar(&cfg.logJSON, "log-json", false, "Emit logs and reports as JSON.")
	fset.Float64Var(&cfg.mbits, "mbits", 10, "Target rate in Mbit/s.")
	fset.StringVar(&cfg.mode, "mode", "inject", "In-process mode: inject, capture, udp, or tun.")
	fset.IntVar(&cfg.mtu, "mtu", tunburst.MTUTunnel, "MTU of the simulated endpoints.")
	fset.IntVar(&cfg.payloadSize, "payload-size", tunburst.DefaultPayloadSize, "Size of each record payload in bytes.")
	fset.StringVar(&cfg.pcapFile, "pcap-file", "", "Write PCAP of the benchmark datagrams at the given file.")
	fset.IntVar(&cfg.pcapSnaplen, "pcap-snaplen", 128, "PCAP snapshot length in bytes.")
	fset.StringVar(&cfg.prometheusListen, "prometheus-listen", "", "Expose prometheus metrics at this TCP address.")
	fset.StringVar(&cfg.resultsDir, "results-dir", "", "Save the receiver results into this directory.")
	fset.StringVar(&cfg.role, "role", "", "Use OS UDP sockets acting as sender or receiver.")
	fset.IntVar(&cfg.rounds, "rounds", tunburst.DefaultRounds, "Number of rounds.")
	fset.IntVar(&cfg.sessions, "sessions", 1, "Sessions the receiver waits for (zero means forever).")
	fset.BoolVar(&cfg.smooth, "smooth", false, "Spread the records evenly over each round.")
	fset.BoolVar(&cfg.verbose, "verbose", false, "Emit debug logs.")

	// 3. parse command line
	if err := fset.Parse(args[1:]); err != nil {
		return nil, err
	}
	switch cfg.role {
	case "", "sender", "receiver":
	default:
		return nil, fmt.Errorf("%w: unknown role %q", tunburst.ErrInvalidConfig, cfg.role)
	}
	switch cfg.mode {
	case "inject", "capture", "udp", "tun":
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", tunburst.ErrInvalidConfig, cfg.mode)
	}
	if cfg.pcapSnaplen <= 0 || cfg.pcapSnaplen > 0xffff {
		return nil, fmt.Errorf("%w: snaplen %d", tunburst.ErrInvalidConfig, cfg.pcapSnaplen)
	}
	return cfg, nil
}

// newLogger creates the logger according to the flags.
func newLogger(cfg *config) *log.Logger {
	logger := &log.Logger{Handler: cli.New(logOutput), Level: log.InfoLevel}
	if cfg.logJSON {
		logger.Handler = json.New(logOutput)
	}
	if cfg.verbose {
		logger.Level = log.DebugLevel
	}
	return logger
}

// reporters contains the reporters used by the sender and the receiver.
type reporters struct {
	burst     tunburst.BurstReporter
	collector tunburst.Reporter
	results   *tunburst.ResultsReporter
}

func newReporters(cfg *config, logger log.Interface) *reporters {
	var r reporters
	if cfg.logJSON {
		lr := &tunburst.LogReporter{Logger: &log.Logger{
			Handler: json.New(output),
			Level:   log.InfoLevel,
		}}
		r.burst, r.collector = lr, lr
	} else {
		tr := tunburst.NewTextReporter(output)
		r.burst, r.collector = tr, tr
	}
	if cfg.resultsDir != "" {
		r.results = tunburst.NewResultsReporter(cfg.resultsDir, logger)
		r.collector = tunburst.MultiReporter{r.collector, r.results}
	}
	return &r
}

// serveMetrics exposes the prometheus metrics on listener until the
// returned function is called.
func serveMetrics(listener net.Listener, logger log.Interface) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	wg := &sync.WaitGroup{}
	wg.Go(func() {
		if err := srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics: server failed")
		}
	})
	logger.WithField("address", listener.Addr().String()).Info("metrics: serving /metrics")
	return func() {
		_ = srv.Close()
		wg.Wait()
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(logOutput, "tunburst: %s\n", err.Error())
		os.Exit(1)
	}
}

// run runs tunburst according to the command line flags.
func run() error {
	// 1. parse flags and configure logging and reporting
	cfg, err := parseFlags()
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	reps := newReporters(cfg, logger)

	// 2. stop gracefully on interrupt
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	// 3. expose the metrics if needed
	if cfg.prometheusListen != "" {
		listener, err := net.Listen("tcp", cfg.prometheusListen)
		if err != nil {
			return err
		}
		defer serveMetrics(listener, logger)()
	}

	// 4. dispatch to the selected role or mode
	switch cfg.role {
	case "sender":
		return runSender(ctx, cfg, logger, reps)
	case "receiver":
		return runReceiver(ctx, cfg, logger, reps)
	default:
		return runInProcess(ctx, cfg, logger, reps)
	}
}

func newBurster(cfg *config, logger log.Interface, reps *reporters) (*tunburst.Burster, error) {
	return tunburst.NewBurster(cfg.mbits,
		tunburst.BurstOptionBlocking(cfg.blocking),
		tunburst.BurstOptionLogger(logger),
		tunburst.BurstOptionPayloadSize(cfg.payloadSize),
		tunburst.BurstOptionReporter(reps.burst),
		tunburst.BurstOptionRounds(cfg.rounds),
		tunburst.BurstOptionSmooth(cfg.smooth),
	)
}

// runSender sends a burst to the receiver using an OS UDP socket.
func runSender(ctx context.Context, cfg *config, logger log.Interface, reps *reporters) error {
	burster, err := newBurster(cfg, logger, reps)
	if err != nil {
		return err
	}
	tx, err := tunburst.DialUDPChannel(ctx, cfg.addr)
	if err != nil {
		return err
	}
	defer tx.Close()
	logger.WithField("addr", cfg.addr).Info("sender: sending burst")
	_, err = burster.Run(ctx, tx)
	return err
}

// runReceiver collects sessions arriving on an OS UDP socket.
func runReceiver(ctx context.Context, cfg *config, logger log.Interface, reps *reporters) error {
	// 1. bind the socket
	rx, err := tunburst.ListenUDPChannel(ctx, cfg.addr)
	if err != nil {
		return err
	}
	defer rx.Close()

	// 2. stop after the configured number of sessions
	serveCtx, stop := context.WithCancel(ctx)
	defer stop()
	var finished int
	collector := tunburst.NewCollector(
		tunburst.CollectorOptionLogger(logger),
		tunburst.CollectorOptionOnFinish(func(tunburst.FinalReport) {
			if finished++; cfg.sessions > 0 && finished >= cfg.sessions {
				stop()
			}
		}),
		tunburst.CollectorOptionPayloadSize(cfg.payloadSize),
		tunburst.CollectorOptionReporter(reps.collector),
	)
	defer collector.Close()

	// 3. serve until done
	logger.WithField("addr", rx.LocalAddr().String()).Info("receiver: waiting for bursts")
	err = collector.Serve(serveCtx, rx)
	if errors.Is(err, context.Canceled) && ctx.Err() == nil {
		return nil
	}
	return err
}

// endpoint is a sender or receiver endpoint of the in-process modes.
type endpoint struct {
	channel tunburst.Channel
	closers []func()
	info    func() tunburst.NICInfo
	name    string
}

func (ep *endpoint) close() {
	_ = ep.channel.Close()
	for _, fx := range ep.closers {
		fx()
	}
}

// newTUNEndpoint creates a TUN at local exchanging datagrams with remote.
func newTUNEndpoint(ix *tunburst.Internet, cfg *config, local, remote netip.Addr) (*endpoint, error) {
	tun, err := ix.NewTUN(tunburst.TUNConfig{Address: local, MTU: cfg.mtu})
	if err != nil {
		return nil, err
	}
	channel, err := tunburst.NewDatagramChannel(tun, local, remote)
	if err != nil {
		tun.Close()
		return nil, err
	}
	return &endpoint{channel: channel, info: tun.Info, name: "tun " + local.String()}, nil
}

// newStack creates a userspace stack at addr attached to ix.
func newStack(ix *tunburst.Internet, cfg *config, addr netip.Addr) (*tunburst.Stack, *tunburst.NIC, error) {
	nic := ix.NewNIC(uint32(cfg.mtu))
	stack, err := tunburst.NewStack(nic, addr)
	if err != nil {
		return nil, nil, err
	}
	if err := ix.AddRoute(nic, addr); err != nil {
		stack.Close()
		return nil, nil, err
	}
	return stack, nic, nil
}

// newSocketSender creates a stack at local with a UDP socket sending to remote.
func newSocketSender(ctx context.Context, ix *tunburst.Internet, cfg *config, local, remote netip.Addr) (*endpoint, error) {
	stack, nic, err := newStack(ix, cfg, local)
	if err != nil {
		return nil, err
	}
	address := netip.AddrPortFrom(remote, tunburst.DestinationPort).String()
	channel, err := tunburst.NewConnector(stack).DialChannel(ctx, address)
	if err != nil {
		stack.Close()
		return nil, err
	}
	return &endpoint{channel: channel, closers: []func(){stack.Close}, info: nic.Info, name: "stack " + local.String()}, nil
}

// newSocketReceiver creates a stack at local with a UDP socket bound to the benchmark port.
func newSocketReceiver(ctx context.Context, ix *tunburst.Internet, cfg *config, local netip.Addr) (*endpoint, error) {
	stack, nic, err := newStack(ix, cfg, local)
	if err != nil {
		return nil, err
	}
	address := netip.AddrPortFrom(local, tunburst.DestinationPort).String()
	channel, err := tunburst.NewListenConfig(stack).ListenChannel(ctx, address)
	if err != nil {
		stack.Close()
		return nil, err
	}
	return &endpoint{channel: channel, closers: []func(){stack.Close}, info: nic.Info, name: "stack " + local.String()}, nil
}

// newEndpoints creates the sender and the receiver for the given mode.
func newEndpoints(ctx context.Context, ix *tunburst.Internet, cfg *config) (sender, receiver *endpoint, err error) {
	// 1. create the receiver first so it is ready to receive
	switch cfg.mode {
	case "inject", "udp":
		receiver, err = newSocketReceiver(ctx, ix, cfg, receiverAddr)
	default:
		receiver, err = newTUNEndpoint(ix, cfg, receiverAddr, senderAddr)
	}
	if err != nil {
		return nil, nil, err
	}

	// 2. create the sender
	switch cfg.mode {
	case "inject", "tun":
		sender, err = newTUNEndpoint(ix, cfg, senderAddr, receiverAddr)
	default:
		sender, err = newSocketSender(ctx, ix, cfg, senderAddr, receiverAddr)
	}
	if err != nil {
		receiver.close()
		return nil, nil, err
	}
	return sender, receiver, nil
}

// openTrace creates the PCAP trace of the benchmark datagrams.
func openTrace(cfg *config) (*tunburst.PCAPTrace, error) {
	filep, err := os.Create(cfg.pcapFile)
	if err != nil {
		return nil, err
	}
	codec := tunburst.NewCodec()
	filter := func(packet []byte) bool {
		_, ok := codec.Decode(packet)
		return ok
	}
	return tunburst.NewPCAPTrace(filep, uint16(cfg.pcapSnaplen), tunburst.PCAPTraceOptionFilter(filter)), nil
}

// runInProcess runs sender and receiver over the simulated network.
func runInProcess(ctx context.Context, cfg *config, logger log.Interface, reps *reporters) (err error) {
	// 1. validate the burst settings before creating anything
	burster, err := newBurster(cfg, logger, reps)
	if err != nil {
		return err
	}

	// 2. create the network and the router
	ix := tunburst.NewInternet()
	routerOptions := []tunburst.RouterOption{
		tunburst.RouterOptionDropRate(cfg.dropRate),
		tunburst.RouterOptionLogger(logger),
	}
	if cfg.pcapFile != "" {
		trace, err := openTrace(cfg)
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, trace.Close())
		}()
		routerOptions = append(routerOptions, tunburst.RouterOptionTrace(trace))
	}
	router := tunburst.NewRouter(ix, routerOptions...)
	routerCtx, stopRouter := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}
	wg.Go(func() {
		router.Route(routerCtx)
	})
	defer wg.Wait()
	defer stopRouter()

	// 3. create the endpoints
	sender, receiver, err := newEndpoints(ctx, ix, cfg)
	if err != nil {
		return err
	}
	defer sender.close()
	defer receiver.close()

	// 4. run the collector in the background
	finished := make(chan tunburst.FinalReport, 1)
	collector := tunburst.NewCollector(
		tunburst.CollectorOptionLogger(logger),
		tunburst.CollectorOptionOnFinish(func(report tunburst.FinalReport) {
			select {
			case finished <- report:
			default:
			}
		}),
		tunburst.CollectorOptionPayloadSize(cfg.payloadSize),
		tunburst.CollectorOptionReporter(reps.collector),
	)
	defer collector.Close()
	serveCtx, stopServing := context.WithCancel(ctx)
	wg.Go(func() {
		_ = collector.Serve(serveCtx, receiver.channel)
	})
	defer stopServing()

	// 5. send the burst
	if _, err := burster.Run(ctx, sender.channel); err != nil {
		return err
	}

	// 6. wait for the final report, which never comes if all the
	// end messages have been lost
	timer := time.NewTimer(tunburst.FinalGracePeriod + 5*time.Second)
	defer timer.Stop()
	select {
	case <-finished:
	case <-timer.C:
		logger.Warn("tunburst: no final report")
	case <-ctx.Done():
		return ctx.Err()
	}

	// 7. print the counters
	for _, ep := range []*endpoint{sender, receiver} {
		info := ep.info()
		fmt.Fprintf(output, "%s: rx %d dropped %d, tx %d dropped %d\n",
			ep.name, info.RxPackets, info.RxDropped, info.TxPackets, info.TxDropped)
	}
	rinfo := router.Info()
	fmt.Fprintf(output, "router: forwarded %d lost %d unroutable %d, queue full %d\n",
		rinfo.Forwarded, rinfo.Lost, rinfo.Unroutable, ix.Dropped())
	return nil
}
