// Command plsync converges EC2 managed prefix lists onto the addresses
// behind a monitoring service's DNS name, once or on an interval.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/charmbracelet/log"

	"github.com/kmorrisey/plsync"
)

var config = struct {
	Hostname   string
	IPv4List   string
	IPv6List   string
	MaxEntries int
	DNSServer  string
	Interval   time.Duration
	Verbose    bool
}{}

func init() {
	flag.StringVar(&config.Hostname, "host", "ip.uptimerobot.com", "hostname whose A/AAAA records define the allow-list")
	flag.StringVar(&config.IPv4List, "l4", "uptimerobot4", "IPv4 prefix list name (empty to skip IPv4)")
	flag.StringVar(&config.IPv6List, "l6", "uptimerobot6", "IPv6 prefix list name (empty to skip IPv6)")
	flag.IntVar(&config.MaxEntries, "max", 120, "maximum entries per prefix list")
	flag.StringVar(&config.DNSServer, "dns", "", "query this DNS server (host:port) directly instead of the system resolver")
	flag.DurationVar(&config.Interval, "i", 0, "run on this interval instead of once (minimum 1m)")
	flag.BoolVar(&config.Verbose, "v", false, "enable verbose logging")
	flag.Parse()
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	if config.Verbose {
		logger.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRetryMaxAttempts(5))
	if err != nil {
		return fmt.Errorf("error loading AWS configuration: %w", err)
	}

	options := []plsync.Option{
		plsync.UsingEC2(ec2.NewFromConfig(awsCfg)),
		plsync.WithLogger(logger),
	}
	if config.DNSServer != "" {
		options = append(options, plsync.UsingResolver(&plsync.DirectResolver{
			Host:   config.Hostname,
			Server: config.DNSServer,
		}))
	}

	client, err := plsync.New(plsync.Config{
		Hostname:   config.Hostname,
		IPv4List:   config.IPv4List,
		IPv6List:   config.IPv6List,
		MaxEntries: config.MaxEntries,
	}, options...)
	if err != nil {
		return err
	}

	if config.Interval > 0 {
		logger.Info("starting sync daemon", "interval", config.Interval)
		plsync.RunDaemon(client, ctx, config.Interval, logger)
		<-ctx.Done()
		return nil
	}

	report, err := client.Run(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
