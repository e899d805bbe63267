// Command plsync-lambda is the scheduled AWS Lambda entrypoint. It takes no
// input payload; configuration comes from the environment:
//
//	SOURCE_HOSTNAME                  hostname to resolve (default ip.uptimerobot.com)
//	PREFIX_LIST_V4                   IPv4 prefix list name (default uptimerobot4)
//	PREFIX_LIST_V6                   IPv6 prefix list name (default uptimerobot6)
//	MAX_ENTRIES_PER_SECURITY_GROUP   maximum entries per list (default 120)
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/charmbracelet/log"

	"github.com/kmorrisey/plsync"
)

func main() {
	lambda.Start(handle)
}

func handle(ctx context.Context) (plsync.Report, error) {
	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRetryMaxAttempts(5))
	if err != nil {
		return plsync.Report{}, fmt.Errorf("error loading AWS configuration: %w", err)
	}

	client, err := plsync.New(plsync.Config{
		Hostname:   env("SOURCE_HOSTNAME", "ip.uptimerobot.com"),
		IPv4List:   env("PREFIX_LIST_V4", "uptimerobot4"),
		IPv6List:   env("PREFIX_LIST_V6", "uptimerobot6"),
		MaxEntries: envInt("MAX_ENTRIES_PER_SECURITY_GROUP", 120),
	},
		plsync.UsingEC2(ec2.NewFromConfig(awsCfg)),
		plsync.WithLogger(logger),
	)
	if err != nil {
		return plsync.Report{}, err
	}

	report, err := client.Run(ctx)
	if err != nil {
		// the report still carries the partial outcome for the invocation log
		logger.Error("sync run failed", "error", err, "report", report)
		return report, err
	}
	return report, nil
}

func env(envvar string, defaultvalue string) string {
	e, found := os.LookupEnv(envvar)
	if found {
		return e
	}
	return defaultvalue
}

func envInt(envvar string, defaultvalue int) int {
	e, found := os.LookupEnv(envvar)
	if !found {
		return defaultvalue
	}
	n, err := strconv.Atoi(e)
	if err != nil {
		return defaultvalue
	}
	return n
}
