// Command dataset-refresh asks running dashboards to download the dataset
// again by publishing a refresh request.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"admissions/internal/amqp"
	"admissions/internal/cli"
	"admissions/internal/config"
	applog "admissions/internal/log"
)

func main() {
	cli.LoadEnvFile()
	cfg := config.Load()

	source := flag.String("source", "", "only refresh dashboards loading this source (default: all)")
	reason := flag.String("reason", "", "reason recorded with the request")
	requestedBy := flag.String("by", defaultRequester(), "requester recorded with the request")
	flag.Parse()

	logger := cli.SetupLogger(cfg.LogLevel, applog.ComponentWorker)

	if !cfg.AMQPEnabled() {
		logger.Error("AMQP_URL is not set", applog.FieldErrorType, applog.ErrorTypeConfiguration)
		os.Exit(1)
	}

	client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPRefreshQueue, cfg.AMQPEventsKey)
	if err != nil {
		cli.Fatal(logger, "Failed to connect to AMQP", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	msg := amqp.NewRefreshRequest(*source, *requestedBy, *reason)
	if err := client.PublishRefreshRequest(ctx, msg); err != nil {
		client.Close()
		cli.Fatal(logger, "Failed to publish refresh request", err)
	}
	logger.Info("Refresh request published",
		"id", msg.ID,
		applog.FieldSource, *source,
		"requested_by", *requestedBy)
}

func defaultRequester() string {
	if host, err := os.Hostname(); err == nil {
		return "dataset-refresh@" + host
	}
	return "dataset-refresh"
}
