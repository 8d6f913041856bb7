package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/randylampa/mailqueue/internal/config"
	"github.com/randylampa/mailqueue/internal/mail"
	"github.com/randylampa/mailqueue/internal/queue"
)

var (
	version     = "dev"
	showVersion = flag.Bool("version", false, "Show version information")
	testMail    = flag.Bool("test-mail", false, "Send a test mail to the debug address and exit")
	maxSeconds  = flag.Int("max-seconds", 60, "Wall-clock budget for the processing pass")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("mailqueue version %s\n", version)
		os.Exit(0)
	}

	// Set up logging
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	// Set log level
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Initialize queue store
	db, err := queue.Open(cfg.DBPath, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open queue database")
	}
	defer db.Close()

	store := queue.NewStore(db, logger)

	// Initialize account registry and transport
	registry, err := mail.NewRegistry(cfg.Accounts, store, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build account registry")
	}

	transport := mail.NewSMTPTransport(logger)
	defer transport.Close()

	processor, err := mail.NewProcessor(cfg, store, registry, transport, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create processor")
	}

	if *testMail {
		if err := processor.SendTestMail(); err != nil {
			logger.WithError(err).Fatal("Test mail failed")
		}
		logger.WithField("address", cfg.Mail.DebugAddress).Info("Test mail sent")
		return
	}

	// One cron-style, time-boxed pass over the queue
	stats, err := processor.ProcessQueue(*maxSeconds)
	if err != nil {
		logger.WithError(err).Fatal("Queue pass failed")
	}

	logger.WithFields(logrus.Fields{
		"pending":   stats.Pending,
		"processed": stats.Processed,
		"sent":      stats.Sent,
		"failed":    stats.Failed,
		"skipped":   stats.Skipped,
	}).Info("Done")
}
