package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	configFile    string
	dataDir       string
	engineName    string
	logLevel      string
	databaseName  string
	workerCount   int
	txnCount      int
	keyCount      int
	opsPerTxn     int
	schemaEvery   time.Duration
	retainTimeout time.Duration
	statusAddr    string

	globalContext context.Context
	globalCancel  context.CancelFunc
)

func main() {
	globalContext, globalCancel = context.WithCancel(context.Background())

	sc := make(chan os.Signal, 1)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	closeDone := make(chan struct{}, 1)
	go func() {
		select {
		case sig := <-sc:
			fmt.Printf("\nGot signal [%v] to exit.\n", sig)
			globalCancel()
		case <-closeDone:
			return
		}
		select {
		case sig := <-sc:
			fmt.Printf("\nGot signal [%v] again to exit.\n", sig)
			os.Exit(1)
		case <-time.After(10 * time.Second):
			fmt.Print("\nWait 10s for closed, force exit\n")
			os.Exit(1)
		case <-closeDone:
		}
	}()

	rootCmd := &cobra.Command{
		Use:          "tinygraph-stress",
		Short:        "Drive concurrent write transactions against a tinygraph database",
		SilenceUsage: true,
		RunE:         runStressCommand,
	}
	flags := rootCmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "", "TOML configuration file")
	flags.StringVar(&dataDir, "dir", "", "data directory, overrides the config")
	flags.StringVar(&engineName, "engine", "", "storage engine (badger or memory), overrides the config")
	flags.StringVar(&logLevel, "log-level", "", "log level, overrides the config")
	flags.StringVar(&databaseName, "database", "stress", "database to write to, created if missing")
	flags.IntVarP(&workerCount, "workers", "w", 8, "concurrent writers")
	flags.IntVarP(&txnCount, "txns", "n", 1000, "transactions per writer")
	flags.IntVarP(&keyCount, "keys", "k", 64, "size of the shared key space")
	flags.IntVar(&opsPerTxn, "ops", 4, "maximum operations per transaction")
	flags.DurationVar(&schemaEvery, "schema-every", 0, "open a schema write transaction at this interval, 0 to disable")
	flags.StringVar(&statusAddr, "status-addr", "", "serve the status API and metrics on this address while running")
	flags.DurationVar(&retainTimeout, "retain-timeout", 5*time.Second, "how long to wait for the consistency event log to drain")

	err := rootCmd.Execute()
	globalCancel()
	closeDone <- struct{}{}
	if err != nil {
		os.Exit(1)
	}
}
