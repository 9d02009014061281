package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"github.com/tinygraph-incubator/tinygraph/config"
	"github.com/tinygraph-incubator/tinygraph/database"
	tlog "github.com/tinygraph-incubator/tinygraph/log"
	"github.com/tinygraph-incubator/tinygraph/status"
	"github.com/tinygraph-incubator/tinygraph/storage"
	"github.com/tinygraph-incubator/tinygraph/storage/engine"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type stressOptions struct {
	database      string
	workers       int
	txns          int
	keys          int
	ops           int
	schemaEvery   time.Duration
	retainTimeout time.Duration
	statusAddr    string
}

type stressReport struct {
	commits        atomic.Int64
	violations     [storage.ExclusiveCreate + 1]atomic.Int64
	conflicts      atomic.Int64
	lockTimeouts   atomic.Int64
	schemaCommits  atomic.Int64
	retainedEvents int
	elapsed        time.Duration
}

func (r *stressReport) print(w io.Writer) {
	fmt.Fprintf(w, "elapsed:           %v\n", r.elapsed)
	fmt.Fprintf(w, "commits:           %d\n", r.commits.Load())
	for _, kind := range []storage.ViolationKind{storage.ModifyDelete, storage.DeleteModify, storage.ExclusiveCreate} {
		fmt.Fprintf(w, "%-19s%d\n", kind.String()+":", r.violations[kind].Load())
	}
	fmt.Fprintf(w, "engine conflicts:  %d\n", r.conflicts.Load())
	fmt.Fprintf(w, "lock timeouts:     %d\n", r.lockTimeouts.Load())
	fmt.Fprintf(w, "schema commits:    %d\n", r.schemaCommits.Load())
	fmt.Fprintf(w, "retained events:   %d\n", r.retainedEvents)
}

func loadConfig() (*config.Config, error) {
	cfg := config.NewDefaultConfig()
	if configFile != "" {
		var err error
		if cfg, err = config.LoadFile(configFile); err != nil {
			return nil, err
		}
	}
	if dataDir != "" {
		cfg.Dir = dataDir
	}
	if engineName != "" {
		cfg.Engine = engineName
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, cfg.Validate()
}

func runStressCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err = tlog.InitLogger(cfg.LogLevel); err != nil {
		return err
	}
	report, err := runStress(globalContext, cfg, stressOptions{
		database:      databaseName,
		workers:       workerCount,
		txns:          txnCount,
		keys:          keyCount,
		ops:           opsPerTxn,
		schemaEvery:   schemaEvery,
		retainTimeout: retainTimeout,
		statusAddr:    statusAddr,
	})
	if report != nil {
		report.print(cmd.OutOrStdout())
	}
	return err
}

func runStress(ctx context.Context, cfg *config.Config, opts stressOptions) (*stressReport, error) {
	m, err := database.NewManager(cfg)
	if err != nil {
		return nil, err
	}
	defer m.Close()
	d, err := m.Get(opts.database)
	if errors.Cause(err) == database.ErrDatabaseNotFound {
		d, err = m.Create(opts.database)
	}
	if err != nil {
		return nil, err
	}
	if opts.statusAddr != "" {
		srv := &http.Server{Addr: opts.statusAddr, Handler: status.NewHandler(m)}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn("status server stopped", zap.String("addr", opts.statusAddr), zap.Error(err))
			}
		}()
		defer srv.Close()
	}
	session, err := d.CreateSession(database.SessionData, config.Session{})
	if err != nil {
		return nil, err
	}
	defer session.Close()

	report := &stressReport{}
	start := time.Now()
	writers, wctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.workers; i++ {
		rnd := rand.New(rand.NewSource(start.UnixNano() + int64(i)))
		writers.Go(func() error {
			for n := 0; n < opts.txns; n++ {
				if wctx.Err() != nil {
					return nil
				}
				if err := runTxn(session, rnd, opts, report); err != nil {
					return err
				}
			}
			return nil
		})
	}

	schemaCtx, stopSchema := context.WithCancel(ctx)
	var schema errgroup.Group
	if opts.schemaEvery > 0 {
		schema.Go(func() error { return runSchemaWrites(schemaCtx, d, opts.schemaEvery, report) })
	}
	err = writers.Wait()
	stopSchema()
	if serr := schema.Wait(); err == nil {
		err = serr
	}
	report.elapsed = time.Since(start)
	if err != nil {
		return report, err
	}
	if err = session.Close(); err != nil {
		return report, err
	}

	deadline := time.Now().Add(opts.retainTimeout)
	for {
		report.retainedEvents = d.ConsistencyManager().EventCount()
		if report.retainedEvents == 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if report.retainedEvents != 0 {
		return report, errors.Errorf("consistency event log retained %d events", report.retainedEvents)
	}
	return report, nil
}

func runTxn(s *database.Session, rnd *rand.Rand, opts stressOptions, report *stressReport) error {
	txn, err := s.Transaction(database.TransactionWrite, config.Transaction{})
	if errors.Cause(err) == database.ErrDataLockTimeout {
		report.lockTimeouts.Inc()
		return nil
	}
	if err != nil {
		return err
	}
	defer txn.Close()

	data := txn.DataStorage()
	for i := rnd.Intn(opts.ops) + 1; i > 0; i-- {
		key := []byte(fmt.Sprintf("k/%08d", rnd.Intn(opts.keys)))
		switch rnd.Intn(4) {
		case 0, 1:
			err = data.Put(key, key, rnd.Intn(2) == 0)
		case 2:
			err = data.Delete(key)
		default:
			err = data.SetExclusiveCreate([]byte(fmt.Sprintf("x/%08d", rnd.Intn(opts.keys))))
		}
		if err != nil {
			return err
		}
	}

	err = txn.Commit()
	if kind, ok := storage.IsConsistencyViolation(err); ok {
		report.violations[kind].Inc()
		return nil
	}
	if errors.Cause(err) == engine.ErrConflict {
		report.conflicts.Inc()
		return nil
	}
	if err != nil {
		return err
	}
	report.commits.Inc()
	return nil
}

func runSchemaWrites(ctx context.Context, d *database.Database, every time.Duration, report *stressReport) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		s, err := d.CreateSession(database.SessionSchema, config.Session{})
		if errors.Cause(err) == database.ErrSchemaLockTimeout {
			report.lockTimeouts.Inc()
			continue
		}
		if err != nil {
			return err
		}
		err = writeSchema(s, n)
		s.Close()
		if err != nil {
			return err
		}
		report.schemaCommits.Inc()
		log.Debug("schema write committed", zap.Int("round", n))
	}
}

func writeSchema(s *database.Session, n int) error {
	txn, err := s.Transaction(database.TransactionWrite, config.Transaction{})
	if err != nil {
		return err
	}
	defer txn.Close()
	if err = txn.SchemaStorage().Put([]byte("type/stress"), engine.EncodeInt64(int64(n))); err != nil {
		return err
	}
	return txn.Commit()
}
