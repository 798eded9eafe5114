package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/tg-media-indexer/api"
	"github.com/yourusername/tg-media-indexer/internal/app"
	"github.com/yourusername/tg-media-indexer/internal/caption"
	"github.com/yourusername/tg-media-indexer/internal/domain"
	"github.com/yourusername/tg-media-indexer/internal/infrastructure"
	"github.com/yourusername/tg-media-indexer/internal/ratelimit"
	"github.com/yourusername/tg-media-indexer/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

var (
	configPath = flag.String("config", "", "Path to config file (default: ./configs, $HOME/.media-indexer, /etc/media-indexer)")
	daemon     = flag.Bool("daemon", false, "Detach from the terminal and run in the background")
)

func main() {
	flag.Parse()

	if *daemon {
		startAsDaemon()
		return
	}

	if err := runServer(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// startAsDaemon re-executes the binary without -daemon in a new session
func startAsDaemon() {
	execPath, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to get executable path: %v\n", err)
		os.Exit(1)
	}

	args := []string{}
	if *configPath != "" {
		args = append(args, "-config", *configPath)
	}
	cmd := exec.Command(execPath, args...)
	cmd.Env = os.Environ()
	if cwd, err := os.Getwd(); err == nil {
		cmd.Dir = cwd
	}
	detach(cmd)

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open %s: %v\n", os.DevNull, err)
		os.Exit(1)
	}
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start daemon: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Server started as daemon (PID: %d)\n", cmd.Process.Pid)
}

func runServer(configPath string) error {
	config, err := app.LoadConfig(configPath)
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(logger.Config{
		Level:      config.Logging.Level,
		Format:     config.Logging.Format,
		OutputPath: config.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer closeLog()
	defer log.Sync()

	if err := createDirectories(config); err != nil {
		return err
	}

	multiLog, err := logger.NewMultiLogger(logger.MultiLoggerConfig{
		Level:   config.Logging.Level,
		LogsDir: config.Paths.LogsDir,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize category logs: %w", err)
	}
	defer multiLog.Close()

	log.Info("Starting media indexer server",
		zap.String("version", "1.0.0"),
		zap.String("host", config.Server.Host),
		zap.Int("port", config.Server.Port),
		zap.String("storage", string(config.Storage.Driver)),
		zap.Int("ops_per_minute", config.Indexer.OpsPerMinute))

	// Runs always live in SQLite; records follow the configured driver
	runStore, err := infrastructure.NewSQLiteRepository(config.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("failed to open run store: %w", err)
	}
	defer runStore.Close(context.Background())

	records, closeRecords, err := openRecords(config, runStore)
	if err != nil {
		return err
	}
	defer closeRecords()

	source, err := infrastructure.NewTDLSource(&config.Telegram, config.Paths.WorkDir, log)
	if err != nil {
		return fmt.Errorf("failed to initialize message source: %w", err)
	}

	var sink domain.BackupSink = infrastructure.NoopSink{}
	if botSink := infrastructure.NewBotAPISink(&config.Telegram, log); botSink.Enabled() {
		sink = botSink
	} else {
		log.Info("Backup relay disabled, records will carry no backup id")
	}

	policy, err := caption.ParsePolicy(config.Parser.TitleArtistSource, config.Parser.TrackIDSource)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}

	limiter := ratelimit.NewPerMinute(config.Indexer.OpsPerMinute)
	indexer := app.NewIndexer(source, sink, records, limiter, policy, &config.Indexer, log)
	notifier := infrastructure.NewNotificationService(&config.Notification, log)
	runs := app.NewRunManager(indexer, runStore, notifier, &config.Indexer, multiLog, log)

	if err := runs.RecoverInterrupted(); err != nil {
		log.Warn("Failed to recover interrupted runs", zap.Error(err))
	}

	router := api.SetupRouter(api.RouterDeps{
		Runs:        runs,
		Records:     records,
		MultiLogger: multiLog,
		LogsDir:     config.Paths.LogsDir,
		Logger:      log,
	})

	addr := fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Runs go first so their final snapshots are stored and their event
		// streams end before the listener drains
		if err := runs.Shutdown(shutdownCtx); err != nil {
			log.Error("Runs did not stop in time", zap.Error(err))
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("Server forced to shutdown", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	log.Info("Server exited")
	return err
}

// openRecords returns the record store selected by storage.driver
func openRecords(config *domain.Config, sqlite *infrastructure.SQLiteRepository) (domain.RecordRepository, func(), error) {
	timeout := config.Storage.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// the SQLite tables are migrated when the run store opens
	if config.Storage.Driver != domain.StorageMongo {
		return sqlite, func() {}, nil
	}

	mongoRepo, err := infrastructure.NewMongoRepository(ctx,
		config.Storage.MongoURI,
		config.Storage.MongoDatabase,
		config.Storage.MongoCollection,
		timeout)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	if err := mongoRepo.EnsureIndexes(ctx); err != nil {
		mongoRepo.Close(context.Background())
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	closeFn := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		mongoRepo.Close(closeCtx)
	}
	return mongoRepo, closeFn, nil
}

func createDirectories(config *domain.Config) error {
	dirs := []string{
		config.Paths.BaseDir,
		config.Paths.LogsDir,
		config.Paths.WorkDir,
		config.Telegram.StoragePath,
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
