// Command crossingd counts objects crossing a reference line and books the
// counts against a scanned identifier in the ledger.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/crossing.report/internal/capture"
	"github.com/banshee-data/crossing.report/internal/config"
	"github.com/banshee-data/crossing.report/internal/db"
	"github.com/banshee-data/crossing.report/internal/httputil"
	"github.com/banshee-data/crossing.report/internal/ledger"
	"github.com/banshee-data/crossing.report/internal/monitoring"
	"github.com/banshee-data/crossing.report/internal/notify"
	"github.com/banshee-data/crossing.report/internal/pipeline"
	"github.com/banshee-data/crossing.report/internal/scanner"
	"github.com/banshee-data/crossing.report/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to a .json or .yaml config file (defaults apply when empty)")
	envFile     = flag.String("env-file", ".env", "Optional .env file with credentials")
	devMode     = flag.Bool("dev", false, "Run without the serial scanner; identifiers arrive via POST /api/scan")
	listPorts   = flag.Bool("list-ports", false, "List serial ports and exit")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("crossingd", version.String())
		return
	}
	if *listPorts {
		ports, err := scanner.ListPorts()
		if err != nil {
			log.Fatalf("failed to list serial ports: %v", err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if args := flag.Args(); len(args) > 0 && args[0] == "migrate" {
		runMigrate(cfg, args[1:])
		return
	}

	os.Exit(run(cfg))
}

func loadConfig(path string) (*config.Config, error) {
	if err := config.LoadEnv(*envFile); err != nil {
		return nil, err
	}
	if path == "" {
		return config.Empty(), nil
	}
	return config.Load(path)
}

// run starts the service and returns the process exit code.
func run(cfg *config.Config) int {
	creds := config.CredentialsFromEnv()
	if err := creds.Check(cfg); err != nil {
		log.Fatalf("%v", err)
	}
	logf := monitoring.Component("main")
	logf("crossingd %s starting", version.String())

	// The local database always holds the sync audit log; it is also the
	// ledger unless the web app backend is selected.
	database, err := db.NewDB(cfg.GetLedgerDBPath())
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer database.Close()

	l, err := ledgerFromConfig(cfg, creds, database)
	if err != nil {
		log.Fatalf("%v", err)
	}

	src, err := capture.SourceFromConfig(cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}

	runtimePath := cfg.GetRuntimeStatePath()
	st, err := config.LoadRuntimeState(runtimePath, cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}

	var sinks []notify.Sink
	if ch := cfg.GetNotifyChannel(); ch != "" {
		rs, err := notify.NewRedisSink(creds.RedisURL, ch)
		if err != nil {
			log.Fatalf("failed to configure notifications: %v", err)
		}
		defer rs.Close()
		sinks = append(sinks, rs)
	}

	var scanPort scanner.Port
	switch path := cfg.GetScannerPort(); {
	case *devMode:
		logf("dev mode: serial scanner disabled")
	case path == "":
		logf("no scanner_port configured; identifiers arrive via POST /api/scan")
	default:
		port, err := scanner.OpenSerial(path, scanner.PortOptions{BaudRate: cfg.GetScannerBaudRate()})
		if err != nil {
			log.Fatalf("%v", err)
		}
		scanPort = port
	}

	p, err := pipeline.New(pipeline.Deps{
		Config:      cfg,
		Runtime:     st,
		RuntimePath: runtimePath,
		Ledger:      l,
		DB:          database,
		Source:      src,
		ScanPort:    scanPort,
		Sinks:       sinks,
	})
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = p.Run(ctx)
	switch {
	case errors.Is(err, capture.ErrWatchdogExpired):
		logf("capture watchdog expired, exiting for restart")
		return pipeline.ExitRestart
	case err != nil:
		logf("pipeline stopped: %v", err)
		return 1
	}
	logf("graceful shutdown complete")
	return 0
}

func ledgerFromConfig(cfg *config.Config, creds config.Credentials, database *db.DB) (ledger.Ledger, error) {
	switch backend := cfg.GetLedgerBackend(); backend {
	case "sqlite":
		return database, nil
	case "webapp":
		client := httputil.NewStandardClient(&http.Client{Timeout: cfg.GetSyncTimeout() + time.Second})
		return ledger.NewWebApp(client, creds.LedgerURL, creds.LedgerToken, cfg.GetLocation()), nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", backend)
	}
}
