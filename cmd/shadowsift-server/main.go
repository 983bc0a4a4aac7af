package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/shadowsift/shadowsift/internal/category"
	"github.com/shadowsift/shadowsift/internal/logx"
	"github.com/shadowsift/shadowsift/internal/notify"
	"github.com/shadowsift/shadowsift/internal/server"
	"github.com/shadowsift/shadowsift/internal/server/db"
	"github.com/shadowsift/shadowsift/internal/sync"
	"github.com/shadowsift/shadowsift/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	verbose := flag.Bool("verbose", false, "Enable verbose debug logs (same as --log-level debug)")
	logLevel := flag.String("log-level", "", "Log level: debug|info|warn|error (or SHADOWSIFT_LOG_LEVEL)")
	flag.BoolVar(showVersion, "v", false, "Print version and exit")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s\n\n", version.String("shadowsift-server"))
		fmt.Fprintf(os.Stderr, "Shadowsift server discovers third-party OAuth applications across an organization's identity providers.\n\n")
		fmt.Fprintf(os.Stderr, "Environment variables:\n")
		fmt.Fprintf(os.Stderr, "  SHADOWSIFT_MASTER_KEY           Master encryption key for provider credentials (64 hex chars, required)\n")
		fmt.Fprintf(os.Stderr, "  SHADOWSIFT_ADMIN_TOKEN          Admin Bearer token for the API (min 16 chars, required)\n")
		fmt.Fprintf(os.Stderr, "  SHADOWSIFT_DB_PATH              SQLite database path (default: shadowsift.db)\n")
		fmt.Fprintf(os.Stderr, "  SHADOWSIFT_LISTEN_ADDR          Listen address (default: :8080)\n")
		fmt.Fprintf(os.Stderr, "  SHADOWSIFT_CORS_ORIGINS         Comma-separated allowed CORS origins\n")
		fmt.Fprintf(os.Stderr, "  SHADOWSIFT_CLASSIFIER_ENDPOINT  Category classifier API endpoint (optional)\n")
		fmt.Fprintf(os.Stderr, "  SHADOWSIFT_CLASSIFIER_API_KEY   Category classifier API key (optional)\n")
		fmt.Fprintf(os.Stderr, "  SHADOWSIFT_CLASSIFIER_MODEL     Category classifier model name (optional)\n")
		fmt.Fprintf(os.Stderr, "  SHADOWSIFT_STUCK_AFTER          Silence before a sync counts as stuck (default: 2m)\n")
		fmt.Fprintf(os.Stderr, "  SHADOWSIFT_LOG_LEVEL            Log level: debug|info|warn|error (default: info)\n")
		fmt.Fprintf(os.Stderr, "\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("shadowsift-server"))
		os.Exit(0)
	}

	if err := logx.Configure(*logLevel, *verbose); err != nil {
		log.Fatalf("configure logging: %v", err)
	}

	cfg, err := server.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	store, err := db.NewStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer store.Close()

	classifier := category.NewClassifier(cfg.ClassifierEndpoint, cfg.ClassifierAPIKey, cfg.ClassifierModel)
	tuning := sync.DefaultTuning()
	tuning.StuckAfter = cfg.StuckAfter
	orch := sync.NewOrchestrator(store, notify.LogNotifier{}, classifier, tuning)

	r := server.NewRouter(store, orch, cfg)
	logx.Infof("server config: classifier_configured=%v stuck_after=%s", cfg.ClassifierEndpoint != "", cfg.StuckAfter)

	log.Printf("shadowsift-server listening on %s", cfg.ListenAddr)
	if err := r.Run(cfg.ListenAddr); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
