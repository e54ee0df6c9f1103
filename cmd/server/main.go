package main

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"os"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/fieldworkhq/fieldwork/internal/api"
	"github.com/fieldworkhq/fieldwork/internal/config"
	"github.com/fieldworkhq/fieldwork/internal/db"
	"github.com/fieldworkhq/fieldwork/internal/middleware"
)

func main() {
	cfg := config.ParseFlags()

	log := logrus.New()
	log.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	if cfg.Debug {
		log.Level = logrus.DebugLevel
	}

	store, err := openStore(cfg, log)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}

	mux := http.NewServeMux()
	api.NewRouter(store).Register(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":     true,
			"name":   "Fieldwork API",
			"commit": os.Getenv("FIELDWORK_COMMIT"),
		})
	})

	handler := middleware.SecureHeaders(middleware.CORS(middleware.NoStore(middleware.WithAuth(mux))))

	log.Infof("Fieldwork server listening on %s", cfg.Addr)
	if err := http.ListenAndServe(cfg.Addr, handler); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func openStore(cfg config.Config, log *logrus.Logger) (api.Store, error) {
	if cfg.SQLitePath == "" {
		log.Warn("no -sqlite-path given, state is in-memory only")
		return api.NewMemoryStore(), nil
	}
	dsn := "file:" + cfg.SQLitePath + "?cache=shared&_busy_timeout=5000"
	sqliteDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.RunMigrations(sqliteDB); err != nil {
		return nil, err
	}
	return db.NewStore(sqliteDB, log)
}
