package config

import (
	"flag"
	"net"
	"strconv"

	"github.com/fieldworkhq/fieldwork/internal/utils"
)

type Config struct {
	Addr       string
	SQLitePath string
	Debug      bool
}

// ParseFlags reads the process configuration from flags, with FIELDWORK_*
// environment variables as defaults. An empty SQLitePath selects the
// in-memory store.
func ParseFlags() Config {
	var cfg Config
	var host string
	flag.StringVar(&host, "host", utils.SafeEnv("FIELDWORK_HOST", "0.0.0.0"), "listen host name")
	var port uint
	defaultPort, _ := strconv.Atoi(utils.SafeEnv("FIELDWORK_PORT", "8080"))
	flag.UintVar(&port, "port", uint(defaultPort), "listen port number")
	flag.StringVar(&cfg.SQLitePath, "sqlite-path", utils.SafeEnv("FIELDWORK_SQLITE_PATH", ""), "path to the SQLite DB file (empty: in-memory store)")
	flag.BoolVar(&cfg.Debug, "debug", utils.SafeEnvBool("FIELDWORK_DEBUG", false), "log at DEBUG level")
	flag.Parse()

	cfg.Addr = net.JoinHostPort(host, strconv.Itoa(int(port)))
	return cfg
}
