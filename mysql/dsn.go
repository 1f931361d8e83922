package mysql

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/bashhack/testkit"
)

// parseConnString accepts either a mysql:// URL or a go-sql-driver DSN
// (user:pass@tcp(host:port)/dbname) and normalizes it to a driver config.
func parseConnString(raw string) (*mysql.Config, error) {
	if !strings.Contains(raw, "://") {
		cfg, err := mysql.ParseDSN(raw)
		if err != nil {
			return nil, fmt.Errorf("parse DSN: %w", err)
		}
		return cfg, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse URL: %w", err)
	}
	if u.Scheme != "mysql" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = u.Host
	cfg.DBName = strings.TrimPrefix(u.Path, "/")
	if u.User != nil {
		cfg.User = u.User.Username()
		if pass, ok := u.User.Password(); ok {
			cfg.Passwd = pass
		}
	}
	for key, vals := range u.Query() {
		if len(vals) == 0 {
			continue
		}
		switch key {
		case "parseTime":
			cfg.ParseTime = vals[0] == "true"
		case "multiStatements":
			cfg.MultiStatements = vals[0] == "true"
		default:
			if cfg.Params == nil {
				cfg.Params = map[string]string{}
			}
			cfg.Params[key] = vals[0]
		}
	}
	return cfg, nil
}

// dsnForDatabase rebinds a parsed connection config to the given database
// and renders the driver DSN.
func dsnForDatabase(base *mysql.Config, name testkit.DatabaseName) string {
	cfg := base.Clone()
	cfg.DBName = name.String()
	return cfg.FormatDSN()
}

// quoteIdentifier backtick-quotes a MySQL identifier. Generated names
// already match [A-Za-z0-9_]+, so this is defensive, not corrective.
func quoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
