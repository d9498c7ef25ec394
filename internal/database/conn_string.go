package database

import (
	"net"
	"net/url"
	"strconv"

	"github.com/parasxparkash/zerodhaDataCollector/internal/config"
)

// ApplicationName identifies collector sessions in pg_stat_activity.
const ApplicationName = "zdc-collector"

// BuildConnString builds a postgres:// URL from cfg. Credentials are
// escaped as URL userinfo; an unset port or sslmode falls back to 5432 and
// prefer.
func BuildConnString(cfg config.DBConfig) string {
	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}

	q := url.Values{}
	q.Set("sslmode", sslMode)
	q.Set("application_name", ApplicationName)

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		Path:     "/" + cfg.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}
