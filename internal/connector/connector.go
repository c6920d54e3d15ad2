// Package connector turns a connection profile into a live *sql.DB.
package connector

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/loykin/changerun/internal/apperr"
	"github.com/loykin/changerun/internal/common"
	"github.com/loykin/changerun/internal/constants"
	"github.com/loykin/changerun/internal/store"
	"github.com/loykin/changerun/pkg/dbtype"
	_ "modernc.org/sqlite"
)

// Target is a resolved database/sql driver name and DSN.
type Target struct {
	DriverName string
	DSN        string
	Type       dbtype.Type
}

// Opener opens database handles for a profile.
type Opener interface {
	Open(ctx context.Context, p store.Profile) (*sql.DB, error)
}

// Connector opens pooled handles for the registry and dedicated handles for
// single operations.
type Connector struct {
	PingTimeout time.Duration
}

var _ Opener = (*Connector)(nil)

// New returns a Connector with default settings.
func New() *Connector {
	return &Connector{PingTimeout: constants.DefaultPingTimeout}
}

// Open returns a pooled handle, verified with a ping.
func (c *Connector) Open(ctx context.Context, p store.Profile) (*sql.DB, error) {
	return c.open(ctx, p, false)
}

// OpenDedicated returns a handle limited to a single physical connection.
// The caller owns it and must close it.
func (c *Connector) OpenDedicated(ctx context.Context, p store.Profile) (*sql.DB, error) {
	return c.open(ctx, p, true)
}

func (c *Connector) open(ctx context.Context, p store.Profile, dedicated bool) (*sql.DB, error) {
	target, err := Resolve(p)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConnectivity, "resolve driver", err)
	}
	logger := common.GetLogger().WithProject(p.ProjectKey).WithDialect(target.Type.String())

	db, err := sql.Open(target.DriverName, target.DSN)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConnectivity, "open connection", err)
	}
	if dedicated {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	timeout := c.PingTimeout
	if timeout <= 0 {
		timeout = constants.DefaultPingTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		logger.Warn("database ping failed", "driver", target.DriverName, "error", err)
		return nil, apperr.Wrap(apperr.KindConnectivity, "ping database", err)
	}
	logger.Debug("database connection established", "driver", target.DriverName, "dedicated", dedicated)
	return db, nil
}

// DriverName maps a profile driver identifier onto a registered Go driver.
func DriverName(driver string) (string, dbtype.Type, error) {
	t := dbtype.FromProfile(driver)
	switch t {
	case dbtype.PostgreSQL:
		return "pgx", t, nil
	case dbtype.MySQL:
		return "mysql", t, nil
	}
	name := strings.ToLower(strings.TrimSpace(driver))
	if slices.Contains(sql.Drivers(), name) {
		return name, t, nil
	}
	return "", t, fmt.Errorf("no driver registered for %q (database type %s)", driver, t)
}

// Resolve computes the driver name and DSN for p. JDBC style URLs are
// converted to the native DSN format of the matching Go driver.
func Resolve(p store.Profile) (Target, error) {
	driverName, t, err := DriverName(p.Driver)
	if err != nil {
		return Target{}, err
	}
	raw := strings.TrimSpace(p.URL)
	if raw == "" {
		return Target{}, fmt.Errorf("empty connection url")
	}

	var dsn string
	switch driverName {
	case "pgx":
		dsn, err = postgresDSN(raw, p.Username, p.Password)
	case "mysql":
		dsn, err = mysqlDSN(raw, p.Username, p.Password)
	case "sqlite":
		dsn = strings.TrimPrefix(strings.TrimPrefix(raw, "jdbc:sqlite:"), "sqlite:")
	default:
		dsn = raw
	}
	if err != nil {
		return Target{}, err
	}
	return Target{DriverName: driverName, DSN: dsn, Type: t}, nil
}

func postgresDSN(raw, user, password string) (string, error) {
	switch {
	case strings.HasPrefix(raw, "jdbc:postgresql:"):
		raw = "postgres:" + strings.TrimPrefix(raw, "jdbc:postgresql:")
	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
	default:
		// keyword/value form: host=... user=...
		if user != "" && !strings.Contains(raw, "user=") {
			raw += " user=" + quoteKV(user)
		}
		if password != "" && !strings.Contains(raw, "password=") {
			raw += " password=" + quoteKV(password)
		}
		return raw, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid postgres url: %w", err)
	}
	q := u.Query()
	// JDBC passes credentials as query parameters; pgx expects userinfo.
	if v := q.Get("user"); v != "" && user == "" {
		user = v
	}
	if v := q.Get("password"); v != "" && password == "" {
		password = v
	}
	q.Del("user")
	q.Del("password")
	u.RawQuery = q.Encode()

	if u.User == nil && user != "" {
		u.User = url.UserPassword(user, password)
	}
	return u.String(), nil
}

func quoteKV(v string) string {
	return "'" + strings.ReplaceAll(strings.ReplaceAll(v, `\`, `\\`), "'", `\'`) + "'"
}

func mysqlDSN(raw, user, password string) (string, error) {
	var cfg *mysql.Config
	if strings.HasPrefix(raw, "jdbc:mysql:") || strings.HasPrefix(raw, "mysql://") {
		u, err := url.Parse(strings.TrimPrefix(raw, "jdbc:"))
		if err != nil {
			return "", fmt.Errorf("invalid mysql url: %w", err)
		}
		cfg = mysql.NewConfig()
		cfg.Net = "tcp"
		cfg.Addr = u.Host
		if u.Port() == "" {
			cfg.Addr = u.Host + ":3306"
		}
		cfg.DBName = strings.TrimPrefix(u.Path, "/")
		if u.User != nil {
			cfg.User = u.User.Username()
			cfg.Passwd, _ = u.User.Password()
		}
		q := u.Query()
		if v := q.Get("user"); v != "" && cfg.User == "" {
			cfg.User = v
		}
		if v := q.Get("password"); v != "" && cfg.Passwd == "" {
			cfg.Passwd = v
		}
		// JDBC-only flags that the Go driver would reject as unknown server variables.
		for _, k := range []string{"user", "password", "useSSL", "serverTimezone", "allowPublicKeyRetrieval", "characterEncoding", "useUnicode"} {
			q.Del(k)
		}
		if len(q) > 0 {
			cfg.Params = map[string]string{}
			for k := range q {
				cfg.Params[k] = q.Get(k)
			}
		}
	} else {
		parsed, err := mysql.ParseDSN(raw)
		if err != nil {
			return "", fmt.Errorf("invalid mysql dsn: %w", err)
		}
		cfg = parsed
	}
	if cfg.User == "" {
		cfg.User = user
	}
	if cfg.Passwd == "" {
		cfg.Passwd = password
	}
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}
