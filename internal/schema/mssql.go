package schema

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/golang-sql/sqlexp"
	_ "github.com/microsoft/go-mssqldb" // registers the sqlserver driver
	"github.com/microsoft/go-mssqldb/batch"
)

// ConnectionConfig holds SQL Server connection settings
type ConnectionConfig struct {
	Server   string // host or host\instance
	Port     int
	User     string
	Password string
}

// DSN returns the sqlserver:// connection URL for database
func (c ConnectionConfig) DSN(database string) string {
	host, instance := c.Server, ""
	if i := strings.IndexByte(c.Server, '\\'); i >= 0 {
		host, instance = c.Server[:i], c.Server[i+1:]
	}
	if c.Port > 0 && instance == "" {
		host = net.JoinHostPort(host, strconv.Itoa(c.Port))
	}

	q := url.Values{}
	q.Set("database", database)
	q.Set("app name", "releaser")

	u := &url.URL{
		Scheme:   "sqlserver",
		Host:     host,
		Path:     instance,
		RawQuery: q.Encode(),
	}
	if c.User != "" {
		u.User = url.UserPassword(c.User, c.Password)
	}
	return u.String()
}

// MSSQLRunner runs scripts with go-mssqldb. Scripts are split on GO batch
// separators and run in order on one connection.
type MSSQLRunner struct {
	cfg ConnectionConfig
}

// NewMSSQLRunner creates a runner for cfg
func NewMSSQLRunner(cfg ConnectionConfig) *MSSQLRunner {
	return &MSSQLRunner{cfg: cfg}
}

// Run opens a dedicated connection to database and executes script.
func (r *MSSQLRunner) Run(ctx context.Context, database, script string) ([]string, error) {
	db, err := sql.Open("sqlserver", r.cfg.DSN(database))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", database, err)
	}
	defer db.Close()

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", database, err)
	}
	defer conn.Close()

	var messages []string
	for _, stmt := range batch.Split(script, "GO") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		msgs, err := runBatch(ctx, conn, stmt)
		messages = append(messages, msgs...)
		if err != nil {
			return messages, err
		}
	}
	return messages, nil
}

// runBatch executes one batch, collecting PRINT output and errors from all
// result sets.
func runBatch(ctx context.Context, conn *sql.Conn, stmt string) ([]string, error) {
	retmsg := &sqlexp.ReturnMessage{}
	rows, err := conn.QueryContext(ctx, stmt, retmsg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []string
	var firstErr error
	for active := true; active; {
		switch m := retmsg.Message(ctx).(type) {
		case sqlexp.MsgNotice:
			messages = append(messages, fmt.Sprint(m.Message))
		case sqlexp.MsgError:
			messages = append(messages, "Error: "+m.Error.Error())
			if firstErr == nil {
				firstErr = m.Error
			}
		case sqlexp.MsgNext:
			for rows.Next() {
			}
		case sqlexp.MsgNextResultSet:
			active = rows.NextResultSet()
		case sqlexp.MsgRowsAffected:
		}
	}
	if firstErr == nil {
		firstErr = rows.Err()
	}
	return messages, firstErr
}
