package oltp

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"

	"github.com/Octogonapus/FleetBench/benchmark"
)

const (
	pgDuplicateDatabase    = "42P04"
	mysqlDatabaseExists    = 1007
	mysqlSocket            = "/var/run/mysqld/mysqld.sock"
	sysbenchTables         = 10
	sysbenchRowsPerScale   = 10000
	progressIntervalSecond = 10
)

// postgres drives pgbench.
type postgres struct{}

func (postgres) packages() []string { return []string{"postgresql", "postgresql-contrib"} }

func (postgres) service() string { return "postgresql" }

func (postgres) driverName() string { return "postgres" }

func (postgres) dsn(in *OLTPBenchmarkInput) string {
	u := &url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(in.Host, strconv.Itoa(in.Port)),
		Path:     "/postgres",
		RawQuery: "sslmode=disable&connect_timeout=5",
	}
	if in.Password != "" {
		u.User = url.UserPassword(in.User, in.Password)
	} else {
		u.User = url.User(in.User)
	}
	return u.String()
}

func (postgres) createStatement(in *OLTPBenchmarkInput) string {
	return "CREATE DATABASE " + pq.QuoteIdentifier(in.Database)
}

func (postgres) alreadyExists(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pgDuplicateDatabase
}

func (p postgres) createCommand(in *OLTPBenchmarkInput) string {
	return p.client(in, "createdb") + " " + in.Database
}

func (p postgres) initCommand(in *OLTPBenchmarkInput) string {
	return fmt.Sprintf("%s -i -s %d %s", p.client(in, "pgbench"), in.Scale, in.Database)
}

func (p postgres) runCommand(in *OLTPBenchmarkInput, clients, threads int, d time.Duration) string {
	return fmt.Sprintf("%s -c %d -j %d -T %d -P %d %s",
		p.client(in, "pgbench"), clients, threads, benchmark.Seconds(d), progressIntervalSecond, in.Database)
}

// client runs a postgres tool as the local superuser, or over TCP when a password is configured.
func (postgres) client(in *OLTPBenchmarkInput, tool string) string {
	if in.Password == "" {
		return "sudo -u postgres " + tool
	}
	return fmt.Sprintf("%s -h %s -p %d -U %s", tool, in.Host, in.Port, in.User)
}

func (postgres) env(in *OLTPBenchmarkInput) []string {
	if in.Password == "" {
		return nil
	}
	return []string{"PGPASSWORD=" + in.Password}
}

// mysqlEngine drives sysbench's oltp_read_write against MySQL.
type mysqlEngine struct{}

func (mysqlEngine) packages() []string { return []string{"mysql-server", "sysbench"} }

func (mysqlEngine) service() string { return "mysql" }

func (mysqlEngine) driverName() string { return "mysql" }

func (mysqlEngine) dsn(in *OLTPBenchmarkInput) string {
	cfg := mysql.NewConfig()
	cfg.User = in.User
	cfg.Passwd = in.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(in.Host, strconv.Itoa(in.Port))
	cfg.Timeout = 5 * time.Second
	return cfg.FormatDSN()
}

func (mysqlEngine) createStatement(in *OLTPBenchmarkInput) string {
	return "CREATE DATABASE IF NOT EXISTS `" + in.Database + "`"
}

func (mysqlEngine) alreadyExists(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlDatabaseExists
}

func (mysqlEngine) createCommand(in *OLTPBenchmarkInput) string {
	if in.Password == "" {
		return fmt.Sprintf("mysql -e 'CREATE DATABASE IF NOT EXISTS %s'", in.Database)
	}
	return fmt.Sprintf(`mysql -h %s -P %d -u %s -e 'CREATE DATABASE IF NOT EXISTS %s'`,
		in.Host, in.Port, in.User, in.Database)
}

// env carries the password for both the mysql client, which reads MYSQL_PWD itself, and sysbench,
// which gets it expanded by the shell.
func (mysqlEngine) env(in *OLTPBenchmarkInput) []string {
	if in.Password == "" {
		return nil
	}
	return []string{"MYSQL_PWD=" + in.Password}
}

func (m mysqlEngine) initCommand(in *OLTPBenchmarkInput) string {
	common := m.sysbenchArgs(in)
	// prepare refuses to overwrite tables left by an earlier run
	return fmt.Sprintf("sysbench oltp_read_write %[1]s cleanup; sysbench oltp_read_write %[1]s prepare", common)
}

// sysbench has a single --threads knob and every thread holds one connection, so it takes the client
// count. threads only maps onto pgbench's worker threads.
func (m mysqlEngine) runCommand(in *OLTPBenchmarkInput, clients, _ int, d time.Duration) string {
	return fmt.Sprintf("sysbench oltp_read_write %s --threads=%d --time=%d --report-interval=%d run",
		m.sysbenchArgs(in), clients, benchmark.Seconds(d), progressIntervalSecond)
}

func (mysqlEngine) sysbenchArgs(in *OLTPBenchmarkInput) string {
	args := []string{
		"--db-driver=mysql",
		"--mysql-db=" + in.Database,
		fmt.Sprintf("--tables=%d", sysbenchTables),
		fmt.Sprintf("--table-size=%d", in.Scale*sysbenchRowsPerScale),
	}
	if in.Password == "" {
		args = append(args, "--mysql-user=root", "--mysql-socket="+mysqlSocket)
	} else {
		args = append(args,
			"--mysql-host="+in.Host,
			fmt.Sprintf("--mysql-port=%d", in.Port),
			"--mysql-user="+in.User,
			`--mysql-password="$MYSQL_PWD"`)
	}
	return strings.Join(args, " ")
}

func alreadyExistsOutput(out []byte) bool {
	return strings.Contains(string(out), "already exists")
}
