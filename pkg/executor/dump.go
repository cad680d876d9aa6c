package executor

import (
	"fmt"
	"strconv"
	"strings"
)

// Dump engines
const (
	EngineMySQL    = "mysql"
	EnginePostgres = "postgres"
)

// MySQLDumpOptions selects optional mysqldump flags
type MySQLDumpOptions struct {
	SingleTransaction bool     `yaml:"singleTransaction"`
	Quick             bool     `yaml:"quick"`
	SkipLockTables    bool     `yaml:"skipLockTables"`
	SkipComments      bool     `yaml:"skipComments"`
	ExtendedInsert    bool     `yaml:"extendedInsert"`
	Triggers          bool     `yaml:"triggers"`
	Routines          bool     `yaml:"routines"`
	Events            bool     `yaml:"events"`
	CustomOptions     []string `yaml:"customOptions"`
}

// DefaultMySQLDumpOptions takes a consistent snapshot of InnoDB tables
// including stored programs
func DefaultMySQLDumpOptions() MySQLDumpOptions {
	return MySQLDumpOptions{
		SingleTransaction: true,
		Quick:             true,
		ExtendedInsert:    true,
		Triggers:          true,
		Routines:          true,
		Events:            true,
	}
}

// Args returns the command-line flags
func (o MySQLDumpOptions) Args() []string {
	var args []string
	for _, f := range []struct {
		set  bool
		flag string
	}{
		{o.SingleTransaction, "--single-transaction"},
		{o.Quick, "--quick"},
		{o.SkipLockTables, "--skip-lock-tables"},
		{o.SkipComments, "--skip-comments"},
		{o.ExtendedInsert, "--extended-insert"},
		{o.Triggers, "--triggers"},
		{o.Routines, "--routines"},
		{o.Events, "--events"},
	} {
		if f.set {
			args = append(args, f.flag)
		}
	}
	return append(args, o.CustomOptions...)
}

// PostgresDumpOptions selects optional pg_dump flags. The output is always
// plain SQL on stdout.
type PostgresDumpOptions struct {
	NoOwner       bool     `yaml:"noOwner"`
	NoPrivileges  bool     `yaml:"noPrivileges"`
	NoTablespaces bool     `yaml:"noTablespaces"`
	Clean         bool     `yaml:"clean"`
	IfExists      bool     `yaml:"ifExists"`
	SchemaOnly    bool     `yaml:"schemaOnly"`
	ColumnInserts bool     `yaml:"columnInserts"`
	CustomOptions []string `yaml:"customOptions"`
}

// DefaultPostgresDumpOptions produces a dump that restores without the
// original roles and tablespaces
func DefaultPostgresDumpOptions() PostgresDumpOptions {
	return PostgresDumpOptions{
		NoOwner:       true,
		NoPrivileges:  true,
		NoTablespaces: true,
	}
}

// Args returns the command-line flags
func (o PostgresDumpOptions) Args() []string {
	args := []string{"--format=plain", "--no-password"}
	for _, f := range []struct {
		set  bool
		flag string
	}{
		{o.NoOwner, "--no-owner"},
		{o.NoPrivileges, "--no-privileges"},
		{o.NoTablespaces, "--no-tablespaces"},
		{o.Clean, "--clean"},
		{o.IfExists, "--if-exists"},
		{o.SchemaOnly, "--schema-only"},
		{o.ColumnInserts, "--column-inserts"},
	} {
		if f.set {
			args = append(args, f.flag)
		}
	}
	return append(args, o.CustomOptions...)
}

// DumpTarget is the database server a generated dump command connects to
type DumpTarget struct {
	Engine   string
	Host     string
	Port     int
	Username string
	Password string
}

// DumpCommand builds the command template for target and the environment
// carrying its password, so the password never shows up in the process list
func DumpCommand(target DumpTarget, mysqlOpts MySQLDumpOptions, pgOpts PostgresDumpOptions) (string, []string, error) {
	var argv, env []string
	switch target.Engine {
	case EngineMySQL:
		argv = append(argv, "mysqldump")
		if target.Host != "" {
			argv = append(argv, "--host="+target.Host)
		}
		if target.Port > 0 {
			argv = append(argv, "--port="+strconv.Itoa(target.Port))
		}
		if target.Username != "" {
			argv = append(argv, "--user="+target.Username)
		}
		argv = append(argv, mysqlOpts.Args()...)
		if target.Password != "" {
			env = append(env, "MYSQL_PWD="+target.Password)
		}
	case EnginePostgres:
		argv = append(argv, "pg_dump")
		if target.Host != "" {
			argv = append(argv, "--host="+target.Host)
		}
		if target.Port > 0 {
			argv = append(argv, "--port="+strconv.Itoa(target.Port))
		}
		if target.Username != "" {
			argv = append(argv, "--username="+target.Username)
		}
		argv = append(argv, pgOpts.Args()...)
		if target.Password != "" {
			env = append(env, "PGPASSWORD="+target.Password)
		}
	default:
		return "", nil, fmt.Errorf("unsupported dump engine %q", target.Engine)
	}

	argv = append(argv, DatabasePlaceholder)
	return strings.Join(argv, " "), env, nil
}
