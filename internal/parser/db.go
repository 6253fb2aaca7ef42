package parser

import (
	"database/sql"
	"fmt"
	"os"

	"portcon-analyzer/internal/mls"
	"portcon-analyzer/internal/model"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// Supported database drivers.
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// DBParser loads a policy from a relational store with the tables
// selinux_sensitivity, selinux_category, selinux_user, selinux_role,
// selinux_type and portcon.
type DBParser struct {
	db *sql.DB

	Policy model.Policy
}

func NewDBParser(driver, dsn string) (*DBParser, error) {
	switch driver {
	case DriverMySQL, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &DBParser{db: db}, nil
}

func (p *DBParser) Close() {
	p.db.Close()
}

func (p *DBParser) Parse() error {
	var err error
	if p.Policy.Sensitivities, err = p.loadOrdered("SELECT name FROM selinux_sensitivity ORDER BY ordinal ASC"); err != nil {
		return fmt.Errorf("failed to load sensitivities: %w", err)
	}
	if p.Policy.Categories, err = p.loadOrdered("SELECT name FROM selinux_category ORDER BY ordinal ASC"); err != nil {
		return fmt.Errorf("failed to load categories: %w", err)
	}
	if p.Policy.Users, err = p.loadOrdered("SELECT name FROM selinux_user ORDER BY name ASC"); err != nil {
		return fmt.Errorf("failed to load users: %w", err)
	}
	if p.Policy.Roles, err = p.loadOrdered("SELECT name FROM selinux_role ORDER BY name ASC"); err != nil {
		return fmt.Errorf("failed to load roles: %w", err)
	}
	if p.Policy.Types, err = p.loadOrdered("SELECT name FROM selinux_type ORDER BY name ASC"); err != nil {
		return fmt.Errorf("failed to load types: %w", err)
	}
	if len(p.Policy.Sensitivities) > 0 {
		p.Policy.Ordering = mls.NewOrdering(p.Policy.Sensitivities, p.Policy.Categories)
	}
	if err := p.loadPortcons(); err != nil {
		return fmt.Errorf("failed to load portcon statements: %w", err)
	}
	return nil
}

func (p *DBParser) loadOrdered(query string) ([]string, error) {
	rows, err := p.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (p *DBParser) loadPortcons() error {
	rows, err := p.db.Query("SELECT id, protocol, port_low, port_high, context_user, context_role, context_type, context_range FROM portcon ORDER BY id ASC")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var protocol string
		var stmt model.Statement
		var rangeText sql.NullString

		if err := rows.Scan(&id, &protocol, &stmt.PortLow, &stmt.PortHigh,
			&stmt.Context.User, &stmt.Context.Role, &stmt.Context.Type, &rangeText); err != nil {
			return err
		}

		if stmt.Protocol, err = model.ParseProtocol(protocol); err != nil || stmt.Protocol == "" {
			return fmt.Errorf("portcon %d: protocol %q is not supported", id, protocol)
		}
		if err := stmt.Ports().Validate(); err != nil {
			return fmt.Errorf("portcon %d: %w", id, err)
		}
		if rangeText.Valid && rangeText.String != "" && p.Policy.Ordering != nil {
			r, err := p.Policy.Ordering.ParseRange(rangeText.String)
			if err != nil {
				return fmt.Errorf("portcon %d: %w", id, err)
			}
			stmt.Context.Range = &r
		}
		p.Policy.Statements = append(p.Policy.Statements, stmt)
	}
	return rows.Err()
}

// Schema is the SQLite form of the tables DBParser reads.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS selinux_sensitivity (name TEXT PRIMARY KEY, ordinal INTEGER NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS selinux_category (name TEXT PRIMARY KEY, ordinal INTEGER NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS selinux_user (name TEXT PRIMARY KEY)`,
	`CREATE TABLE IF NOT EXISTS selinux_role (name TEXT PRIMARY KEY)`,
	`CREATE TABLE IF NOT EXISTS selinux_type (name TEXT PRIMARY KEY)`,
	`CREATE TABLE IF NOT EXISTS portcon (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		protocol TEXT NOT NULL,
		port_low INTEGER NOT NULL,
		port_high INTEGER NOT NULL,
		context_user TEXT NOT NULL,
		context_role TEXT NOT NULL,
		context_type TEXT NOT NULL,
		context_range TEXT NULL
	)`,
}

// Export writes a policy into db using Schema. It is how policy.conf and CSV
// sources are converted into a store DBParser can read back.
func Export(db *sql.DB, policy *model.Policy) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range Schema {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	for i, s := range policy.Sensitivities {
		if _, err := tx.Exec("INSERT INTO selinux_sensitivity (name, ordinal) VALUES (?, ?)", s, i); err != nil {
			return fmt.Errorf("insert sensitivity %s: %w", s, err)
		}
	}
	for i, c := range policy.Categories {
		if _, err := tx.Exec("INSERT INTO selinux_category (name, ordinal) VALUES (?, ?)", c, i); err != nil {
			return fmt.Errorf("insert category %s: %w", c, err)
		}
	}
	for table, names := range map[string][]string{
		"selinux_user": policy.Users,
		"selinux_role": policy.Roles,
		"selinux_type": policy.Types,
	} {
		for _, name := range names {
			if _, err := tx.Exec("INSERT INTO "+table+" (name) VALUES (?)", name); err != nil {
				return fmt.Errorf("insert into %s: %w", table, err)
			}
		}
	}
	for _, s := range policy.Statements {
		var rangeText sql.NullString
		if s.Context.Range != nil {
			rangeText = sql.NullString{String: s.Context.Range.String(), Valid: true}
		}
		if _, err := tx.Exec("INSERT INTO portcon (protocol, port_low, port_high, context_user, context_role, context_type, context_range) VALUES (?, ?, ?, ?, ?, ?, ?)",
			string(s.Protocol), s.PortLow, s.PortHigh, s.Context.User, s.Context.Role, s.Context.Type, rangeText); err != nil {
			return fmt.Errorf("insert portcon %s: %w", s, err)
		}
	}
	return tx.Commit()
}

// ExportSQLite writes policy into a new SQLite database at path.
func ExportSQLite(path string, policy *model.Policy) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("refusing to overwrite existing database %s", path)
	}
	db, err := sql.Open(DriverSQLite, path)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	return Export(db, policy)
}
