package database

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/capstanhq/capstan/pkg/types"
)

const (
	// minDumpBytes rejects implausibly small dumps. Even an empty database
	// dumps to a few hundred bytes of preamble; anything under this is a
	// truncated or failed dump.
	minDumpBytes = 100

	// defaultTimeout bounds dump/restore subprocesses
	defaultTimeout = 10 * time.Minute
)

// PostgresEngine implements Engine for PostgreSQL. Administrative
// statements (drop/create) go through pgx against the maintenance database;
// the logical formats go through pg_dump and psql, which own them.
type PostgresEngine struct {
	// Timeout bounds each dump/restore invocation
	Timeout time.Duration
}

// NewPostgresEngine creates an engine with defaults
func NewPostgresEngine() *PostgresEngine {
	return &PostgresEngine{Timeout: defaultTimeout}
}

// Ping verifies connectivity
func (e *PostgresEngine) Ping(ctx context.Context, spec *types.DatabaseSpec) error {
	conn, err := e.connect(ctx, spec, spec.Name)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	return conn.Ping(ctx)
}

// Dump writes a logical dump with pg_dump. The dump is written to a temp
// file next to the destination and renamed only once it passes the size
// check, so a killed dump never masquerades as a complete one.
func (e *PostgresEngine) Dump(ctx context.Context, spec *types.DatabaseSpec, path string) error {
	dumpCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	tmp, err := os.CreateTemp(filepath.Dir(path), ".dump-*")
	if err != nil {
		return fmt.Errorf("failed to create dump file: %w", err)
	}
	defer tmp.Close()

	cmd := exec.CommandContext(dumpCtx, "pg_dump",
		"--host", spec.Host,
		"--port", fmt.Sprintf("%d", spec.Port),
		"--username", spec.User,
		"--no-password",
		"--format", "plain",
		spec.Name,
	)
	cmd.Env = append(os.Environ(), "PGPASSWORD="+spec.Password)
	cmd.Stdout = tmp

	if err := cmd.Run(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("pg_dump failed for %s: %w", spec.Name, err)
	}

	info, err := tmp.Stat()
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to stat dump: %w", err)
	}
	if info.Size() < minDumpBytes {
		os.Remove(tmp.Name())
		return fmt.Errorf("dump of %s is implausibly small (%d bytes), refusing to keep it", spec.Name, info.Size())
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to install dump: %w", err)
	}
	return nil
}

// Restore drops and recreates the database, then replays the dump
func (e *PostgresEngine) Restore(ctx context.Context, spec *types.DatabaseSpec, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("dump not found: %w", err)
	}

	conn, err := e.connect(ctx, spec, "postgres")
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	// Terminate lingering sessions or the drop will block.
	_, err = conn.Exec(ctx,
		`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()`,
		spec.Name)
	if err != nil {
		return fmt.Errorf("failed to terminate sessions on %s: %w", spec.Name, err)
	}

	if _, err := conn.Exec(ctx, fmt.Sprintf(`DROP DATABASE IF EXISTS %s`, pgx.Identifier{spec.Name}.Sanitize())); err != nil {
		return fmt.Errorf("failed to drop database %s: %w", spec.Name, err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf(`CREATE DATABASE %s OWNER %s`, pgx.Identifier{spec.Name}.Sanitize(), pgx.Identifier{spec.User}.Sanitize())); err != nil {
		return fmt.Errorf("failed to create database %s: %w", spec.Name, err)
	}

	restoreCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	cmd := exec.CommandContext(restoreCtx, "psql",
		"--host", spec.Host,
		"--port", fmt.Sprintf("%d", spec.Port),
		"--username", spec.User,
		"--no-password",
		"--set", "ON_ERROR_STOP=1",
		"--file", path,
		spec.Name,
	)
	cmd.Env = append(os.Environ(), "PGPASSWORD="+spec.Password)

	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("psql restore of %s failed: %w: %s", spec.Name, err, out)
	}
	return nil
}

func (e *PostgresEngine) connect(ctx context.Context, spec *types.DatabaseSpec, dbName string) (*pgx.Conn, error) {
	connString := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
		spec.Host, spec.Port, spec.User, spec.Password, dbName)
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres at %s:%d: %w", spec.Host, spec.Port, err)
	}
	return conn, nil
}

var _ Engine = (*PostgresEngine)(nil)
