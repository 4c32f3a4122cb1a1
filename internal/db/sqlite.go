// Package db opens the SQLite audit store and keeps its schema current.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" driver
)

// SQLite DSN parameters shared by both pools.
const (
	defaultBusyTimeout = "5000" // 5 seconds
	defaultSynchronous = "NORMAL"
	defaultJournalMode = "WAL"
	defaultReadConns   = 4
)

// Pool is a single-writer pool and a reader pool on the same SQLite file. Audit
// lines are appended through Write; the admin API and CLI list them through Read.
type Pool struct {
	Write *sql.DB
	Read  *sql.DB
}

// Open opens both pools for path. readMaxOpen of 0 selects the default reader
// pool size.
func Open(path string, readMaxOpen int) (*Pool, error) {
	write, err := openSQLite(path, true, 1)
	if err != nil {
		return nil, err
	}
	if readMaxOpen <= 0 {
		readMaxOpen = defaultReadConns
	}
	read, err := openSQLite(path, false, readMaxOpen)
	if err != nil {
		_ = write.Close()
		return nil, err
	}
	return &Pool{Write: write, Read: read}, nil
}

// Close closes both pools.
func (p *Pool) Close() error {
	rerr := p.Read.Close()
	if err := p.Write.Close(); err != nil {
		return err
	}
	return rerr
}

func openSQLite(path string, write bool, maxOpen int) (*sql.DB, error) {
	mode := "read"
	if write {
		mode = "write"
	}

	db, err := sql.Open("sqlite3", buildDSN(path, write))
	if err != nil {
		return nil, fmt.Errorf("open sqlite (%s): %w", mode, err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite (%s): %w", mode, err)
	}
	return db, nil
}

func buildDSN(path string, write bool) string {
	params := url.Values{}
	params.Set("_journal_mode", defaultJournalMode)
	params.Set("_busy_timeout", defaultBusyTimeout)
	params.Set("_synchronous", defaultSynchronous)
	if write {
		params.Set("_txlock", "immediate")
	}
	return path + "?" + params.Encode()
}
