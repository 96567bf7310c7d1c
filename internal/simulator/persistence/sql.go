// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/ffutop/bollard-controller/internal/simulator/model"
)

const (
	sqlSchema = `CREATE TABLE IF NOT EXISTS simulator_bits (
	table_type INTEGER NOT NULL,
	address    INTEGER NOT NULL,
	value      INTEGER NOT NULL,
	PRIMARY KEY (table_type, address)
)`
	sqlSelect = `SELECT table_type, address, value FROM simulator_bits`
	sqlUpsert = `INSERT INTO simulator_bits (table_type, address, value) VALUES (?, ?, ?)
ON CONFLICT(table_type, address) DO UPDATE SET value = excluded.value`
)

// SQLStorage keeps one row per bit that was ever written in a SQLite
// database. Changes are stored as they happen.
type SQLStorage struct {
	dsn   string
	db    *sql.DB
	model *model.DataModel
}

// NewSQLStorage takes a SQLite file path or DSN.
func NewSQLStorage(dsn string) *SQLStorage {
	return &SQLStorage{dsn: dsn}
}

func (s *SQLStorage) Load() (*model.DataModel, error) {
	db, err := sql.Open("sqlite", s.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	// One connection keeps in-memory DSNs coherent.
	db.SetMaxOpenConns(1)

	m, err := loadBits(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.db, s.model = db, m
	return m, nil
}

func loadBits(db *sql.DB) (*model.DataModel, error) {
	if _, err := db.Exec(sqlSchema); err != nil {
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	rows, err := db.Query(sqlSelect)
	if err != nil {
		return nil, fmt.Errorf("failed to query bits: %w", err)
	}
	defer rows.Close()

	m := model.NewDataModel()
	for rows.Next() {
		var table, address, value int
		if err := rows.Scan(&table, &address, &value); err != nil {
			return nil, fmt.Errorf("failed to scan bit: %w", err)
		}
		if address < 0 || address > model.MaxAddress {
			continue
		}
		m.SetBit(model.TableType(table), uint16(address), value != 0)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load bits: %w", err)
	}
	return m, nil
}

// Save does nothing; OnWrite already stored every change.
func (s *SQLStorage) Save(*model.DataModel) error { return nil }

// OnWrite upserts the changed range in one transaction.
func (s *SQLStorage) OnWrite(table model.TableType, address, n uint16) {
	if s.db == nil {
		return
	}
	if err := s.upsert(table, address, n); err != nil {
		slog.Error("Failed to persist simulator bits", "dsn", s.dsn, "table", table, "address", address, "err", err)
	}
}

func (s *SQLStorage) upsert(table model.TableType, address, n uint16) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(sqlUpsert)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := 0; i < int(n) && int(address)+i <= model.MaxAddress; i++ {
		addr := address + uint16(i)
		var value int
		if s.model.Bit(table, addr) {
			value = 1
		}
		if _, err := stmt.Exec(int(table), int(addr), value); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLStorage) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
