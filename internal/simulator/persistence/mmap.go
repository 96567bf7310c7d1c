// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/edsrzf/mmap-go"

	"github.com/ffutop/bollard-controller/internal/simulator/model"
)

// MmapStorage maps the image file so the bit tables are the file.
// Each write is flushed with msync.
type MmapStorage struct {
	path    string
	file    *os.File
	mapping mmap.MMap
}

func NewMmapStorage(path string) *MmapStorage {
	return &MmapStorage{path: path}
}

func (s *MmapStorage) Load() (*model.DataModel, error) {
	f, err := openImage(s.path)
	if err != nil {
		return nil, err
	}
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to map %s: %w", s.path, err)
	}
	s.file, s.mapping = f, m
	return modelOver(m), nil
}

func (s *MmapStorage) Save(*model.DataModel) error {
	if s.mapping == nil {
		return errors.New("persistence: mapping is not loaded")
	}
	return s.mapping.Flush()
}

func (s *MmapStorage) OnWrite(table model.TableType, address, n uint16) {
	if s.mapping == nil {
		return
	}
	if err := s.mapping.Flush(); err != nil {
		slog.Error("Failed to flush simulator mapping", "path", s.path, "table", table, "address", address, "err", err)
	}
}

// Close unmaps before closing the file.
func (s *MmapStorage) Close() error {
	var errs []error
	if s.mapping != nil {
		errs = append(errs, s.mapping.Unmap())
		s.mapping = nil
	}
	if s.file != nil {
		errs = append(errs, s.file.Close())
		s.file = nil
	}
	return errors.Join(errs...)
}
