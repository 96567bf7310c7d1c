// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ffutop/bollard-controller/internal/simulator/model"
)

// FileStorage holds the image in memory and writes each changed range back
// to the file, synced.
type FileStorage struct {
	path  string
	file  *os.File
	image []byte
}

func NewFileStorage(path string) *FileStorage {
	return &FileStorage{path: path}
}

func (s *FileStorage) Load() (*model.DataModel, error) {
	f, err := openImage(s.path)
	if err != nil {
		return nil, err
	}
	image := make([]byte, imageSize)
	if _, err := io.ReadFull(f, image); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read %s: %w", s.path, err)
	}
	s.file, s.image = f, image
	return modelOver(image), nil
}

// Save rewrites the whole image.
func (s *FileStorage) Save(*model.DataModel) error {
	if s.file == nil {
		return nil
	}
	return s.writeRange(0, imageSize)
}

func (s *FileStorage) OnWrite(table model.TableType, address, n uint16) {
	if s.file == nil {
		return
	}
	start := offset(table, address)
	end := start + int64(n)
	if end > imageSize {
		end = imageSize
	}
	if err := s.writeRange(start, end); err != nil {
		slog.Error("Failed to persist simulator bits", "path", s.path, "table", table, "address", address, "err", err)
	}
}

func (s *FileStorage) writeRange(start, end int64) error {
	if _, err := s.file.WriteAt(s.image[start:end], start); err != nil {
		return fmt.Errorf("failed to write %s: %w", s.path, err)
	}
	return s.file.Sync()
}

func (s *FileStorage) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
