// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"fmt"
	"os"

	"github.com/ffutop/bollard-controller/internal/simulator/model"
)

// Image layout shared by the file and mmap storages, one byte per bit:
// coils at offset 0, discrete inputs right after them.
const (
	tableSize = model.MaxAddress + 1
	imageSize = 2 * tableSize
)

// offset returns the image offset of a bit.
func offset(table model.TableType, address uint16) int64 {
	if table == model.TableDiscreteInputs {
		return tableSize + int64(address)
	}
	return int64(address)
}

// openImage opens or creates the image file at path and sizes it.
func openImage(path string) (*os.File, error) {
	if path == "" {
		return nil, fmt.Errorf("persistence: path is required")
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() != imageSize {
		if err := f.Truncate(imageSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to resize %s: %w", path, err)
		}
	}
	return f, nil
}

// modelOver returns a DataModel whose tables alias image.
func modelOver(image []byte) *model.DataModel {
	return &model.DataModel{
		Coils:          image[:tableSize:tableSize],
		DiscreteInputs: image[tableSize:imageSize],
	}
}
