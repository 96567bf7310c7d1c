// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package descriptor

import "fmt"

// ConfigurationError reports a descriptor that cannot serve a request:
// a missing or malformed binding, or a write to a read-only function.
// It is never retried.
type ConfigurationError struct {
	Device string
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("device %q: %s: %s", e.Device, e.Field, e.Reason)
}
