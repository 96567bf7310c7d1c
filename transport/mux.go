// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"context"
	"fmt"
)

// Mux dispatches Dial to the dialer registered for the endpoint kind.
// An empty kind selects KindTCP.
type Mux map[string]Dialer

func (m Mux) Dial(ctx context.Context, ep Endpoint) (Session, error) {
	kind := ep.Kind
	if kind == "" {
		kind = KindTCP
	}
	d, ok := m[kind]
	if !ok || d == nil {
		return nil, &ConnectionError{Endpoint: ep.String(), Err: fmt.Errorf("no dialer for transport kind %q", kind)}
	}
	return d.Dial(ctx, ep)
}
