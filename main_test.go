// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"testing"
	"time"
)

func TestParseOptions(t *testing.T) {
	o, err := parseOptions([]string{"-c", "/etc/bollard/site.yaml", "-d", "gate-1", "--command", "lock_up", "--timeout", "5s"})
	if err != nil {
		t.Fatal(err)
	}
	if o.ConfigFile != "/etc/bollard/site.yaml" || o.Device != "gate-1" || o.Command != "lock_up" || o.Timeout != 5*time.Second {
		t.Errorf("unexpected options %+v", o)
	}
	if !o.OneShot() {
		t.Error("expected one-shot mode")
	}

	o, err = parseOptions(nil)
	if err != nil || o.OneShot() || o.Timeout != 30*time.Second {
		t.Errorf("defaults = %+v, %v", o, err)
	}
}

func TestParseOptions_Invalid(t *testing.T) {
	for _, args := range [][]string{
		{"--command", "raise"},
		{"-d", "gate-1", "--command", "jump"},
		{"extra"},
		{"--no-such-flag"},
	} {
		if _, err := parseOptions(args); err == nil {
			t.Errorf("parseOptions(%q): expected error", args)
		}
	}
}
