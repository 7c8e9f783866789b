// This file is part of meshcore, an offline peer-to-peer mesh messaging core.
//
// meshcore is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// meshcore is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the GNU
// Affero General Public License for more details.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/bfix/gospel/logger"
)

func TestConfigRead(t *testing.T) {
	logger.SetLogLevel(logger.WARN)

	data, err := os.ReadFile("./meshcore-config.json")
	if err != nil {
		t.Fatal(err)
	}
	if err := ParseConfigBytes(data); err != nil {
		t.Fatal(err)
	}
	if _, err := json.Marshal(Cfg); err != nil {
		t.Fatal(err)
	}
}

func TestEnvironSubstitution(t *testing.T) {
	raw := []byte(`{
		"environ": {"DATADIR": "/tmp/mesh"},
		"mesh": {"nodeName": "alice", "storageDSN": "sqlite3:${DATADIR}/routes.db"}
	}`)
	if err := ParseConfigBytes(raw); err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := "sqlite3:/tmp/mesh/routes.db"
	if Cfg.Mesh.StorageDSN != want {
		t.Fatalf("expected %q, got %q", want, Cfg.Mesh.StorageDSN)
	}
}

func TestUnresolvedSubstitutionLeftUntouched(t *testing.T) {
	raw := []byte(`{
		"environ": {},
		"mesh": {"nodeName": "alice", "storageDSN": "sqlite3:${MISSING}/routes.db"}
	}`)
	if err := ParseConfigBytes(raw); err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := "sqlite3:${MISSING}/routes.db"
	if Cfg.Mesh.StorageDSN != want {
		t.Fatalf("expected unresolved reference to be left alone, got %q", Cfg.Mesh.StorageDSN)
	}
}
