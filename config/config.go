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

// Package config loads the node's JSON configuration file, applying
// ${VAR}-style substitution from its own "environ" block before the
// settings are handed to the rest of the mesh core.
package config

import (
	"encoding/json"
	"os"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/bfix/gospel/logger"
)

///////////////////////////////////////////////////////////////////////
// Mesh configuration

// MeshConfig describes this node's identity, storage, and the route
// discovery engine's tunables.
type MeshConfig struct {
	// NodeName is this node's own address name, as presented to peers.
	NodeName string `json:"nodeName"`

	// StorageDSN addresses the route table database, e.g.
	// "sqlite3:/var/lib/meshcore/routes.db" or a "mysql:..." DSN.
	StorageDSN string `json:"storageDSN"`

	// DedupBackend selects the discovery engine's loop-suppression
	// cache: "store" (default, the route table itself) or "redis".
	DedupBackend string `json:"dedupBackend"`

	// RedisAddr is only read when DedupBackend is "redis".
	RedisAddr string `json:"redisAddr"`
	RedisDB   int    `json:"redisDB"`

	// DiscoveryTTL, when non-zero, sets the key lifetime of the Redis
	// dedup cache in place of discovery.DefaultTTL. DiscoveryHops is
	// not read: the discovery engine always uses DefaultHops and
	// DefaultTTL for the requests it sends.
	DiscoveryHops int           `json:"discoveryHops"`
	DiscoveryTTL  time.Duration `json:"discoveryTTL"`

	// HeartbeatInterval governs how often the route table's
	// maintenance sweep (ReapStale) runs.
	HeartbeatInterval time.Duration `json:"heartbeatInterval"`
}

///////////////////////////////////////////////////////////////////////
// Debug RPC configuration

// DebugRPCConfig controls the local-only HTTP/JSON-RPC introspection
// endpoint exposed by mesh/debugrpc.
type DebugRPCConfig struct {
	Endpoint string `json:"endpoint"` // e.g. "127.0.0.1:8900"
}

///////////////////////////////////////////////////////////////////////

// Environ holds the substitution dictionary for ${VAR} references
// found elsewhere in the configuration file.
type Environ map[string]string

// Config is the aggregated configuration for a mesh node.
type Config struct {
	Env      Environ         `json:"environ"`
	Mesh     *MeshConfig     `json:"mesh"`
	DebugRPC *DebugRPCConfig `json:"debugRPC"`
}

// Cfg is the process-wide configuration, set by ParseConfig.
var Cfg *Config

// ParseConfig reads a JSON configuration file at fileName and applies
// ${VAR} substitutions from its own "environ" block.
func ParseConfig(fileName string) error {
	data, err := os.ReadFile(fileName)
	if err != nil {
		return err
	}
	return ParseConfigBytes(data)
}

// ParseConfigBytes parses an in-memory JSON configuration, the same way
// ParseConfig does for a file on disk.
func ParseConfigBytes(data []byte) error {
	cfg := new(Config)
	if err := json.Unmarshal(data, cfg); err != nil {
		return err
	}
	applySubstitutions(cfg, cfg.Env)
	Cfg = cfg
	return nil
}

var substPattern = regexp.MustCompile(`\$\{([^}]*)\}`)

// substString replaces every ${NAME} reference in s with env[NAME],
// leaving unresolved references untouched.
func substString(s string, env map[string]string) string {
	matches := substPattern.FindAllStringSubmatch(s, -1)
	for _, m := range matches {
		if len(m[1]) == 0 {
			continue
		}
		subst, ok := env[m[1]]
		if !ok {
			continue
		}
		s = strings.ReplaceAll(s, "${"+m[1]+"}", subst)
	}
	return s
}

// applySubstitutions walks x's fields by reflection, rewriting every
// string field in place until no further ${VAR} references resolve.
func applySubstitutions(x interface{}, env map[string]string) {
	var process func(v reflect.Value)
	process = func(v reflect.Value) {
		for i := 0; i < v.NumField(); i++ {
			fld := v.Field(i)
			if !fld.CanSet() {
				continue
			}
			switch fld.Kind() {
			case reflect.String:
				s := fld.String()
				for {
					s1 := substString(s, env)
					if s1 == s {
						break
					}
					logger.Printf(logger.DBG, "[config] %s --> %s\n", s, s1)
					fld.SetString(s1)
					s = s1
				}
			case reflect.Struct:
				process(fld)
			case reflect.Ptr:
				e := fld.Elem()
				if e.IsValid() {
					process(e)
				}
			}
		}
	}
	v := reflect.ValueOf(x)
	switch v.Kind() {
	case reflect.Ptr:
		if e := v.Elem(); e.IsValid() {
			process(e)
		}
	case reflect.Struct:
		process(v)
	}
}
