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

// Package meshlog centralizes the "[tag] message" logging convention used
// throughout the mesh core, wrapping gospel's leveled logger so every
// subsystem reports through the same sink.
package meshlog

import (
	"fmt"

	"github.com/bfix/gospel/logger"
)

// Tag is a subsystem-scoped logger, e.g. meshlog.New("neighbor").
type Tag struct {
	prefix string
}

// New returns a tagged logger for the named subsystem.
func New(name string) *Tag {
	return &Tag{prefix: "[" + name + "] "}
}

// Sub returns a logger for a more specific label nested under this tag,
// e.g. t.Sub(requestUUID.String()) for per-request log correlation.
func (t *Tag) Sub(label string) *Tag {
	return &Tag{prefix: fmt.Sprintf("%s%s: ", t.prefix, label)}
}

// Debugf logs at debug level.
func (t *Tag) Debugf(format string, args ...any) {
	logger.Printf(logger.DBG, t.prefix+format, args...)
}

// Infof logs at info level.
func (t *Tag) Infof(format string, args ...any) {
	logger.Printf(logger.INFO, t.prefix+format, args...)
}

// Warnf logs at warning level.
func (t *Tag) Warnf(format string, args ...any) {
	logger.Printf(logger.WARN, t.prefix+format, args...)
}

// Errorf logs at error level.
func (t *Tag) Errorf(format string, args ...any) {
	logger.Printf(logger.ERROR, t.prefix+format, args...)
}
