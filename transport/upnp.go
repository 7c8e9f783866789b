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

package transport

import (
	"errors"

	"github.com/bfix/gospel/network"
)

// ErrNoUPnP is returned when no UPnP gateway could be located.
var ErrNoUPnP = errors.New("transport: no UPnP gateway available")

// upnpManager holds the lazily-initialized UPnP port mapper used by
// WAN-capable backends during Advertise, to punch a hole for nodes that
// bridge the mesh over a router rather than a direct radio link.
var upnpManager *network.PortMapper

func init() {
	upnpManager, _ = network.NewPortMapper("meshcore")
}

// AdvertiseWAN asks the router for a port forward so this node's
// advertise step is reachable from outside the local network. Backends
// that only operate over direct local radios (Bluetooth, Wi-Fi Direct)
// never call this; it exists for LAN-bridge backends layered over IP.
func AdvertiseWAN(protocol string, port int) (id, local, remote string, err error) {
	if upnpManager == nil {
		return "", "", "", ErrNoUPnP
	}
	return upnpManager.Assign(protocol, port)
}
