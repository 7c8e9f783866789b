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

	"meshcore/util"
)

// Responder is a back-channel for replying to the peer a payload was
// just received from, without the caller needing to re-resolve which
// endpoint that peer is reachable on.
type Responder interface {
	// Send hands a payload back to the peer that produced this responder.
	Send(payload []byte) error

	// Endpoint returns the remote endpoint id this responder answers to.
	Endpoint() util.EndpointId
}

// FuncResponder adapts a plain send function into a Responder; used by
// fakes and by any backend whose "send to this peer" operation is a
// simple closure.
type FuncResponder struct {
	EndpointID util.EndpointId
	SendFn     func([]byte) error
}

// Send implements Responder.
func (r *FuncResponder) Send(payload []byte) error {
	if r.SendFn == nil {
		return errors.New("transport: no send function defined")
	}
	return r.SendFn(payload)
}

// Endpoint implements Responder.
func (r *FuncResponder) Endpoint() util.EndpointId {
	return r.EndpointID
}
