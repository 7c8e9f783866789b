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

package neighbor

import (
	"meshcore/transport"
)

// handleTransportEvent applies one transport event to the state
// machine and fans out the resulting Table event, if any. Runs only
// on the actor goroutine (see Table.Run).
func (t *Table) handleTransportEvent(st *state, ev *transport.Event) {
	switch ev.Kind {
	case transport.EventEndpointFound:
		l, ok := st.byEndpoint[ev.Endpoint]
		if ok && l.status != StatusNone {
			// already tracked under some other status; a rediscovery of an
			// already-known endpoint is not itself a state transition.
			return
		}
		l = &link{endpoint: ev.Endpoint, address: ev.Address, status: StatusFound}
		st.byEndpoint[ev.Endpoint] = l
		st.byAddress[ev.Address] = ev.Endpoint
		t.dispatch(&Event{Kind: EventFound, Endpoint: ev.Endpoint, Address: ev.Address})

	case transport.EventEndpointLost:
		l, ok := st.byEndpoint[ev.Endpoint]
		if !ok || l.status == StatusConnected {
			// a Connected link surviving a transient "lost" notification is
			// left alone; only disconnected() retires a live connection.
			return
		}
		delete(st.byEndpoint, ev.Endpoint)
		delete(st.byAddress, l.address)
		t.dispatch(&Event{Kind: EventLost, Endpoint: ev.Endpoint, Address: l.address})

	case transport.EventConnectionInitiated:
		l, ok := st.byEndpoint[ev.Endpoint]
		if !ok {
			l = &link{endpoint: ev.Endpoint, address: ev.Address}
			st.byEndpoint[ev.Endpoint] = l
			st.byAddress[ev.Address] = ev.Endpoint
		}
		l.status = StatusInitiatedFromRemote
		t.dispatch(&Event{Kind: EventInitiated, Endpoint: ev.Endpoint, Address: l.address})

	case transport.EventConnectionResult:
		l, ok := st.byEndpoint[ev.Endpoint]
		if !ok {
			log.Warnf("connection_result for unknown endpoint %s (orphaned callback)", ev.Endpoint)
			return
		}
		if l.status != StatusInitiatedFromHost && l.status != StatusInitiatedFromRemote {
			log.Warnf("connection_result for endpoint %s in unexpected state %s (orphaned callback)", ev.Endpoint, l.status)
		}
		if ev.Accepted {
			l.status = StatusConnected
			t.dispatch(&Event{Kind: EventConnected, Endpoint: ev.Endpoint, Address: l.address})
		} else {
			l.status = StatusFound
			t.dispatch(&Event{Kind: EventFailed, Endpoint: ev.Endpoint, Address: l.address})
		}

	case transport.EventDisconnected:
		l, ok := st.byEndpoint[ev.Endpoint]
		if !ok {
			return
		}
		delete(st.byEndpoint, ev.Endpoint)
		delete(st.byAddress, l.address)
		t.dispatch(&Event{Kind: EventDisconnected, Endpoint: ev.Endpoint, Address: l.address})

	case transport.EventPayloadReceived:
		// Payload routing is the envelope/dispatch layer's concern; the
		// neighbor table only tracks link lifecycle. Callers that need
		// payloads subscribe to the transport directly (see mesh wiring).
	}
}
