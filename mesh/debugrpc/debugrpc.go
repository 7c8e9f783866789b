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

// Package debugrpc exposes a local-only JSON-RPC introspection surface
// over a running mesh.Node: its current route table and outstanding
// route requests, and the outbound chat messages its dispatcher is
// tracking. It is strictly read-only — nothing here can originate a
// send or touch the wire.
package debugrpc

import (
	"context"
	"net/http"
	"time"

	gorillarpc "github.com/gorilla/rpc"
	"github.com/gorilla/rpc/json"
	"github.com/gorilla/mux"

	"meshcore/dispatch"
	"meshcore/meshlog"
	"meshcore/routetable"
)

var log = meshlog.New("debugrpc")

// RouteService answers introspection queries over a node's route table.
type RouteService struct {
	store *routetable.Store
}

// Empty is every method's unused argument type: the JSON-RPC codec
// requires one even when a call takes no parameters.
type Empty struct{}

// RoutesReply lists every route this node currently holds.
type RoutesReply struct {
	Routes []*routetable.RouteEntry `json:"routes"`
}

// List returns every RouteEntry in the store.
func (s *RouteService) List(r *http.Request, args *Empty, reply *RoutesReply) error {
	routes, err := s.store.ListRouteEntries(r.Context())
	if err != nil {
		return err
	}
	reply.Routes = routes
	return nil
}

// RequestsReply lists every still-open route request.
type RequestsReply struct {
	Requests []*routetable.RouteRequestEntry `json:"requests"`
}

// Pending returns every route_request row not yet resolved.
func (s *RouteService) Pending(r *http.Request, args *Empty, reply *RequestsReply) error {
	requests, err := s.store.ListRouteRequests(r.Context())
	if err != nil {
		return err
	}
	reply.Requests = requests
	return nil
}

// MessageService answers introspection queries over a node's outbound
// chat messages.
type MessageService struct {
	disp *dispatch.Dispatcher
}

// OutboundReply lists every message this dispatcher has sent.
type OutboundReply struct {
	Messages []dispatch.OutboundMessage `json:"messages"`
}

// List returns every OutboundMessage the dispatcher is tracking.
func (s *MessageService) List(r *http.Request, args *Empty, reply *OutboundReply) error {
	reply.Messages = s.disp.ListOutbound(r.Context())
	return nil
}

// Server is a running debug RPC listener.
type Server struct {
	http *http.Server
}

// NewServer builds the JSON-RPC router for store and disp, bound to
// endpoint (e.g. "127.0.0.1:8900" per config.DebugRPCConfig.Endpoint).
// Call Start to begin listening.
func NewServer(endpoint string, store *routetable.Store, disp *dispatch.Dispatcher) *Server {
	rpc := gorillarpc.NewServer()
	rpc.RegisterCodec(json.NewCodec(), "application/json")
	_ = rpc.RegisterService(&RouteService{store: store}, "Routes")
	_ = rpc.RegisterService(&MessageService{disp: disp}, "Messages")

	router := mux.NewRouter()
	router.Handle("/rpc", rpc)

	return &Server{http: &http.Server{
		Addr:         endpoint,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}}
}

// Start begins listening in the background and shuts down when ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) {
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warnf("listen failed: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		if err := s.http.Shutdown(context.Background()); err != nil {
			log.Warnf("shutdown failed: %v", err)
		}
	}()
}
