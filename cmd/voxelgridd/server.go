// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"context"
	"log"
	"net"
	"net/http"

	"github.com/sneller-labs/voxelgrid/perf"
	"github.com/sneller-labs/voxelgrid/preprocess"
	"github.com/sneller-labs/voxelgrid/registry"
)

// server bundles the daemon's request handlers around the
// task registry, the preprocessor, and the perf store.
type server struct {
	logger       *log.Logger
	registry     *registry.Registry
	preprocessor *preprocess.Service
	perfStore    *perf.Store

	srv   http.Server
	bound net.Addr
}

func (s *server) handler() *http.ServeMux {
	r := http.NewServeMux()
	r.HandleFunc("/", s.handle(s.versionHandler, http.MethodGet))
	r.HandleFunc("/voxel-grid/preprocess", s.handle(s.preprocessHandler, http.MethodPost))
	r.HandleFunc("/voxel-grid/chunk", s.handle(s.chunkHandler, http.MethodGet))
	r.HandleFunc("/performance", s.handle(s.performanceHandler, http.MethodGet, http.MethodPost))
	return r
}

// Serve starts accepting connections on l and blocks until
// the server is shut down or the listener fails.
func (s *server) Serve(l net.Listener) error {
	s.bound = l.Addr()
	s.srv.Handler = s.handler()
	return s.srv.Serve(l)
}

// Shutdown gracefully drains in-flight requests, then tears
// down the registry's background sweep goroutine and the
// perf store's database handle. In-flight preprocess fill
// jobs are allowed to run to completion, since they only
// write into the registry and the registry outlives them.
func (s *server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	s.registry.Close()
	if s.perfStore != nil {
		s.perfStore.Close()
	}
	return err
}
