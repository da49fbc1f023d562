// Copyright 2024 Softwire Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mgmtapi exposes the read-only management API of the gateway.
package mgmtapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/softwireproto/dslite/dslite"
	"github.com/softwireproto/dslite/pkg/log"
)

// Server serves diagnostics over HTTP. All endpoints are read only; state
// is snapshotted on the owning worker goroutines, so serving requests is
// safe while traffic is flowing.
type Server struct {
	DataPlane *dslite.DataPlane
	Logger    log.Logger
}

// Handler returns the API routes mounted on a chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withLogger)
	r.Get("/info", s.info)
	r.Get("/sessions", s.sessions)
	r.Get("/b4s", s.b4s)
	return r
}

// withLogger attaches the server's logger to the request context, so that
// handlers and anything below them log through log.FromCtx.
func (s *Server) withLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := log.CtxWith(r.Context(), s.logger())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) logger() log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Root()
}

func (s *Server) info(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, s.DataPlane.Info())
}

func (s *Server) sessions(w http.ResponseWriter, r *http.Request) {
	infos := s.DataPlane.Sessions()
	if infos == nil {
		infos = []dslite.SessionInfo{}
	}
	s.respond(w, r, infos)
}

func (s *Server) b4s(w http.ResponseWriter, r *http.Request) {
	infos := s.DataPlane.B4s()
	if infos == nil {
		infos = []dslite.B4Info{}
	}
	s.respond(w, r, infos)
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.FromCtx(r.Context()).Error("writing API response", "err", err)
	}
}
