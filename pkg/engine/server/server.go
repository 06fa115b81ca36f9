/*
Copyright 2025 belgio99.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package server is the HTTP boundary of the decision engine: config pushes
// in, schedules and feedback results out.
package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/types"

	"github.com/belgio99/k8s-carbonrouter/pkg/engine/config"
	"github.com/belgio99/k8s-carbonrouter/pkg/engine/registry"
	"github.com/belgio99/k8s-carbonrouter/pkg/engine/session"
	errutil "github.com/belgio99/k8s-carbonrouter/pkg/engine/util/error"
	logutil "github.com/belgio99/k8s-carbonrouter/pkg/engine/util/logging"
)

// maxBodyBytes bounds config and override payloads.
const maxBodyBytes = 1 << 20

// Server exposes the registry over HTTP.
type Server struct {
	registry   *registry.Registry
	defaultKey types.NamespacedName
	logger     logr.Logger
}

// New builds the API surface.
func New(reg *registry.Registry, defaultKey types.NamespacedName, logger logr.Logger) *Server {
	return &Server{
		registry:   reg,
		defaultKey: defaultKey,
		logger:     logger.WithName("api"),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /config/{namespace}/{name}", s.putConfig)
	mux.HandleFunc("GET /schedule/{namespace}/{name}", s.getSchedule)
	mux.HandleFunc("GET /schedule", s.getDefaultSchedule)
	mux.HandleFunc("POST /schedule/{namespace}/{name}/manual", s.postManual)
	mux.HandleFunc("POST /setschedule", s.postDefaultManual)
	mux.HandleFunc("POST /feedback/{namespace}/{name}", s.postFeedback)
	mux.HandleFunc("GET /healthz", s.healthz)
	return mux
}

func (s *Server) pathKey(r *http.Request) types.NamespacedName {
	return types.NamespacedName{
		Namespace: r.PathValue("namespace"),
		Name:      r.PathValue("name"),
	}
}

func (s *Server) putConfig(w http.ResponseWriter, r *http.Request) {
	key := s.pathKey(r)
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, errutil.Error{Code: errutil.BadRequest, Msg: "unreadable body"})
		return
	}
	upd, err := config.ParseUpdate(body)
	if err != nil {
		s.writeError(w, errutil.Error{Code: errutil.BadRequest, Msg: "payload must be a config object: " + err.Error()})
		return
	}
	if err := s.registry.UpdateConfig(key, upd); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.V(logutil.VERBOSE).Info("Config accepted", "namespace", key.Namespace, "schedule", key.Name)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.Get(s.pathKey(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSchedule(w, sess)
}

func (s *Server) getDefaultSchedule(w http.ResponseWriter, _ *http.Request) {
	sess, err := s.registry.Ensure(s.defaultKey)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSchedule(w, sess)
}

func (s *Server) writeSchedule(w http.ResponseWriter, sess *session.Session) {
	snap, err := sess.Latest()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) postManual(w http.ResponseWriter, r *http.Request) {
	key := s.pathKey(r)
	sess, err := s.registry.Ensure(key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.installOverride(w, r, sess)
}

func (s *Server) postDefaultManual(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.Ensure(s.defaultKey)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.installOverride(w, r, sess)
}

func (s *Server) installOverride(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var payload session.OverridePayload
	if err := decodeJSON(r, &payload); err != nil {
		s.writeError(w, errutil.Error{Code: errutil.BadRequest, Msg: err.Error()})
		return
	}
	if err := sess.Override(&payload); err != nil {
		s.writeError(w, err)
		return
	}
	key := sess.Key()
	s.logger.Info("Manual schedule override applied", "namespace", key.Namespace, "schedule", key.Name)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "schedule set"})
}

type feedbackPayload struct {
	WindowSeconds float64          `json:"windowSeconds"`
	TotalRequests int64            `json:"totalRequests"`
	FlavourCounts map[string]int64 `json:"flavourCounts"`

	// Snake-case aliases kept for older routers.
	WindowSecondsAlias float64          `json:"window_seconds"`
	TotalRequestsAlias int64            `json:"total_requests"`
	FlavourCountsAlias map[string]int64 `json:"flavour_counts"`
}

func (p *feedbackPayload) normalise() {
	if p.WindowSeconds == 0 {
		p.WindowSeconds = p.WindowSecondsAlias
	}
	if p.TotalRequests == 0 {
		p.TotalRequests = p.TotalRequestsAlias
	}
	if p.FlavourCounts == nil {
		p.FlavourCounts = p.FlavourCountsAlias
	}
}

func (s *Server) postFeedback(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.Get(s.pathKey(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var payload feedbackPayload
	if err := decodeJSON(r, &payload); err != nil {
		s.writeError(w, errutil.Error{Code: errutil.BadRequest, Msg: err.Error()})
		return
	}
	payload.normalise()
	result, err := sess.ProcessFeedback(payload.FlavourCounts, payload.TotalRequests, payload.WindowSeconds)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeJSON(r *http.Request, out any) error {
	defer func() { _, _ = io.Copy(io.Discard, r.Body) }()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	return dec.Decode(out)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error(err, "Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := map[string]string{"error": err.Error()}
	switch errutil.CanonicalCode(err) {
	case errutil.BadRequest, errutil.BadConfiguration:
		status = http.StatusBadRequest
	case errutil.NotFound:
		status = http.StatusNotFound
	case errutil.Pending:
		status = http.StatusAccepted
		body = map[string]string{"status": "pending"}
	case errutil.Unavailable:
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, body)
}
