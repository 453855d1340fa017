// Copyright 2025 The simverse Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lludp

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The monitor binds to loopback by default; origin checks are the
	// operator's concern when exposing it further.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// startMonitor serves the HTTP monitor: Prometheus metrics, JSON stats and
// circuit listings, and a websocket pushing stats snapshots once a second.
func (s *Server) startMonitor() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.Get("/stats", s.handleStats)
	r.Get("/circuits", s.handleCircuits)
	r.Get("/ws", s.handleStatsWS)

	srv := &http.Server{
		Addr:              s.cfg.Monitor.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.log.Info("monitor listening", zap.String("addr", s.cfg.Monitor.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Warn("monitor stopped", zap.Error(err))
		}
	}()
	go func() {
		defer s.wg.Done()
		<-s.ctx.Done()
		srv.Close()
	}()
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Stats()); err != nil {
		s.log.Debug("stats encode failed", zap.Error(err))
	}
}

func (s *Server) handleCircuits(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Circuits()); err != nil {
		s.log.Debug("circuits encode failed", zap.Error(err))
	}
}

func (s *Server) handleStatsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(s.Stats()); err != nil {
				return
			}
		}
	}
}
