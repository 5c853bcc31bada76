package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pingcap-incubator/tinytablet/kv/util/debug"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerStatusRoutes(router *mux.Router) {
	router.HandleFunc("/status", s.Status).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/debug/operations", s.Operations).Methods("GET")
	router.HandleFunc("/debug/stacks", s.Stacks).Methods("GET")
	router.HandleFunc("/debug/stacks/{name}", s.ProbeStack).Methods("GET")
	router.HandleFunc("/debug/probes", s.Probes).Methods("GET")
	router.HandleFunc("/debug/process", s.Process).Methods("GET")
}

func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	s.rd.JSON(w, http.StatusOK, s.peer.Status())
}

func (s *Server) Operations(w http.ResponseWriter, r *http.Request) {
	s.rd.JSON(w, http.StatusOK, s.peer.PendingOperations())
}

// Stacks dumps every goroutine, or the one given by the goroutine query parameter.
func (s *Server) Stacks(w http.ResponseWriter, r *http.Request) {
	if g := r.URL.Query().Get("goroutine"); g != "" {
		id, err := strconv.ParseInt(g, 10, 64)
		if err != nil {
			s.rd.Text(w, http.StatusBadRequest, "invalid goroutine id "+g)
			return
		}
		s.rd.Text(w, http.StatusOK, debug.DumpGoroutine(id))
		return
	}
	s.rd.Text(w, http.StatusOK, debug.DumpAllStacks())
}

// ProbeStack asks a worker goroutine for its own stack. The timeout query parameter bounds the
// wait, e.g. 500ms.
func (s *Server) ProbeStack(w http.ResponseWriter, r *http.Request) {
	timeout := debug.DefaultInspectTimeout
	if t := r.URL.Query().Get("timeout"); t != "" {
		d, err := time.ParseDuration(t)
		if err != nil {
			s.rd.Text(w, http.StatusBadRequest, err.Error())
			return
		}
		timeout = d
	}
	s.rd.Text(w, http.StatusOK, debug.Inspect(mux.Vars(r)["name"], timeout))
}

func (s *Server) Probes(w http.ResponseWriter, r *http.Request) {
	s.rd.JSON(w, http.StatusOK, debug.ProbeNames())
}

func (s *Server) Process(w http.ResponseWriter, r *http.Request) {
	stats, err := debug.GetProcessStats(s.cfg.DataDir)
	if err != nil {
		s.rd.JSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.rd.JSON(w, http.StatusOK, stats)
}
