package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mirkobrombin/go-replica/v1/config"
	"github.com/mirkobrombin/go-replica/v1/reducers"
	"github.com/mirkobrombin/go-replica/v1/watchbus"
)

const maxBody = 1 << 20

// newHandler exposes the cells of rt over HTTP.
func newHandler(rt *runtime, cs *cells, reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /values/{key}", func(w http.ResponseWriter, r *http.Request) {
		v, err := cs.read(r.Context(), r.PathValue("key"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	})

	mux.HandleFunc("PUT /values/{key}", func(w http.ResponseWriter, r *http.Request) {
		var v any
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&v); err != nil {
			http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
			return
		}
		cell, err := cs.value(r.Context(), r.PathValue("key"))
		if err != nil {
			writeError(w, err)
			return
		}
		if err := cell.Set(r.Context(), v); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cell.Read())
	})

	mux.HandleFunc("POST /reducers/{name}/{key}", func(w http.ResponseWriter, r *http.Request) {
		var a reducers.Action
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&a); err != nil {
			http.Error(w, "invalid action: "+err.Error(), http.StatusBadRequest)
			return
		}
		if a.Type == "" {
			http.Error(w, "action type is required", http.StatusBadRequest)
			return
		}
		cell, err := cs.reducer(r.Context(), r.PathValue("name"), r.PathValue("key"))
		if err != nil {
			writeError(w, err)
			return
		}
		if err := cell.Dispatch(r.Context(), a); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cell.Read())
	})

	if rt.changes != nil {
		mux.Handle("GET /changes/sse", watchbus.SSEHandler(rt.changes))
		mux.Handle("GET /changes/ws", watchbus.WebSocketHandler(rt.changes))
	}
	if reg != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"instance": rt.inst.ID()})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("replicactl: write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errKindMismatch):
		status = http.StatusConflict
	case errors.Is(err, config.ErrUnknownReducer):
		status = http.StatusNotFound
	}
	http.Error(w, err.Error(), status)
}
