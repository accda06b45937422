package status

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes the per-channel status documents and the Prometheus
// scrape endpoint over HTTP.
type Server struct {
	Dir      string              // directory holding "<channel>_status.json" files
	Registry prometheus.Gatherer // registry holding this process's own series; nil falls back to the default gatherer
}

// MountRoutes wires the status and metrics endpoints onto r, the same
// way RestApi.MountRoutes hangs a subrouter off the main mux.Router.
func (s *Server) MountRoutes(r *mux.Router) {
	r.HandleFunc("/status/{channel}", s.getStatus).Methods(http.MethodGet)
	gatherer := s.Registry
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	channel := mux.Vars(r)["channel"]
	c, err := Read(NewWriterPath(s.Dir, channel))
	if err != nil {
		http.Error(w, "status unavailable for "+channel, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(c)
}
