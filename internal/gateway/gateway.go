// Package gateway exposes a cluster client over HTTP/JSON.
//
// Routes:
//
//	GET  /health                      liveness
//	GET  /topology                    current slot layout
//	GET  /resolve?key=K               slot and owner of K
//	POST /exec                        {"args": [...], "route": "all-primaries"}
//	GET  /keys?match=P&type=T&count=N cluster-wide scan
//	GET  /metrics                     Prometheus metrics
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cachemir/clustermir/pkg/client"
	"github.com/cachemir/clustermir/pkg/hash"
	"github.com/cachemir/clustermir/pkg/protocol"
	"github.com/cachemir/clustermir/pkg/route"
)

const (
	contentTypeJSON        = "application/json"
	defaultShutdownTimeout = 5 * time.Second
	maxScanKeys            = 10000
)

// Server serves the HTTP API.
type Server struct {
	cli        *client.Client
	log        *slog.Logger
	gatherer   prometheus.Gatherer
	httpServer *http.Server
}

// New creates a gateway for cli. gatherer backs /metrics; nil disables it.
func New(cli *client.Client, gatherer prometheus.Gatherer, log *slog.Logger) *Server {
	return &Server{cli: cli, gatherer: gatherer, log: log}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/topology", s.handleTopology)
	r.Get("/resolve", s.handleResolve)
	r.Post("/exec", s.handleExec)
	r.Get("/keys", s.handleKeys)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

// ListenAndServe serves on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: time.Second,
	}
	s.log.Info("gateway listening", slog.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server.
func (s *Server) Shutdown() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

type shardView struct {
	ID       int      `json:"id"`
	Ranges   []string `json:"ranges"`
	Primary  string   `json:"primary"`
	Replicas []string `json:"replicas,omitempty"`
}

type topologyView struct {
	Epoch  uint64      `json:"epoch"`
	Shards []shardView `json:"shards"`
}

type resolveView struct {
	Key     string   `json:"key"`
	Slot    int      `json:"slot"`
	Primary string   `json:"primary"`
	Replica []string `json:"replicas,omitempty"`
}

type execRequest struct {
	Args  []string `json:"args"`
	Route string   `json:"route,omitempty"`
}

type replyView struct {
	Type  string      `json:"type"`
	Value interface{} `json:"value,omitempty"`
	Error string      `json:"error,omitempty"`
}

type execResponse struct {
	Value *replyView            `json:"value,omitempty"`
	Nodes map[string]*replyView `json:"nodes,omitempty"`
}

type keysResponse struct {
	Keys      []string `json:"keys"`
	Truncated bool     `json:"truncated,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	snap, err := s.cli.RefreshTopology(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	view := topologyView{Epoch: snap.Epoch()}
	for _, sh := range snap.Shards() {
		sv := shardView{ID: sh.ID, Primary: sh.Primary.Addr}
		for _, rg := range sh.Ranges {
			sv.Ranges = append(sv.Ranges, rg.String())
		}
		for _, rep := range sh.Replicas {
			sv.Replicas = append(sv.Replicas, rep.Addr)
		}
		view.Shards = append(view.Shards, sv)
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing key"})
		return
	}
	snap := s.cli.Topology()
	if snap == nil {
		var err error
		if snap, err = s.cli.RefreshTopology(r.Context()); err != nil {
			s.writeError(w, err)
			return
		}
	}

	slot := hash.Slot(key)
	shard := snap.ShardForSlot(slot)
	view := resolveView{Key: key, Slot: slot, Primary: shard.Primary.Addr}
	for _, rep := range shard.Replicas {
		view.Replica = append(view.Replica, rep.Addr)
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid body: " + err.Error()})
		return
	}
	if len(req.Args) == 0 {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing args"})
		return
	}

	var rt route.Route
	if req.Route != "" {
		var err error
		if rt, err = route.Parse(req.Route); err != nil {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
	}

	res, err := s.cli.Execute(r.Context(), req.Args, rt)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var out execResponse
	if res.IsMulti() {
		out.Nodes = make(map[string]*replyView)
		for _, nv := range res.Nodes() {
			if nv.Err != nil {
				out.Nodes[nv.Node] = &replyView{Type: "error", Error: nv.Err.Error()}
				continue
			}
			out.Nodes[nv.Node] = reply(nv.Value)
		}
	} else {
		out.Value = reply(res.Value())
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := client.ScanOptions{Match: q.Get("match"), Type: q.Get("type")}
	if c := q.Get("count"); c != "" {
		n, err := strconv.Atoi(c)
		if err != nil || n <= 0 {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid count"})
			return
		}
		opts.Count = n
	}

	out := keysResponse{Keys: []string{}}
	errFull := errors.New("full")
	err := s.cli.ScanAll(r.Context(), opts, func(keys []string) error {
		out.Keys = append(out.Keys, keys...)
		if len(out.Keys) >= maxScanKeys {
			return errFull
		}
		return nil
	})
	if errors.Is(err, errFull) {
		out.Keys = out.Keys[:maxScanKeys]
		out.Truncated = true
	} else if err != nil {
		s.writeError(w, err)
		return
	}
	sort.Strings(out.Keys)
	s.writeJSON(w, http.StatusOK, out)
}

func reply(r *protocol.Response) *replyView {
	if r == nil {
		return &replyView{Type: protocol.RespNil.String()}
	}
	return &replyView{Type: r.Type.String(), Value: r.Data, Error: r.Error}
}

// writeError maps client errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	var srvErr *client.ServerError
	switch {
	case errors.Is(err, client.ErrCrossSlot), errors.Is(err, client.ErrUnknownAddress),
		errors.Is(err, client.ErrInvalidAddress):
		status = http.StatusBadRequest
	case errors.Is(err, client.ErrTopologyUnavailable):
		status = http.StatusServiceUnavailable
	case errors.As(err, &srvErr):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusBadGateway {
		s.log.Warn("request failed", slog.Any("error", err))
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("write response failed", slog.Any("error", err))
	}
}
