// Package api serves the read-only HTTP surface over the address store:
// filtered listing with opaque cursor pagination, per-network counts and
// the operational endpoints.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/ethereum/go-ethereum/log"

	"github.com/tos-network/chainscan/addrutil"
	"github.com/tos-network/chainscan/params"
	"github.com/tos-network/chainscan/storage"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000

	readTimeout     = 15 * time.Second
	writeTimeout    = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Store is the persistence surface the API reads from. Satisfied by
// storage.DB.
type Store interface {
	FilterAddresses(ctx context.Context, f storage.AddressFilter) ([]storage.AddressRow, error)
	GetAddress(ctx context.Context, network, address string) (*storage.AddressRow, error)
	ContractCount(ctx context.Context, network string) (int64, error)
	NetworkCounts(ctx context.Context) (map[string]int64, error)
}

// Server is the read API.
type Server struct {
	db     Store
	logger log.Logger
}

func NewServer(db Store) *Server {
	return &Server{db: db, logger: log.New("module", "api")}
}

// Handler builds the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/getAddressesByFilter", s.handleFilter).Methods(http.MethodGet)
	r.HandleFunc("/getAddress", s.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/getContractCount", s.handleContractCount).Methods(http.MethodGet)
	r.HandleFunc("/networkCounts", s.handleNetworkCounts).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return cors.Default().Handler(r)
}

// ListenAndServe runs the server until ctx is canceled, then drains.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info("Read API listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// addressJSON is the wire shape of one address row. Fund is always a
// number; unvalued rows report zero.
type addressJSON struct {
	Address         string   `json:"address"`
	Network         string   `json:"network"`
	Tags            []string `json:"tags"`
	Fund            int64    `json:"fund"`
	ContractName    *string  `json:"contractName,omitempty"`
	CodeHash        *string  `json:"codeHash,omitempty"`
	Deployed        *int64   `json:"deployed,omitempty"`
	FirstSeen       int64    `json:"firstSeen"`
	LastUpdated     int64    `json:"lastUpdated"`
	LastFundUpdated *int64   `json:"lastFundUpdated,omitempty"`
}

func toJSON(r storage.AddressRow) addressJSON {
	out := addressJSON{
		Address:         r.Address,
		Network:         r.Network,
		Tags:            r.Tags,
		ContractName:    r.ContractName,
		CodeHash:        r.CodeHash,
		Deployed:        r.Deployed,
		FirstSeen:       r.FirstSeen,
		LastUpdated:     r.LastUpdated,
		LastFundUpdated: r.LastFundUpdated,
	}
	if out.Tags == nil {
		out.Tags = []string{}
	}
	if r.Fund != nil {
		out.Fund = *r.Fund
	}
	return out
}

type filterResponse struct {
	Addresses  []addressJSON `json:"addresses"`
	NextCursor string        `json:"nextCursor,omitempty"`
}

func (s *Server) handleFilter(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	network := q.Get("network")
	if params.ByName(network) == nil {
		httpError(w, http.StatusBadRequest, "unknown network")
		return
	}

	f := storage.AddressFilter{Network: network, Limit: defaultPageSize}
	if raw := q.Get("tags"); raw != "" {
		f.Tags = strings.Split(raw, ",")
	}
	if raw := q.Get("minFund"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			httpError(w, http.StatusBadRequest, "invalid minFund")
			return
		}
		f.MinFund = v
	}
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 || v > maxPageSize {
			httpError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = v
	}
	if raw := q.Get("cursor"); raw != "" {
		after, err := decodeCursor(raw)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		f.After = after
	}

	rows, err := s.db.FilterAddresses(r.Context(), f)
	if err != nil {
		s.logger.Error("Filter query failed", "err", err)
		httpError(w, http.StatusInternalServerError, "query failed")
		return
	}

	resp := filterResponse{Addresses: make([]addressJSON, 0, len(rows))}
	for _, row := range rows {
		resp.Addresses = append(resp.Addresses, toJSON(row))
	}
	if len(rows) == f.Limit {
		resp.NextCursor = encodeCursor(rows[len(rows)-1].Address)
	}
	writeJSON(w, resp)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	network := q.Get("network")
	if params.ByName(network) == nil {
		httpError(w, http.StatusBadRequest, "unknown network")
		return
	}
	addr, err := addrutil.Normalize(q.Get("address"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid address")
		return
	}
	row, err := s.db.GetAddress(r.Context(), network, addr)
	if err != nil {
		s.logger.Error("Address lookup failed", "err", err)
		httpError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if row == nil {
		httpError(w, http.StatusNotFound, "address not found")
		return
	}
	writeJSON(w, toJSON(*row))
}

func (s *Server) handleContractCount(w http.ResponseWriter, r *http.Request) {
	network := r.URL.Query().Get("network")
	if params.ByName(network) == nil {
		httpError(w, http.StatusBadRequest, "unknown network")
		return
	}
	count, err := s.db.ContractCount(r.Context(), network)
	if err != nil {
		s.logger.Error("Contract count failed", "err", err)
		httpError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, map[string]interface{}{"network": network, "contractCount": count})
}

func (s *Server) handleNetworkCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.db.NetworkCounts(r.Context())
	if err != nil {
		s.logger.Error("Network counts failed", "err", err)
		httpError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if counts == nil {
		counts = map[string]int64{}
	}
	writeJSON(w, map[string]interface{}{"counts": counts})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// Cursors are the last address of the previous page, base64-wrapped so
// clients treat them as opaque.
func encodeCursor(address string) string {
	return base64.URLEncoding.EncodeToString([]byte(address))
}

func decodeCursor(cursor string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return "", err
	}
	return addrutil.Normalize(string(raw))
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
