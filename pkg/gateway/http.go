package gateway

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skycoin/btxmesh/internal/httputil"
	"github.com/skycoin/btxmesh/internal/metrics"
	"github.com/skycoin/btxmesh/pkg/broadcast"
	"github.com/skycoin/btxmesh/pkg/meshlink"
	"github.com/skycoin/btxmesh/pkg/reassembly"
	"github.com/skycoin/btxmesh/pkg/textchunk"
)

const defaultBroadcastsLimit = 20

// TxRequest is the body of POST /api/tx.
type TxRequest struct {
	TxHex string `json:"tx_hex"`
}

// ChunkRequest is the body of POST /api/chunk. Index is 1-based.
type ChunkRequest struct {
	Index uint32 `json:"index"`
	Total uint32 `json:"total"`
	Data  string `json:"data"`
	TxID  string `json:"tx_id"`
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Status string `json:"status"`
	*Summary
}

// TxResponse is the body of a successful POST /api/tx.
type TxResponse struct {
	Status string `json:"status"`
	*broadcast.Result
}

// ChunkResponse is the body of a successful POST /api/chunk.
type ChunkResponse struct {
	Status string `json:"status"`
	Chunk  uint32 `json:"chunk"`
}

// HTTPHandler returns the gateway HTTP API.
func (g *Gateway) HTTPHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(httputil.RequestLogger(g.Logger))
	r.Use(metrics.Handler(g.recorder))

	r.Route("/api", func(r chi.Router) {
		r.Post("/tx", g.postTx)
		r.Post("/chunk", g.postChunk)
		r.Get("/status", g.getStatus)
		r.Get("/pending", g.getPending)
		r.Get("/broadcasts", g.getBroadcasts)
	})
	r.Handle("/metrics", promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{}))
	return r
}

func (g *Gateway) postTx(w http.ResponseWriter, r *http.Request) {
	var req TxRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, r, http.StatusBadRequest, err)
		return
	}
	if req.TxHex == "" {
		httputil.WriteJSON(w, r, http.StatusBadRequest, errors.New("missing tx_hex"))
		return
	}

	res, err := g.Submit(r.Context(), req.TxHex)
	if err != nil {
		httputil.WriteJSON(w, r, submitStatus(err), err)
		return
	}
	httputil.WriteJSON(w, r, http.StatusOK, TxResponse{Status: "ok", Result: res})
}

func submitStatus(err error) int {
	switch {
	case errors.Is(err, broadcast.ErrInvalidHex), errors.Is(err, reassembly.ErrTooLarge):
		return http.StatusBadRequest
	case errors.Is(err, broadcast.ErrPrivacyUnverified), errors.Is(err, broadcast.ErrNoProxy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func (g *Gateway) postChunk(w http.ResponseWriter, r *http.Request) {
	var req ChunkRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, r, http.StatusBadRequest, err)
		return
	}
	if req.TxID == "" {
		req.TxID = "default"
	}

	c := textchunk.Chunk{Index: req.Index, Total: req.Total, HexPayload: req.Data}
	if _, err := textchunk.Parse(c.String()); err != nil {
		httputil.WriteJSON(w, r, http.StatusBadRequest, err)
		return
	}

	err := g.Inject(meshlink.Packet{
		From:    apiOriginPrefix + req.TxID,
		To:      g.conf.Node,
		Port:    g.conf.Mesh.TextPort,
		Payload: []byte(c.String()),
		Source:  meshlink.SourceAPI,
	})
	if err != nil {
		httputil.WriteJSON(w, r, http.StatusServiceUnavailable, err)
		return
	}
	httputil.WriteJSON(w, r, http.StatusAccepted, ChunkResponse{Status: "ok", Chunk: req.Index})
}

func (g *Gateway) getStatus(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, r, http.StatusOK, StatusResponse{Status: "running", Summary: g.Summary()})
}

func (g *Gateway) getPending(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, r, http.StatusOK, g.Pending())
}

func (g *Gateway) getBroadcasts(w http.ResponseWriter, r *http.Request) {
	n, err := httputil.IntFromQuery(r, "limit", defaultBroadcastsLimit)
	if err != nil {
		httputil.WriteJSON(w, r, http.StatusBadRequest, err)
		return
	}
	records, err := g.Broadcasts(n)
	if err != nil {
		httputil.WriteJSON(w, r, http.StatusInternalServerError, err)
		return
	}
	if records == nil {
		records = []*broadcast.Record{}
	}
	httputil.WriteJSON(w, r, http.StatusOK, records)
}
