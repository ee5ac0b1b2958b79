package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/adred-codev/aggr/internal/persistence"
)

// defaultTimeframe is the bucket width assumed when the URL omits one.
const defaultTimeframe = int64(60_000)

type historicalResponse struct {
	Format  string `json:"format"`
	Results any    `json:"results"`
}

// handleHistorical serves GET /historical/{from}/{to}[/{timeframe}[/{markets}]].
//
// Trade-format storages get the unflushed chunk tail merged into the
// response; point-format storages get their range rounded to timeframe
// boundaries and capped at maxFetchLength bars.
func (srv *Server) handleHistorical(w http.ResponseWriter, r *http.Request) {
	if !srv.apiEnabled || srv.primary == nil {
		writeError(w, http.StatusNotImplemented, "historical API is disabled")
		return
	}

	vars := mux.Vars(r)
	from, errFrom := strconv.ParseInt(vars["from"], 10, 64)
	to, errTo := strconv.ParseInt(vars["to"], 10, 64)
	if errFrom != nil || errTo != nil {
		writeError(w, http.StatusBadRequest, "missing interval")
		return
	}
	if from > to {
		from, to = to, from
	}

	timeframe := defaultTimeframe
	if raw := vars["timeframe"]; raw != "" {
		tf, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || tf <= 0 {
			writeError(w, http.StatusBadRequest, "invalid timeframe")
			return
		}
		timeframe = tf
	}

	var markets []string
	if raw := vars["markets"]; raw != "" {
		for _, m := range strings.Split(raw, "+") {
			if m = strings.TrimSpace(m); m != "" {
				markets = append(markets, m)
			}
		}
	}

	if srv.primary.Format() == persistence.FormatPoint {
		from -= from % timeframe
		if rem := to % timeframe; rem != 0 {
			to += timeframe - rem
		}
		if length := (to - from) / timeframe; length > srv.maxFetchLength {
			writeError(w, http.StatusBadRequest,
				fmt.Sprintf("too many bars requested (%d > %d)", length, srv.maxFetchLength))
			return
		}
	}

	result, err := srv.primary.Fetch(r.Context(), persistence.Query{
		From:      from,
		To:        to,
		Timeframe: timeframe,
		Markets:   markets,
	})
	if err != nil {
		srv.logger.Error().
			Err(err).
			Int64("from", from).
			Int64("to", to).
			Str("storage", srv.primary.Name()).
			Msg("Historical fetch failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if result == nil {
		writeError(w, http.StatusNotFound, "no data for range")
		return
	}

	resp := historicalResponse{Format: result.Format.String()}
	switch result.Format {
	case persistence.FormatTrade:
		trades := result.Trades
		if srv.chunk != nil {
			trades = append(trades, srv.chunk.Tail(from, to)...)
		}
		resp.Results = trades
	default:
		resp.Results = result.Points
	}

	writeJSON(w, http.StatusOK, resp)
}
