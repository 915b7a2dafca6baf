package server

import (
	"RaffleLedger/internal/core"
	"RaffleLedger/internal/observability"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
)

type pathParams = map[string]string

// NewHTTPMux registers the JSON API on a gateway runtime mux. Handlers call
// RaffleService directly instead of proxying to the gRPC listener.
func NewHTTPMux(svc *RaffleService, metrics *observability.Metrics) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		method, pattern string
		handler         runtime.HandlerFunc
	}{
		{"POST", "/v1/entries", route(metrics, "Enter", decodeBody[EnterRequest], svc.Enter)},
		{"GET", "/v1/upkeep", route(metrics, "CheckUpkeep", noRequest, svc.CheckUpkeep)},
		{"POST", "/v1/upkeep", route(metrics, "PerformUpkeep", decodeBody[UpkeepRequest], svc.PerformUpkeep)},
		{"POST", "/v1/fees/withdraw", route(metrics, "WithdrawFees", decodeBody[WithdrawRequest], svc.WithdrawFees)},
		{"POST", "/v1/requests/cancel", route(metrics, "CancelRequest", decodeBody[CancelRequest], svc.CancelRequest)},
		{"GET", "/v1/raffle", route(metrics, "GetRaffleState", noRequest, svc.GetRaffleState)},
		{"GET", "/v1/raffle/ranges/{index}", route(metrics, "GetTicketRange", ticketRangeRequest, svc.GetTicketRange)},
		{"GET", "/v1/rounds", route(metrics, "ListRounds", listRoundsRequest, svc.ListRounds)},
		{"GET", "/v1/players/{player}/entries", route(metrics, "GetPlayerEntries", playerEntriesRequest, svc.GetPlayerEntries)},
		{"GET", "/v1/balances", route(metrics, "GetBalances", noRequest, svc.GetBalances)},
		{"GET", "/v1/integrity", route(metrics, "VerifyIntegrity", noRequest, svc.VerifyIntegrity)},
		{"GET", "/v1/admin/event-log", route(metrics, "GetEventLogInfo", noRequest, svc.GetEventLogInfo)},
		{"POST", "/v1/admin/projections/rebuild", route(metrics, "RebuildProjections", noRequest, svc.RebuildProjections)},
	}

	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.handler); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return mux, nil
}

// route authenticates the request, builds Req, calls the service and writes
// the JSON response.
func route[Req, Resp any](
	metrics *observability.Metrics,
	name string,
	build func(*http.Request, pathParams) (*Req, error),
	call func(context.Context, *Req) (*Resp, error),
) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params pathParams) {
		start := time.Now()
		code, err := serve(w, r, params, build, call)

		if metrics != nil {
			metrics.QueryRequests.WithLabelValues(name, strconv.Itoa(code)).Inc()
			metrics.QueryDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
			if err != nil {
				metrics.QueryErrors.WithLabelValues(name, errorKind(err)).Inc()
			}
		}
	}
}

func serve[Req, Resp any](
	w http.ResponseWriter,
	r *http.Request,
	params pathParams,
	build func(*http.Request, pathParams) (*Req, error),
	call func(context.Context, *Req) (*Resp, error),
) (int, error) {
	r, err := authenticateHTTP(r)
	if err != nil {
		return writeError(w, err), err
	}

	req, err := build(r, params)
	if err != nil {
		return writeError(w, err), err
	}

	resp, err := call(r.Context(), req)
	if err != nil {
		return writeError(w, err), err
	}

	writeJSON(w, http.StatusOK, resp)
	return http.StatusOK, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

func writeError(w http.ResponseWriter, err error) int {
	code, _ := errorCode(err)
	writeJSON(w, code, ErrorResponse{Error: err.Error(), Reason: errorKind(err)})
	return code
}

// --- Request builders ---

func noRequest(*http.Request, pathParams) (*Empty, error) {
	return &Empty{}, nil
}

// decodeBody decodes a JSON body; an empty body yields the zero request.
func decodeBody[Req any](r *http.Request, _ pathParams) (*Req, error) {
	req := new(Req)
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return req, nil
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(req); err != nil {
		return nil, fmt.Errorf("%w: body: %v", core.ErrInvalidCommand, err)
	}
	return req, nil
}

func ticketRangeRequest(_ *http.Request, params pathParams) (*TicketRangeRequest, error) {
	index, err := strconv.Atoi(params["index"])
	if err != nil || index < 0 {
		return nil, fmt.Errorf("%w: index %q", core.ErrInvalidCommand, params["index"])
	}
	return &TicketRangeRequest{Index: index}, nil
}

func listRoundsRequest(r *http.Request, _ pathParams) (*ListRoundsRequest, error) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		return nil, err
	}
	before, err := queryInt64Ptr(r, "before")
	if err != nil {
		return nil, err
	}
	return &ListRoundsRequest{Limit: limit, BeforeRound: before}, nil
}

func playerEntriesRequest(r *http.Request, params pathParams) (*PlayerEntriesRequest, error) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		return nil, err
	}
	before, err := queryInt64Ptr(r, "before")
	if err != nil {
		return nil, err
	}
	return &PlayerEntriesRequest{Player: params["player"], Limit: limit, BeforeSequence: before}, nil
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", core.ErrInvalidCommand, key, raw)
	}
	return v, nil
}

func queryInt64Ptr(r *http.Request, key string) (*int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s=%q", core.ErrInvalidCommand, key, raw)
	}
	return &v, nil
}
