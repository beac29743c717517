package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"PoolLedger/internal/ledger"
	"PoolLedger/internal/observability"
	"PoolLedger/internal/query"

	"github.com/ethereum/go-ethereum/common"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// CallerHeader is the HTTP form of CallerMetadataKey
const CallerHeader = "X-Pool-Caller"

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

type gateway struct {
	svc     *PoolService
	qs      *query.QueryService
	metrics *observability.Metrics
	limiter *CallerLimiter
	auth    *Authenticator
	log     zerolog.Logger
}

type routeFunc func(r *http.Request, params map[string]string) (interface{}, error)

// NewHTTPHandler serves PoolService as HTTP/JSON through a grpc-gateway
// ServeMux, next to /healthz and /readyz.
func NewHTTPHandler(svc *PoolService, deps *ServerDeps) (http.Handler, error) {
	g := &gateway{
		svc:     svc,
		qs:      deps.QueryService,
		metrics: deps.Metrics,
		limiter: deps.Limiter,
		auth:    deps.Auth,
		log:     deps.Logger,
	}

	mux := runtime.NewServeMux()
	routes := []struct {
		method, pattern, name string
		fn                    routeFunc
	}{
		{"POST", "/v1/investments", "Invest", g.invest},
		{"POST", "/v1/accounts/{account}/investments/{index}:withdraw", "Withdraw", g.withdraw},
		{"POST", "/v1/accounts/{account}:withdrawAll", "WithdrawAll", g.withdrawAll},
		{"GET", "/v1/accounts/{account}/investments/{index}", "GetInvestment", g.getInvestment},
		{"GET", "/v1/accounts/{account}/investments", "ListInvestments", g.listInvestments},
		{"GET", "/v1/accounts/{account}/summary", "GetUserInvestments", g.summary},
		{"GET", "/v1/accounts/{account}/history", "GetInvestmentHistory", g.investmentHistory},
		{"GET", "/v1/accounts/{account}/journals", "GetJournalHistory", g.journals},
		{"GET", "/v1/accounts/{account}/balances", "GetAccountBalances", g.accountBalances},
		{"GET", "/v1/pool/stats", "GetPoolStats", g.poolStats},
		{"GET", "/v1/pool/balance", "GetBalance", g.poolBalance},
		{"GET", "/v1/pool/projected-balance", "GetProjectedPoolBalance", g.projectedPoolBalance},
		{"POST", "/v1/admin/funds", "DepositFunds", g.depositFunds},
		{"POST", "/v1/admin/interest-rate", "SetInterestRate", g.setInterestRate},
		{"POST", "/v1/admin/platform-fee", "SetPlatformFee", g.setPlatformFee},
		{"POST", "/v1/admin/pause", "Pause", g.pause},
		{"POST", "/v1/admin/unpause", "Unpause", g.unpause},
		{"POST", "/v1/admin/owner", "TransferOwnership", g.transferOwnership},
		{"GET", "/v1/admin/integrity", "VerifyIntegrity", g.integrity},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, g.handle(rt.name, rt.fn)); err != nil {
			return nil, fmt.Errorf("register route %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if deps.HealthChecker != nil {
		httpMux.HandleFunc("/healthz", deps.HealthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", deps.HealthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

func (g *gateway) handle(name string, fn routeFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()

		var resp interface{}
		var err error
		if !g.limiter.Allow(httpCallerKey(r)) {
			if g.metrics != nil {
				g.metrics.RateLimited.WithLabelValues("http").Inc()
			}
			err = status.Error(codes.ResourceExhausted, "rate limit exceeded")
		} else {
			ctx := metadata.NewIncomingContext(r.Context(), incomingMetadata(r))
			if ctx, err = g.auth.authenticate(ctx); err == nil {
				resp, err = fn(r.WithContext(ctx), params)
			}
		}

		code := status.Code(err)
		if g.metrics != nil {
			g.metrics.APIRequests.WithLabelValues(name, code.String()).Inc()
			g.metrics.APIDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		}
		if err != nil {
			if code == codes.Internal || code == codes.Unknown {
				g.log.Error().Err(err).Str("route", name).Msg("request failed")
			}
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// ---- mutations ----

func (g *gateway) invest(r *http.Request, _ map[string]string) (interface{}, error) {
	var req InvestRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	return g.svc.Invest(r.Context(), &req)
}

func (g *gateway) withdraw(r *http.Request, params map[string]string) (interface{}, error) {
	index, err := pathIndex(params)
	if err != nil {
		return nil, err
	}
	return g.svc.Withdraw(r.Context(), &WithdrawRequest{Account: params["account"], Index: index})
}

func (g *gateway) withdrawAll(r *http.Request, params map[string]string) (interface{}, error) {
	return g.svc.WithdrawAll(r.Context(), &AccountRequest{Account: params["account"]})
}

func (g *gateway) depositFunds(r *http.Request, _ map[string]string) (interface{}, error) {
	var req DepositFundsRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	return g.svc.DepositFunds(r.Context(), &req)
}

func (g *gateway) setInterestRate(r *http.Request, _ map[string]string) (interface{}, error) {
	var req SetInterestRateRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	return g.svc.SetInterestRate(r.Context(), &req)
}

func (g *gateway) setPlatformFee(r *http.Request, _ map[string]string) (interface{}, error) {
	var req SetPlatformFeeRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	return g.svc.SetPlatformFee(r.Context(), &req)
}

func (g *gateway) pause(r *http.Request, _ map[string]string) (interface{}, error) {
	return g.svc.Pause(r.Context(), &Empty{})
}

func (g *gateway) unpause(r *http.Request, _ map[string]string) (interface{}, error) {
	return g.svc.Unpause(r.Context(), &Empty{})
}

func (g *gateway) transferOwnership(r *http.Request, _ map[string]string) (interface{}, error) {
	var req TransferOwnershipRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	return g.svc.TransferOwnership(r.Context(), &req)
}

// ---- vault queries ----

func (g *gateway) getInvestment(r *http.Request, params map[string]string) (interface{}, error) {
	index, err := pathIndex(params)
	if err != nil {
		return nil, err
	}
	return g.svc.GetInvestment(r.Context(), &GetInvestmentRequest{Account: params["account"], Index: index})
}

func (g *gateway) listInvestments(r *http.Request, params map[string]string) (interface{}, error) {
	return g.svc.ListInvestments(r.Context(), &AccountRequest{Account: params["account"]})
}

func (g *gateway) summary(r *http.Request, params map[string]string) (interface{}, error) {
	return g.svc.GetUserInvestments(r.Context(), &AccountRequest{Account: params["account"]})
}

func (g *gateway) poolStats(r *http.Request, _ map[string]string) (interface{}, error) {
	return g.svc.GetPoolStats(r.Context(), &Empty{})
}

func (g *gateway) poolBalance(r *http.Request, _ map[string]string) (interface{}, error) {
	return g.svc.GetBalance(r.Context(), &Empty{})
}

// ---- read side (Postgres projections) ----

func (g *gateway) readSide() error {
	if g.qs == nil {
		return status.Error(codes.Unavailable, "read side not configured")
	}
	return nil
}

func (g *gateway) investmentHistory(r *http.Request, params map[string]string) (interface{}, error) {
	if err := g.readSide(); err != nil {
		return nil, err
	}
	account, err := parseAddress("account", params["account"])
	if err != nil {
		return nil, err
	}
	limit, err := pageSize(r)
	if err != nil {
		return nil, err
	}
	var after *int
	if s := r.URL.Query().Get("after_index"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return nil, status.Errorf(codes.InvalidArgument, "invalid after_index %q", s)
		}
		after = &n
	}
	entries, err := g.qs.GetInvestmentHistory(r.Context(), account, limit, after)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "investment history: %v", err)
	}
	return map[string]interface{}{"investments": entries}, nil
}

func (g *gateway) journals(r *http.Request, params map[string]string) (interface{}, error) {
	if err := g.readSide(); err != nil {
		return nil, err
	}
	account, err := parseAddress("account", params["account"])
	if err != nil {
		return nil, err
	}
	limit, err := pageSize(r)
	if err != nil {
		return nil, err
	}
	var after *int64
	if s := r.URL.Query().Get("after_sequence"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			return nil, status.Errorf(codes.InvalidArgument, "invalid after_sequence %q", s)
		}
		after = &n
	}
	entries, err := g.qs.GetJournalHistory(r.Context(), account, limit, after)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "journal history: %v", err)
	}
	return map[string]interface{}{"journals": entries}, nil
}

func (g *gateway) accountBalances(r *http.Request, params map[string]string) (interface{}, error) {
	if err := g.readSide(); err != nil {
		return nil, err
	}
	account, err := parseAddress("account", params["account"])
	if err != nil {
		return nil, err
	}
	asset, err := assetParam(r)
	if err != nil {
		return nil, err
	}
	bal, err := g.qs.GetBalance(r.Context(), account, asset)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "balances: %v", err)
	}
	return bal, nil
}

func (g *gateway) projectedPoolBalance(r *http.Request, _ map[string]string) (interface{}, error) {
	if err := g.readSide(); err != nil {
		return nil, err
	}
	asset, err := assetParam(r)
	if err != nil {
		return nil, err
	}
	bal, err := g.qs.GetPoolBalance(r.Context(), asset)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "pool balance: %v", err)
	}
	return bal, nil
}

func (g *gateway) integrity(r *http.Request, _ map[string]string) (interface{}, error) {
	if err := g.readSide(); err != nil {
		return nil, err
	}
	report, err := g.qs.VerifyIntegrity(r.Context())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "verify integrity: %v", err)
	}
	return report, nil
}

// ---- helpers ----

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return status.Errorf(codes.InvalidArgument, "invalid request body: %v", err)
	}
	return nil
}

func assetParam(r *http.Request) (string, error) {
	asset := r.URL.Query().Get("asset")
	if asset == "" {
		return "ETH", nil
	}
	if _, ok := ledger.GetAssetID(asset); !ok {
		return "", status.Errorf(codes.InvalidArgument, "unknown asset %q", asset)
	}
	return asset, nil
}

func pathIndex(params map[string]string) (int, error) {
	s := params["index"]
	index, err := strconv.Atoi(s)
	if err != nil || index < 0 {
		return 0, status.Errorf(codes.InvalidArgument, "invalid index %q", s)
	}
	return index, nil
}

func pageSize(r *http.Request) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return defaultPageSize, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, status.Errorf(codes.InvalidArgument, "invalid limit %q", s)
	}
	if n > maxPageSize {
		n = maxPageSize
	}
	return n, nil
}

// incomingMetadata carries the caller and credential headers into the
// metadata the service reads on the gRPC path
func incomingMetadata(r *http.Request) metadata.MD {
	md := metadata.MD{}
	if caller := r.Header.Get(CallerHeader); caller != "" {
		md.Set(CallerMetadataKey, caller)
	}
	if authz := r.Header.Get("Authorization"); authz != "" {
		md.Set("authorization", authz)
	}
	if token := r.Header.Get(APITokenHeader); token != "" {
		md.Set(APITokenMetadataKey, token)
	}
	return md
}

func httpCallerKey(r *http.Request) string {
	if caller := r.Header.Get(CallerHeader); caller != "" {
		if common.IsHexAddress(caller) {
			return common.HexToAddress(caller).Hex()
		}
		return caller
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

type errorBody struct {
	Code    int    `json:"code"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	st, ok := status.FromError(err)
	if !ok {
		st = status.FromContextError(err)
		if st.Code() == codes.Unknown {
			st = status.New(codes.Internal, err.Error())
		}
	}
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), errorBody{
		Code:    int(st.Code()),
		Status:  st.Code().String(),
		Message: st.Message(),
	})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
