package leaderboardd

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"leaderboard/crypto"
	"leaderboard/gateway/auth"
	"leaderboard/gateway/middleware"
	"leaderboard/native/bank"
	lb "leaderboard/native/leaderboard"
	"leaderboard/observability"
)

const (
	maxRequestBody  = 64 << 10
	defaultTopLimit = 10
	maxTopLimit     = 1000
	routeScores     = "scores"
	routeDeposits   = "deposits"
	routeWithdraw   = "withdraw"
	routeQueries    = "queries"
	routeEvents     = "events"
	outcomeAccepted = "accepted"
	outcomeFailed   = "error"
	outcomePaid     = "paid"
)

var errBadRequest = errors.New("bad request")

// Dependencies wires the HTTP surface to the engine and the bank.
type Dependencies struct {
	Engine        *lb.Engine
	Bank          *bank.Ledger
	Hub           *Hub
	Authenticator *auth.Authenticator
	Logger        *slog.Logger
	RateLimits    map[string]middleware.RateLimit
	CORS          middleware.CORSConfig
	LogRequests   bool
}

// Server exposes the leaderboard engine over HTTP.
type Server struct {
	engine    *lb.Engine
	bank      *bank.Ledger
	hub       *Hub
	authn     *auth.Authenticator
	logger    *slog.Logger
	limiter   *middleware.RateLimiter
	obs       *middleware.Observability
	cors      middleware.CORSConfig
	wsOrigins []string
	metrics   *observability.LeaderboardMetrics
	router    http.Handler
}

// NewServer validates deps and builds the router.
func NewServer(deps Dependencies) (*Server, error) {
	if deps.Engine == nil {
		return nil, errors.New("leaderboardd: engine required")
	}
	if deps.Bank == nil {
		return nil, errors.New("leaderboardd: bank required")
	}
	if deps.Authenticator == nil {
		return nil, errors.New("leaderboardd: authenticator required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hub := deps.Hub
	if hub == nil {
		hub = NewHub(0)
	}
	origins := deps.CORS.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	srv := &Server{
		engine:    deps.Engine,
		bank:      deps.Bank,
		hub:       hub,
		authn:     deps.Authenticator,
		logger:    logger,
		limiter:   middleware.NewRateLimiter(deps.RateLimits, logger),
		obs:       middleware.NewObservability(middleware.ObservabilityConfig{ServiceName: "leaderboardd", LogRequests: deps.LogRequests}, logger),
		cors:      deps.CORS,
		wsOrigins: origins,
		metrics:   observability.Leaderboard(),
	}
	srv.metrics.SetState(deps.Engine.Balance(), deps.Engine.Len())
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestIDHeader)
	r.Use(middleware.CORS(s.cors))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", s.obs.MetricsHandler())

	r.Route("/v1", func(api chi.Router) {
		api.Group(func(public chi.Router) {
			public.Use(s.limiter.Middleware(routeQueries))
			public.With(s.obs.Middleware("signer")).Get("/signer", s.handleSigner)
			public.With(s.obs.Middleware("balance")).Get("/balance", s.handleBalance)
			public.With(s.obs.Middleware("leaderboard")).Get("/leaderboard", s.handleTop)
			public.With(s.obs.Middleware("leaderboard.entry")).Get("/leaderboard/{index}", s.handleEntry)
			public.With(s.obs.Middleware("nonces")).Get("/nonces/{player}/{nonce}", s.handleNonce)
			public.With(s.obs.Middleware("accounts")).Get("/accounts/{address}", s.handleAccount)
		})
		api.With(s.limiter.Middleware(routeEvents), s.obs.Middleware(routeEvents)).Get("/events", s.handleEvents)

		api.Group(func(signed chi.Router) {
			signed.Use(middleware.CallerAuth(s.authn, s.logger))
			signed.With(s.limiter.Middleware(routeScores), s.obs.Middleware(routeScores)).Post("/scores", s.handleSubmitScore)
			signed.With(s.limiter.Middleware(routeDeposits), s.obs.Middleware(routeDeposits)).Post("/deposits", s.handleDeposit)
			signed.With(s.limiter.Middleware(routeWithdraw), s.obs.Middleware(routeWithdraw)).Post("/withdraw", s.handleWithdraw)
		})
	})
	return r
}

// requestIDHeader echoes the request id. Clients that did not send one get a
// uuid in place of chi's host-counter id.
func requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(chimw.RequestIDHeader))
		if id == "" {
			id = uuid.NewString()
			r = r.WithContext(context.WithValue(r.Context(), chimw.RequestIDKey, id))
		}
		w.Header().Set(chimw.RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

type scoreRequest struct {
	Player    string `json:"player"`
	Score     string `json:"score"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
	Value     string `json:"value"`
}

type valueRequest struct {
	Value string `json:"value"`
}

type entryResponse struct {
	Index  int    `json:"index"`
	Player string `json:"player"`
	Score  string `json:"score"`
	Seq    uint64 `json:"seq"`
}

type receiptResponse struct {
	Player   string         `json:"player"`
	Caller   string         `json:"caller"`
	Score    string         `json:"score"`
	Nonce    string         `json:"nonce"`
	Seq      uint64         `json:"seq"`
	Position int            `json:"position"`
	Retained bool           `json:"retained"`
	Evicted  *entryResponse `json:"evicted,omitempty"`
	Stake    string         `json:"stake"`
	Balance  string         `json:"balance"`
}

type shareResponse struct {
	Slot        string `json:"slot"`
	Recipient   string `json:"recipient,omitempty"`
	BasisPoints uint64 `json:"basisPoints"`
	Amount      string `json:"amount"`
	Score       string `json:"score,omitempty"`
	Vacant      bool   `json:"vacant,omitempty"`
}

type distributionResponse struct {
	Balance   string          `json:"balance"`
	Paid      string          `json:"paid"`
	Remainder string          `json:"remainder"`
	Shares    []shareResponse `json:"shares"`
}

func (s *Server) handleSigner(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"signer":        crypto.HexIdentity(s.engine.Signer()),
		"houseWallet":   crypto.HexIdentity(s.engine.HouseWallet()),
		"administrator": crypto.HexIdentity(s.engine.Administrator()),
		"vault":         crypto.HexIdentity(s.engine.Vault()),
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"balance": s.engine.Balance().String()})
}

func (s *Server) handleTop(w http.ResponseWriter, r *http.Request) {
	limit := defaultTopLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("%w: invalid limit %q", errBadRequest, raw))
			return
		}
		limit = parsed
	}
	if limit > maxTopLimit {
		limit = maxTopLimit
	}
	top := s.engine.Top(limit)
	entries := make([]entryResponse, 0, len(top))
	for i, entry := range top {
		entries = append(entries, renderEntry(i, entry))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "total": s.engine.Len()})
}

func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: invalid index", errBadRequest))
		return
	}
	entry, ok := s.engine.Leaderboard(index)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no entry at index %d", index))
		return
	}
	writeJSON(w, http.StatusOK, renderEntry(index, entry))
}

func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	player, err := crypto.ParseIdentity(chi.URLParam(r, "player"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	nonce, err := parseUint256(chi.URLParam(r, "nonce"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: nonce: %v", errBadRequest, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"player": crypto.HexIdentity(player),
		"nonce":  nonce.Dec(),
		"used":   s.engine.NonceUsed(player, nonce),
	})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := crypto.ParseIdentity(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"address": crypto.HexIdentity(addr),
		"balance": s.bank.Balance(addr).String(),
	})
}

func (s *Server) handleSubmitScore(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req scoreRequest
	if err := decodeBody(r, &req); err != nil {
		s.metrics.RecordSubmission("malformed", time.Since(start))
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sub, value, err := req.submission()
	if err != nil {
		s.metrics.RecordSubmission("malformed", time.Since(start))
		writeError(w, http.StatusBadRequest, err)
		return
	}

	receipt, err := s.engine.AddScore(lb.Call{Caller: caller, Value: value}, sub)
	s.metrics.RecordSubmission(submissionOutcome(err), time.Since(start))
	if err != nil {
		s.logger.Warn("score submission rejected",
			slog.String("requestId", chimw.GetReqID(r.Context())),
			slog.String("caller", crypto.HexIdentity(caller)),
			slog.String("player", crypto.HexIdentity(sub.Player)),
			slog.String("error", err.Error()),
		)
		writeError(w, statusFor(err), err)
		return
	}
	s.metrics.SetState(s.engine.Balance(), s.engine.Len())
	writeJSON(w, http.StatusOK, renderReceipt(receipt))
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req valueRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	value, err := parseAmount(req.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.Deposit(lb.Call{Caller: caller, Value: value}); err != nil {
		s.logger.Warn("deposit rejected",
			slog.String("requestId", chimw.GetReqID(r.Context())),
			slog.String("caller", crypto.HexIdentity(caller)),
			slog.String("error", err.Error()),
		)
		writeError(w, statusFor(err), err)
		return
	}
	s.metrics.RecordDeposit()
	s.metrics.SetState(s.engine.Balance(), s.engine.Len())
	writeJSON(w, http.StatusOK, map[string]string{"balance": s.engine.Balance().String()})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	dist, err := s.engine.Withdraw(lb.Call{Caller: caller, Value: big.NewInt(0)})
	if err != nil {
		s.metrics.RecordWithdrawal(withdrawalOutcome(err))
		s.logger.Warn("withdrawal rejected",
			slog.String("requestId", chimw.GetReqID(r.Context())),
			slog.String("caller", crypto.HexIdentity(caller)),
			slog.String("error", err.Error()),
		)
		writeError(w, statusFor(err), err)
		return
	}
	s.metrics.RecordWithdrawal(outcomePaid)
	for _, share := range dist.Shares {
		if !share.Vacant {
			s.metrics.RecordPayout(share.Slot, share.Amount)
		}
	}
	s.metrics.SetState(s.engine.Balance(), s.engine.Len())
	s.logger.Info("escrow withdrawn",
		slog.String("requestId", chimw.GetReqID(r.Context())),
		slog.String("caller", crypto.HexIdentity(caller)),
		slog.String("paid", dist.Paid.String()),
		slog.String("remainder", dist.Remainder.String()),
	)
	writeJSON(w, http.StatusOK, renderDistribution(dist))
}

func (s *Server) caller(w http.ResponseWriter, r *http.Request) ([20]byte, bool) {
	principal, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, auth.ErrMissingCredentials)
		return [20]byte{}, false
	}
	return principal.Address, true
}

func (req scoreRequest) submission() (lb.Submission, *big.Int, error) {
	player, err := crypto.ParseIdentity(req.Player)
	if err != nil {
		return lb.Submission{}, nil, fmt.Errorf("%w: player: %v", errBadRequest, err)
	}
	score, err := parseUint256(req.Score)
	if err != nil {
		return lb.Submission{}, nil, fmt.Errorf("%w: score: %v", errBadRequest, err)
	}
	nonce, err := parseUint256(req.Nonce)
	if err != nil {
		return lb.Submission{}, nil, fmt.Errorf("%w: nonce: %v", errBadRequest, err)
	}
	sig, err := decodeHex(req.Signature)
	if err != nil {
		return lb.Submission{}, nil, fmt.Errorf("%w: signature: %v", errBadRequest, err)
	}
	value, err := parseAmount(req.Value)
	if err != nil {
		return lb.Submission{}, nil, err
	}
	return lb.Submission{Player: player, Score: *score, Nonce: *nonce, Signature: sig}, value, nil
}

func parseUint256(raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("empty value")
	}
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		return uint256.FromHex(trimmed)
	}
	return uint256.FromDecimal(trimmed)
}

// parseAmount reads a base-10 wei amount. Empty means zero.
func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%w: invalid value %q", errBadRequest, raw)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: value must not be negative", errBadRequest)
	}
	return amount, nil
}

func decodeHex(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if trimmed == "" {
		return nil, errors.New("empty value")
	}
	return hex.DecodeString(trimmed)
}

func decodeBody(r *http.Request, dest any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", errBadRequest, err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("%w: decode body: %v", errBadRequest, err)
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, lb.ErrNoStake),
		errors.Is(err, lb.ErrInvalidSignature):
		return http.StatusBadRequest
	case errors.Is(err, bank.ErrInsufficientFunds) && !errors.Is(err, lb.ErrPayoutFailed):
		return http.StatusPaymentRequired
	case errors.Is(err, lb.ErrUntrustedSigner), errors.Is(err, lb.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, lb.ErrReplayedNonce):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func submissionOutcome(err error) string {
	switch {
	case err == nil:
		return outcomeAccepted
	case errors.Is(err, lb.ErrNoStake):
		return "no_stake"
	case errors.Is(err, lb.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, lb.ErrUntrustedSigner):
		return "untrusted_signer"
	case errors.Is(err, lb.ErrReplayedNonce):
		return "replayed_nonce"
	case errors.Is(err, bank.ErrInsufficientFunds):
		return "insufficient_funds"
	default:
		return outcomeFailed
	}
}

func withdrawalOutcome(err error) string {
	switch {
	case errors.Is(err, lb.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, lb.ErrPayoutFailed):
		return "payout_failed"
	default:
		return outcomeFailed
	}
}

func renderEntry(index int, entry lb.RankingEntry) entryResponse {
	return entryResponse{
		Index:  index,
		Player: crypto.HexIdentity(entry.Player),
		Score:  entry.Score.Dec(),
		Seq:    entry.Seq,
	}
}

func renderReceipt(receipt *lb.ScoreReceipt) receiptResponse {
	out := receiptResponse{
		Player:   crypto.HexIdentity(receipt.Entry.Player),
		Caller:   crypto.HexIdentity(receipt.Caller),
		Score:    receipt.Entry.Score.Dec(),
		Nonce:    receipt.Nonce.Dec(),
		Seq:      receipt.Entry.Seq,
		Position: receipt.Position,
		Retained: receipt.Retained,
		Stake:    receipt.Stake.String(),
		Balance:  receipt.Balance.String(),
	}
	if receipt.Evicted != nil {
		evicted := renderEntry(-1, *receipt.Evicted)
		out.Evicted = &evicted
	}
	return out
}

func renderDistribution(dist *lb.Distribution) distributionResponse {
	out := distributionResponse{
		Balance:   dist.Balance.String(),
		Paid:      dist.Paid.String(),
		Remainder: dist.Remainder.String(),
		Shares:    make([]shareResponse, 0, len(dist.Shares)),
	}
	for _, share := range dist.Shares {
		rendered := shareResponse{
			Slot:        share.Slot,
			BasisPoints: share.BasisPoints,
			Amount:      share.Amount.String(),
			Vacant:      share.Vacant,
		}
		if !share.Vacant {
			rendered.Recipient = crypto.HexIdentity(share.Recipient)
		}
		if share.Winner != nil {
			rendered.Score = share.Winner.Score.Dec()
		}
		out.Shares = append(out.Shares, rendered)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
