package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/carlmjohnson/versioninfo"
	didpay "github.com/did-method-plc/go-didpay"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const maxBodyBytes = 1 << 20

type RedemptionLister interface {
	ListRedemptions(ctx context.Context, limit int) ([]RedemptionRecord, error)
}

type Config struct {
	Addr      string
	Protocol  *didpay.Handler
	Contracts didpay.ContractStore

	// optional
	Redemptions RedemptionLister
	Hub         *EventHub
	State       *ProviderState
	Sanitizer   didpay.Sanitizer
}

// Server holds the HTTP server and its dependencies
type Server struct {
	protocol    *didpay.Handler
	contracts   didpay.ContractStore
	redemptions RedemptionLister
	hub         *EventHub
	state       *ProviderState
	sanitizer   didpay.Sanitizer
	addr        string
	logger      *slog.Logger
}

// NewServer creates a new HTTP server
func NewServer(config Config, logger *slog.Logger) *Server {
	s := &Server{
		protocol:    config.Protocol,
		contracts:   config.Contracts,
		redemptions: config.Redemptions,
		hub:         config.Hub,
		state:       config.State,
		sanitizer:   config.Sanitizer,
		addr:        config.Addr,
		logger:      logger.With("component", "server"),
	}
	if s.hub == nil {
		s.hub = NewEventHub(logger)
	}
	if s.state == nil {
		s.state = NewProviderState()
	}
	if s.sanitizer == nil {
		s.sanitizer = didpay.HTMLSanitizer{}
	}
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /_health", s.handleHealth)
	mux.HandleFunc("POST /{$}", s.handleMessage)
	mux.HandleFunc("POST /didcomm", s.handleMessage)
	mux.Handle("GET /events", s.hub)
	mux.HandleFunc("POST /contracts", s.handleCreateContract)
	mux.HandleFunc("GET /contracts", s.handleListContracts)
	mux.HandleFunc("GET /contracts/{id}", s.handleGetContract)
	mux.HandleFunc("PATCH /contracts/{id}/status", s.handleUpdateStatus)
	mux.HandleFunc("POST /contracts/{id}/simulate/sign", s.handleSimulateSign)
	mux.HandleFunc("POST /contracts/{id}/simulate/pay", s.handleSimulatePay)
	mux.HandleFunc("GET /redemptions", s.handleListRedemptions)
	mux.HandleFunc("GET /{$}", s.handleIndex)
	return mux
}

// Handler returns the instrumented HTTP handler for all routes
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.routes(), "")
}

// Run starts the HTTP server, blocking until ctx is cancelled or the listener fails
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", "addr", s.addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, "hello didpay provider\n")
}

// handleHealth handles GET /_health - returns version information and ledger activity
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	total, failed := s.state.Counts()
	resp := map[string]any{
		"version":     versioninfo.Short(),
		"redemptions": total,
		"failures":    failed,
	}
	if last := s.state.GetLastRedemptionTime(); !last.IsZero() {
		resp["lastRedemption"] = last.UTC().Format(time.RFC3339)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeJSONError writes a JSON error response
func writeJSONError(w http.ResponseWriter, message string, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": message, "code": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, fmt.Sprintf("invalid request body: %v", err), didpay.CodeInvalidRequest, http.StatusBadRequest)
		return false
	}
	return true
}

type sessionEvent struct {
	ID          string              `json:"id"`
	Sender      string              `json:"sender,omitempty"`
	State       didpay.State        `json:"state"`
	Transitions []didpay.Transition `json:"transitions"`
}

// handleMessage handles POST / and POST /didcomm - the request protocol entry point
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var msg didpay.Message
	if !decodeBody(w, r, &msg) {
		return
	}
	msg.Type = s.sanitizer.Sanitize(msg.Type)
	msg.Sender = s.sanitizer.Sanitize(msg.Sender)

	resp := s.protocol.Handle(ctx, &msg)
	ProtocolMessagesCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", msg.Type),
		attribute.String("code", resp.Code),
	))
	if sess := resp.Session; sess != nil {
		s.hub.Publish(ctx, EventSession, sessionEvent{
			ID:          sess.ID,
			Sender:      sess.Sender,
			State:       sess.Current(),
			Transitions: sess.Transitions,
		})
	}
	writeJSON(w, resp.Status, resp)
}

type createContractRequest struct {
	Terms    string `json:"terms"`
	Price    string `json:"price"`
	Provider string `json:"provider"`
	Customer string `json:"customer"`
}

func parseAddressField(name, v string) (common.Address, error) {
	if v == "" {
		return common.Address{}, fmt.Errorf("missing %s", name)
	}
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("invalid %s address: %q", name, v)
	}
	return common.HexToAddress(v), nil
}

// handleCreateContract handles POST /contracts
func (s *Server) handleCreateContract(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createContractRequest
	if !decodeBody(w, r, &req) {
		return
	}
	terms := s.sanitizer.Sanitize(req.Terms)
	if terms == "" || req.Price == "" {
		writeJSONError(w, "missing terms or price", didpay.CodeInvalidRequest, http.StatusBadRequest)
		return
	}
	price, ok := new(big.Int).SetString(req.Price, 0)
	if !ok {
		writeJSONError(w, fmt.Sprintf("invalid price: %q", req.Price), didpay.CodeInvalidRequest, http.StatusBadRequest)
		return
	}
	provider, err := parseAddressField("provider", req.Provider)
	if err != nil {
		writeJSONError(w, err.Error(), didpay.CodeInvalidRequest, http.StatusBadRequest)
		return
	}
	customer, err := parseAddressField("customer", req.Customer)
	if err != nil {
		writeJSONError(w, err.Error(), didpay.CodeInvalidRequest, http.StatusBadRequest)
		return
	}

	c, err := didpay.NewServiceContract(terms, price, provider, customer)
	if err != nil {
		s.writeContractError(w, err)
		return
	}
	if err := s.contracts.CreateContract(ctx, c); err != nil {
		writeJSONError(w, fmt.Sprintf("error storing contract: %v", err), didpay.CodeInternal, http.StatusInternalServerError)
		return
	}
	s.logger.Info("contract created", "id", c.ID, "customer", c.Customer)
	s.hub.Publish(ctx, EventContractCreated, c)
	writeJSON(w, http.StatusCreated, c)
}

// handleListContracts handles GET /contracts
func (s *Server) handleListContracts(w http.ResponseWriter, r *http.Request) {
	contracts, err := s.contracts.ListContracts(r.Context())
	if err != nil {
		writeJSONError(w, fmt.Sprintf("error listing contracts: %v", err), didpay.CodeInternal, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, contracts)
}

func (s *Server) writeContractError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, didpay.ErrContractNotFound):
		writeJSONError(w, err.Error(), "not_found", http.StatusNotFound)
	case errors.Is(err, didpay.ErrInvalidContract):
		writeJSONError(w, err.Error(), didpay.CodeInvalidRequest, http.StatusBadRequest)
	case errors.Is(err, didpay.ErrInvalidTransition):
		writeJSONError(w, err.Error(), "invalid_transition", http.StatusConflict)
	default:
		writeJSONError(w, fmt.Sprintf("error updating contract: %v", err), didpay.CodeInternal, http.StatusInternalServerError)
	}
}

// handleGetContract handles GET /contracts/{id}
func (s *Server) handleGetContract(w http.ResponseWriter, r *http.Request) {
	c, err := s.contracts.GetContract(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeContractError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type updateStatusRequest struct {
	Status string `json:"status"`
	TxHash string `json:"txHash,omitempty"`
}

func (s *Server) updateStatus(w http.ResponseWriter, r *http.Request, status didpay.ContractStatus, txHash *common.Hash) {
	ctx := r.Context()
	c, err := s.contracts.UpdateStatus(ctx, r.PathValue("id"), status, txHash)
	if err != nil {
		s.writeContractError(w, err)
		return
	}
	s.logger.Info("contract updated", "id", c.ID, "status", c.Status)
	s.hub.Publish(ctx, EventContractUpdated, c)
	writeJSON(w, http.StatusOK, c)
}

// handleUpdateStatus handles PATCH /contracts/{id}/status
func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	status := didpay.ContractStatus(req.Status)
	if !status.Valid() {
		writeJSONError(w, fmt.Sprintf("invalid status: %q", req.Status), didpay.CodeInvalidRequest, http.StatusBadRequest)
		return
	}
	var txHash *common.Hash
	if req.TxHash != "" {
		h := common.HexToHash(req.TxHash)
		txHash = &h
	}
	s.updateStatus(w, r, status, txHash)
}

// handleSimulateSign handles POST /contracts/{id}/simulate/sign - marks the contract as signed
func (s *Server) handleSimulateSign(w http.ResponseWriter, r *http.Request) {
	s.updateStatus(w, r, didpay.ContractSigned, nil)
}

// handleSimulatePay handles POST /contracts/{id}/simulate/pay - completes a
// signed contract with a synthetic transaction hash
func (s *Server) handleSimulatePay(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c, err := s.contracts.GetContract(r.Context(), id)
	if err != nil {
		s.writeContractError(w, err)
		return
	}
	if c.Status == didpay.ContractPending {
		writeJSONError(w, "contract must be signed before payment", "invalid_transition", http.StatusConflict)
		return
	}
	txHash := crypto.Keccak256Hash([]byte(id), []byte(strconv.FormatInt(time.Now().UnixNano(), 10)))
	s.updateStatus(w, r, didpay.ContractCompleted, &txHash)
}

// handleListRedemptions handles GET /redemptions?limit=N
func (s *Server) handleListRedemptions(w http.ResponseWriter, r *http.Request) {
	if s.redemptions == nil {
		writeJSONError(w, "redemption ledger not configured", "not_found", http.StatusNotFound)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeJSONError(w, fmt.Sprintf("invalid limit: %q", v), didpay.CodeInvalidRequest, http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.redemptions.ListRedemptions(r.Context(), limit)
	if err != nil {
		writeJSONError(w, fmt.Sprintf("error listing redemptions: %v", err), didpay.CodeInternal, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}
