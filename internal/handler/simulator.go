// Package handler exposes the simulator over HTTP.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"capsim/internal/domain"
	"capsim/internal/node"
	"capsim/internal/simulation"
	"capsim/internal/strategy"
	pkgerrors "capsim/pkg/errors"
	"capsim/pkg/logger"
	"capsim/pkg/validator"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

// SimulatorHandler drives one simulated platform.
type SimulatorHandler struct {
	env       *simulation.Environment
	validator *validator.Validator
	logger    logger.Logger
}

func NewSimulatorHandler(env *simulation.Environment, val *validator.Validator, log logger.Logger) *SimulatorHandler {
	return &SimulatorHandler{env: env, validator: val, logger: log}
}

// Register mounts the routes on r.
func (h *SimulatorHandler) Register(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/transfers", h.Transfer).Methods(http.MethodPost)
	api.HandleFunc("/balances/{user}", h.GetBalance).Methods(http.MethodGet)
	api.HandleFunc("/history/{user}", h.GetHistory).Methods(http.MethodGet)
	api.HandleFunc("/payments", h.Pay).Methods(http.MethodPost)
	api.HandleFunc("/partitions", h.CreatePartition).Methods(http.MethodPost)
	api.HandleFunc("/partitions", h.ListPartitions).Methods(http.MethodGet)
	api.HandleFunc("/partitions/{a}/{b}", h.HealPartition).Methods(http.MethodDelete)
	api.HandleFunc("/network/stats", h.NetworkStats).Methods(http.MethodGet)
	api.HandleFunc("/network/mode", h.SetMode).Methods(http.MethodPut)
	api.HandleFunc("/nodes", h.Nodes).Methods(http.MethodGet)
	api.HandleFunc("/strategy", h.Strategy).Methods(http.MethodGet)

	r.HandleFunc("/ws/network", h.StreamNetwork).Methods(http.MethodGet)
}

type transferBody struct {
	Origin string          `json:"origin"`
	From   string          `json:"from"`
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

type paymentBody struct {
	Origin   string          `json:"origin"`
	User     string          `json:"user"`
	Provider string          `json:"provider"`
	Amount   decimal.Decimal `json:"amount"`
}

type partitionBody struct {
	A string `json:"a" validate:"required"`
	B string `json:"b" validate:"required,nefield=A"`
}

type modeBody struct {
	Mode string `json:"mode" validate:"required"`
}

// Transfer runs a transfer through the active strategy.
func (h *SimulatorHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var body transferBody
	if !h.decode(w, r, &body) {
		return
	}
	origin, ok := h.origin(w, body.Origin)
	if !ok {
		return
	}

	req := strategy.TransferRequest{From: body.From, To: body.To, Amount: body.Amount}
	if errs := h.validator.ValidateStructured(&req); errs != nil {
		respondValidationErrors(w, errs)
		return
	}

	h.respondResult(w, h.env.Strategy.ExecuteTransfer(r.Context(), origin, req))
}

func (h *SimulatorHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	origin, ok := h.origin(w, r.URL.Query().Get("origin"))
	if !ok {
		return
	}

	req := strategy.BalanceRequest{User: mux.Vars(r)["user"], Context: r.URL.Query().Get("context")}
	if req.Context == "" {
		req.Context = strategy.ContextDisplay
	}
	if errs := h.validator.ValidateStructured(&req); errs != nil {
		respondValidationErrors(w, errs)
		return
	}

	h.respondResult(w, h.env.Strategy.ExecuteBalanceQuery(r.Context(), origin, req))
}

func (h *SimulatorHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	origin, ok := h.origin(w, r.URL.Query().Get("origin"))
	if !ok {
		return
	}

	req := strategy.HistoryRequest{User: mux.Vars(r)["user"]}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		req.Limit = n
	}
	if errs := h.validator.ValidateStructured(&req); errs != nil {
		respondValidationErrors(w, errs)
		return
	}

	h.respondResult(w, h.env.Strategy.ExecuteHistoryQuery(r.Context(), origin, req))
}

func (h *SimulatorHandler) Pay(w http.ResponseWriter, r *http.Request) {
	var body paymentBody
	if !h.decode(w, r, &body) {
		return
	}
	origin, ok := h.origin(w, body.Origin)
	if !ok {
		return
	}

	req := strategy.PaymentRequest{User: body.User, Provider: validator.Sanitize(body.Provider), Amount: body.Amount}
	if errs := h.validator.ValidateStructured(&req); errs != nil {
		respondValidationErrors(w, errs)
		return
	}

	h.respondResult(w, h.env.Strategy.ExecutePayment(r.Context(), origin, req))
}

func (h *SimulatorHandler) CreatePartition(w http.ResponseWriter, r *http.Request) {
	var body partitionBody
	if !h.decode(w, r, &body) {
		return
	}
	if errs := h.validator.ValidateStructured(&body); errs != nil {
		respondValidationErrors(w, errs)
		return
	}

	if err := h.env.Controller.CreatePartition(body.A, body.B); err != nil {
		h.respondControllerError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{"status": "partitioned", "a": body.A, "b": body.B})
}

func (h *SimulatorHandler) ListPartitions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"events": h.env.Controller.Events()})
}

// HealPartition restores the pair and waits for the resynchronization.
func (h *SimulatorHandler) HealPartition(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.env.Controller.HealPartition(r.Context(), vars["a"], vars["b"]); err != nil {
		h.respondControllerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "healed", "a": vars["a"], "b": vars["b"]})
}

func (h *SimulatorHandler) NetworkStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"mode":     h.env.Link.Mode(),
		"network":  h.env.Link.Statistics(),
		"transfer": h.env.Services.Transfer.Statistics(),
		"balance":  h.env.Services.Balance.Statistics(),
		"history":  h.env.Services.History.Statistics(),
		"payment":  h.env.Services.Payment.Statistics(),
	})
}

func (h *SimulatorHandler) SetMode(w http.ResponseWriter, r *http.Request) {
	var body modeBody
	if !h.decode(w, r, &body) {
		return
	}
	if errs := h.validator.ValidateStructured(&body); errs != nil {
		respondValidationErrors(w, errs)
		return
	}
	if err := h.env.Link.SetMode(body.Mode); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"mode": h.env.Link.Mode()})
}

func (h *SimulatorHandler) Nodes(w http.ResponseWriter, r *http.Request) {
	all := h.env.Cluster.All()
	out := make([]node.Metrics, 0, len(all))
	for _, n := range all {
		out = append(out, n.Metrics(r.Context()))
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"nodes": out})
}

func (h *SimulatorHandler) Strategy(w http.ResponseWriter, r *http.Request) {
	d, ok := strategy.Describe(h.env.Strategy)
	if !ok {
		respondJSON(w, http.StatusOK, map[string]string{"name": h.env.Name})
		return
	}
	respondJSON(w, http.StatusOK, d)
}

// origin resolves the entry site, defaulting to the primary.
func (h *SimulatorHandler) origin(w http.ResponseWriter, id string) (*node.Node, bool) {
	if id == "" {
		return h.env.Cluster.Primary, true
	}
	n, err := h.env.Node(id)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	return n, true
}

func (h *SimulatorHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// respondResult sends operation outcomes with 200, failures included, except
// requests the strategy rejected as invalid.
func (h *SimulatorHandler) respondResult(w http.ResponseWriter, res *domain.Result) {
	if errors.Is(res.Err, pkgerrors.ErrInvalidRequest) {
		respondJSON(w, http.StatusBadRequest, res)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *SimulatorHandler) respondControllerError(w http.ResponseWriter, err error) {
	if errors.Is(err, pkgerrors.ErrNodeNotFound) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	h.logger.Error("Partition control failed", map[string]interface{}{"error": err.Error()})
	respondError(w, http.StatusInternalServerError, err.Error())
}
