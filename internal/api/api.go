// Package api exposes the exchange over HTTP and streams ledger events to
// WebSocket clients.
//
// Caller identity is taken from the X-Account-ID header, which carries an
// account ID or username. Authentication proper is outside this service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/stock-exchange/internal/exchange"
	"github.com/atmx/stock-exchange/internal/model"
)

// CallerHeader names the request header that identifies the caller.
const CallerHeader = "X-Account-ID"

const maxBodyBytes = 1 << 20

type callerKey struct{}

// Handler serves the exchange API.
type Handler struct {
	svc *exchange.Service
	hub *WSHub
	log *slog.Logger
}

// NewHandler creates a Handler. hub may be nil, which disables /ws.
func NewHandler(svc *exchange.Service, hub *WSHub, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, hub: hub, log: log}
}

// Routes mounts the API on r under /api/v1.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.identify)

		if h.hub != nil {
			r.Get("/ws", h.hub.HandleWS)
		}

		r.Post("/accounts", h.createAccount)
		r.Get("/accounts", h.listAccounts)
		r.Get("/accounts/{ref}", h.getAccount)
		r.Get("/leaderboard", h.leaderboard)

		r.Post("/stocks", h.createStock)
		r.Get("/stocks", h.listStocks)
		r.Get("/stocks/{ref}", h.getStock)
		r.Post("/stocks/{ref}/adjust", h.adjustStock)
		r.Post("/market/adjust", h.adjustMarket)

		r.Post("/stocks/{ref}/ipo/start", h.startIPO)
		r.Post("/stocks/{ref}/ipo/end", h.endIPO)
		r.Post("/stocks/{ref}/ipo/close", h.closeIPO)
		r.Get("/stocks/{ref}/ipo/applications", h.listApplications)
		r.Get("/stocks/{ref}/ipo/transactions", h.listIpoTransactions)
		r.Post("/ipo/apply", h.applyIPO)
		r.Post("/ipo/allot", h.allotIPO)

		r.Post("/trades", h.executeTrade)
		r.Post("/trades/market", h.executeMarketTrade)
		r.Get("/trades", h.listTrades)
		r.Get("/trades/{id}", h.getTrade)
		r.Post("/trades/{id}/revert", h.revertTrade)
		r.Post("/allotments", h.allotShares)

		r.Post("/brokers", h.createBrokerHouse)
		r.Get("/brokers", h.listBrokerHouses)
		r.Get("/brokers/{name}", h.getBrokerHouse)
		r.Put("/brokers/{name}", h.updateBrokerage)
		r.Post("/brokers/{name}/jobbers", h.assignJobber)

		r.Get("/settings/manipulator", h.getManipulator)
		r.Put("/settings/manipulator", h.setManipulator)
	})
}

// identify resolves the X-Account-ID header, when present, to a Caller.
// An unknown account is rejected outright.
func (h *Handler) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ref := strings.TrimSpace(r.Header.Get(CallerHeader))
		if ref == "" {
			next.ServeHTTP(w, r)
			return
		}
		a, err := h.svc.GetAccount(r.Context(), ref)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				writeError(w, "unknown caller account", http.StatusUnauthorized)
				return
			}
			h.fail(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), callerKey{}, exchange.Caller{AccountID: a.ID, Role: a.Role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// callerFrom returns the identified caller, if any.
func callerFrom(ctx context.Context) (exchange.Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(exchange.Caller)
	return c, ok
}

// requireCaller writes 401 and returns false when the request carries no
// caller identity.
func requireCaller(w http.ResponseWriter, r *http.Request) (exchange.Caller, bool) {
	c, ok := callerFrom(r.Context())
	if !ok {
		writeError(w, CallerHeader+" header is required", http.StatusUnauthorized)
	}
	return c, ok
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps a service error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidState),
		errors.Is(err, model.ErrAlreadyExists),
		errors.Is(err, model.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, model.ErrInsufficientFunds),
		errors.Is(err, model.ErrInsufficientHolding):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status. Internal errors are logged and
// their detail withheld from the client.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}
