package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/stock-exchange/internal/exchange"
	"github.com/atmx/stock-exchange/internal/listing"
	"github.com/atmx/stock-exchange/internal/model"
	"github.com/atmx/stock-exchange/internal/pricing"
	"github.com/atmx/stock-exchange/internal/store"
)

// --- Accounts ---

// createAccount handles POST /api/v1/accounts. Anonymous callers may
// register traders only.
func (h *Handler) createAccount(w http.ResponseWriter, r *http.Request) {
	var req exchange.CreateAccountRequest
	if !decode(w, r, &req) {
		return
	}
	var caller *exchange.Caller
	if c, ok := callerFrom(r.Context()); ok {
		caller = &c
	}
	a, err := h.svc.CreateAccount(r.Context(), caller, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	accounts, err := h.svc.ListAccounts(r.Context(), caller)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if accounts == nil {
		accounts = []model.Account{}
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (h *Handler) getAccount(w http.ResponseWriter, r *http.Request) {
	a, err := h.svc.GetAccount(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// leaderboard handles GET /api/v1/leaderboard?limit=N.
func (h *Handler) leaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	board, err := h.svc.Leaderboard(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if board == nil {
		board = []exchange.LeaderboardEntry{}
	}
	writeJSON(w, http.StatusOK, board)
}

// --- Stocks ---

func (h *Handler) createStock(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var is listing.Issue
	if !decode(w, r, &is) {
		return
	}
	st, err := h.svc.CreateStock(r.Context(), caller, is)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

// listStocks handles GET /api/v1/stocks?status=LISTED.
func (h *Handler) listStocks(w http.ResponseWriter, r *http.Request) {
	status := model.StockStatus(strings.ToUpper(r.URL.Query().Get("status")))
	switch status {
	case "", model.StatusUpcoming, model.StatusIPO, model.StatusListed:
	default:
		writeError(w, "status must be UPCOMING, IPO or LISTED", http.StatusBadRequest)
		return
	}
	stocks, err := h.svc.ListStocks(r.Context(), status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if stocks == nil {
		stocks = []model.Stock{}
	}
	writeJSON(w, http.StatusOK, stocks)
}

func (h *Handler) getStock(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.GetStock(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) adjustStock(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var adj pricing.Adjustment
	if !decode(w, r, &adj) {
		return
	}
	st, err := h.svc.AdjustStockPrice(r.Context(), caller, chi.URLParam(r, "ref"), adj)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) adjustMarket(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var adj pricing.Adjustment
	if !decode(w, r, &adj) {
		return
	}
	stocks, err := h.svc.AdjustMarket(r.Context(), caller, adj)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if stocks == nil {
		stocks = []model.Stock{}
	}
	writeJSON(w, http.StatusOK, stocks)
}

// --- IPO ---

func (h *Handler) startIPO(w http.ResponseWriter, r *http.Request) {
	h.stockTransition(w, r, h.svc.StartIPO)
}

func (h *Handler) endIPO(w http.ResponseWriter, r *http.Request) {
	h.stockTransition(w, r, h.svc.EndIPOSubscription)
}

func (h *Handler) closeIPO(w http.ResponseWriter, r *http.Request) {
	h.stockTransition(w, r, h.svc.CloseIPOAllotment)
}

func (h *Handler) stockTransition(w http.ResponseWriter, r *http.Request, fn func(context.Context, exchange.Caller, string) (*model.Stock, error)) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	st, err := fn(r.Context(), caller, chi.URLParam(r, "ref"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) listApplications(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	apps, err := h.svc.ListApplications(r.Context(), caller, chi.URLParam(r, "ref"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, apps)
}

func (h *Handler) listIpoTransactions(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	records, err := h.svc.ListIpoTransactions(r.Context(), caller, chi.URLParam(r, "ref"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) applyIPO(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req exchange.IPORequest
	if !decode(w, r, &req) {
		return
	}
	app, err := h.svc.ApplyIPO(r.Context(), caller, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, app)
}

func (h *Handler) allotIPO(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req exchange.IPORequest
	if !decode(w, r, &req) {
		return
	}
	record, err := h.svc.AllotIPO(r.Context(), caller, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

// --- Trades ---

// executeTrade handles POST /api/v1/trades.
func (h *Handler) executeTrade(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req exchange.TradeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.RequestID == "" {
		req.RequestID = r.Header.Get("Idempotency-Key")
	}
	txn, err := h.svc.ExecuteTrade(r.Context(), caller, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, txn)
}

// executeMarketTrade handles POST /api/v1/trades/market.
func (h *Handler) executeMarketTrade(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req exchange.MarketTradeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.RequestID == "" {
		req.RequestID = r.Header.Get("Idempotency-Key")
	}
	res, err := h.svc.ExecuteMarketTrade(r.Context(), caller, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// listTrades handles GET /api/v1/trades with optional id, banker, buyer,
// seller and stock query filters. Stock accepts an ID or a name.
func (h *Handler) listTrades(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := store.TransactionFilter{
		ID:       q.Get("id"),
		BankerID: q.Get("banker"),
		BuyerID:  q.Get("buyer"),
		SellerID: q.Get("seller"),
	}
	if ref := q.Get("stock"); ref != "" {
		st, err := h.svc.GetStock(r.Context(), ref)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		f.StockID = st.ID
	}
	txns, err := h.svc.ListTransactions(r.Context(), caller, f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txns)
}

func (h *Handler) getTrade(w http.ResponseWriter, r *http.Request) {
	txn, err := h.svc.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

func (h *Handler) revertTrade(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	res, err := h.svc.RevertTrade(r.Context(), caller, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// allotShares handles POST /api/v1/allotments. The response lists every
// item's outcome; a partially failed batch is still 200.
func (h *Handler) allotShares(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req struct {
		Allotments []exchange.Allotment `json:"allotments"`
	}
	if !decode(w, r, &req) {
		return
	}
	results, err := h.svc.AllotShares(r.Context(), caller, req.Allotments)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// --- Broker houses ---

type brokerHouseRequest struct {
	Name      string          `json:"name"`
	Brokerage decimal.Decimal `json:"brokerage"`
}

func (h *Handler) createBrokerHouse(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req brokerHouseRequest
	if !decode(w, r, &req) {
		return
	}
	b, err := h.svc.CreateBrokerHouse(r.Context(), caller, req.Name, req.Brokerage)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (h *Handler) listBrokerHouses(w http.ResponseWriter, r *http.Request) {
	houses, err := h.svc.ListBrokerHouses(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if houses == nil {
		houses = []model.BrokerHouse{}
	}
	writeJSON(w, http.StatusOK, houses)
}

func (h *Handler) getBrokerHouse(w http.ResponseWriter, r *http.Request) {
	b, err := h.svc.GetBrokerHouse(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) updateBrokerage(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req brokerHouseRequest
	if !decode(w, r, &req) {
		return
	}
	b, err := h.svc.UpdateBrokerage(r.Context(), caller, chi.URLParam(r, "name"), req.Brokerage)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) assignJobber(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req struct {
		Account string `json:"account"`
	}
	if !decode(w, r, &req) {
		return
	}
	b, err := h.svc.AssignJobber(r.Context(), caller, chi.URLParam(r, "name"), req.Account)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// --- Settings ---

type manipulatorBody struct {
	Factor decimal.Decimal `json:"factor"`
}

func (h *Handler) getManipulator(w http.ResponseWriter, r *http.Request) {
	f, err := h.svc.ManipulatorFactor(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, manipulatorBody{Factor: f})
}

func (h *Handler) setManipulator(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req manipulatorBody
	if !decode(w, r, &req) {
		return
	}
	if err := h.svc.SetManipulatorFactor(r.Context(), caller, req.Factor); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}
