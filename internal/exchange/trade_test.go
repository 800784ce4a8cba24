package exchange_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/atmx/stock-exchange/internal/exchange"
	"github.com/atmx/stock-exchange/internal/model"
	"github.com/atmx/stock-exchange/internal/store"
)

// --- Peer trade tests ---

func TestExecuteTrade_RepricesStock(t *testing.T) {
	e, seller, buyer, st := tradeSetup(t, exchange.Options{})

	txn, err := e.svc.ExecuteTrade(e.ctx, e.admin, exchange.TradeRequest{
		Seller: seller.ID, Buyer: buyer.ID, Stock: st.ID, Units: 50, Price: d(105),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !txn.TotalPrice.Equal(d(5250)) {
		t.Errorf("expected total 5250, got %s", txn.TotalPrice)
	}
	if !txn.PriceBefore.Equal(d(100)) || !txn.PriceAfter.Equal(d(107.62)) {
		t.Errorf("expected 100 -> 107.62, got %s -> %s", txn.PriceBefore, txn.PriceAfter)
	}
	if txn.BankerID != e.admin.AccountID {
		t.Errorf("expected submitter recorded as banker, got %q", txn.BankerID)
	}

	got := e.reloadStock(st)
	if !got.CurrentPrice.Decimal.Equal(d(107.62)) {
		t.Errorf("expected current 107.62, got %s", got.CurrentPrice.Decimal)
	}
	if !got.PreviousClose.Decimal.Equal(d(100)) {
		t.Errorf("expected previous close 100, got %s", got.PreviousClose.Decimal)
	}
	if got.AvailableUnits != 1000 {
		t.Errorf("peer trades must not touch the float, got %d", got.AvailableUnits)
	}

	s, b := e.reload(seller), e.reload(buyer)
	if !s.Balance.Equal(d(905250)) || !b.Balance.Equal(d(994750)) {
		t.Errorf("unexpected balances: seller %s, buyer %s", s.Balance, b.Balance)
	}
	if holding(s, st.ID) != 950 || holding(b, st.ID) != 50 {
		t.Errorf("unexpected holdings: seller %d, buyer %d", holding(s, st.ID), holding(b, st.ID))
	}
	if !b.Portfolio[0].AverageBuyPrice.Equal(d(105)) {
		t.Errorf("expected buyer average 105, got %s", b.Portfolio[0].AverageBuyPrice)
	}
}

func TestExecuteTrade_ChargesBrokerageToBothParties(t *testing.T) {
	e, seller, buyer, st := tradeSetup(t, exchange.Options{})
	if _, err := e.svc.CreateBrokerHouse(e.ctx, e.admin, "Zerodha", d(1)); err != nil {
		t.Fatalf("create house: %v", err)
	}
	before := seller.Balance.Add(buyer.Balance)

	txn, err := e.svc.ExecuteTrade(e.ctx, e.admin, exchange.TradeRequest{
		Seller: "seller", Buyer: "buyer", Stock: "ACME", Units: 50, Price: d(105), BrokerHouse: "Zerodha",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !txn.Fee.Equal(d(52.5)) {
		t.Errorf("expected fee 52.5 per party, got %s", txn.Fee)
	}

	s, b := e.reload(seller), e.reload(buyer)
	if !s.Balance.Equal(d(905197.5)) {
		t.Errorf("expected seller 905197.5, got %s", s.Balance)
	}
	if !b.Balance.Equal(d(994697.5)) {
		t.Errorf("expected buyer 994697.5, got %s", b.Balance)
	}
	house, _ := e.svc.GetBrokerHouse(e.ctx, "Zerodha")
	if !house.FeesCollected.Equal(d(105)) {
		t.Errorf("expected house to collect 105, got %s", house.FeesCollected)
	}
	after := s.Balance.Add(b.Balance).Add(house.FeesCollected)
	if !after.Equal(before) {
		t.Errorf("cash not conserved: before %s, after %s", before, after)
	}
	if got := e.reloadStock(st); !got.CurrentPrice.Decimal.Equal(d(107.62)) {
		t.Errorf("brokerage must not affect repricing, got %s", got.CurrentPrice.Decimal)
	}
}

func TestExecuteTrade_JobberDefaultsToOwnHouse(t *testing.T) {
	e, seller, buyer, st := tradeSetup(t, exchange.Options{})
	jobber := e.account("jobber", model.RoleJobber)
	if _, err := e.svc.CreateBrokerHouse(e.ctx, e.admin, "Upstox", d(2)); err != nil {
		t.Fatalf("create house: %v", err)
	}
	if _, err := e.svc.AssignJobber(e.ctx, e.admin, "Upstox", jobber.ID); err != nil {
		t.Fatalf("assign: %v", err)
	}

	txn, err := e.svc.ExecuteTrade(e.ctx, exchange.Caller{AccountID: jobber.ID, Role: model.RoleJobber}, exchange.TradeRequest{
		Seller: seller.ID, Buyer: buyer.ID, Stock: st.ID, Units: 10, Price: d(100),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if txn.BrokerHouse != "Upstox" || !txn.Fee.Equal(d(20)) {
		t.Errorf("expected Upstox fee 20, got %q %s", txn.BrokerHouse, txn.Fee)
	}
}

func TestExecuteTrade_InsufficientHoldingLeavesNoTrace(t *testing.T) {
	e, seller, buyer, st := tradeSetup(t, exchange.Options{})

	_, err := e.svc.ExecuteTrade(e.ctx, e.admin, exchange.TradeRequest{
		Seller: seller.ID, Buyer: buyer.ID, Stock: st.ID, Units: 1001, Price: d(100),
	})
	if !errors.Is(err, model.ErrInsufficientHolding) {
		t.Fatalf("expected ErrInsufficientHolding, got %v", err)
	}

	s, b, got := e.reload(seller), e.reload(buyer), e.reloadStock(st)
	if !s.Balance.Equal(seller.Balance) || !b.Balance.Equal(buyer.Balance) {
		t.Error("balances changed on a rejected trade")
	}
	if holding(s, st.ID) != 1000 || holding(b, st.ID) != 0 {
		t.Error("holdings changed on a rejected trade")
	}
	if !got.CurrentPrice.Decimal.Equal(d(100)) || got.Version != st.Version {
		t.Error("stock changed on a rejected trade")
	}
	txns, err := e.svc.ListTransactions(e.ctx, e.admin, store.TransactionFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(txns) != 0 {
		t.Errorf("expected no transactions, got %d", len(txns))
	}
}

func TestExecuteTrade_BuyerMustCoverBrokerage(t *testing.T) {
	e, seller, buyer, st := tradeSetup(t, exchange.Options{})
	if _, err := e.svc.CreateBrokerHouse(e.ctx, e.admin, "Zerodha", d(1)); err != nil {
		t.Fatalf("create house: %v", err)
	}
	// 1000 x 1000 uses the buyer's whole balance, leaving nothing for the fee.
	_, err := e.svc.ExecuteTrade(e.ctx, e.admin, exchange.TradeRequest{
		Seller: seller.ID, Buyer: buyer.ID, Stock: st.ID, Units: 1000, Price: d(1000), BrokerHouse: "Zerodha",
	})
	if !errors.Is(err, model.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := e.reload(seller); holding(got, st.ID) != 1000 {
		t.Error("seller holding changed on a rejected trade")
	}
}

func TestExecuteTrade_Rejections(t *testing.T) {
	e, seller, buyer, st := tradeSetup(t, exchange.Options{})
	jobber := e.account("jobber", model.RoleJobber)
	upcoming := e.upcoming("Newco", 1000, 50, 10)

	tests := []struct {
		name string
		req  exchange.TradeRequest
		want error
	}{
		{"zero units", exchange.TradeRequest{Seller: seller.ID, Buyer: buyer.ID, Stock: st.ID, Units: 0, Price: d(1)}, model.ErrInvalidInput},
		{"zero price", exchange.TradeRequest{Seller: seller.ID, Buyer: buyer.ID, Stock: st.ID, Units: 1, Price: d(0)}, model.ErrInvalidInput},
		{"self trade", exchange.TradeRequest{Seller: seller.ID, Buyer: seller.ID, Stock: st.ID, Units: 1, Price: d(1)}, model.ErrInvalidInput},
		{"unknown buyer", exchange.TradeRequest{Seller: seller.ID, Buyer: "ghost", Stock: st.ID, Units: 1, Price: d(1)}, model.ErrNotFound},
		{"unknown stock", exchange.TradeRequest{Seller: seller.ID, Buyer: buyer.ID, Stock: "NOPE", Units: 1, Price: d(1)}, model.ErrNotFound},
		{"unknown house", exchange.TradeRequest{Seller: seller.ID, Buyer: buyer.ID, Stock: st.ID, Units: 1, Price: d(1), BrokerHouse: "Nope"}, model.ErrNotFound},
		{"jobber party", exchange.TradeRequest{Seller: seller.ID, Buyer: jobber.ID, Stock: st.ID, Units: 1, Price: d(1)}, model.ErrUnauthorized},
		{"unlisted stock", exchange.TradeRequest{Seller: seller.ID, Buyer: buyer.ID, Stock: upcoming.ID, Units: 1, Price: d(1)}, model.ErrInvalidState},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.svc.ExecuteTrade(e.ctx, e.admin, tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestExecuteTrade_ZeroFloatRejected(t *testing.T) {
	e := newEnv(t, exchange.Options{})
	seller := e.trader("seller")
	buyer := e.trader("buyer")
	st := e.listed("ACME", 100, 10)
	e.allot(seller.ID, st.ID, 100, 10)

	_, err := e.svc.ExecuteTrade(e.ctx, e.admin, exchange.TradeRequest{
		Seller: seller.ID, Buyer: buyer.ID, Stock: st.ID, Units: 10, Price: d(10),
	})
	if !errors.Is(err, model.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestExecuteTrade_RequestIDIsIdempotent(t *testing.T) {
	e, seller, buyer, st := tradeSetup(t, exchange.Options{})
	req := exchange.TradeRequest{
		Seller: seller.ID, Buyer: buyer.ID, Stock: st.ID, Units: 50, Price: d(105), RequestID: "req-1",
	}

	first, err := e.svc.ExecuteTrade(e.ctx, e.admin, req)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := e.svc.ExecuteTrade(e.ctx, e.admin, req)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("expected replayed transaction %s, got %s", first.ID, second.ID)
	}
	if got := e.reload(buyer); holding(got, st.ID) != 50 {
		t.Errorf("expected trade applied once, buyer holds %d", holding(got, st.ID))
	}
	if got := e.reloadStock(st); !got.CurrentPrice.Decimal.Equal(d(107.62)) {
		t.Errorf("expected one repricing, got %s", got.CurrentPrice.Decimal)
	}

	_, err = e.svc.ExecuteMarketTrade(e.ctx, e.admin, exchange.MarketTradeRequest{
		Account: buyer.ID, Stock: st.ID, Units: 1, Action: exchange.Buy, RequestID: "req-1",
	})
	if !errors.Is(err, model.ErrConflict) {
		t.Errorf("expected ErrConflict when reusing a peer request id, got %v", err)
	}
}

func TestExecuteTrade_RejectsMarketRequestID(t *testing.T) {
	e, seller, buyer, st := tradeSetup(t, exchange.Options{})
	if _, err := e.svc.ExecuteMarketTrade(e.ctx, e.admin, exchange.MarketTradeRequest{
		Account: buyer.ID, Stock: st.ID, Units: 10, Action: exchange.Buy, RequestID: "req-m",
	}); err != nil {
		t.Fatalf("market buy: %v", err)
	}
	before := e.reloadStock(st)

	_, err := e.svc.ExecuteTrade(e.ctx, e.admin, exchange.TradeRequest{
		Seller: seller.ID, Buyer: buyer.ID, Stock: st.ID, Units: 50, Price: d(105), RequestID: "req-m",
	})
	if !errors.Is(err, model.ErrConflict) {
		t.Errorf("expected ErrConflict when reusing a market request id, got %v", err)
	}
	if got := e.reloadStock(st); got.Version != before.Version {
		t.Errorf("expected stock untouched, version %d -> %d", before.Version, got.Version)
	}
	if got := e.reload(buyer); holding(got, st.ID) != 10 {
		t.Errorf("expected only the market units, buyer holds %d", holding(got, st.ID))
	}
}

func TestExecuteTrade_ConcurrentSubmissionsSerialize(t *testing.T) {
	e, seller, buyer, st := tradeSetup(t, exchange.Options{})

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.svc.ExecuteTrade(e.ctx, e.admin, exchange.TradeRequest{
				Seller: seller.ID, Buyer: buyer.ID, Stock: st.ID, Units: 10, Price: d(100),
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}

	s, b := e.reload(seller), e.reload(buyer)
	if holding(s, st.ID) != 800 || holding(b, st.ID) != 200 {
		t.Errorf("expected 800/200, got %d/%d", holding(s, st.ID), holding(b, st.ID))
	}
	if !s.Balance.Add(b.Balance).Equal(seller.Balance.Add(buyer.Balance)) {
		t.Error("cash not conserved under concurrency")
	}
	txns, _ := e.svc.ListTransactions(e.ctx, e.admin, store.TransactionFilter{StockID: st.ID})
	if len(txns) != 20 {
		t.Errorf("expected 20 transactions, got %d", len(txns))
	}
}

// --- Market trade tests ---

func TestExecuteMarketTrade_BuyThenSell(t *testing.T) {
	e := newEnv(t, exchange.Options{})
	a := e.trader("alice")
	st := e.listed("ACME", 1000, 100)

	res, err := e.svc.ExecuteMarketTrade(e.ctx, e.admin, exchange.MarketTradeRequest{
		Account: a.ID, Stock: st.ID, Units: 100, Action: exchange.Buy,
	})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	// No prior move: impact is 100 * 2.4 * 20.6 / 1000 = 4.944.
	if !res.Stock.CurrentPrice.Decimal.Equal(d(104.94)) || !res.Stock.PreviousClose.Decimal.Equal(d(100)) {
		t.Errorf("expected 104.94 (prev 100), got %s (prev %s)", res.Stock.CurrentPrice.Decimal, res.Stock.PreviousClose.Decimal)
	}
	if !res.Balance.Equal(d(990000)) || res.Holding != 100 || res.Stock.AvailableUnits != 900 {
		t.Errorf("unexpected buy result: balance %s holding %d float %d", res.Balance, res.Holding, res.Stock.AvailableUnits)
	}
	if res.Transaction.BuyerID != a.ID || res.Transaction.SellerID != "" || res.Transaction.Kind != model.TradeMarket {
		t.Errorf("unexpected transaction parties: %+v", res.Transaction)
	}

	res, err = e.svc.ExecuteMarketTrade(e.ctx, e.admin, exchange.MarketTradeRequest{
		Account: "alice", Stock: "ACME", Units: 50, Action: exchange.Sell,
	})
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	// Momentum of 4.94: 50 * 7.34 * 20.6 / 900 = 8.40.
	if !res.Stock.CurrentPrice.Decimal.Equal(d(113.34)) {
		t.Errorf("expected 113.34, got %s", res.Stock.CurrentPrice.Decimal)
	}
	if !res.Balance.Equal(d(995247)) || res.Holding != 50 || res.Stock.AvailableUnits != 950 {
		t.Errorf("unexpected sell result: balance %s holding %d float %d", res.Balance, res.Holding, res.Stock.AvailableUnits)
	}
}

func TestExecuteMarketTrade_FloatLimits(t *testing.T) {
	e := newEnv(t, exchange.Options{})
	a := e.trader("alice")
	st := e.listed("ACME", 10, 100)

	_, err := e.svc.ExecuteMarketTrade(e.ctx, e.admin, exchange.MarketTradeRequest{
		Account: a.ID, Stock: st.ID, Units: 11, Action: exchange.Buy,
	})
	if !errors.Is(err, model.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState buying beyond the float, got %v", err)
	}

	if _, err := e.svc.ExecuteMarketTrade(e.ctx, e.admin, exchange.MarketTradeRequest{
		Account: a.ID, Stock: st.ID, Units: 10, Action: exchange.Buy,
	}); err != nil {
		t.Fatalf("buy the float: %v", err)
	}

	for _, action := range []exchange.MarketAction{exchange.Buy, exchange.Sell} {
		_, err := e.svc.ExecuteMarketTrade(e.ctx, e.admin, exchange.MarketTradeRequest{
			Account: a.ID, Stock: st.ID, Units: 1, Action: action,
		})
		if !errors.Is(err, model.ErrInvalidState) {
			t.Errorf("%s with zero float: expected ErrInvalidState, got %v", action, err)
		}
	}
}

func TestExecuteMarketTrade_Rejections(t *testing.T) {
	e := newEnv(t, exchange.Options{})
	a := e.trader("alice")
	st := e.listed("ACME", 1000, 100)

	_, err := e.svc.ExecuteMarketTrade(e.ctx, e.admin, exchange.MarketTradeRequest{
		Account: a.ID, Stock: st.ID, Units: 1, Action: exchange.Sell,
	})
	if !errors.Is(err, model.ErrInsufficientHolding) {
		t.Errorf("expected ErrInsufficientHolding, got %v", err)
	}
	_, err = e.svc.ExecuteMarketTrade(e.ctx, e.admin, exchange.MarketTradeRequest{
		Account: a.ID, Stock: st.ID, Units: 1, Action: "hold",
	})
	if !errors.Is(err, model.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	_, err = e.svc.ExecuteMarketTrade(e.ctx, e.admin, exchange.MarketTradeRequest{
		Account: e.admin.AccountID, Stock: st.ID, Units: 1, Action: exchange.Buy,
	})
	if !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for admin party, got %v", err)
	}

	poorEnv := newEnv(t, exchange.Options{DefaultBalance: d(50)})
	poor := poorEnv.trader("poor")
	cheap := poorEnv.listed("ACME", 1000, 100)
	_, err = poorEnv.svc.ExecuteMarketTrade(poorEnv.ctx, poorEnv.admin, exchange.MarketTradeRequest{
		Account: poor.ID, Stock: cheap.ID, Units: 1, Action: exchange.Buy,
	})
	if !errors.Is(err, model.ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestExecuteMarketTrade_RequestIDIsIdempotent(t *testing.T) {
	e := newEnv(t, exchange.Options{})
	a := e.trader("alice")
	st := e.listed("ACME", 1000, 100)
	req := exchange.MarketTradeRequest{Account: a.ID, Stock: st.ID, Units: 100, Action: exchange.Buy, RequestID: "m-1"}

	first, err := e.svc.ExecuteMarketTrade(e.ctx, e.admin, req)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := e.svc.ExecuteMarketTrade(e.ctx, e.admin, req)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first.Transaction.ID != second.Transaction.ID || second.Holding != 100 || second.Stock.AvailableUnits != 900 {
		t.Errorf("expected replay of the first trade, got %+v", second)
	}
}

func TestExecuteMarketTrade_ConcurrentBuyersConserveShares(t *testing.T) {
	e := newEnv(t, exchange.Options{})
	st := e.listed("ACME", 1000, 100)
	traders := make([]*model.Account, 20)
	for i := range traders {
		traders[i] = e.trader(fmt.Sprintf("trader%02d", i))
	}

	var wg sync.WaitGroup
	for _, a := range traders {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := e.svc.ExecuteMarketTrade(e.ctx, e.admin, exchange.MarketTradeRequest{
				Account: id, Stock: st.ID, Units: 10, Action: exchange.Buy,
			}); err != nil {
				t.Errorf("buy: %v", err)
			}
		}(a.ID)
	}
	wg.Wait()

	var held int64
	for _, a := range traders {
		held += holding(e.reload(a), st.ID)
	}
	got := e.reloadStock(st)
	if held != 200 || got.AvailableUnits != 800 {
		t.Errorf("expected 200 held and 800 float, got %d and %d", held, got.AvailableUnits)
	}
}

// --- Reversal tests ---

func TestRevertTrade_RestoresLedgerExactly(t *testing.T) {
	e, seller, buyer, st := tradeSetup(t, exchange.Options{})
	if _, err := e.svc.CreateBrokerHouse(e.ctx, e.admin, "Zerodha", d(1)); err != nil {
		t.Fatalf("create house: %v", err)
	}
	txn, err := e.svc.ExecuteTrade(e.ctx, e.admin, exchange.TradeRequest{
		Seller: seller.ID, Buyer: buyer.ID, Stock: st.ID, Units: 50, Price: d(105), BrokerHouse: "Zerodha",
	})
	if err != nil {
		t.Fatalf("trade: %v", err)
	}

	res, err := e.svc.RevertTrade(e.ctx, e.admin, txn.ID)
	if err != nil {
		t.Fatalf("revert: %v", err)
	}
	if res.Compensated {
		t.Error("expected an exact reversal")
	}

	s, b, got := e.reload(seller), e.reload(buyer), e.reloadStock(st)
	if !s.Balance.Equal(seller.Balance) || !b.Balance.Equal(buyer.Balance) {
		t.Errorf("balances not restored: seller %s, buyer %s", s.Balance, b.Balance)
	}
	if holding(s, st.ID) != 1000 || !s.Portfolio[0].AverageBuyPrice.Equal(d(100)) {
		t.Errorf("seller position not restored: %+v", s.Portfolio)
	}
	if len(b.Portfolio) != 0 {
		t.Errorf("expected buyer position removed, got %+v", b.Portfolio)
	}
	if !got.CurrentPrice.Decimal.Equal(d(100)) || !got.PreviousClose.Decimal.Equal(d(100)) {
		t.Errorf("price not restored: %s (prev %s)", got.CurrentPrice.Decimal, got.PreviousClose.Decimal)
	}
	house, _ := e.svc.GetBrokerHouse(e.ctx, "Zerodha")
	if !house.FeesCollected.IsZero() {
		t.Errorf("expected fees returned, house has %s", house.FeesCollected)
	}
	if _, err := e.svc.GetTransaction(e.ctx, txn.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected transaction deleted, got %v", err)
	}
	if _, err := e.svc.RevertTrade(e.ctx, e.admin, txn.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected second reversal to fail with ErrNotFound, got %v", err)
	}
}

func TestRevertTrade_StrictRequiresLatestMove(t *testing.T) {
	e, seller, buyer, st := tradeSetup(t, exchange.Options{})
	first, err := e.svc.ExecuteTrade(e.ctx, e.admin, exchange.TradeRequest{
		Seller: seller.ID, Buyer: buyer.ID, Stock: st.ID, Units: 50, Price: d(105),
	})
	if err != nil {
		t.Fatalf("first trade: %v", err)
	}
	second, err := e.svc.ExecuteTrade(e.ctx, e.admin, exchange.TradeRequest{
		Seller: seller.ID, Buyer: buyer.ID, Stock: st.ID, Units: 10, Price: d(107.62),
	})
	if err != nil {
		t.Fatalf("second trade: %v", err)
	}
	if !second.PriceAfter.Equal(d(108.11)) {
		t.Fatalf("expected 108.11 after second trade, got %s", second.PriceAfter)
	}

	if _, err := e.svc.RevertTrade(e.ctx, e.admin, first.ID); !errors.Is(err, model.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState reverting out of order, got %v", err)
	}
	if _, err := e.svc.RevertTrade(e.ctx, e.admin, second.ID); err != nil {
		t.Fatalf("revert second: %v", err)
	}
	if _, err := e.svc.RevertTrade(e.ctx, e.admin, first.ID); err != nil {
		t.Fatalf("revert first after second: %v", err)
	}

	got := e.reloadStock(st)
	if !got.CurrentPrice.Decimal.Equal(d(100)) || !got.PreviousClose.Decimal.Equal(d(100)) {
		t.Errorf("expected 100/100 after unwinding, got %s/%s", got.CurrentPrice.Decimal, got.PreviousClose.Decimal)
	}
	if !e.reload(seller).Balance.Equal(seller.Balance) || !e.reload(buyer).Balance.Equal(buyer.Balance) {
		t.Error("balances not restored after unwinding")
	}
}

func TestRevertTrade_CompensateMode(t *testing.T) {
	e, seller, buyer, st := tradeSetup(t, exchange.Options{ReversalMode: exchange.ReversalCompensate})
	first, err := e.svc.ExecuteTrade(e.ctx, e.admin, exchange.TradeRequest{
		Seller: seller.ID, Buyer: buyer.ID, Stock: st.ID, Units: 50, Price: d(105),
	})
	if err != nil {
		t.Fatalf("first trade: %v", err)
	}
	if _, err := e.svc.ExecuteTrade(e.ctx, e.admin, exchange.TradeRequest{
		Seller: seller.ID, Buyer: buyer.ID, Stock: st.ID, Units: 10, Price: d(107.62),
	}); err != nil {
		t.Fatalf("second trade: %v", err)
	}

	res, err := e.svc.RevertTrade(e.ctx, e.admin, first.ID)
	if err != nil {
		t.Fatalf("revert: %v", err)
	}
	if !res.Compensated {
		t.Error("expected a compensated reversal")
	}
	// 50 * (100 - 108.11 + 2.4) * 20.6 / 1000 = -5.88.
	if !res.Stock.CurrentPrice.Decimal.Equal(d(102.23)) || !res.Stock.PreviousClose.Decimal.Equal(d(108.11)) {
		t.Errorf("expected 102.23 (prev 108.11), got %s (prev %s)", res.Stock.CurrentPrice.Decimal, res.Stock.PreviousClose.Decimal)
	}

	s, b := e.reload(seller), e.reload(buyer)
	if holding(s, st.ID) != 990 || holding(b, st.ID) != 10 {
		t.Errorf("expected 990/10, got %d/%d", holding(s, st.ID), holding(b, st.ID))
	}
	// Only the second trade's cash remains moved.
	if !s.Balance.Equal(d(901076.2)) || !b.Balance.Equal(d(998923.8)) {
		t.Errorf("unexpected balances: seller %s, buyer %s", s.Balance, b.Balance)
	}
}

func TestRevertTrade_MarketTradeRestoresFloat(t *testing.T) {
	e := newEnv(t, exchange.Options{})
	a := e.trader("alice")
	st := e.listed("ACME", 1000, 100)
	res, err := e.svc.ExecuteMarketTrade(e.ctx, e.admin, exchange.MarketTradeRequest{
		Account: a.ID, Stock: st.ID, Units: 100, Action: exchange.Buy,
	})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}

	if _, err := e.svc.RevertTrade(e.ctx, e.admin, res.Transaction.ID); err != nil {
		t.Fatalf("revert: %v", err)
	}
	got, acct := e.reloadStock(st), e.reload(a)
	if got.AvailableUnits != 1000 || !got.CurrentPrice.Decimal.Equal(d(100)) {
		t.Errorf("expected float 1000 at 100, got %d at %s", got.AvailableUnits, got.CurrentPrice.Decimal)
	}
	if !acct.Balance.Equal(d(1000000)) || len(acct.Portfolio) != 0 {
		t.Errorf("expected account restored, got %s %+v", acct.Balance, acct.Portfolio)
	}
}

func TestRevertTrade_AdminOnly(t *testing.T) {
	e, seller, buyer, st := tradeSetup(t, exchange.Options{})
	txn, err := e.svc.ExecuteTrade(e.ctx, e.admin, exchange.TradeRequest{
		Seller: seller.ID, Buyer: buyer.ID, Stock: st.ID, Units: 1, Price: d(100),
	})
	if err != nil {
		t.Fatalf("trade: %v", err)
	}
	banker := e.account("banker", model.RoleBanker)
	_, err = e.svc.RevertTrade(e.ctx, exchange.Caller{AccountID: banker.ID, Role: model.RoleBanker}, txn.ID)
	if !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

// --- Allotment tests ---

func TestAllotShares_ReportsEachItem(t *testing.T) {
	e := newEnv(t, exchange.Options{})
	a := e.trader("alice")
	st := e.listed("ACME", 100, 10)

	results, err := e.svc.AllotShares(e.ctx, e.admin, []exchange.Allotment{
		{Account: a.ID, Stock: st.ID, Quantity: 60, Price: d(12)},
		{Account: a.ID, Stock: st.ID, Quantity: 60, Price: d(12)},
		{Account: "ghost", Stock: st.ID, Quantity: 1, Price: d(12)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].Status != "allotted" || results[0].Holding != 60 {
		t.Errorf("expected first allotted with holding 60, got %+v", results[0])
	}
	if results[1].Status != "failed" || results[1].Error == "" {
		t.Errorf("expected second to fail on the float, got %+v", results[1])
	}
	if results[2].Status != "failed" {
		t.Errorf("expected unknown account to fail, got %+v", results[2])
	}

	got, acct := e.reloadStock(st), e.reload(a)
	if got.AvailableUnits != 40 {
		t.Errorf("expected float 40, got %d", got.AvailableUnits)
	}
	if !got.CurrentPrice.Decimal.Equal(d(10)) {
		t.Errorf("allotment must not reprice, got %s", got.CurrentPrice.Decimal)
	}
	if !acct.Balance.Equal(d(999280)) {
		t.Errorf("expected balance 999280, got %s", acct.Balance)
	}

	trader := exchange.Caller{AccountID: a.ID, Role: model.RoleTrader}
	if _, err := e.svc.AllotShares(e.ctx, trader, []exchange.Allotment{{Account: a.ID, Stock: st.ID, Quantity: 1, Price: d(1)}}); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestListTransactions_Filters(t *testing.T) {
	e, seller, buyer, st := tradeSetup(t, exchange.Options{})
	if _, err := e.svc.ExecuteTrade(e.ctx, e.admin, exchange.TradeRequest{
		Seller: seller.ID, Buyer: buyer.ID, Stock: st.ID, Units: 1, Price: d(100),
	}); err != nil {
		t.Fatalf("trade: %v", err)
	}
	if _, err := e.svc.ExecuteMarketTrade(e.ctx, e.admin, exchange.MarketTradeRequest{
		Account: buyer.ID, Stock: st.ID, Units: 1, Action: exchange.Buy,
	}); err != nil {
		t.Fatalf("market: %v", err)
	}

	bySeller, err := e.svc.ListTransactions(e.ctx, e.admin, store.TransactionFilter{SellerID: seller.ID})
	if err != nil || len(bySeller) != 1 {
		t.Errorf("expected 1 transaction for seller, got %d (%v)", len(bySeller), err)
	}
	byBuyer, _ := e.svc.ListTransactions(e.ctx, e.admin, store.TransactionFilter{BuyerID: buyer.ID})
	if len(byBuyer) != 2 {
		t.Errorf("expected 2 transactions for buyer, got %d", len(byBuyer))
	}

	trader := exchange.Caller{AccountID: buyer.ID, Role: model.RoleTrader}
	if _, err := e.svc.ListTransactions(e.ctx, trader, store.TransactionFilter{}); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}
