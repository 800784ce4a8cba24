package portfolio

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/atmx/stock-exchange/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestAcquire_NewPosition(t *testing.T) {
	acct := &model.Account{}
	if err := Acquire(acct, "s1", 10, d(12.5)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p, ok := Holding(acct, "s1")
	if !ok {
		t.Fatal("expected position")
	}
	if p.Quantity != 10 || !p.AverageBuyPrice.Equal(d(12.5)) {
		t.Errorf("got qty=%d avg=%s", p.Quantity, p.AverageBuyPrice)
	}
}

func TestAcquire_WeightedAverage(t *testing.T) {
	acct := &model.Account{}
	_ = Acquire(acct, "s1", 10, d(100))
	if err := Acquire(acct, "s1", 30, d(120)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p, _ := Holding(acct, "s1")
	// (10*100 + 30*120) / 40 = 115
	if p.Quantity != 40 || !p.AverageBuyPrice.Equal(d(115)) {
		t.Errorf("got qty=%d avg=%s", p.Quantity, p.AverageBuyPrice)
	}
}

func TestAcquire_RoundsToCents(t *testing.T) {
	acct := &model.Account{}
	_ = Acquire(acct, "s1", 1, d(10))
	_ = Acquire(acct, "s1", 2, d(10.01))
	p, _ := Holding(acct, "s1")
	// 30.02 / 3 = 10.00666… → 10.01
	if !p.AverageBuyPrice.Equal(d(10.01)) {
		t.Errorf("expected 10.01, got %s", p.AverageBuyPrice)
	}
}

func TestAcquire_InvalidQuantity(t *testing.T) {
	acct := &model.Account{}
	for _, q := range []int64{0, -5} {
		err := Acquire(acct, "s1", q, d(1))
		if !errors.Is(err, model.ErrInvalidInput) {
			t.Errorf("quantity %d: expected ErrInvalidInput, got %v", q, err)
		}
	}
	if len(acct.Portfolio) != 0 {
		t.Error("portfolio should stay empty")
	}
}

func TestDispose_Partial(t *testing.T) {
	acct := &model.Account{}
	_ = Acquire(acct, "s1", 10, d(50))
	if err := Dispose(acct, "s1", 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p, _ := Holding(acct, "s1")
	if p.Quantity != 6 {
		t.Errorf("expected 6 left, got %d", p.Quantity)
	}
	if !p.AverageBuyPrice.Equal(d(50)) {
		t.Errorf("disposal must not change average, got %s", p.AverageBuyPrice)
	}
}

func TestDispose_RemovesAtZero(t *testing.T) {
	acct := &model.Account{}
	_ = Acquire(acct, "s1", 10, d(50))
	_ = Acquire(acct, "s2", 1, d(5))
	if err := Dispose(acct, "s1", 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := Holding(acct, "s1"); ok {
		t.Error("position should be removed at zero")
	}
	if Quantity(acct, "s2") != 1 {
		t.Error("other positions must be untouched")
	}
}

func TestDispose_Insufficient(t *testing.T) {
	acct := &model.Account{}
	_ = Acquire(acct, "s1", 3, d(50))

	if err := Dispose(acct, "s1", 4); !errors.Is(err, model.ErrInsufficientHolding) {
		t.Errorf("expected ErrInsufficientHolding, got %v", err)
	}
	if err := Dispose(acct, "missing", 1); !errors.Is(err, ErrInsufficientHolding) {
		t.Errorf("expected ErrInsufficientHolding for missing stock, got %v", err)
	}
	if Quantity(acct, "s1") != 3 {
		t.Error("failed disposal must not change quantity")
	}
}

func TestSnapshotRestore(t *testing.T) {
	acct := &model.Account{}
	_ = Acquire(acct, "s1", 10, d(20))
	snap := Snapshot(acct, "s1")

	_ = Acquire(acct, "s1", 10, d(40))
	Restore(acct, "s1", snap)
	p, _ := Holding(acct, "s1")
	if p.Quantity != 10 || !p.AverageBuyPrice.Equal(d(20)) {
		t.Errorf("restore failed: qty=%d avg=%s", p.Quantity, p.AverageBuyPrice)
	}

	_ = Dispose(acct, "s1", 10)
	Restore(acct, "s1", snap)
	if Quantity(acct, "s1") != 10 {
		t.Error("restore should recreate a removed position")
	}

	Restore(acct, "s1", model.PositionSnapshot{})
	if _, ok := Holding(acct, "s1"); ok {
		t.Error("restoring an empty snapshot should remove the position")
	}
}

// TestProperty_AverageWithinPriceRange checks that repeated acquisitions
// always leave the average inside [min(p), max(p)].
func TestProperty_AverageWithinPriceRange(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		acct := &model.Account{}
		n := rapid.IntRange(1, 25).Draw(t, "n")

		var lo, hi decimal.Decimal
		for i := 0; i < n; i++ {
			cents := rapid.Int64Range(1, 1_000_000).Draw(t, "cents")
			qty := rapid.Int64Range(1, 10_000).Draw(t, "qty")
			price := decimal.New(cents, -2)
			if i == 0 || price.LessThan(lo) {
				lo = price
			}
			if i == 0 || price.GreaterThan(hi) {
				hi = price
			}
			if err := Acquire(acct, "s1", qty, price); err != nil {
				t.Fatalf("acquire: %v", err)
			}
		}

		p, _ := Holding(acct, "s1")
		if p.AverageBuyPrice.LessThan(lo) || p.AverageBuyPrice.GreaterThan(hi) {
			t.Fatalf("average %s outside [%s, %s]", p.AverageBuyPrice, lo, hi)
		}
	})
}
