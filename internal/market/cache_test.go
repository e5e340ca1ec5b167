package market

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCache_WaitsForFirstPrice(t *testing.T) {
	cache := NewCache(time.Second, nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cache.Update(101.5)
	}()

	price, err := cache.CurrentPrice(context.Background())
	if err != nil {
		t.Fatalf("CurrentPrice returned error: %v", err)
	}
	if price != 101.5 {
		t.Fatalf("expected 101.5, got %v", price)
	}

	cache.Update(0)
	cache.Update(102)
	if price, _ := cache.CurrentPrice(context.Background()); price != 102 {
		t.Fatalf("expected latest price 102, got %v", price)
	}
	if cache.LastUpdate().IsZero() {
		t.Errorf("expected update timestamp")
	}
}

func TestCache_TimesOut(t *testing.T) {
	cache := NewCache(10*time.Millisecond, nil)
	if _, err := cache.CurrentPrice(context.Background()); !errors.Is(err, ErrNoPrice) {
		t.Fatalf("expected ErrNoPrice, got %v", err)
	}
}

func TestCache_RespectsContext(t *testing.T) {
	cache := NewCache(time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := cache.CurrentPrice(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
