package quote

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"stock-cockpit/internal/types"
)

func TestLastWriteWins(t *testing.T) {
	c := NewCache()

	for n := 1; n <= 20; n++ {
		batch := map[string]types.Snapshot{
			"2330": {Symbol: "2330", Price: float64(900 + n)},
			"2317": {Symbol: "2317", Price: float64(100 + n)},
		}
		c.PutAll(batch)

		if c.Len() != 2 {
			t.Fatalf("fetch %d: expected 2 entries, got %d", n, c.Len())
		}
		got, ok := c.Get("2330")
		if !ok || got.Price != float64(900+n) {
			t.Fatalf("fetch %d: expected price %d, got %v", n, 900+n, got.Price)
		}
	}
}

func TestGetAllReturnsCopy(t *testing.T) {
	c := NewCache()
	c.Put("2330", types.Snapshot{Symbol: "2330", Price: 900})

	all := c.GetAll()
	all["2330"] = types.Snapshot{Symbol: "2330", Price: 1}
	delete(all, "2330")
	all["9999"] = types.Snapshot{Symbol: "9999"}

	got, _ := c.Get("2330")
	if got.Price != 900 {
		t.Errorf("cache mutated through copy: %v", got.Price)
	}
	if _, ok := c.Get("9999"); ok {
		t.Errorf("cache gained entry through copy")
	}
}

func TestLastUpdated(t *testing.T) {
	c := NewCache()
	if !c.LastUpdated().IsZero() {
		t.Fatal("expected zero time before any write")
	}
	fixed := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	c.Put("2330", types.Snapshot{Symbol: "2330"})
	if !c.LastUpdated().Equal(fixed) {
		t.Errorf("expected %v, got %v", fixed, c.LastUpdated())
	}
	c.PutAll(nil)
	if !c.LastUpdated().Equal(fixed) {
		t.Errorf("empty batch must not touch timestamp")
	}
}

func TestConcurrentReadersSingleWriter(t *testing.T) {
	c := NewCache()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			c.Put(fmt.Sprintf("S%d", i%10), types.Snapshot{Price: float64(i)})
		}
	}()

	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if len(c.GetAll()) > 10 {
					t.Errorf("more than one entry per symbol")
					return
				}
			}
		}()
	}
	wg.Wait()
}
