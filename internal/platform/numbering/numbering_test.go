package numbering

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestGenerator_Format(t *testing.T) {
	g := NewGenerator(NewMemorySequence())
	at := time.Date(2024, time.March, 5, 10, 0, 0, 0, time.UTC)

	first, err := g.Next(context.Background(), PrefixInvoice, at)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != "INV-202403-00001" {
		t.Errorf("expected INV-202403-00001, got %s", first)
	}

	second, _ := g.Next(context.Background(), PrefixInvoice, at)
	if second != "INV-202403-00002" {
		t.Errorf("expected INV-202403-00002, got %s", second)
	}

	receipt, _ := g.Next(context.Background(), PrefixReceipt, at)
	if receipt != "RCP-202403-00001" {
		t.Errorf("receipts must count independently, got %s", receipt)
	}

	april, _ := g.Next(context.Background(), PrefixInvoice, at.AddDate(0, 1, 0))
	if april != "INV-202404-00001" {
		t.Errorf("expected counter reset for new month, got %s", april)
	}
}

func TestMemorySequence_ConcurrentUnique(t *testing.T) {
	g := NewGenerator(NewMemorySequence())
	at := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

	const workers = 50
	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := g.Next(context.Background(), PrefixClaim, at)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			mu.Lock()
			seen[n] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != workers {
		t.Errorf("expected %d unique numbers, got %d", workers, len(seen))
	}
}
