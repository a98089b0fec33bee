package snapshot

import (
	"sync"
	"testing"

	"updown-bot/pkg/types"
)

func TestPublishAndGet(t *testing.T) {
	t.Parallel()

	s := NewStore()
	if _, ok := s.Get("x"); ok {
		t.Fatal("empty store must miss")
	}

	s.PublishOne("x", types.Snapshot{Asset: types.AssetBTC, OpenPrice: 60000})
	snap, ok := s.Get("x")
	if !ok || snap.OpenPrice != 60000 {
		t.Fatalf("got %+v ok=%v", snap, ok)
	}
}

func TestPublishOnePreservesOthers(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.PublishOne("a", types.Snapshot{OpenPrice: 1})
	s.PublishOne("b", types.Snapshot{OpenPrice: 2})

	if snap, ok := s.Get("a"); !ok || snap.OpenPrice != 1 {
		t.Error("publishing b must not evict a")
	}
	if s.Seq() != 2 {
		t.Errorf("seq = %d, want 2", s.Seq())
	}
}

// Readers must never block or observe torn state while a publisher swaps.
func TestConcurrentReadersAndPublisher(t *testing.T) {
	t.Parallel()

	s := NewStore()
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			s.PublishOne("r", types.Snapshot{OpenPrice: float64(i), Quality: 1})
		}
		close(stop)
	}()

	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if snap, ok := s.Get("r"); ok {
					// Quality is written together with OpenPrice: a torn
					// snapshot would show Quality zero with price set.
					if snap.Quality != 1 {
						t.Error("torn snapshot observed")
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}
