package worker

import (
	"context"
	"errors"
	"image"
	"io"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/scrubber/internal/progress"
	"github.com/andresmejia3/scrubber/internal/types"
)

// sliceSource serves frames 1..n and then io.EOF.
type sliceSource struct {
	mu   sync.Mutex
	next int
	n    int
	err  error // returned instead of frame errAt
	at   int
}

func (s *sliceSource) Next(ctx context.Context) (types.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= s.n {
		return types.Frame{}, io.EOF
	}
	s.next++
	if s.err != nil && s.next == s.at {
		return types.Frame{}, s.err
	}
	return types.Frame{Index: s.next, Pixels: image.NewGray(image.Rect(0, 0, 4, 4))}, nil
}

// setMatcher matches the frames in its set after a small random delay, so
// workers finish out of order.
type setMatcher struct {
	match map[int]bool
	fail  int
}

func (m *setMatcher) Evaluate(f types.Frame) (types.Verdict, error) {
	time.Sleep(time.Duration(rand.Intn(200)) * time.Microsecond)
	if f.Index == m.fail {
		return types.Verdict{}, errors.New("boom")
	}
	return types.Verdict{FrameIndex: f.Index, Matched: m.match[f.Index]}, nil
}

func TestRun_SortedMatches(t *testing.T) {
	want := []int{3, 4, 5, 17, 50, 51, 99}
	m := &setMatcher{match: map[int]bool{}}
	for _, i := range want {
		m.match[i] = true
	}
	var counter progress.Counter

	res, err := Run(context.Background(), &sliceSource{n: 100}, m, Config{Workers: 4, Counter: &counter})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Matched) != len(want) {
		t.Fatalf("Expected %d matches, got %v", len(want), res.Matched)
	}
	for i := range want {
		if res.Matched[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, res.Matched)
		}
	}
	if res.Processed != 100 {
		t.Errorf("Expected 100 processed frames, got %d", res.Processed)
	}
	if counter.Load() != 100 {
		t.Errorf("Expected progress counter 100, got %d", counter.Load())
	}
}

func TestRun_PinnedWorkers(t *testing.T) {
	m := &setMatcher{match: map[int]bool{2: true}}
	res, err := Run(context.Background(), &sliceSource{n: 20}, m, Config{Pin: true})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Matched) != 1 || res.Matched[0] != 2 {
		t.Errorf("Expected [2], got %v", res.Matched)
	}
}

func TestRun_WorkerErrorAbortsRun(t *testing.T) {
	m := &setMatcher{match: map[int]bool{1: true}, fail: 40}
	res, err := Run(context.Background(), &sliceSource{n: 1000}, m, Config{Workers: 3})
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("Expected StageError, got %T: %v", err, err)
	}
	if stageErr.Stage != "match" || stageErr.Frame != 40 {
		t.Errorf("Unexpected stage error: %+v", stageErr)
	}
	if res.Matched != nil {
		t.Errorf("Expected no partial result, got %v", res.Matched)
	}
}

func TestRun_SourceErrorAbortsRun(t *testing.T) {
	decodeErr := errors.New("truncated frame")
	_, err := Run(context.Background(), &sliceSource{n: 50, err: decodeErr, at: 10}, &setMatcher{}, Config{Workers: 2})
	if !errors.Is(err, decodeErr) {
		t.Fatalf("Expected decode error, got %v", err)
	}
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, &sliceSource{n: 100000}, &setMatcher{}, Config{Workers: 2})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestRun_PrepareRunsOnEveryFrame(t *testing.T) {
	var mu sync.Mutex
	prepared := 0
	cfg := Config{
		Workers: 2,
		Prepare: func(img image.Image) *image.Gray {
			mu.Lock()
			prepared++
			mu.Unlock()
			return img.(*image.Gray)
		},
	}
	if _, err := Run(context.Background(), &sliceSource{n: 25}, &setMatcher{}, cfg); err != nil {
		t.Fatal(err)
	}
	if prepared != 25 {
		t.Errorf("Expected Prepare on 25 frames, got %d", prepared)
	}
}

func TestMatchedFrameSet(t *testing.T) {
	var s MatchedFrameSet
	var wg sync.WaitGroup
	for i := 100; i > 0; i-- {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Add(i)
		}(i)
	}
	wg.Wait()
	got := s.Sorted()
	if s.Len() != 100 || !sort.IntsAreSorted(got) {
		t.Errorf("Expected 100 sorted entries, got %v", got)
	}
}
