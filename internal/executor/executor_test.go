package executor

import (
	"context"
	"errors"
	"sort"
	"testing"
)

func collect[R any](results <-chan Result[R]) ([]Result[R], error) {
	var out []Result[R]
	for r := range results {
		out = append(out, r)
	}
	return out, nil
}

func TestRunInlineWhenJobsOne(t *testing.T) {
	items := []int{1, 2, 3, 4}
	got, err := Run(context.Background(), Options{Jobs: 1}, items,
		func(_ context.Context, i int) (int, error) { return i * 2, nil },
		collect[int])
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(got) != len(items) {
		t.Fatalf("len(results) = %d, want %d", len(got), len(items))
	}
	for i, r := range got {
		if r.Index != i || r.Value != items[i]*2 {
			t.Fatalf("result[%d] = %+v, want Index=%d Value=%d", i, r, i, items[i]*2)
		}
	}
}

func TestRunOrderedPreservesItemOrder(t *testing.T) {
	items := []int{5, 4, 3, 2, 1}
	got, err := Run(context.Background(), Options{Jobs: 4, Ordered: true}, items,
		func(_ context.Context, i int) (int, error) { return i, nil },
		collect[int])
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(got) != len(items) {
		t.Fatalf("len(results) = %d, want %d", len(got), len(items))
	}
	for i, r := range got {
		if r.Index != i || r.Value != items[i] {
			t.Fatalf("result[%d] = %+v, want Index=%d Value=%d (ordered)", i, r, i, items[i])
		}
	}
}

func TestRunUnorderedDeliversEveryItemExactlyOnce(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6, 7, 8}
	got, err := Run(context.Background(), Options{Jobs: 3, Ordered: false}, items,
		func(_ context.Context, i int) (int, error) { return i * i, nil },
		collect[int])
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	seen := make(map[int]bool)
	for _, r := range got {
		if seen[r.Index] {
			t.Fatalf("index %d delivered more than once", r.Index)
		}
		seen[r.Index] = true
		if r.Value != items[r.Index]*items[r.Index] {
			t.Fatalf("result for index %d = %v, want %v", r.Index, r.Value, items[r.Index]*items[r.Index])
		}
	}
	if len(seen) != len(items) {
		t.Fatalf("delivered %d results, want %d", len(seen), len(items))
	}
}

func TestRunChunking(t *testing.T) {
	items := make([]int, 20)
	for i := range items {
		items[i] = i
	}
	got, err := Run(context.Background(), Options{Jobs: 4, ChunkSize: 3, Ordered: true}, items,
		func(_ context.Context, i int) (int, error) { return i, nil },
		collect[int])
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(got) != len(items) {
		t.Fatalf("len(results) = %d, want %d", len(got), len(items))
	}
	for i, r := range got {
		if r.Value != i {
			t.Fatalf("result[%d].Value = %v, want %d", i, r.Value, i)
		}
	}
}

func TestRunPropagatesPerItemErrors(t *testing.T) {
	items := []int{1, 2, 3}
	got, err := Run(context.Background(), Options{Jobs: 2}, items,
		func(_ context.Context, i int) (int, error) {
			if i == 2 {
				return 0, errors.New("boom")
			}
			return i, nil
		},
		collect[int])
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var failed []int
	for _, r := range got {
		if r.Err != nil {
			failed = append(failed, r.Index)
		}
	}
	if len(failed) != 1 {
		t.Fatalf("failed indices = %v, want exactly one failure", failed)
	}
}

func TestRunCallbackAggregate(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	sum, err := Run(context.Background(), Options{Jobs: 2}, items,
		func(_ context.Context, i int) (int, error) { return i, nil },
		func(results <-chan Result[int]) (int, error) {
			total := 0
			for r := range results {
				total += r.Value
			}
			return total, nil
		})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if sum != 15 {
		t.Fatalf("sum = %d, want 15", sum)
	}
}

func TestParallelContextRoundTrip(t *testing.T) {
	type projectList []string
	ctx := WithParallelContext(context.Background(), projectList{"a", "b"})

	got, ok := ParallelContext(ctx).(projectList)
	if !ok || len(got) != 2 {
		t.Fatalf("ParallelContext() = %v, want projectList{a,b}", got)
	}
}

func TestRunOrderedIndicesAreSorted(t *testing.T) {
	items := []int{9, 8, 7, 6, 5}
	got, err := Run(context.Background(), Options{Jobs: 3, Ordered: true}, items,
		func(_ context.Context, i int) (int, error) { return i, nil },
		collect[int])
	if err != nil {
		t.Fatal(err)
	}
	indices := make([]int, len(got))
	for i, r := range got {
		indices[i] = r.Index
	}
	if !sort.IntsAreSorted(indices) {
		t.Fatalf("indices = %v, want sorted", indices)
	}
}
