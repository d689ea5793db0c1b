package ann

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"testing"
)

// corpus builds an index over n random vectors with ids 1..n.
func corpus(t *testing.T, n, dims int, seed int64) (*Index, map[int64][]float32, *rand.Rand) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	idx := New(dims)
	vecs := make(map[int64][]float32, n)
	for i := 1; i <= n; i++ {
		v := randomVector(dims, rng)
		vecs[int64(i)] = v
		idx.Insert(int64(i), v)
	}
	return idx, vecs, rng
}

func randomVector(dims int, rng *rand.Rand) []float32 {
	v := make([]float32, dims)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	return v
}

func exactNearest(query []float32, vecs map[int64][]float32, k int) []int64 {
	ids := make([]int64, 0, len(vecs))
	for id := range vecs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return cosineDistance(query, vecs[ids[i]]) < cosineDistance(query, vecs[ids[j]])
	})
	return ids[:min(k, len(ids))]
}

func recall(got []Result, want []int64) float64 {
	if len(want) == 0 {
		return 1
	}
	hits := 0
	for _, r := range got {
		if slices.Contains(want, r.ID) {
			hits++
		}
	}
	return float64(hits) / float64(len(want))
}

func assertSorted(t *testing.T, results []Result) {
	t.Helper()
	if !slices.IsSortedFunc(results, func(a, b Result) int {
		switch {
		case a.Distance < b.Distance:
			return -1
		case a.Distance > b.Distance:
			return 1
		}
		return 0
	}) {
		t.Errorf("results not sorted by distance: %v", results)
	}
}

func TestNew(t *testing.T) {
	idx := New(768)
	if idx.Dims() != 768 || idx.M != DefaultM || idx.Mmax0 != 2*DefaultM || idx.Len() != 0 {
		t.Errorf("unexpected fresh index: dims=%d M=%d Mmax0=%d len=%d", idx.Dims(), idx.M, idx.Mmax0, idx.Len())
	}
	if NewWithParams(4, 1, 10, 10).M != 2 {
		t.Error("M below 2 must be raised to 2")
	}
}

func TestRecall(t *testing.T) {
	cases := []struct {
		name      string
		n, dims   int
		k         int
		queries   int
		minRecall float64
	}{
		{"small", 100, 32, 5, 5, 0.6},
		{"medium", 1000, 128, 10, 10, 0.7},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			idx, vecs, rng := corpus(t, tc.n, tc.dims, int64(tc.n))
			if idx.Len() != tc.n {
				t.Fatalf("Len = %d, want %d", idx.Len(), tc.n)
			}
			total := 0.0
			for q := 0; q < tc.queries; q++ {
				query := randomVector(tc.dims, rng)
				got := idx.Search(query, tc.k)
				if len(got) != tc.k {
					t.Fatalf("got %d results, want %d", len(got), tc.k)
				}
				assertSorted(t, got)
				total += recall(got, exactNearest(query, vecs, tc.k))
			}
			if avg := total / float64(tc.queries); avg < tc.minRecall {
				t.Errorf("avg recall@%d = %.2f, want >= %.2f", tc.k, avg, tc.minRecall)
			}
		})
	}
}

func TestWiderBeamDoesNotHurtRecall(t *testing.T) {
	idx, vecs, rng := corpus(t, 500, 64, 77)
	query := randomVector(64, rng)
	want := exactNearest(query, vecs, 10)

	low := recall(idx.SearchEf(query, 10, 20), want)
	high := recall(idx.SearchEf(query, 10, 200), want)
	if high < low {
		t.Errorf("recall fell with a wider beam: ef=20 %.2f, ef=200 %.2f", low, high)
	}
}

func TestSmallIndexes(t *testing.T) {
	empty := New(4)
	if got := empty.Search([]float32{1, 0, 0, 0}, 5); len(got) != 0 {
		t.Errorf("empty index returned %v", got)
	}

	idx := New(4)
	idx.Insert(42, []float32{1, 0, 0, 0})
	idx.Insert(42, []float32{0, 1, 0, 0})
	if idx.Len() != 1 {
		t.Errorf("Len = %d after duplicate insert, want 1", idx.Len())
	}
	got := idx.Search([]float32{1, 0, 0, 0}, 5)
	if len(got) != 1 || got[0].ID != 42 || got[0].Distance > 0.001 {
		t.Errorf("single node search = %v", got)
	}
	if !idx.Has(42) || idx.Has(43) {
		t.Error("Has reports wrong membership")
	}
	if got := idx.Search([]float32{1, 0, 0, 0}, 0); got != nil {
		t.Errorf("k=0 returned %v", got)
	}
}

func TestUpsertReplacesVector(t *testing.T) {
	idx := New(2)
	idx.Upsert(1, []float32{1, 0})
	idx.Upsert(2, []float32{0, 1})
	idx.Upsert(1, []float32{0, 1})

	if idx.Len() != 2 {
		t.Fatalf("Len = %d, want 2", idx.Len())
	}
	got := idx.Search([]float32{1, 0}, 5)
	if len(got) != 2 {
		t.Fatalf("got %d results, want the 2 live nodes", len(got))
	}
	for _, r := range got {
		if r.Distance < 0.5 {
			t.Errorf("tombstoned vector returned: %+v", r)
		}
	}

	idx.Upsert(2, []float32{0, 1})
	if idx.deleted != 1 {
		t.Errorf("identical upsert tombstoned a node: deleted = %d", idx.deleted)
	}
}

func TestVectorReturnsCopy(t *testing.T) {
	idx := New(3)
	idx.Insert(7, []float32{1, 2, 3})
	v, ok := idx.Vector(7)
	if !ok || !slices.Equal(v, []float32{1, 2, 3}) {
		t.Fatalf("Vector(7) = %v, %v", v, ok)
	}
	v[0] = 99
	if again, _ := idx.Vector(7); again[0] != 1 {
		t.Error("Vector exposed internal storage")
	}
	if _, ok := idx.Vector(8); ok {
		t.Error("Vector(8) should be missing")
	}
}

func TestSearchFiltered(t *testing.T) {
	idx, _, rng := corpus(t, 300, 16, 3)

	even := func(id int64) bool { return id%2 == 0 }
	got := idx.SearchFiltered(randomVector(16, rng), 10, 10, even)
	if len(got) != 10 {
		t.Fatalf("got %d results, want 10", len(got))
	}
	assertSorted(t, got)
	for _, r := range got {
		if r.ID%2 != 0 {
			t.Errorf("filtered id %d returned", r.ID)
		}
	}

	only := func(id int64) bool { return id == 123 }
	got = idx.SearchFiltered(randomVector(16, rng), 5, 5, only)
	if len(got) != 1 || got[0].ID != 123 {
		t.Errorf("rare filter results = %v", got)
	}
}

func TestSaveLoad(t *testing.T) {
	idx, _, rng := corpus(t, 50, 32, 42)
	path := filepath.Join(t.TempDir(), "claims.hnsw")
	if err := idx.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if info, err := os.Stat(path); err != nil || info.Size() < 50*32*4 {
		t.Fatalf("index file missing or short: %v", err)
	}
	if leftovers, _ := filepath.Glob(path + ".tmp*"); len(leftovers) != 0 {
		t.Errorf("temporary files left behind: %v", leftovers)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Len() != idx.Len() || loaded.dims != idx.dims || loaded.M != idx.M || loaded.entryPoint != idx.entryPoint {
		t.Fatalf("loaded header differs: len=%d dims=%d M=%d ep=%d", loaded.Len(), loaded.dims, loaded.M, loaded.entryPoint)
	}

	query := randomVector(32, rng)
	want, got := idx.Search(query, 5), loaded.Search(query, 5)
	if !slices.Equal(want, got) {
		t.Errorf("search differs after reload:\n want %v\n got  %v", want, got)
	}
}

func TestSaveLoadKeepsTombstones(t *testing.T) {
	idx := New(2)
	idx.Insert(1, []float32{1, 0})
	idx.Insert(2, []float32{0, 1})
	idx.Upsert(1, []float32{-1, 0})

	path := filepath.Join(t.TempDir(), "claims.hnsw")
	if err := idx.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Len() != 2 || loaded.deleted != 1 {
		t.Errorf("loaded Len = %d deleted = %d, want 2 and 1", loaded.Len(), loaded.deleted)
	}
	if v, ok := loaded.Vector(1); !ok || v[0] != -1 {
		t.Errorf("Vector(1) = %v, %v; want the replacement", v, ok)
	}

	loaded.Insert(3, []float32{1, 1})
	if !loaded.Has(3) {
		t.Error("insert after load failed")
	}
}

func TestLoadRejectsBadFiles(t *testing.T) {
	dir := t.TempDir()
	short := filepath.Join(dir, "short.hnsw")
	os.WriteFile(short, []byte("NOTVALID"), 0o644)
	if _, err := Load(short); err == nil {
		t.Error("expected error for truncated header")
	}

	idx := New(2)
	idx.Insert(1, []float32{1, 0})
	good := filepath.Join(dir, "good.hnsw")
	if err := idx.Save(good); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(good)
	copy(data, "XXXXXXXX")
	bad := filepath.Join(dir, "bad.hnsw")
	os.WriteFile(bad, data, 0o644)
	if _, err := Load(bad); err == nil {
		t.Error("expected error for wrong magic")
	}

	if _, err := Load(filepath.Join(dir, "missing.hnsw")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestCosineDistance(t *testing.T) {
	tests := []struct {
		a, b []float32
		want float32
	}{
		{[]float32{1, 0}, []float32{1, 0}, 0},
		{[]float32{1, 0}, []float32{0, 1}, 1},
		{[]float32{1, 0}, []float32{-1, 0}, 2},
		{[]float32{}, []float32{}, 2},
		{[]float32{0, 0}, []float32{1, 0}, 2},
		{[]float32{1, 0}, []float32{1, 0, 0}, 2},
	}
	for _, tt := range tests {
		if got := cosineDistance(tt.a, tt.b); math.Abs(float64(got-tt.want)) > 0.001 {
			t.Errorf("cosineDistance(%v, %v) = %f, want %f", tt.a, tt.b, got, tt.want)
		}
	}
}
