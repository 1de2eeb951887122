package cluster

import (
	"math"
	"math/rand"
	"testing"
)

func TestStandardize(t *testing.T) {
	t.Parallel()

	features := [][]float64{
		{100, 3, 7},
		{200, 1, 7},
		{300, 2, 7},
	}
	standardize(features)

	for j := 0; j < 2; j++ {
		var sum float64
		for i := range features {
			sum += features[i][j]
		}
		if math.Abs(sum/3) > 1e-9 {
			t.Fatalf("column %d mean = %f, want 0", j, sum/3)
		}
	}

	// Constant column standardizes to zero, not NaN.
	for i := range features {
		if features[i][2] != 0 {
			t.Fatalf("constant column row %d = %f, want 0", i, features[i][2])
		}
	}
}

func TestKmeansSeparatesObviousGroups(t *testing.T) {
	t.Parallel()

	features := [][]float64{
		{-1.0, -1.1}, {-1.2, -0.9}, {-0.9, -1.0},
		{1.0, 1.1}, {1.1, 0.9}, {0.9, 1.2},
	}
	assign := kmeans(features, 2, rand.New(rand.NewSource(5)))

	if assign[0] != assign[1] || assign[1] != assign[2] {
		t.Fatalf("low group split: %v", assign)
	}
	if assign[3] != assign[4] || assign[4] != assign[5] {
		t.Fatalf("high group split: %v", assign)
	}
	if assign[0] == assign[3] {
		t.Fatalf("both groups in one cluster: %v", assign)
	}
}

func TestKmeansSeedDeterminism(t *testing.T) {
	t.Parallel()

	features := make([][]float64, 50)
	src := rand.New(rand.NewSource(99))
	for i := range features {
		features[i] = []float64{src.NormFloat64(), src.NormFloat64(), src.NormFloat64()}
	}

	a := kmeans(features, 4, rand.New(rand.NewSource(7)))
	b := kmeans(features, 4, rand.New(rand.NewSource(7)))
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("assignment %d differs across runs with the same seed", i)
		}
	}
}

func TestSilhouettePrefersTrueK(t *testing.T) {
	t.Parallel()

	// Two tight, well-separated groups: k=2 must beat k=3.
	features := [][]float64{
		{-2.0, -2.0}, {-2.1, -1.9}, {-1.9, -2.1}, {-2.05, -2.0},
		{2.0, 2.0}, {2.1, 1.9}, {1.9, 2.1}, {2.05, 2.0},
	}

	a2 := kmeans(features, 2, rand.New(rand.NewSource(1)))
	a3 := kmeans(features, 3, rand.New(rand.NewSource(1)))

	s2 := silhouetteScore(features, a2, 2)
	s3 := silhouetteScore(features, a3, 3)
	if s2 <= s3 {
		t.Fatalf("silhouette k=2 (%f) should beat k=3 (%f)", s2, s3)
	}
}

func TestSilhouetteDegenerate(t *testing.T) {
	t.Parallel()

	if s := silhouetteScore(nil, nil, 2); s != -1 {
		t.Fatalf("empty input score = %f, want -1", s)
	}
	if s := silhouetteScore([][]float64{{1}}, []int{0}, 1); s != -1 {
		t.Fatalf("k=1 score = %f, want -1", s)
	}
}
