package cluster

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const maxIterations = 100

// standardize rescales each feature column to zero mean and unit variance so
// no attribute dominates the distance metric by scale. Constant columns
// standardize to zero.
func standardize(features [][]float64) {
	if len(features) == 0 {
		return
	}
	dims := len(features[0])
	col := make([]float64, len(features))

	for j := 0; j < dims; j++ {
		for i := range features {
			col[i] = features[i][j]
		}
		mean, std := stat.MeanStdDev(col, nil)
		for i := range features {
			if std == 0 || math.IsNaN(std) {
				features[i][j] = 0
				continue
			}
			features[i][j] = (features[i][j] - mean) / std
		}
	}
}

// kmeans partitions the standardized feature vectors into k clusters and
// returns one cluster index per row.
//
// Centroid initialization is k-means++ driven entirely by rng, so the same
// seed over the same input yields the same assignments. Ties in assignment
// break toward the lowest centroid index.
func kmeans(features [][]float64, k int, rng *rand.Rand) []int {
	n := len(features)
	centroids := initCentroids(features, k, rng)
	assign := make([]int, n)

	for iter := 0; iter < maxIterations; iter++ {
		changed := false
		for i, f := range features {
			c := nearestCentroid(f, centroids)
			if c != assign[i] || iter == 0 {
				if c != assign[i] {
					changed = true
				}
				assign[i] = c
			}
		}
		if iter > 0 && !changed {
			break
		}
		recomputeCentroids(features, assign, centroids)
	}
	return assign
}

// initCentroids seeds k centroids with the k-means++ scheme: first uniformly
// at random, the rest weighted by squared distance to the nearest chosen
// centroid.
func initCentroids(features [][]float64, k int, rng *rand.Rand) [][]float64 {
	n := len(features)
	dims := len(features[0])

	centroids := make([][]float64, 0, k)
	first := append([]float64(nil), features[rng.Intn(n)]...)
	centroids = append(centroids, first)

	d2 := make([]float64, n)
	for len(centroids) < k {
		var total float64
		for i, f := range features {
			d2[i] = squaredDistance(f, centroids[nearestCentroid(f, centroids)])
			total += d2[i]
		}

		idx := 0
		if total > 0 {
			target := rng.Float64() * total
			var acc float64
			for i, d := range d2 {
				acc += d
				if acc >= target {
					idx = i
					break
				}
			}
		} else {
			// All remaining points coincide with a centroid.
			idx = rng.Intn(n)
		}

		c := make([]float64, dims)
		copy(c, features[idx])
		centroids = append(centroids, c)
	}
	return centroids
}

func nearestCentroid(f []float64, centroids [][]float64) int {
	best := 0
	bestDist := math.Inf(1)
	for c, centroid := range centroids {
		if d := squaredDistance(f, centroid); d < bestDist {
			best = c
			bestDist = d
		}
	}
	return best
}

func squaredDistance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// recomputeCentroids moves each centroid to the mean of its members. A
// centroid that lost all members is re-seeded on the point farthest from its
// own centroid, which keeps k populated without randomness.
func recomputeCentroids(features [][]float64, assign []int, centroids [][]float64) {
	k := len(centroids)
	dims := len(centroids[0])

	counts := make([]int, k)
	for c := range centroids {
		for j := 0; j < dims; j++ {
			centroids[c][j] = 0
		}
	}
	for i, c := range assign {
		counts[c]++
		floats.Add(centroids[c], features[i])
	}

	for c := range centroids {
		if counts[c] == 0 {
			copy(centroids[c], farthestPoint(features, assign, centroids))
			continue
		}
		floats.Scale(1/float64(counts[c]), centroids[c])
	}
}

func farthestPoint(features [][]float64, assign []int, centroids [][]float64) []float64 {
	bestIdx := 0
	bestDist := -1.0
	for i, f := range features {
		if d := squaredDistance(f, centroids[assign[i]]); d > bestDist {
			bestDist = d
			bestIdx = i
		}
	}
	return features[bestIdx]
}

// silhouetteScore computes the mean silhouette coefficient of an assignment.
// Higher is better; the score is used to pick k when the caller does not fix
// one.
func silhouetteScore(features [][]float64, assign []int, k int) float64 {
	n := len(features)
	if n == 0 || k < 2 {
		return -1
	}

	counts := make([]int, k)
	for _, c := range assign {
		counts[c]++
	}

	var total float64
	var scored int
	dists := make([]float64, k)

	for i := range features {
		for c := range dists {
			dists[c] = 0
		}
		for j := range features {
			if i == j {
				continue
			}
			dists[assign[j]] += math.Sqrt(squaredDistance(features[i], features[j]))
		}

		own := assign[i]
		if counts[own] < 2 {
			// Silhouette is defined as 0 for singleton members.
			scored++
			continue
		}

		a := dists[own] / float64(counts[own]-1)
		b := math.Inf(1)
		for c := range dists {
			if c == own || counts[c] == 0 {
				continue
			}
			if m := dists[c] / float64(counts[c]); m < b {
				b = m
			}
		}

		if math.IsInf(b, 1) {
			scored++
			continue
		}
		if max := math.Max(a, b); max > 0 {
			total += (b - a) / max
		}
		scored++
	}

	if scored == 0 {
		return -1
	}
	return total / float64(scored)
}
