package dataset

import (
	"math/rand"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// resampleSeed fixes the over-sampling draw so padded lists are identical
// on every worker.
const resampleSeed = 36

// Bag is a target patch followed by its neighbours, as global patch indices.
type Bag []int

// Resample stretches list to exactly num elements. Whole copies are appended
// while they fit, then the remainder is drawn without replacement from the
// stretched list with a fixed seed. Every original element is kept at least
// once. A list already longer than num is returned unchanged as a copy.
func Resample[T any](list []T, num int) ([]T, error) {
	if len(list) == 0 {
		return nil, errors.New("cannot resample an empty list")
	}
	out := append([]T(nil), list...)
	if times := num / len(list); times > 1 {
		for i := 1; i < times; i++ {
			out = append(out, list...)
		}
	}
	extra := num - len(out)
	if extra <= 0 {
		return out, nil
	}

	rng := rand.New(rand.NewSource(resampleSeed))
	pool := append([]T(nil), out...)
	for _, i := range rng.Perm(len(pool))[:extra] {
		out = append(out, pool[i])
	}
	return out, nil
}

// BagBuilder groups the patches of one slide into bags.
type BagBuilder struct {
	// Extd is the number of neighbours per bag.
	Extd int
	// Candidates is how many nearest coarse patches are fetched per target;
	// the closest is dropped and surplus ones are pruned at random. Zero
	// means Extd+1, which leaves nothing to prune.
	Candidates int
}

// Build returns one bag per target location, in target order. coarse must
// hold at least Extd+1 locations. targetBase and coarseBase are the global
// indices of the first target and first coarse patch.
func (b BagBuilder) Build(target, coarse [][]float64, targetBase, coarseBase int) ([]Bag, error) {
	want := b.Candidates
	if want <= 0 {
		want = b.Extd + 1
	}
	if want < b.Extd+1 {
		return nil, errors.Errorf("candidates %d cannot yield %d neighbours", want, b.Extd)
	}
	if len(coarse) < b.Extd+1 {
		return nil, errors.Errorf("need %d coarse patches, have %d", b.Extd+1, len(coarse))
	}
	if want > len(coarse) {
		want = len(coarse)
	}

	points := make(patchPoints, len(coarse))
	for i, loc := range coarse {
		points[i] = patchPoint{loc: loc, index: i}
	}
	tree := kdtree.New(points, false)

	bags := make([]Bag, len(target))
	for i, loc := range target {
		neighbours := nearest(tree, loc, want)[1:]

		for e := 0; len(neighbours) > b.Extd; e++ {
			rng := rand.New(rand.NewSource(int64(666*i + e)))
			drop := rng.Intn(len(neighbours))
			neighbours = append(neighbours[:drop], neighbours[drop+1:]...)
		}

		bag := make(Bag, 0, b.Extd+1)
		bag = append(bag, targetBase+i)
		for _, n := range neighbours {
			bag = append(bag, coarseBase+n)
		}
		bags[i] = bag
	}
	return bags, nil
}

// nearest returns the indices of the n points closest to loc, ordered by
// distance with ties broken by index. Equidistant points are common on a
// patch grid, so every point within the n-th distance is collected before
// truncating.
func nearest(tree *kdtree.Tree, loc []float64, n int) []int {
	query := patchPoint{loc: loc, index: -1}
	keeper := kdtree.NewNKeeper(n)
	tree.NearestSet(keeper, query)

	radius, kept := 0.0, 0
	for _, c := range keeper.Heap {
		if c.Comparable == nil {
			continue
		}
		kept++
		if c.Dist > radius {
			radius = c.Dist
		}
	}
	if kept == 0 {
		return nil
	}

	within := kdtree.NewDistKeeper(radius)
	tree.NearestSet(within, query)
	found := make([]kdtree.ComparableDist, 0, len(within.Heap))
	for _, c := range within.Heap {
		if c.Comparable != nil {
			found = append(found, c)
		}
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].Dist != found[j].Dist {
			return found[i].Dist < found[j].Dist
		}
		return found[i].Comparable.(patchPoint).index < found[j].Comparable.(patchPoint).index
	})
	if len(found) > n {
		found = found[:n]
	}

	idx := make([]int, len(found))
	for i, c := range found {
		idx[i] = c.Comparable.(patchPoint).index
	}
	return idx
}

// patchPoint is a patch location that remembers its position in the coarse
// list.
type patchPoint struct {
	loc   kdtree.Point
	index int
}

func (p patchPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return p.loc[d] - c.(patchPoint).loc[d]
}

func (p patchPoint) Dims() int { return len(p.loc) }

func (p patchPoint) Distance(c kdtree.Comparable) float64 {
	return p.loc.Distance(c.(patchPoint).loc)
}

type patchPoints []patchPoint

func (p patchPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p patchPoints) Len() int                              { return len(p) }
func (p patchPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

func (p patchPoints) Pivot(d kdtree.Dim) int {
	return plane{points: p, dim: d}.Pivot()
}

// plane sorts points along one dimension for median selection.
type plane struct {
	points patchPoints
	dim    kdtree.Dim
}

func (p plane) Less(i, j int) bool {
	return p.points[i].loc[p.dim] < p.points[j].loc[p.dim]
}

func (p plane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }

func (p plane) Slice(start, end int) kdtree.SortSlicer {
	p.points = p.points[start:end]
	return p
}

func (p plane) Swap(i, j int) {
	p.points[i], p.points[j] = p.points[j], p.points[i]
}

func (p plane) Len() int { return len(p.points) }
