package dataset

import (
	"fmt"
	"path"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// writePatches creates empty patch files named after grid coordinates.
func writePatches(t *testing.T, fs afero.Fs, dir string, coords [][2]int) {
	t.Helper()
	for _, c := range coords {
		file := path.Join(dir, fmt.Sprintf("%d_%d.png", c[0], c[1]))
		require.NoError(t, afero.WriteFile(fs, file, []byte{}, 0644))
	}
}

func grid(w, h int) [][2]int {
	var out [][2]int
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			out = append(out, [2]int{x, y})
		}
	}
	return out
}

func TestLocation(t *testing.T) {
	loc, err := Location("/data/p1/s1/20/12_34.png")
	require.NoError(t, err)
	assert.Equal(t, []float64{12, 34}, loc)

	_, err = Location("/data/p1/s1/20/a_1.png")
	assert.Error(t, err)
}

func TestMagnification(t *testing.T) {
	target, coarse := Magnification("20_5")
	assert.Equal(t, "20_5", target)
	assert.Equal(t, "20", coarse)

	target, coarse = Magnification("10")
	assert.Equal(t, "10", target)
	assert.Equal(t, "10", coarse)
}

func TestResample(t *testing.T) {
	list := []int{1, 2, 3}

	out, err := Resample(list, 8)
	require.NoError(t, err)
	assert.Len(t, out, 8)
	for _, v := range list {
		assert.Contains(t, out, v)
	}
	assert.Equal(t, []int{1, 2, 3, 1, 2, 3}, out[:6], "whole copies come first")

	again, err := Resample(list, 8)
	require.NoError(t, err)
	assert.Equal(t, out, again, "the draw is seeded")

	out, err = Resample(list, 4)
	require.NoError(t, err)
	assert.Len(t, out, 4)
	assert.Equal(t, list, out[:3])

	out, err = Resample(list, 2)
	require.NoError(t, err)
	assert.Equal(t, list, out)

	_, err = Resample([]int{}, 3)
	assert.Error(t, err)
}

func locs(coords [][2]int) [][]float64 {
	out := make([][]float64, len(coords))
	for i, c := range coords {
		out[i] = []float64{float64(c[0]), float64(c[1])}
	}
	return out
}

func TestBagBuilderNearestNeighbours(t *testing.T) {
	points := locs([][2]int{{0, 0}, {0, 1}, {0, 3}, {0, 7}, {0, 15}})

	bags, err := BagBuilder{Extd: 2}.Build(points, points, 100, 200)
	require.NoError(t, err)
	require.Len(t, bags, 5)

	// Self is dropped, the two next closest remain.
	assert.Equal(t, Bag{100, 201, 202}, bags[0])
	assert.Equal(t, Bag{101, 200, 202}, bags[1])
	assert.Equal(t, Bag{104, 203, 202}, bags[4])
	for _, b := range bags {
		assert.Len(t, b, 3)
	}
}

func TestBagBuilderBreaksGridTiesByIndex(t *testing.T) {
	target := locs([][2]int{{0, 0}})
	coarse := locs([][2]int{{5, 5}, {0, 1}, {1, 0}, {0, -1}, {-1, 0}})

	// Four coarse patches sit at distance 1; the lowest indices win and
	// the first of them is dropped as the closest.
	bags, err := BagBuilder{Extd: 2}.Build(target, coarse, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, []Bag{{0, 102, 103}}, bags)

	points := make(patchPoints, 0, 25)
	for i, loc := range locs(grid(5, 5)) {
		points = append(points, patchPoint{loc: loc, index: i})
	}
	tree := kdtree.New(points, false)
	for run := 0; run < 3; run++ {
		assert.Equal(t, []int{12, 7, 11, 13, 17}, nearest(tree, []float64{2, 2}, 5))
		assert.Equal(t, []int{12, 7, 11}, nearest(tree, []float64{2, 2}, 3))
	}
}

func TestBagBuilderPrunesSurplusDeterministically(t *testing.T) {
	points := locs(grid(4, 4))
	builder := BagBuilder{Extd: 3, Candidates: 8}

	first, err := builder.Build(points, points, 0, 16)
	require.NoError(t, err)
	second, err := builder.Build(points, points, 0, 16)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	for i, b := range first {
		require.Len(t, b, 4)
		assert.Equal(t, i, b[0])
		seen := map[int]bool{}
		for _, n := range b[1:] {
			assert.GreaterOrEqual(t, n, 16)
			assert.NotEqual(t, 16+i, n, "self is never a neighbour")
			assert.False(t, seen[n])
			seen[n] = true
		}
	}
}

func TestBagBuilderRejectsTooFewCoarse(t *testing.T) {
	_, err := BagBuilder{Extd: 3}.Build(locs(grid(1, 1)), locs(grid(1, 2)), 0, 1)
	assert.Error(t, err)
}

func TestFold(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}

	seen := map[string]int{}
	for f := 0; f < 5; f++ {
		train, valid, err := Fold(ids, 7, f, 5)
		require.NoError(t, err)
		assert.Len(t, valid, 2)
		assert.Len(t, train, 8)
		assert.IsIncreasing(t, train)
		assert.IsIncreasing(t, valid)
		for _, v := range valid {
			assert.NotContains(t, train, v)
			seen[v]++
		}
	}
	assert.Len(t, seen, len(ids), "every id validates exactly once")

	a, _, _ := Fold(ids, 7, 1, 5)
	b, _, _ := Fold([]string{"j", "i", "h", "g", "f", "e", "d", "c", "b", "a"}, 7, 1, 5)
	assert.Equal(t, a, b, "input order does not matter")

	_, _, err := Fold(ids, 7, 5, 5)
	assert.Error(t, err)
}

func TestLoadLabels(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "labels.json",
		[]byte(`{"p1": {"patient-label": 1, "age": 60}, "p2": {"patient-label": 0}, "p3": {"patient-label": 2}}`), 0644))

	labels, err := LoadLabels(fs, "labels.json")
	require.NoError(t, err)

	l, err := labels.Label("p1")
	require.NoError(t, err)
	assert.Equal(t, 1, l)

	_, err = labels.Label("p3")
	assert.Error(t, err)
	_, err = labels.Label("missing")
	assert.ErrorContains(t, err, "missing")
}

func newFixture(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	writePatches(t, fs, "/data/p1/s1/20_5", grid(3, 2))
	writePatches(t, fs, "/data/p1/s1/20", [][2]int{{0, 0}, {5, 5}})
	writePatches(t, fs, "/data/p2/s1/20_5", grid(2, 2))
	writePatches(t, fs, "/data/p2/s1/20", grid(3, 3))
	// Below the patch minimum.
	writePatches(t, fs, "/data/p2/s2/20_5", grid(1, 1))
	writePatches(t, fs, "/data/p2/s2/20", grid(1, 1))
	require.NoError(t, afero.WriteFile(fs, "/data/p2/s1/20_5/notes.txt", []byte("x"), 0644))
	return fs
}

func TestNewSlideDataset(t *testing.T) {
	fs := newFixture(t)
	labels := Labels{"p1": {PatientLabel: 1}, "p2": {PatientLabel: 0}}

	patients, err := ListPatients(fs, "/data")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, patients)

	d, err := New(fs, Config{Root: "/data", Mag: "20_5", Extd: 3, MinPatches: 2}, patients, labels)
	require.NoError(t, err)

	require.Equal(t, []SlideKey{{"p1", "s1"}, {"p2", "s1"}}, d.Slides())

	// p1/s1: 6 target + 2 coarse over-sampled to 4; p2/s1: 4 target + 9 coarse.
	assert.Equal(t, 6+4+4+9, d.Len())

	bags := d.Bags(SlideKey{"p1", "s1"})
	require.Len(t, bags, 6)
	for i, b := range bags {
		require.Len(t, b, 4)
		assert.Equal(t, i, b[0])
		for _, n := range b[1:] {
			assert.True(t, n >= 6 && n < 10, "neighbours come from the slide's coarse range")
		}
	}

	bags = d.Bags(SlideKey{"p2", "s1"})
	require.Len(t, bags, 4)
	assert.Equal(t, 10, bags[0][0])

	file, label, err := d.GetItem(10)
	require.NoError(t, err)
	assert.Equal(t, "/data/p2/s1/20_5/0_0.png", file)
	assert.Equal(t, 0, label)
	assert.Equal(t, 1, d.SlideLabel(SlideKey{"p1", "s1"}))

	_, _, err = d.GetItem(d.Len())
	assert.Error(t, err)
	assert.Contains(t, d.String(), "2 slides (1 positive)")
}

func TestNewSlideDatasetMissingLabel(t *testing.T) {
	fs := newFixture(t)
	_, err := New(fs, Config{Root: "/data", Mag: "20_5", Extd: 1}, []string{"p1"}, Labels{})
	assert.ErrorContains(t, err, "p1")
}
