package dataset

import (
	"math/rand"
	"sort"

	"github.com/pkg/errors"
)

// Fold splits patient IDs for k-fold cross-validation. The IDs are sorted,
// shuffled with seed, and fold f validates on the f-th contiguous share.
// Both returned lists are sorted.
func Fold(ids []string, seed int64, fold, folds int) (train, valid []string, err error) {
	if folds < 2 {
		return nil, nil, errors.Errorf("need at least 2 folds, got %d", folds)
	}
	if fold < 0 || fold >= folds {
		return nil, nil, errors.Errorf("fold %d out of range [0, %d)", fold, folds)
	}

	shuffled := append([]string(nil), ids...)
	sort.Strings(shuffled)
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	share := 1 / float64(folds)
	n := float64(len(shuffled))
	lo := int(share * n * float64(fold))
	hi := int(share * n * float64(fold+1))
	if fold == folds-1 {
		hi = len(shuffled)
	}

	valid = append(valid, shuffled[lo:hi]...)
	train = append(train, shuffled[:lo]...)
	train = append(train, shuffled[hi:]...)
	sort.Strings(train)
	sort.Strings(valid)
	return train, valid, nil
}
