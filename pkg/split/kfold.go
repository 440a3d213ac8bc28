package split

import (
	"math/rand"
	"sort"

	"github.com/pkg/errors"
)

// DefaultFolds matches the cross-validation used by hyperparameter search.
const DefaultFolds = 3

// Fold is one cross-validation round over positions of the input slice.
type Fold struct {
	Train []int
	Valid []int
}

// StratifiedKFold deals each label stratum round-robin into k folds after a
// seeded shuffle, so every fold keeps the class ratio.
func StratifiedKFold(labels []int, k int, seed int64) ([]Fold, error) {
	if k < 2 {
		return nil, errors.Errorf("fold count must be at least 2: %d", k)
	}
	if len(labels) < k {
		return nil, errors.Errorf("cannot make %d folds from %d records", k, len(labels))
	}

	rnd := rand.New(rand.NewSource(seed))
	members := make([][]int, k)
	next := 0
	for _, stratum := range strata(labels) {
		rnd.Shuffle(len(stratum), func(i, j int) { stratum[i], stratum[j] = stratum[j], stratum[i] })
		for _, idx := range stratum {
			members[next%k] = append(members[next%k], idx)
			next++
		}
	}

	folds := make([]Fold, k)
	for f := 0; f < k; f++ {
		valid := append([]int(nil), members[f]...)
		sort.Ints(valid)
		var train []int
		for g := 0; g < k; g++ {
			if g != f {
				train = append(train, members[g]...)
			}
		}
		sort.Ints(train)
		folds[f] = Fold{Train: train, Valid: valid}
	}
	return folds, nil
}
