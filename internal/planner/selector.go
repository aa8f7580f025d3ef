package planner

import (
	"math/rand"

	"cashline/internal/domain"
)

// Selector picks which available units go onto a deal page.
type Selector interface {
	Select(units []domain.Unit, n int) []domain.Unit
}

// FirstN takes units in creation order. Deterministic, used as the default
// and throughout the tests.
type FirstN struct{}

func (FirstN) Select(units []domain.Unit, n int) []domain.Unit {
	if n > len(units) {
		n = len(units)
	}
	out := make([]domain.Unit, n)
	copy(out, units[:n])
	return out
}

// Shuffled samples units with an injected source so runs can be replayed.
type Shuffled struct {
	Rand *rand.Rand
}

func (s Shuffled) Select(units []domain.Unit, n int) []domain.Unit {
	shuffled := make([]domain.Unit, len(units))
	copy(shuffled, units)
	s.Rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	if n > len(shuffled) {
		n = len(shuffled)
	}
	return shuffled[:n]
}
