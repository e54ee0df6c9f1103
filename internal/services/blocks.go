package services

import (
	"math/rand"
	"time"

	"github.com/fieldworkhq/fieldwork/internal/models"
)

// BlockAssignment is the between-subjects condition picked for a session.
type BlockAssignment struct {
	BlockID   string
	BlockName string
}

// BlockRandomizer assigns participants to one active block of a study,
// uniformly at random. The pick function is injectable so tests can make
// assignment deterministic.
type BlockRandomizer struct {
	pick func(n int) int
}

func NewBlockRandomizer() *BlockRandomizer {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &BlockRandomizer{pick: rng.Intn}
}

// NewBlockRandomizerWithPick builds a randomizer with a caller-supplied pick
// function over [0, n).
func NewBlockRandomizerWithPick(pick func(n int) int) *BlockRandomizer {
	return &BlockRandomizer{pick: pick}
}

// Assign picks one block whose skip flag is unset. It returns nil when the
// study has no active blocks; that is not an error.
func (r *BlockRandomizer) Assign(blocks []models.Block) *BlockAssignment {
	active := make([]models.Block, 0, len(blocks))
	for _, b := range blocks {
		if !b.Skip {
			active = append(active, b)
		}
	}
	if len(active) == 0 {
		return nil
	}
	b := active[r.pick(len(active))]
	return &BlockAssignment{BlockID: b.BlockID, BlockName: b.Title}
}
