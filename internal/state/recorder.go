// ./internal/state/recorder.go
package state

import (
	"github.com/velikanghost/alioth-engine/internal/types"
)

// Recorder adapts the state package to the engine's persistence interface.
// Each UpdateStrategy stores a fresh active version under ConfigName.
type Recorder struct {
	ConfigName string
}

// NextPollNumber advances the persistent poll counter.
func (r Recorder) NextPollNumber() (int64, error) {
	return IncrementPollNumber()
}

// SaveOutcome persists a rebalance outcome row.
func (r Recorder) SaveOutcome(outcome *types.RebalanceOutcome) error {
	return SaveRebalanceOutcome(outcome)
}

// SaveParameters stores a new active parameter version.
func (r Recorder) SaveParameters(params types.StrategyParameters) (int64, error) {
	version, err := NextParametersVersion(r.ConfigName)
	if err != nil {
		return 0, err
	}
	return SaveStrategyParameters(params, r.ConfigName, version, true)
}
