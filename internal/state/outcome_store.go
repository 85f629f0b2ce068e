// ./internal/state/outcome_store.go
package state

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/velikanghost/alioth-engine/internal/types"
)

// SaveRebalanceOutcome persists one rebalance execution outcome. The target
// vector and the per-backend fund movements are stored as JSONB so the
// dashboard can render them without a schema change per backend.
func SaveRebalanceOutcome(outcome *types.RebalanceOutcome) error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}
	if outcome == nil {
		return fmt.Errorf("outcome cannot be nil")
	}

	targetsJSON, err := json.Marshal(outcome.Targets)
	if err != nil {
		return fmt.Errorf("failed to marshal targets: %w", err)
	}
	gainedJSON, err := json.Marshal(outcome.Gained)
	if err != nil {
		return fmt.Errorf("failed to marshal gained map: %w", err)
	}
	lostJSON, err := json.Marshal(outcome.Lost)
	if err != nil {
		return fmt.Errorf("failed to marshal lost map: %w", err)
	}

	stmt := `
        INSERT INTO rebalance_outcomes (
            request_id, asset, poll_number, improvement_bps,
            targets, gained, lost, success, error_message, outcome_timestamp
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);`

	_, err = DB.Exec(stmt,
		outcome.RequestID, outcome.Asset, outcome.PollNumber, outcome.ImprovementBps,
		targetsJSON, gainedJSON, lostJSON, outcome.Success, outcome.ErrorMessage, outcome.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert rebalance outcome: %w", err)
	}

	log.Info().
		Str("request", outcome.RequestID).
		Str("asset", outcome.Asset).
		Bool("success", outcome.Success).
		Msg("Saved rebalance outcome")
	return nil
}

// LoadRecentOutcomes returns the most recent outcomes, newest first.
func LoadRecentOutcomes(limit int) ([]types.RebalanceOutcome, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	if limit <= 0 {
		limit = 50
	}

	query := `
        SELECT request_id, asset, poll_number, improvement_bps,
               targets, gained, lost, success, error_message, outcome_timestamp
        FROM rebalance_outcomes
        ORDER BY outcome_timestamp DESC
        LIMIT $1;`

	rows, err := DB.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query rebalance outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []types.RebalanceOutcome
	for rows.Next() {
		var o types.RebalanceOutcome
		var targetsJSON, gainedJSON, lostJSON []byte
		if err := rows.Scan(
			&o.RequestID, &o.Asset, &o.PollNumber, &o.ImprovementBps,
			&targetsJSON, &gainedJSON, &lostJSON, &o.Success, &o.ErrorMessage, &o.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan rebalance outcome: %w", err)
		}
		if err := json.Unmarshal(targetsJSON, &o.Targets); err != nil {
			return nil, fmt.Errorf("failed to unmarshal targets for %s: %w", o.RequestID, err)
		}
		if err := json.Unmarshal(gainedJSON, &o.Gained); err != nil {
			return nil, fmt.Errorf("failed to unmarshal gained map for %s: %w", o.RequestID, err)
		}
		if err := json.Unmarshal(lostJSON, &o.Lost); err != nil {
			return nil, fmt.Errorf("failed to unmarshal lost map for %s: %w", o.RequestID, err)
		}
		outcomes = append(outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}
	return outcomes, nil
}

// LoadLatestOutcome returns the single most recent outcome, or nil when no
// rebalance has ever executed.
func LoadLatestOutcome() (*types.RebalanceOutcome, error) {
	outcomes, err := LoadRecentOutcomes(1)
	if err != nil {
		return nil, err
	}
	if len(outcomes) == 0 {
		return nil, nil
	}
	return &outcomes[0], nil
}
