/*

This file manages the persistent global poll counter for the engine.
The poll counter is stored in the database to ensure continuity across restarts.

*/

package state

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"
)

// GetCurrentPollNumber retrieves the current poll number from the database
func GetCurrentPollNumber() (int64, error) {
	if DB == nil {
		return 0, fmt.Errorf("database not initialized")
	}

	query := `SELECT current_poll FROM poll_counter WHERE id = 1;`

	var currentPoll int64
	row := DB.QueryRow(query)
	err := row.Scan(&currentPoll)

	if err != nil {
		if err == sql.ErrNoRows {
			// This should not happen due to the INSERT in EnsureSchema
			log.Warn().Msg("No poll counter row found, initializing to 0")
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get current poll number: %w", err)
	}

	return currentPoll, nil
}

// IncrementPollNumber increments the poll counter and returns the new value
func IncrementPollNumber() (int64, error) {
	if DB == nil {
		return 0, fmt.Errorf("database not initialized")
	}

	updateQuery := `
		UPDATE poll_counter
		SET current_poll = current_poll + 1,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = 1
		RETURNING current_poll;`

	var newPoll int64
	row := DB.QueryRow(updateQuery)
	err := row.Scan(&newPoll)

	if err != nil {
		return 0, fmt.Errorf("failed to increment poll number: %w", err)
	}

	log.Debug().Int64("newPoll", newPoll).Msg("Incremented poll counter")
	return newPoll, nil
}
