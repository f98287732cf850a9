// Package rating holds the Elo math and the durable ratings store.
package rating

import "math"

const (
	// InitialRating seeds a user's first rating row.
	InitialRating = 1000
	// KFactor scales each match's rating movement.
	KFactor = 32
)

// ExpectedScore returns the probability-like expected score of a player
// rated ra against an opponent rated rb.
func ExpectedScore(ra, rb int) float64 {
	return 1.0 / (1.0 + math.Pow(10, float64(rb-ra)/400.0))
}

// ApplyElo returns the post-match ratings for the winner and loser.
func ApplyElo(winnerRating, loserRating int) (newWinner, newLoser int) {
	ew := ExpectedScore(winnerRating, loserRating)
	el := ExpectedScore(loserRating, winnerRating)
	newWinner = int(math.Round(float64(winnerRating) + KFactor*(1-ew)))
	newLoser = int(math.Round(float64(loserRating) + KFactor*(0-el)))
	return newWinner, newLoser
}
