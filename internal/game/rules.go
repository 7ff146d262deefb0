package game

import (
	"errors"
	"fmt"
)

// Rules bundles the tunable parameters of a game: table capacity, deck size,
// the level ceiling per player count, and the star bonus cadence. The base
// game tops out at 8 players on a 100-card deck; the extended variant seats
// 10 on a 150-card deck.
type Rules struct {
	MaxPlayers int `json:"max_players"`
	DeckSize   int `json:"deck_size"`

	// MaxLevels maps player count to the final level for that count.
	MaxLevels map[int]int `json:"max_levels"`

	// StarLevelInterval awards one star each time a level divisible by this
	// value is cleared. Zero disables the bonus entirely.
	StarLevelInterval int `json:"star_level_interval"`

	StartingStars int `json:"starting_stars"`
}

// DefaultRules returns the base 8-player configuration.
func DefaultRules() Rules {
	return Rules{
		MaxPlayers: 8,
		DeckSize:   100,
		MaxLevels: map[int]int{
			2: 12,
			3: 10,
			4: 8,
			5: 7,
			6: 6,
			7: 5,
			8: 4,
		},
		StarLevelInterval: 3,
		StartingStars:     0,
	}
}

// ExtendedRules returns the 10-player variant with an enlarged deck.
// Nine and ten player tables stop at level 4, matching the 8-player ceiling.
func ExtendedRules() Rules {
	r := DefaultRules()
	r.MaxPlayers = 10
	r.DeckSize = 150
	r.MaxLevels[9] = 4
	r.MaxLevels[10] = 4
	return r
}

// MaxLevel returns the final level for the given player count. Counts outside
// the table fall back to the 2-player ceiling.
func (r Rules) MaxLevel(numPlayers int) int {
	if max, ok := r.MaxLevels[numPlayers]; ok {
		return max
	}
	return r.MaxLevels[2]
}

// Validate checks that every supported player count can be dealt its final
// level from the configured deck.
func (r Rules) Validate() error {
	if r.MaxPlayers < 2 {
		return errors.New("rules: need at least 2 players")
	}
	if r.DeckSize < 1 {
		return errors.New("rules: deck must be nonempty")
	}
	for n := 2; n <= r.MaxPlayers; n++ {
		if need := n * r.MaxLevel(n); need > r.DeckSize {
			return fmt.Errorf("rules: %d players at level %d need %d cards, deck has %d",
				n, r.MaxLevel(n), need, r.DeckSize)
		}
	}
	return nil
}
