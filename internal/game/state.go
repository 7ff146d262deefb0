// Package game implements the cooperative card game as a pure state machine.
//
// A deck of sequential integers is dealt out, one card per seat per level,
// and the table must play every dealt card in strictly ascending order
// without communicating hands. A wrong play costs a shared life and burns
// every card lower than the mistake. Star tokens let the whole table discard
// its lowest cards at once. All transitions are deterministic functions of
// (state, action); nothing here knows about rooms or transports.
package game

import (
	"fmt"
	"math/rand"
	"slices"
)

// State is a complete snapshot of one game in progress. It is serialized
// wholesale when replicated, so every field is exported.
type State struct {
	NumPlayers    int     `json:"num_players"`
	Level         int     `json:"level"`
	Lives         int     `json:"lives"`
	Stars         int     `json:"stars"`
	PlayedCards   []int   `json:"played_cards"`
	Hands         [][]int `json:"hands"`
	GameOver      bool    `json:"game_over"`
	GameWon       bool    `json:"game_won"`
	LevelComplete bool    `json:"level_complete"`
}

// New deals level 1 for numPlayers seats. Starting lives equal the player
// count; stars start at the configured baseline.
func New(r Rules, numPlayers int, rng *rand.Rand) (State, error) {
	if numPlayers < 2 || numPlayers > r.MaxPlayers {
		return State{}, fmt.Errorf("game: player count %d outside 2..%d", numPlayers, r.MaxPlayers)
	}
	return State{
		NumPlayers: numPlayers,
		Level:      1,
		Lives:      numPlayers,
		Stars:      r.StartingStars,
		Hands:      Deal(r, numPlayers, 1, rng),
	}, nil
}

// Deal shuffles a fresh deck of 1..DeckSize and gives each of numPlayers
// seats `level` cards, sorted ascending. Cards past numPlayers*level stay
// out of play for the level.
func Deal(r Rules, numPlayers, level int, rng *rand.Rand) [][]int {
	deck := make([]int, r.DeckSize)
	for i := range deck {
		deck[i] = i + 1
	}
	rng.Shuffle(len(deck), func(i, j int) {
		deck[i], deck[j] = deck[j], deck[i]
	})

	hands := make([][]int, numPlayers)
	for seat := 0; seat < numPlayers; seat++ {
		hand := make([]int, level)
		copy(hand, deck[seat*level:(seat+1)*level])
		slices.Sort(hand)
		hands[seat] = hand
	}
	return hands
}

// PlayCard resolves seat playing the card at cardIndex in its hand.
//
// A card higher than everything played so far joins the history. Anything
// else costs a life, is consumed without joining the history, and forces
// every seat to discard its cards lower than the misplayed one; history
// entries below it are pruned as well, since they can no longer be beaten.
//
// Terminal states, an unknown seat, and an out-of-range index all leave the
// state untouched. Stale indexes arrive routinely when a remote update races
// local input, so they are not errors.
func (s State) PlayCard(r Rules, seat, cardIndex int) State {
	if s.GameOver || s.GameWon || s.LevelComplete {
		return s
	}
	if seat < 0 || seat >= len(s.Hands) {
		return s
	}
	if cardIndex < 0 || cardIndex >= len(s.Hands[seat]) {
		return s
	}

	next := s.clone()
	card := next.Hands[seat][cardIndex]
	next.Hands[seat] = slices.Delete(next.Hands[seat], cardIndex, cardIndex+1)

	if len(next.PlayedCards) == 0 || card > next.PlayedCards[len(next.PlayedCards)-1] {
		next.PlayedCards = append(next.PlayedCards, card)

		next.recomputeLevelFlags(r)
		if next.LevelComplete && r.StarLevelInterval > 0 && next.Level%r.StarLevelInterval == 0 {
			next.Stars++
		}
		return next
	}

	// Wrong order: every card below the misplay is now dead weight.
	next.Lives--
	if next.Lives <= 0 {
		next.Lives = 0
		next.GameOver = true
	}
	for i := range next.Hands {
		next.Hands[i] = discardBelow(next.Hands[i], card)
	}
	next.PlayedCards = discardBelow(next.PlayedCards, card)

	next.recomputeLevelFlags(r)
	return next
}

// UseStar spends one star token: every nonempty hand discards its single
// lowest card. The played-card history is untouched, and the win flag is
// only ever set by a played card, not a token.
func (s State) UseStar() State {
	if s.Stars <= 0 || s.GameOver || s.GameWon {
		return s
	}

	next := s.clone()
	next.Stars--
	for i, hand := range next.Hands {
		if len(hand) > 0 {
			next.Hands[i] = hand[1:] // hands stay sorted, minimum is first
		}
	}
	next.LevelComplete = next.CardsInPlay() == 0
	return next
}

// AdvanceLevel moves a completed level to the next one with a fresh deal and
// an empty history. A no-op when the level is unfinished or already final.
func (s State) AdvanceLevel(r Rules, rng *rand.Rand) State {
	if !s.LevelComplete || s.Level >= r.MaxLevel(s.NumPlayers) {
		return s
	}

	next := s.clone()
	next.Level++
	next.Hands = Deal(r, next.NumPlayers, next.Level, rng)
	next.PlayedCards = nil
	next.LevelComplete = false
	return next
}

// CardsInPlay counts cards still held across all seats.
func (s State) CardsInPlay() int {
	total := 0
	for _, hand := range s.Hands {
		total += len(hand)
	}
	return total
}

func (s *State) recomputeLevelFlags(r Rules) {
	s.LevelComplete = s.CardsInPlay() == 0
	s.GameWon = s.LevelComplete && s.Level >= r.MaxLevel(s.NumPlayers)
}

func (s State) clone() State {
	next := s
	next.PlayedCards = slices.Clone(s.PlayedCards)
	next.Hands = make([][]int, len(s.Hands))
	for i, hand := range s.Hands {
		next.Hands[i] = slices.Clone(hand)
	}
	return next
}

func discardBelow(cards []int, floor int) []int {
	kept := cards[:0:len(cards)]
	for _, c := range cards {
		if c >= floor {
			kept = append(kept, c)
		}
	}
	return kept
}
