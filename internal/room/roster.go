package room

import (
	"encoding/json"
	"sort"

	"mindmeld/internal/pubsub"
)

// Player is one seated participant. The seat index is handed out at join
// time and never changes for the life of the session; it is how the game
// state addresses hands.
type Player struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Seat int    `json:"seat"`
}

// Room is the full roster snapshot published on every membership change.
// Late subscribers converge by taking the newest snapshot; nobody replays
// history.
type Room struct {
	Code    string   `json:"code"`
	Players []Player `json:"players"`
	HostID  string   `json:"host_id"`
	Started bool     `json:"started"`
}

// foldRoster rebuilds the ordered player list from the raw presence set.
// Each member's presence data is its own Player record; entries that do not
// decode are dropped. The result is ordered by seat, with presence order
// breaking ties, so every replica folds the same set to the same list.
func foldRoster(members []pubsub.Member) []Player {
	players := make([]Player, 0, len(members))
	for _, m := range members {
		var p Player
		if err := json.Unmarshal(m.Data, &p); err != nil || p.ID == "" {
			continue
		}
		players = append(players, p)
	}
	sort.SliceStable(players, func(i, j int) bool {
		return players[i].Seat < players[j].Seat
	})
	return players
}

// hostAfterFold keeps the current host if still seated, otherwise promotes
// the lowest surviving seat.
func hostAfterFold(players []Player, currentHost string) string {
	for _, p := range players {
		if p.ID == currentHost {
			return currentHost
		}
	}
	if len(players) > 0 {
		return players[0].ID
	}
	return ""
}
