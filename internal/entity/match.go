package entity

import (
	"time"

	"github.com/trolltoll/trolltoll-backend/internal/apperror"
)

const (
	MatchStatusWaiting = "waitingForPlayers"
	MatchStatusPlaying = "playing"
	MatchStatusEnded   = "ended"
)

// MatchState is the legacy match-level turn cursor. In-round turn tracking
// lives on GameState; this one only seeds the game when the match starts.
type MatchState struct {
	Turn            int    `json:"turn"`
	CurrentPlayerID string `json:"currentPlayerId"`
}

type Match struct {
	ID        string     `json:"id"`
	Status    string     `json:"status"`
	Host      User       `json:"host"`
	Players   []User     `json:"players,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	State     MatchState `json:"state"`
}

func NewMatch(id string, host User) *Match {
	return &Match{
		ID:        id,
		Status:    MatchStatusWaiting,
		Host:      host,
		CreatedAt: time.Now().UTC(),
		State: MatchState{
			Turn:            1,
			CurrentPlayerID: host.ID,
		},
	}
}

func (that *Match) IsWaiting() bool {
	return that.Status == MatchStatusWaiting
}

func (that *Match) IsPlaying() bool {
	return that.Status == MatchStatusPlaying
}

func (that *Match) IsEnded() bool {
	return that.Status == MatchStatusEnded
}

// ReadyToStart reports whether at least one player joined the host.
func (that *Match) ReadyToStart() bool {
	return len(that.Players) > 0
}

// HasPlayer reports membership of the match, host included.
func (that *Match) HasPlayer(id string) bool {
	if that.Host.ID == id {
		return true
	}

	for _, player := range that.Players {
		if player.ID == id {
			return true
		}
	}

	return false
}

// AddPlayer appends a player preserving join order.
func (that *Match) AddPlayer(user User) error {
	if that.HasPlayer(user.ID) {
		return apperror.ErrPlayerAlreadyInMatch
	}

	that.Players = append(that.Players, user)

	return nil
}

// RemovePlayer drops a player from the join list. The host leaves by
// cancelling the match, not through here.
func (that *Match) RemovePlayer(user User) error {
	for i, player := range that.Players {
		if player.ID == user.ID {
			that.Players = append(that.Players[:i], that.Players[i+1:]...)
			return nil
		}
	}

	return apperror.ErrPlayerNotInMatch
}

// Start flips the match into play. Requires at least one joined player.
func (that *Match) Start() error {
	if !that.IsWaiting() {
		return apperror.ErrMatchAlreadyStarted
	}

	if !that.ReadyToStart() {
		return apperror.ErrMatchNotReady
	}

	that.Status = MatchStatusPlaying

	return nil
}
