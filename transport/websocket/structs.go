package websocket

import (
	"encoding/json"

	"github.com/trolltoll/trolltoll-backend/internal/entity"
)

// Message is one WebSocket exchange: an action name and its payload.
type Message struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Payload carries whatever the action needs; unused fields stay empty.
type Payload struct {
	Token   string            `json:"token,omitempty"`
	User    *entity.User      `json:"user,omitempty"`
	Match   *entity.Match     `json:"match,omitempty"`
	Matches []*entity.Match   `json:"matches,omitempty"`
	Game    *entity.GameState `json:"game,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// client-initiated actions
const (
	actionConnect     = "connect"
	actionLobbyWatch  = "lobby:watch"
	actionLobbyHost   = "lobby:host"
	actionLobbyJoin   = "lobby:join"
	actionLobbyLeave  = "lobby:leave"
	actionLobbyCancel = "lobby:cancel"
	actionMatchStart  = "match:start"
	actionGameFetch   = "game:fetch"
	actionGameTake    = "game:take"
	actionGamePut     = "game:put"
)

// server-pushed actions
const (
	actionLobbyMatches = "lobby:matches"
	actionMatchUpdate  = "match:update"
	actionMatchEnded   = "match:ended"
	actionGameUpdate   = "game:update"
	actionGameEnded    = "game:ended"
)
