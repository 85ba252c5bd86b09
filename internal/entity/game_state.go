package entity

import (
	"math/rand"
	"sort"

	"github.com/trolltoll/trolltoll-backend/internal/apperror"
)

const (
	StartingTokens  = 11
	DeckLowestCard  = 3
	DeckHighestCard = 35
	DeckSize        = DeckHighestCard - DeckLowestCard + 1
)

// GameProgress is inProgress until the deck empties on a take, then carries
// the victor. Terminal: nothing transitions out of a finished game.
type GameProgress struct {
	Finished bool   `json:"finished"`
	VictorID string `json:"victorId,omitempty"`
}

// GameState is the authoritative in-round record. The players slice is fixed
// at creation (host first, then joiners in join order) and never changes,
// even when a player leaves the match mid-game.
type GameState struct {
	MatchID         string           `json:"matchId"`
	Players         []User           `json:"players"`
	Turn            int              `json:"turn"`
	CurrentPlayerID string           `json:"currentPlayerId"`
	PlayerTokens    map[string]int   `json:"playerTokens"`
	PlayerCards     map[string][]int `json:"playerCards,omitempty"`
	MiddleCards     []int            `json:"middleCards"`
	TokenInMiddle   int              `json:"tokenInMiddle"`
	Progress        GameProgress     `json:"progress"`
}

// NewGameState deals a fresh round for a started match.
func NewGameState(match *Match) *GameState {
	players := make([]User, 0, len(match.Players)+1)
	players = append(players, match.Host)
	players = append(players, match.Players...)

	tokens := make(map[string]int, len(players))
	cards := make(map[string][]int, len(players))
	for _, player := range players {
		tokens[player.ID] = StartingTokens
		cards[player.ID] = []int{}
	}

	return &GameState{
		MatchID:         match.ID,
		Players:         players,
		Turn:            1,
		CurrentPlayerID: match.Host.ID,
		PlayerTokens:    tokens,
		PlayerCards:     cards,
		MiddleCards:     newDeck(),
		TokenInMiddle:   0,
	}
}

// newDeck returns the integers 3..35 in a uniformly random order.
func newDeck() []int {
	deck := make([]int, 0, DeckSize)
	for card := DeckLowestCard; card <= DeckHighestCard; card++ {
		deck = append(deck, card)
	}

	rand.Shuffle(len(deck), func(i, j int) { deck[i], deck[j] = deck[j], deck[i] })

	return deck
}

// Normalize fills in hands the store may have dropped for players who never
// took a card; an empty JSON array does not round-trip through the record.
func (that *GameState) Normalize() {
	if that.PlayerCards == nil {
		that.PlayerCards = make(map[string][]int, len(that.Players))
	}

	for _, player := range that.Players {
		if that.PlayerCards[player.ID] == nil {
			that.PlayerCards[player.ID] = []int{}
		}
	}
}

func (that *GameState) IsFinished() bool {
	return that.Progress.Finished
}

func (that *GameState) IsPlayerTurn(playerID string) bool {
	return that.CurrentPlayerID == playerID
}

// TakeCard draws the front card of the deck for the acting player, credits the
// middle pot to them and either ends the game (deck emptied, no turn advance)
// or passes the turn on.
func (that *GameState) TakeCard(actorID string) error {
	if that.IsFinished() {
		return apperror.ErrGameFinished
	}

	if !that.IsPlayerTurn(actorID) {
		return apperror.ErrNotYourTurn
	}

	if len(that.MiddleCards) == 0 {
		return apperror.ErrEmptyDeck
	}

	card := that.MiddleCards[0]
	that.MiddleCards = that.MiddleCards[1:]

	hand := append(that.PlayerCards[actorID], card)
	sort.Ints(hand)
	that.PlayerCards[actorID] = hand

	that.PlayerTokens[actorID] += that.TokenInMiddle
	that.TokenInMiddle = 0

	if len(that.MiddleCards) == 0 {
		that.finish()
		return nil
	}

	that.advanceTurn()

	return nil
}

// PutToken pays one token into the middle to pass on the card. Running out of
// tokens does not force a draw; it only blocks further passes.
func (that *GameState) PutToken(actorID string) error {
	if that.IsFinished() {
		return apperror.ErrGameFinished
	}

	if !that.IsPlayerTurn(actorID) {
		return apperror.ErrNotYourTurn
	}

	if that.PlayerTokens[actorID] <= 0 {
		return apperror.ErrNoTokens
	}

	that.PlayerTokens[actorID]--
	that.TokenInMiddle++
	that.advanceTurn()

	return nil
}

// advanceTurn moves the cursor to the next player in the fixed order; the
// round counter ticks when the cursor wraps back to the host seat.
func (that *GameState) advanceTurn() {
	index := that.playerIndex(that.CurrentPlayerID)
	if index < 0 {
		return
	}

	next := (index + 1) % len(that.Players)
	that.CurrentPlayerID = that.Players[next].ID

	if next == 0 {
		that.Turn++
	}
}

func (that *GameState) playerIndex(playerID string) int {
	for i, player := range that.Players {
		if player.ID == playerID {
			return i
		}
	}

	return -1
}

// Score is tokens minus the card penalty. Cards in hand group into maximal
// runs of consecutive values; only the lowest card of each run counts.
func (that *GameState) Score(playerID string) int {
	return that.PlayerTokens[playerID] - handPenalty(that.PlayerCards[playerID])
}

func handPenalty(hand []int) int {
	penalty := 0
	for i, card := range hand {
		if i == 0 || card != hand[i-1]+1 {
			penalty += card
		}
	}

	return penalty
}

// finish closes the game on the player with the strictly best score; equal
// top scores go to the earliest seat in the fixed player order.
func (that *GameState) finish() {
	victorID := ""
	best := 0

	for i, player := range that.Players {
		score := that.Score(player.ID)
		if i == 0 || score > best {
			victorID = player.ID
			best = score
		}
	}

	that.Progress = GameProgress{Finished: true, VictorID: victorID}
}

// ExitedPlayers lists everyone dealt into the round who has since left the
// match. Their turns get auto-played so the game does not stall.
func (that *GameState) ExitedPlayers(match *Match) []string {
	var exited []string
	for _, player := range that.Players {
		if !match.HasPlayer(player.ID) {
			exited = append(exited, player.ID)
		}
	}

	return exited
}

// IsExited reports whether the given player was dealt in but left the match.
func (that *GameState) IsExited(match *Match, playerID string) bool {
	if that.playerIndex(playerID) < 0 {
		return false
	}

	return !match.HasPlayer(playerID)
}
