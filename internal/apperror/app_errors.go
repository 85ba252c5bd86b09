package apperror

import "errors"

var (
	ErrMatchNotSet          = errors.New("match not set")
	ErrMatchNotReady        = errors.New("match has no players to start with")
	ErrMatchAlreadyStarted  = errors.New("match already started")
	ErrNotMatchHost         = errors.New("only the host can do that")
	ErrPlayerAlreadyInMatch = errors.New("player already in the match")
	ErrPlayerNotInMatch     = errors.New("player not in the match")

	ErrGameFinished     = errors.New("game is already finished")
	ErrGameIsNotStarted = errors.New("game is not started")
	ErrNotYourTurn      = errors.New("it's not your turn")
	ErrNoTokens         = errors.New("no tokens left to put")
	ErrEmptyDeck        = errors.New("no cards left in the middle")

	ErrConcurrentUpdate = errors.New("record changed by a concurrent writer")
	ErrInvalidToken     = errors.New("invalid session token")
)
