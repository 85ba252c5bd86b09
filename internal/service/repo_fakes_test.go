package service

import (
	"context"
	"sync"

	"github.com/trolltoll/trolltoll-backend/internal/entity"
	"github.com/trolltoll/trolltoll-backend/internal/repository"
)

// fakeMatchRepo is an in-memory matchRepo. Updates run under one lock, so
// the compare-and-swap contract holds trivially; every committed write is
// fanned out to open streams like the Redis pub/sub path does.
type fakeMatchRepo struct {
	mu      sync.Mutex
	matches map[string]*entity.Match
	subs    map[string][]chan *entity.Match
}

func newFakeMatchRepo() *fakeMatchRepo {
	return &fakeMatchRepo{
		matches: make(map[string]*entity.Match),
		subs:    make(map[string][]chan *entity.Match),
	}
}

func (that *fakeMatchRepo) Create(_ context.Context, match *entity.Match) error {
	that.mu.Lock()
	defer that.mu.Unlock()

	clone := *match
	that.matches[match.ID] = &clone
	that.fanOut(match.ID, &clone)

	return nil
}

func (that *fakeMatchRepo) GetByID(_ context.Context, id string) (*entity.Match, error) {
	that.mu.Lock()
	defer that.mu.Unlock()

	match, ok := that.matches[id]
	if !ok {
		return nil, repository.ErrMatchNotFound
	}

	clone := *match

	return &clone, nil
}

func (that *fakeMatchRepo) Update(_ context.Context, id string, transform func(*entity.Match) error) (*entity.Match, error) {
	that.mu.Lock()
	defer that.mu.Unlock()

	match, ok := that.matches[id]
	if !ok {
		return nil, repository.ErrMatchNotFound
	}

	clone := *match
	clone.Players = append([]entity.User(nil), match.Players...)

	if err := transform(&clone); err != nil {
		return nil, err
	}

	that.matches[id] = &clone
	that.fanOut(id, &clone)

	result := clone

	return &result, nil
}

func (that *fakeMatchRepo) DeleteByID(_ context.Context, id string) error {
	that.mu.Lock()
	defer that.mu.Unlock()

	delete(that.matches, id)

	for _, sub := range that.subs[id] {
		close(sub)
	}
	delete(that.subs, id)

	return nil
}

func (that *fakeMatchRepo) Stream(ctx context.Context, id string) (<-chan *entity.Match, error) {
	that.mu.Lock()
	defer that.mu.Unlock()

	match, ok := that.matches[id]
	if !ok {
		return nil, repository.ErrMatchNotFound
	}

	sub := make(chan *entity.Match, 64)
	clone := *match
	sub <- &clone
	that.subs[id] = append(that.subs[id], sub)

	return sub, nil
}

func (that *fakeMatchRepo) StreamLobby(_ context.Context) (<-chan []*entity.Match, error) {
	that.mu.Lock()
	defer that.mu.Unlock()

	var waiting []*entity.Match
	for _, match := range that.matches {
		if match.IsWaiting() {
			clone := *match
			waiting = append(waiting, &clone)
		}
	}

	out := make(chan []*entity.Match, 1)
	out <- waiting

	return out, nil
}

func (that *fakeMatchRepo) fanOut(id string, match *entity.Match) {
	for _, sub := range that.subs[id] {
		clone := *match
		select {
		case sub <- &clone:
		default:
		}
	}
}

// fakeGameRepo mirrors fakeMatchRepo for game records. Updates can be made
// to fail a set number of times to model a flaky store.
type fakeGameRepo struct {
	mu    sync.Mutex
	games map[string]*entity.GameState
	subs  map[string][]chan *entity.GameState

	updateFailures int
	updateErr      error
}

func newFakeGameRepo() *fakeGameRepo {
	return &fakeGameRepo{
		games: make(map[string]*entity.GameState),
		subs:  make(map[string][]chan *entity.GameState),
	}
}

func (that *fakeGameRepo) Create(_ context.Context, game *entity.GameState) error {
	that.mu.Lock()
	defer that.mu.Unlock()

	clone := cloneGame(game)
	that.games[game.MatchID] = clone
	that.fanOut(game.MatchID, clone)

	return nil
}

func (that *fakeGameRepo) GetByID(_ context.Context, matchID string) (*entity.GameState, error) {
	that.mu.Lock()
	defer that.mu.Unlock()

	game, ok := that.games[matchID]
	if !ok {
		return nil, repository.ErrGameNotFound
	}

	return cloneGame(game), nil
}

func (that *fakeGameRepo) failNextUpdates(count int, err error) {
	that.mu.Lock()
	defer that.mu.Unlock()

	that.updateFailures = count
	that.updateErr = err
}

func (that *fakeGameRepo) Update(_ context.Context, matchID string, transform func(*entity.GameState) error) (*entity.GameState, error) {
	that.mu.Lock()
	defer that.mu.Unlock()

	if that.updateFailures > 0 {
		that.updateFailures--
		return nil, that.updateErr
	}

	game, ok := that.games[matchID]
	if !ok {
		return nil, repository.ErrGameNotFound
	}

	clone := cloneGame(game)
	if err := transform(clone); err != nil {
		return nil, err
	}

	that.games[matchID] = clone
	that.fanOut(matchID, clone)

	return cloneGame(clone), nil
}

func (that *fakeGameRepo) DeleteByID(_ context.Context, matchID string) error {
	that.mu.Lock()
	defer that.mu.Unlock()

	delete(that.games, matchID)

	for _, sub := range that.subs[matchID] {
		close(sub)
	}
	delete(that.subs, matchID)

	return nil
}

func (that *fakeGameRepo) Stream(_ context.Context, matchID string) (<-chan *entity.GameState, error) {
	that.mu.Lock()
	defer that.mu.Unlock()

	game, ok := that.games[matchID]
	if !ok {
		return nil, repository.ErrGameNotFound
	}

	sub := make(chan *entity.GameState, 64)
	sub <- cloneGame(game)
	that.subs[matchID] = append(that.subs[matchID], sub)

	return sub, nil
}

func (that *fakeGameRepo) fanOut(matchID string, game *entity.GameState) {
	for _, sub := range that.subs[matchID] {
		select {
		case sub <- cloneGame(game):
		default:
		}
	}
}

func cloneGame(game *entity.GameState) *entity.GameState {
	clone := *game
	clone.Players = append([]entity.User(nil), game.Players...)
	clone.MiddleCards = append([]int(nil), game.MiddleCards...)

	clone.PlayerTokens = make(map[string]int, len(game.PlayerTokens))
	for id, tokens := range game.PlayerTokens {
		clone.PlayerTokens[id] = tokens
	}

	clone.PlayerCards = make(map[string][]int, len(game.PlayerCards))
	for id, hand := range game.PlayerCards {
		clone.PlayerCards[id] = append([]int(nil), hand...)
	}

	return &clone
}

// fakeUserRepo is an in-memory userRepo.
type fakeUserRepo struct {
	mu    sync.Mutex
	users map[string]*entity.User
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[string]*entity.User)}
}

func (that *fakeUserRepo) Save(_ context.Context, user *entity.User) error {
	that.mu.Lock()
	defer that.mu.Unlock()

	clone := *user
	that.users[user.ID] = &clone

	return nil
}

func (that *fakeUserRepo) GetByID(_ context.Context, id string) (*entity.User, error) {
	that.mu.Lock()
	defer that.mu.Unlock()

	user, ok := that.users[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}

	clone := *user

	return &clone, nil
}
