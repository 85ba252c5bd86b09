package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trolltoll/trolltoll-backend/internal/apperror"
	"github.com/trolltoll/trolltoll-backend/internal/entity"
	"github.com/trolltoll/trolltoll-backend/testing/suite"
)

func storedTestGame(t *testing.T, ctx context.Context, gameRepo GameRepository) *entity.GameState {
	t.Helper()

	match := entity.NewMatch("match-1", entity.User{ID: "alice", Name: "alice"})
	require.NoError(t, match.AddPlayer(entity.User{ID: "bob", Name: "bob"}))

	game := entity.NewGameState(match)
	require.NoError(t, gameRepo.Create(ctx, game))

	return game
}

func TestGameRepository_CreateAndGet(t *testing.T) {
	t.Run("Round-trips a dealt game", func(t *testing.T) {
		ctx, st := suite.New(t)
		gameRepo := NewGameRepository(st.Logger, st.Storage)

		// Given: a dealt game in the store
		game := storedTestGame(t, ctx, gameRepo)

		// When: reading it back
		stored, err := gameRepo.GetByID(ctx, "match-1")

		// Then: seats, deck and purses survive the trip
		require.NoError(t, err)
		assert.Equal(t, game.MatchID, stored.MatchID)
		assert.Equal(t, game.CurrentPlayerID, stored.CurrentPlayerID)
		assert.Equal(t, game.MiddleCards, stored.MiddleCards)
		assert.Equal(t, entity.StartingTokens, stored.PlayerTokens["alice"])

		// Then: empty hands come back non-nil
		require.NotNil(t, stored.PlayerCards)
		assert.NotNil(t, stored.PlayerCards["alice"])
		assert.NotNil(t, stored.PlayerCards["bob"])
	})

	t.Run("Reading an unknown ID fails with ErrGameNotFound", func(t *testing.T) {
		ctx, st := suite.New(t)
		gameRepo := NewGameRepository(st.Logger, st.Storage)

		// When: reading an ID that was never written
		_, err := gameRepo.GetByID(ctx, "no-such-game")

		// Then: the read reports a missing game
		assert.ErrorIs(t, err, ErrGameNotFound)
	})
}

func TestGameRepository_Update(t *testing.T) {
	t.Run("Commits a turn against the freshest snapshot", func(t *testing.T) {
		ctx, st := suite.New(t)
		gameRepo := NewGameRepository(st.Logger, st.Storage)

		// Given: a dealt game
		game := storedTestGame(t, ctx, gameRepo)
		frontCard := game.MiddleCards[0]

		// When: the host draws through the update path
		updated, err := gameRepo.Update(ctx, "match-1", func(g *entity.GameState) error {
			return g.TakeCard("alice")
		})

		// Then: the draw landed and the turn moved on
		require.NoError(t, err)
		assert.Equal(t, []int{frontCard}, updated.PlayerCards["alice"])
		assert.Equal(t, "bob", updated.CurrentPlayerID)

		stored, err := gameRepo.GetByID(ctx, "match-1")
		require.NoError(t, err)
		assert.Equal(t, updated.MiddleCards, stored.MiddleCards)
	})

	t.Run("A rule error aborts the commit and passes through", func(t *testing.T) {
		ctx, st := suite.New(t)
		gameRepo := NewGameRepository(st.Logger, st.Storage)

		// Given: a dealt game with alice on turn
		storedTestGame(t, ctx, gameRepo)

		// When: bob acts out of turn through the update path
		_, err := gameRepo.Update(ctx, "match-1", func(g *entity.GameState) error {
			return g.TakeCard("bob")
		})

		// Then: the turn guard surfaces and the record is untouched
		assert.ErrorIs(t, err, apperror.ErrNotYourTurn)

		stored, err := gameRepo.GetByID(ctx, "match-1")
		require.NoError(t, err)
		assert.Len(t, stored.MiddleCards, entity.DeckSize)
	})

	t.Run("Concurrent turn attempts settle to exactly one draw", func(t *testing.T) {
		ctx, st := suite.New(t)
		gameRepo := NewGameRepository(st.Logger, st.Storage)

		// Given: a dealt game with alice on turn
		storedTestGame(t, ctx, gameRepo)

		// When: two writers race to play alice's turn
		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = gameRepo.Update(ctx, "match-1", func(g *entity.GameState) error {
					return g.TakeCard("alice")
				})
			}(i)
		}
		wg.Wait()

		// Then: exactly one draw landed
		stored, err := gameRepo.GetByID(ctx, "match-1")
		require.NoError(t, err)
		assert.Len(t, stored.MiddleCards, entity.DeckSize-1)
		assert.Len(t, stored.PlayerCards["alice"], 1)

		// Then: the losing writer saw a turn guard or a CAS abort
		succeeded := 0
		for _, updateErr := range errs {
			if updateErr == nil {
				succeeded++
				continue
			}
			assert.True(t,
				errors.Is(updateErr, apperror.ErrNotYourTurn) || errors.Is(updateErr, apperror.ErrConcurrentUpdate),
				"unexpected error: %v", updateErr)
		}
		assert.Equal(t, 1, succeeded)
	})
}

func TestGameRepository_StreamOrdering(t *testing.T) {
	t.Run("Concurrent commits reach subscribers in store order", func(t *testing.T) {
		ctx, st := suite.New(t)
		gameRepo := NewGameRepository(st.Logger, st.Storage)

		// Given: a dealt game with an open stream past its initial snapshot
		storedTestGame(t, ctx, gameRepo)

		stream, err := gameRepo.Stream(ctx, "match-1")
		require.NoError(t, err)
		receiveGame(t, stream)

		// When: two writers push interleaved round bumps under contention
		const roundsPerWriter = 10
		var wg sync.WaitGroup
		for w := 0; w < 2; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < roundsPerWriter; i++ {
					for attempt := 0; ; attempt++ {
						_, updateErr := gameRepo.Update(ctx, "match-1", func(g *entity.GameState) error {
							g.Turn++
							return nil
						})
						if updateErr == nil {
							break
						}
						if !errors.Is(updateErr, apperror.ErrConcurrentUpdate) || attempt > 100 {
							assert.Fail(t, "update did not settle", "error: %v", updateErr)
							return
						}
					}
				}
			}()
		}
		wg.Wait()

		// Then: every snapshot arrives, strictly in commit order
		last := 1
		for last < 1+2*roundsPerWriter {
			game := receiveGame(t, stream)
			require.Equal(t, last+1, game.Turn)
			last = game.Turn
		}
	})
}

func TestGameRepository_Stream(t *testing.T) {
	t.Run("Emits the current snapshot, then every committed turn", func(t *testing.T) {
		ctx, st := suite.New(t)
		gameRepo := NewGameRepository(st.Logger, st.Storage)

		// Given: a dealt game with an open stream
		storedTestGame(t, ctx, gameRepo)

		stream, err := gameRepo.Stream(ctx, "match-1")
		require.NoError(t, err)

		// Then: the current snapshot arrives first
		first := receiveGame(t, stream)
		assert.Equal(t, "alice", first.CurrentPlayerID)

		// When: alice draws
		_, err = gameRepo.Update(ctx, "match-1", func(g *entity.GameState) error {
			return g.TakeCard("alice")
		})
		require.NoError(t, err)

		// Then: the committed turn is pushed with the cursor moved on
		second := receiveGame(t, stream)
		assert.Equal(t, "bob", second.CurrentPlayerID)
		assert.Len(t, second.PlayerCards["alice"], 1)

		// When: the game record is deleted
		require.NoError(t, gameRepo.DeleteByID(ctx, "match-1"))

		// Then: the stream closes
		requireClosed(t, stream)
	})
}

func receiveGame(t *testing.T, stream <-chan *entity.GameState) *entity.GameState {
	t.Helper()

	select {
	case game, ok := <-stream:
		require.True(t, ok, "stream closed unexpectedly")
		return game
	case <-time.After(streamWait):
		t.Fatal("timed out waiting for game snapshot")
		return nil
	}
}
