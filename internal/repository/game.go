package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/trolltoll/trolltoll-backend/internal/apperror"
	"github.com/trolltoll/trolltoll-backend/internal/entity"
)

var ErrGameNotFound = errors.New("game not found")

type GameRepository interface {
	Create(ctx context.Context, game *entity.GameState) error
	GetByID(ctx context.Context, matchID string) (*entity.GameState, error)
	Update(ctx context.Context, matchID string, transform func(*entity.GameState) error) (*entity.GameState, error)
	DeleteByID(ctx context.Context, matchID string) error

	Stream(ctx context.Context, matchID string) (<-chan *entity.GameState, error)
}

type dbGame struct {
	logger *slog.Logger
	client *redis.Client
}

func NewGameRepository(logger *slog.Logger, client *redis.Client) GameRepository {
	return &dbGame{
		logger: logger.With("component", "game_repo"),
		client: client,
	}
}

func gameKey(matchID string) string { return "game:" + matchID }

func (that *dbGame) Create(ctx context.Context, game *entity.GameState) error {
	gameJSON, err := json.Marshal(game)
	if err != nil {
		return fmt.Errorf("could not marshal game: %w", err)
	}

	if err = that.client.Set(ctx, gameKey(game.MatchID), gameJSON, 0).Err(); err != nil {
		return fmt.Errorf("failed to set game: %w", err)
	}

	that.publishSnapshot(ctx, game.MatchID, string(gameJSON))

	return nil
}

func (that *dbGame) GetByID(ctx context.Context, matchID string) (*entity.GameState, error) {
	response, err := that.client.Get(ctx, gameKey(matchID)).Result()

	if errors.Is(err, redis.Nil) {
		return nil, ErrGameNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get game by ID: %w", err)
	}

	var existingGame entity.GameState
	if err = json.Unmarshal([]byte(response), &existingGame); err != nil {
		return nil, fmt.Errorf("failed to unmarshal game: %w", err)
	}

	existingGame.Normalize()

	return &existingGame, nil
}

// Update applies transform under a compare-and-swap watch, exactly like the
// match variant: one committed writer per record version. The turn guards
// inside transform run against the freshest snapshot, so a forced draw and a
// user draw racing for the same turn cannot both land.
func (that *dbGame) Update(ctx context.Context, matchID string, transform func(*entity.GameState) error) (*entity.GameState, error) {
	key := gameKey(matchID)

	var updated *entity.GameState
	var updatedJSON []byte

	txn := func(tx *redis.Tx) error {
		response, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return ErrGameNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get game by ID: %w", err)
		}

		var game entity.GameState
		if err = json.Unmarshal([]byte(response), &game); err != nil {
			return fmt.Errorf("failed to unmarshal game: %w", err)
		}

		game.Normalize()

		if err = transform(&game); err != nil {
			return err
		}

		updatedJSON, err = json.Marshal(&game)
		if err != nil {
			return fmt.Errorf("could not marshal game: %w", err)
		}

		updated = &game

		// snapshot publish rides the same MULTI/EXEC as the write, so
		// subscribers see snapshots in commit order and an aborted
		// transaction publishes nothing
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updatedJSON, 0)
			pipe.Publish(ctx, key, updatedJSON)
			return nil
		})

		return err
	}

	err := that.client.Watch(ctx, txn, key)
	if errors.Is(err, redis.TxFailedErr) {
		return nil, apperror.ErrConcurrentUpdate
	}
	if err != nil {
		return nil, err
	}

	return updated, nil
}

func (that *dbGame) DeleteByID(ctx context.Context, matchID string) error {
	if err := that.client.Del(ctx, gameKey(matchID)).Err(); err != nil {
		return fmt.Errorf("failed to delete game by ID: %w", err)
	}

	if err := that.client.Publish(ctx, gameKey(matchID), recordDeleted).Err(); err != nil {
		that.logger.Error("failed to publish game tombstone", "matchID", matchID, "error", err)
	}

	return nil
}

// Stream yields the current game snapshot and then every committed write in
// store order, closing on deletion or ctx cancellation.
func (that *dbGame) Stream(ctx context.Context, matchID string) (<-chan *entity.GameState, error) {
	log := that.logger.With("method", "Stream", "matchID", matchID)

	sub := that.client.Subscribe(ctx, gameKey(matchID))

	current, err := that.GetByID(ctx, matchID)
	if err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan *entity.GameState, 1)
	out <- current

	go func() {
		defer close(out)
		defer func() {
			if err := sub.Close(); err != nil {
				log.Error("failed to close subscription", "error", err)
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}

				if msg.Payload == recordDeleted {
					return
				}

				var game entity.GameState
				if err := json.Unmarshal([]byte(msg.Payload), &game); err != nil {
					log.Error("failed to unmarshal game snapshot", "error", err)
					return
				}

				game.Normalize()

				select {
				case out <- &game:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (that *dbGame) publishSnapshot(ctx context.Context, matchID, gameJSON string) {
	if err := that.client.Publish(ctx, gameKey(matchID), gameJSON).Err(); err != nil {
		that.logger.Error("failed to publish game snapshot", "matchID", matchID, "error", err)
	}
}
