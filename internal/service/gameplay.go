package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/trolltoll/trolltoll-backend/internal/apperror"
	"github.com/trolltoll/trolltoll-backend/internal/entity"
	"github.com/trolltoll/trolltoll-backend/internal/metrics"
	"github.com/trolltoll/trolltoll-backend/internal/repository"
)

const (
	forcedDrawTimeout = "timeout"
	forcedDrawExited  = "exited"
)

const fetchGameMaxWait = 5 * time.Second

const forcedDrawRetry = time.Second

// GamePlayService runs the in-round state machine: starting the game,
// applying turn actions under compare-and-swap, and arbitrating stalled
// turns (timed-out or exited players) so play never blocks on an absent
// client.
type GamePlayService interface {
	StartMatch(ctx context.Context, matchID, actorID string) (*entity.GameState, error)
	TakeCard(ctx context.Context, matchID, actorID string) (*entity.GameState, error)
	PutToken(ctx context.Context, matchID, actorID string) (*entity.GameState, error)

	FetchGame(ctx context.Context, matchID string) (*entity.GameState, error)
	StreamGame(ctx context.Context, matchID string) (<-chan *entity.GameState, error)
}

type gamePlayService struct {
	logger *slog.Logger

	matchRepo matchRepo
	gameRepo  gameRepo

	turnTimeout time.Duration
	graceDelay  time.Duration
}

func NewGamePlayService(logger *slog.Logger, matchRepo matchRepo, gameRepo gameRepo, turnTimeout, graceDelay time.Duration) GamePlayService {
	return &gamePlayService{
		logger:      logger.With("component", "gameplay"),
		matchRepo:   matchRepo,
		gameRepo:    gameRepo,
		turnTimeout: turnTimeout,
		graceDelay:  graceDelay,
	}
}

// StartMatch flips the match into play, deals the opening game state and
// hands the round to the arbiter. Host only; the player list is fixed from
// this moment on.
func (that *gamePlayService) StartMatch(ctx context.Context, matchID, actorID string) (*entity.GameState, error) {
	match, err := that.matchRepo.Update(ctx, matchID, func(match *entity.Match) error {
		if match.Host.ID != actorID {
			return apperror.ErrNotMatchHost
		}

		return match.Start()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start match: %w", err)
	}

	game := entity.NewGameState(match)
	if err = that.gameRepo.Create(ctx, game); err != nil {
		return nil, fmt.Errorf("failed to create game: %w", err)
	}

	metrics.GamesStarted.Inc()
	that.logger.Info("game started", "matchID", matchID, "players", len(game.Players))

	go that.runArbiter(ctx, matchID)

	return game, nil
}

func (that *gamePlayService) TakeCard(ctx context.Context, matchID, actorID string) (*entity.GameState, error) {
	game, err := that.gameRepo.Update(ctx, matchID, func(game *entity.GameState) error {
		return game.TakeCard(actorID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to take card: %w", err)
	}

	metrics.TurnsPlayed.WithLabelValues("take").Inc()

	if game.IsFinished() {
		that.endMatch(ctx, matchID)
	}

	return game, nil
}

func (that *gamePlayService) PutToken(ctx context.Context, matchID, actorID string) (*entity.GameState, error) {
	game, err := that.gameRepo.Update(ctx, matchID, func(game *entity.GameState) error {
		return game.PutToken(actorID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to put token: %w", err)
	}

	metrics.TurnsPlayed.WithLabelValues("put").Inc()

	return game, nil
}

// FetchGame reads the game record, briefly retrying a miss while the owning
// match already says playing: a match write and a game write are not atomic,
// so observers can see them out of order.
func (that *gamePlayService) FetchGame(ctx context.Context, matchID string) (*entity.GameState, error) {
	var game *entity.GameState

	fetch := func() error {
		var err error
		game, err = that.gameRepo.GetByID(ctx, matchID)

		if errors.Is(err, repository.ErrGameNotFound) {
			match, matchErr := that.matchRepo.GetByID(ctx, matchID)
			if matchErr == nil && match.IsPlaying() {
				return err // game record lagging behind the match, retry
			}
			if matchErr == nil && match.IsWaiting() {
				return backoff.Permanent(apperror.ErrGameIsNotStarted)
			}

			return backoff.Permanent(err)
		}

		if err != nil {
			return backoff.Permanent(err)
		}

		return nil
	}

	wait := backoff.WithContext(backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(fetchGameMaxWait)), ctx)
	if err := backoff.Retry(fetch, wait); err != nil {
		return nil, fmt.Errorf("failed to fetch game: %w", err)
	}

	return game, nil
}

func (that *gamePlayService) StreamGame(ctx context.Context, matchID string) (<-chan *entity.GameState, error) {
	stream, err := that.gameRepo.Stream(ctx, matchID)
	if err != nil {
		return nil, fmt.Errorf("failed to stream game: %w", err)
	}

	return stream, nil
}

// endMatch marks the owning match as ended once the round is decided. Best
// effort: the game record already carries the result.
func (that *gamePlayService) endMatch(ctx context.Context, matchID string) {
	_, err := that.matchRepo.Update(ctx, matchID, func(match *entity.Match) error {
		match.Status = entity.MatchStatusEnded
		return nil
	})
	if err != nil {
		that.logger.Error("failed to mark match ended", "matchID", matchID, "error", err)
	}
}

// runArbiter follows one game until it finishes or its match disappears.
// It owns the turn deadline: a present player gets the full turn timeout
// before a draw is forced on them, an exited player only the grace delay.
// The deadline re-arms whenever the turn moves or the current player's
// presence changes, and a forced draw that loses the race to a real action
// is rejected by the turn guard under compare-and-swap.
func (that *gamePlayService) runArbiter(ctx context.Context, matchID string) {
	log := that.logger.With("method", "runArbiter", "matchID", matchID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	games, err := that.gameRepo.Stream(ctx, matchID)
	if err != nil {
		log.Error("failed to stream game", "error", err)
		return
	}

	matches, err := that.matchRepo.Stream(ctx, matchID)
	if err != nil {
		log.Error("failed to stream match", "error", err)
		return
	}

	metrics.ActiveGames.Inc()
	defer metrics.ActiveGames.Dec()

	deadline := time.NewTimer(that.turnTimeout)
	stopTimer(deadline)
	defer deadline.Stop()

	var match *entity.Match
	var game *entity.GameState

	armedFor := "" // player the pending deadline belongs to
	exited := false

	rearm := func() {
		if game == nil {
			return
		}

		currentExited := match != nil && game.IsExited(match, game.CurrentPlayerID)
		if game.CurrentPlayerID == armedFor && currentExited == exited {
			return
		}

		armedFor = game.CurrentPlayerID
		exited = currentExited

		wait := that.turnTimeout
		if exited {
			wait = that.graceDelay
		}

		stopTimer(deadline)
		deadline.Reset(wait)
	}

	for {
		select {
		case <-ctx.Done():
			return

		case m, ok := <-matches:
			if !ok {
				log.Info("match gone, arbiter stopping")
				return
			}
			match = m
			rearm()

		case g, ok := <-games:
			if !ok {
				log.Info("game stream ended, arbiter stopping")
				return
			}
			game = g
			if game.IsFinished() {
				log.Info("game finished", "victorID", game.Progress.VictorID)
				return
			}
			rearm()

		case <-deadline.C:
			if armedFor == "" {
				continue
			}

			reason := forcedDrawTimeout
			if exited {
				reason = forcedDrawExited
			}

			if _, err := that.TakeCard(ctx, matchID, armedFor); err != nil {
				switch {
				case errors.Is(err, apperror.ErrNotYourTurn),
					errors.Is(err, apperror.ErrGameFinished),
					errors.Is(err, apperror.ErrConcurrentUpdate):
					// lost the race to a real action; the next snapshot re-arms
					armedFor = ""
				default:
					// a failed commit publishes no snapshot, so nothing else
					// will re-arm the deadline; keep it alive and retry
					log.Error("failed to force draw, retrying", "playerID", armedFor, "error", err)
					stopTimer(deadline)
					deadline.Reset(forcedDrawRetry)
				}

				continue
			}

			metrics.ForcedDraws.WithLabelValues(reason).Inc()
			log.Info("forced draw", "playerID", armedFor, "reason", reason)
			armedFor = ""
		}
	}
}

// stopTimer stops and drains so a later Reset arms cleanly.
func stopTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}
