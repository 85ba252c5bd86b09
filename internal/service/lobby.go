package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/trolltoll/trolltoll-backend/internal/entity"
	"github.com/trolltoll/trolltoll-backend/internal/metrics"
	"github.com/trolltoll/trolltoll-backend/internal/pkg"
)

// LobbyService manages pre-game membership: hosting, joining, leaving and
// cancelling matches, plus the live match and lobby streams.
type LobbyService interface {
	HostMatch(ctx context.Context, host entity.User) (*entity.Match, error)
	JoinMatch(ctx context.Context, matchID string, user entity.User) (*entity.Match, error)
	LeaveMatch(ctx context.Context, matchID string, user entity.User) (*entity.Match, error)
	CancelMatch(ctx context.Context, matchID string) error

	FetchMatch(ctx context.Context, matchID string) (*entity.Match, error)
	StreamMatch(ctx context.Context, matchID string) (<-chan *entity.Match, error)
	StreamLobbyMatches(ctx context.Context) (<-chan []*entity.Match, error)
}

type gameRepo interface {
	Create(ctx context.Context, game *entity.GameState) error
	GetByID(ctx context.Context, matchID string) (*entity.GameState, error)
	Update(ctx context.Context, matchID string, transform func(*entity.GameState) error) (*entity.GameState, error)
	DeleteByID(ctx context.Context, matchID string) error

	Stream(ctx context.Context, matchID string) (<-chan *entity.GameState, error)
}

type matchRepo interface {
	Create(ctx context.Context, match *entity.Match) error
	GetByID(ctx context.Context, id string) (*entity.Match, error)
	Update(ctx context.Context, id string, transform func(*entity.Match) error) (*entity.Match, error)
	DeleteByID(ctx context.Context, id string) error

	Stream(ctx context.Context, id string) (<-chan *entity.Match, error)
	StreamLobby(ctx context.Context) (<-chan []*entity.Match, error)
}

type lobbyService struct {
	logger    *slog.Logger
	matchRepo matchRepo
	gameRepo  gameRepo
}

func NewLobbyService(logger *slog.Logger, matchRepo matchRepo, gameRepo gameRepo) LobbyService {
	return &lobbyService{
		logger:    logger.With("component", "lobby"),
		matchRepo: matchRepo,
		gameRepo:  gameRepo,
	}
}

func (that *lobbyService) HostMatch(ctx context.Context, host entity.User) (*entity.Match, error) {
	host.IsHost = true
	match := entity.NewMatch(pkg.GenerateMatchID(), host)

	if err := that.matchRepo.Create(ctx, match); err != nil {
		return nil, fmt.Errorf("failed to create match: %w", err)
	}

	metrics.MatchesHosted.Inc()
	that.logger.Info("match hosted", "matchID", match.ID, "hostID", host.ID)

	return match, nil
}

// JoinMatch appends the user to the match under compare-and-swap, so two
// players joining at once cannot drop each other's entry.
func (that *lobbyService) JoinMatch(ctx context.Context, matchID string, user entity.User) (*entity.Match, error) {
	match, err := that.matchRepo.Update(ctx, matchID, func(match *entity.Match) error {
		return match.AddPlayer(user)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to join match: %w", err)
	}

	that.logger.Info("player joined match", "matchID", matchID, "playerID", user.ID)

	return match, nil
}

func (that *lobbyService) LeaveMatch(ctx context.Context, matchID string, user entity.User) (*entity.Match, error) {
	match, err := that.matchRepo.Update(ctx, matchID, func(match *entity.Match) error {
		return match.RemovePlayer(user)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to leave match: %w", err)
	}

	that.logger.Info("player left match", "matchID", matchID, "playerID", user.ID)

	return match, nil
}

// CancelMatch deletes the record, which terminates every match stream. Any
// in-round game record goes with it; nobody is coming back for it.
func (that *lobbyService) CancelMatch(ctx context.Context, matchID string) error {
	if err := that.matchRepo.DeleteByID(ctx, matchID); err != nil {
		return fmt.Errorf("failed to delete match: %w", err)
	}

	if err := that.gameRepo.DeleteByID(ctx, matchID); err != nil {
		that.logger.Error("failed to delete game for cancelled match", "matchID", matchID, "error", err)
	}

	that.logger.Info("match cancelled", "matchID", matchID)

	return nil
}

func (that *lobbyService) FetchMatch(ctx context.Context, matchID string) (*entity.Match, error) {
	match, err := that.matchRepo.GetByID(ctx, matchID)
	if err != nil {
		return nil, fmt.Errorf("failed to get match by id: %w", err)
	}

	return match, nil
}

func (that *lobbyService) StreamMatch(ctx context.Context, matchID string) (<-chan *entity.Match, error) {
	stream, err := that.matchRepo.Stream(ctx, matchID)
	if err != nil {
		return nil, fmt.Errorf("failed to stream match: %w", err)
	}

	return stream, nil
}

func (that *lobbyService) StreamLobbyMatches(ctx context.Context) (<-chan []*entity.Match, error) {
	stream, err := that.matchRepo.StreamLobby(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to stream lobby: %w", err)
	}

	return stream, nil
}
