package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/trolltoll/trolltoll-backend/internal/apperror"
	"github.com/trolltoll/trolltoll-backend/internal/entity"
	"github.com/trolltoll/trolltoll-backend/internal/repository"
)

func (that *Server) handleConnect(ctx context.Context, cl *client, msg *Message) error {
	log := that.logger.With("method", "handleConnect")

	var payloadReq Payload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payloadReq); err != nil {
			return fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}

	userID, token, err := that.authService.Authenticate(payloadReq.Token)
	if err != nil {
		log.Error("failed to authenticate", "error", err)
		return that.sendErrorResponse(cl, msg.Action, "failed to authenticate")
	}

	name := ""
	if payloadReq.User != nil {
		name = payloadReq.User.Name
	}

	user, err := that.userService.GetUserByID(ctx, userID)
	if errors.Is(err, repository.ErrUserNotFound) || (err == nil && name != "" && user.Name != name) {
		user, err = that.userService.SaveUser(ctx, userID, name)
	}
	if err != nil {
		log.Error("failed to save user", "error", err)
		return that.sendErrorResponse(cl, msg.Action, "failed to save user")
	}

	cl.userID = user.ID

	log.Info("player connected", "userID", user.ID)

	return that.sendMessage(cl, msg.Action, Payload{User: user, Token: token})
}

func (that *Server) handleLobbyWatch(ctx context.Context, cl *client, msg *Message) error {
	log := that.logger.With("method", "handleLobbyWatch")

	if cl.userID == "" {
		return that.sendErrorResponse(cl, msg.Action, "connect first")
	}

	streamCtx, cancel := context.WithCancel(ctx)
	cl.replaceLobbySub(cancel)

	stream, err := that.lobbyService.StreamLobbyMatches(streamCtx)
	if err != nil {
		cancel()
		log.Error("failed to stream lobby", "error", err)
		return that.sendErrorResponse(cl, msg.Action, "failed to watch lobby")
	}

	go func() {
		defer cancel()

		for matches := range stream {
			if err := that.sendMessage(cl, actionLobbyMatches, Payload{Matches: matches}); err != nil {
				log.Error("failed to push lobby matches", "error", err)
				return
			}
		}
	}()

	return nil
}

func (that *Server) handleHostMatch(ctx context.Context, cl *client, msg *Message) error {
	log := that.logger.With("method", "handleHostMatch")

	user, err := that.requireUser(ctx, cl)
	if err != nil {
		return that.sendErrorResponse(cl, msg.Action, err.Error())
	}

	match, err := that.lobbyService.HostMatch(ctx, *user)
	if err != nil {
		log.Error("failed to host match", "error", err)
		return that.sendErrorResponse(cl, msg.Action, "failed to host match")
	}

	that.watchMatch(ctx, cl, match.ID)

	return that.sendMessage(cl, msg.Action, Payload{Match: match})
}

func (that *Server) handleJoinMatch(ctx context.Context, cl *client, msg *Message) error {
	log := that.logger.With("method", "handleJoinMatch")

	user, err := that.requireUser(ctx, cl)
	if err != nil {
		return that.sendErrorResponse(cl, msg.Action, err.Error())
	}

	matchID, err := matchIDFrom(msg)
	if err != nil {
		return that.sendErrorResponse(cl, msg.Action, err.Error())
	}

	match, err := that.lobbyService.JoinMatch(ctx, matchID, *user)
	if err != nil {
		log.Error("failed to join match", "matchID", matchID, "error", err)
		return that.sendErrorResponse(cl, msg.Action, causeText(err))
	}

	that.watchMatch(ctx, cl, match.ID)

	log.Info("player joined match", "matchID", matchID, "userID", user.ID)

	return that.sendMessage(cl, msg.Action, Payload{Match: match})
}

func (that *Server) handleLeaveMatch(ctx context.Context, cl *client, msg *Message) error {
	log := that.logger.With("method", "handleLeaveMatch")

	user, err := that.requireUser(ctx, cl)
	if err != nil {
		return that.sendErrorResponse(cl, msg.Action, err.Error())
	}

	matchID, err := matchIDFrom(msg)
	if err != nil {
		return that.sendErrorResponse(cl, msg.Action, err.Error())
	}

	match, err := that.lobbyService.LeaveMatch(ctx, matchID, *user)
	if err != nil {
		log.Error("failed to leave match", "matchID", matchID, "error", err)
		return that.sendErrorResponse(cl, msg.Action, causeText(err))
	}

	cl.replaceMatchSub(nil)
	cl.replaceGameSub(nil)

	return that.sendMessage(cl, msg.Action, Payload{Match: match})
}

func (that *Server) handleCancelMatch(ctx context.Context, cl *client, msg *Message) error {
	log := that.logger.With("method", "handleCancelMatch")

	if cl.userID == "" {
		return that.sendErrorResponse(cl, msg.Action, "connect first")
	}

	matchID, err := matchIDFrom(msg)
	if err != nil {
		return that.sendErrorResponse(cl, msg.Action, err.Error())
	}

	match, err := that.lobbyService.FetchMatch(ctx, matchID)
	if err != nil {
		log.Error("failed to fetch match", "matchID", matchID, "error", err)
		return that.sendErrorResponse(cl, msg.Action, "no match found")
	}

	if match.Host.ID != cl.userID {
		return that.sendErrorResponse(cl, msg.Action, "only the host can cancel")
	}

	if err = that.lobbyService.CancelMatch(ctx, matchID); err != nil {
		log.Error("failed to cancel match", "matchID", matchID, "error", err)
		return that.sendErrorResponse(cl, msg.Action, "failed to cancel match")
	}

	cl.replaceMatchSub(nil)
	cl.replaceGameSub(nil)

	return that.sendMessage(cl, msg.Action, Payload{})
}

func (that *Server) handleStartMatch(ctx context.Context, cl *client, msg *Message) error {
	log := that.logger.With("method", "handleStartMatch")

	if cl.userID == "" {
		return that.sendErrorResponse(cl, msg.Action, "connect first")
	}

	matchID, err := matchIDFrom(msg)
	if err != nil {
		return that.sendErrorResponse(cl, msg.Action, err.Error())
	}

	game, err := that.gamePlayService.StartMatch(ctx, matchID, cl.userID)
	if err != nil {
		log.Error("failed to start match", "matchID", matchID, "error", err)
		return that.sendErrorResponse(cl, msg.Action, causeText(err))
	}

	that.watchGame(ctx, cl, matchID)

	log.Info("match started", "matchID", matchID)

	return that.sendMessage(cl, msg.Action, Payload{Game: game})
}

func (that *Server) handleFetchGame(ctx context.Context, cl *client, msg *Message) error {
	log := that.logger.With("method", "handleFetchGame")

	if cl.userID == "" {
		return that.sendErrorResponse(cl, msg.Action, "connect first")
	}

	matchID, err := matchIDFrom(msg)
	if err != nil {
		return that.sendErrorResponse(cl, msg.Action, err.Error())
	}

	game, err := that.gamePlayService.FetchGame(ctx, matchID)
	if err != nil {
		log.Error("failed to fetch game", "matchID", matchID, "error", err)
		return that.sendErrorResponse(cl, msg.Action, "failed to fetch game")
	}

	that.watchGame(ctx, cl, matchID)

	return that.sendMessage(cl, msg.Action, Payload{Game: game})
}

// handleTakeCard applies the draw. No snapshot in the direct reply: the
// authoritative result reaches every player, the actor included, through the
// game stream push.
func (that *Server) handleTakeCard(ctx context.Context, cl *client, msg *Message) error {
	return that.handleTurnAction(ctx, cl, msg, that.gamePlayService.TakeCard)
}

func (that *Server) handlePutToken(ctx context.Context, cl *client, msg *Message) error {
	return that.handleTurnAction(ctx, cl, msg, that.gamePlayService.PutToken)
}

func (that *Server) handleTurnAction(ctx context.Context, cl *client, msg *Message, action func(context.Context, string, string) (*entity.GameState, error)) error {
	log := that.logger.With("method", "handleTurnAction", "action", msg.Action)

	if cl.userID == "" {
		return that.sendErrorResponse(cl, msg.Action, "connect first")
	}

	matchID, err := matchIDFrom(msg)
	if err != nil {
		return that.sendErrorResponse(cl, msg.Action, err.Error())
	}

	if _, err = action(ctx, matchID, cl.userID); err != nil {
		log.Error("turn action rejected", "matchID", matchID, "userID", cl.userID, "error", err)
		return that.sendErrorResponse(cl, msg.Action, causeText(err))
	}

	return nil
}

// watchMatch pushes every match snapshot to the client until the record is
// deleted, then announces the end of the match.
func (that *Server) watchMatch(ctx context.Context, cl *client, matchID string) {
	log := that.logger.With("method", "watchMatch", "matchID", matchID)

	streamCtx, cancel := context.WithCancel(ctx)
	cl.replaceMatchSub(cancel)

	stream, err := that.lobbyService.StreamMatch(streamCtx, matchID)
	if err != nil {
		cancel()
		log.Error("failed to stream match", "error", err)
		return
	}

	go func() {
		defer cancel()

		for match := range stream {
			if err := that.sendMessage(cl, actionMatchUpdate, Payload{Match: match}); err != nil {
				log.Error("failed to push match update", "error", err)
				return
			}
		}

		if streamCtx.Err() != nil {
			return // subscription replaced or connection gone
		}

		if err := that.sendMessage(cl, actionMatchEnded, Payload{}); err != nil {
			log.Error("failed to push match ended", "error", err)
		}
	}()
}

// watchGame pushes every game snapshot to the client; a finished snapshot is
// followed by a terminal notification and the subscription is released.
func (that *Server) watchGame(ctx context.Context, cl *client, matchID string) {
	log := that.logger.With("method", "watchGame", "matchID", matchID)

	streamCtx, cancel := context.WithCancel(ctx)
	cl.replaceGameSub(cancel)

	stream, err := that.gamePlayService.StreamGame(streamCtx, matchID)
	if err != nil {
		cancel()
		log.Error("failed to stream game", "error", err)
		return
	}

	go func() {
		defer cancel()

		for game := range stream {
			if err := that.sendMessage(cl, actionGameUpdate, Payload{Game: game}); err != nil {
				log.Error("failed to push game update", "error", err)
				return
			}

			if game.IsFinished() {
				if err := that.sendMessage(cl, actionGameEnded, Payload{Game: game}); err != nil {
					log.Error("failed to push game ended", "error", err)
				}
				return
			}
		}
	}()
}

func (that *Server) requireUser(ctx context.Context, cl *client) (*entity.User, error) {
	if cl.userID == "" {
		return nil, errors.New("connect first")
	}

	user, err := that.userService.GetUserByID(ctx, cl.userID)
	if err != nil {
		return nil, errors.New("unknown user")
	}

	return user, nil
}

// causeText strips wrapping context so the client sees the root cause only.
func causeText(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}

func matchIDFrom(msg *Message) (string, error) {
	if len(msg.Payload) == 0 {
		return "", apperror.ErrMatchNotSet
	}

	var payload Payload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return "", errors.New("malformed payload")
	}

	if payload.Match == nil || payload.Match.ID == "" {
		return "", apperror.ErrMatchNotSet
	}

	return payload.Match.ID, nil
}
