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

var ErrMatchNotFound = errors.New("match not found")

// recordDeleted is the tombstone published on a record's channel when the
// record goes away, closing every subscribed stream.
const recordDeleted = "deleted"

const lobbyChannel = "lobby:matches"

// lobby event kinds, folded client-side into a running list of open matches.
const (
	lobbyEventAdded   = "added"
	lobbyEventChanged = "changed"
	lobbyEventRemoved = "removed"
)

type lobbyEvent struct {
	Type  string        `json:"type"`
	ID    string        `json:"id"`
	Match *entity.Match `json:"match,omitempty"`
}

type MatchRepository interface {
	Create(ctx context.Context, match *entity.Match) error
	GetByID(ctx context.Context, id string) (*entity.Match, error)
	Update(ctx context.Context, id string, transform func(*entity.Match) error) (*entity.Match, error)
	DeleteByID(ctx context.Context, id string) error

	Stream(ctx context.Context, id string) (<-chan *entity.Match, error)
	StreamLobby(ctx context.Context) (<-chan []*entity.Match, error)
}

type dbMatch struct {
	logger *slog.Logger
	client *redis.Client
}

func NewMatchRepository(logger *slog.Logger, client *redis.Client) MatchRepository {
	return &dbMatch{
		logger: logger.With("component", "match_repo"),
		client: client,
	}
}

func matchKey(id string) string { return "match:" + id }

func (that *dbMatch) Create(ctx context.Context, match *entity.Match) error {
	matchJSON, err := json.Marshal(match)
	if err != nil {
		return fmt.Errorf("could not marshal match: %w", err)
	}

	if err = that.client.Set(ctx, matchKey(match.ID), matchJSON, 0).Err(); err != nil {
		return fmt.Errorf("failed to set match: %w", err)
	}

	that.publishSnapshot(ctx, match, string(matchJSON))

	if match.IsWaiting() {
		that.publishLobbyEvent(ctx, lobbyEvent{Type: lobbyEventAdded, ID: match.ID, Match: match})
	}

	return nil
}

func (that *dbMatch) GetByID(ctx context.Context, id string) (*entity.Match, error) {
	response, err := that.client.Get(ctx, matchKey(id)).Result()

	if errors.Is(err, redis.Nil) {
		return nil, ErrMatchNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get match by ID: %w", err)
	}

	var existingMatch entity.Match
	if err = json.Unmarshal([]byte(response), &existingMatch); err != nil {
		return nil, fmt.Errorf("failed to unmarshal match: %w", err)
	}

	return &existingMatch, nil
}

// Update applies transform under a compare-and-swap watch. A concurrent
// writer aborts the commit with ErrConcurrentUpdate and leaves the record
// untouched; rule errors from transform pass through unchanged.
func (that *dbMatch) Update(ctx context.Context, id string, transform func(*entity.Match) error) (*entity.Match, error) {
	key := matchKey(id)

	var updated *entity.Match
	var wasWaiting bool
	var updatedJSON []byte

	txn := func(tx *redis.Tx) error {
		response, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return ErrMatchNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get match by ID: %w", err)
		}

		var match entity.Match
		if err = json.Unmarshal([]byte(response), &match); err != nil {
			return fmt.Errorf("failed to unmarshal match: %w", err)
		}

		wasWaiting = match.IsWaiting()

		if err = transform(&match); err != nil {
			return err
		}

		updatedJSON, err = json.Marshal(&match)
		if err != nil {
			return fmt.Errorf("could not marshal match: %w", err)
		}

		updated = &match

		var eventJSON []byte
		switch {
		case match.IsWaiting():
			eventJSON, err = json.Marshal(lobbyEvent{Type: lobbyEventChanged, ID: match.ID, Match: &match})
		case wasWaiting:
			// left the lobby: started or ended
			eventJSON, err = json.Marshal(lobbyEvent{Type: lobbyEventRemoved, ID: match.ID})
		}
		if err != nil {
			return fmt.Errorf("could not marshal lobby event: %w", err)
		}

		// publishes ride the same MULTI/EXEC as the write, so subscribers
		// see snapshots in commit order and an aborted transaction
		// publishes nothing
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updatedJSON, 0)
			pipe.Publish(ctx, key, updatedJSON)
			if eventJSON != nil {
				pipe.Publish(ctx, lobbyChannel, eventJSON)
			}
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

func (that *dbMatch) DeleteByID(ctx context.Context, id string) error {
	if err := that.client.Del(ctx, matchKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete match by ID: %w", err)
	}

	if err := that.client.Publish(ctx, matchKey(id), recordDeleted).Err(); err != nil {
		that.logger.Error("failed to publish match tombstone", "matchID", id, "error", err)
	}

	that.publishLobbyEvent(ctx, lobbyEvent{Type: lobbyEventRemoved, ID: id})

	return nil
}

// Stream yields the current match snapshot and then every subsequent write,
// in store order. The channel closes when the record is deleted, when a
// snapshot stops decoding, or when ctx is cancelled; the underlying
// subscription is released on every exit path.
func (that *dbMatch) Stream(ctx context.Context, id string) (<-chan *entity.Match, error) {
	log := that.logger.With("method", "Stream", "matchID", id)

	sub := that.client.Subscribe(ctx, matchKey(id))

	current, err := that.GetByID(ctx, id)
	if err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan *entity.Match, 1)
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

				var match entity.Match
				if err := json.Unmarshal([]byte(msg.Payload), &match); err != nil {
					log.Error("failed to unmarshal match snapshot", "error", err)
					return
				}

				select {
				case out <- &match:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// StreamLobby folds added/changed/removed events into a running list of
// matches still waiting for players and re-emits the whole list per event.
func (that *dbMatch) StreamLobby(ctx context.Context) (<-chan []*entity.Match, error) {
	log := that.logger.With("method", "StreamLobby")

	sub := that.client.Subscribe(ctx, lobbyChannel)

	current, err := that.listWaiting(ctx)
	if err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan []*entity.Match, 1)
	out <- current

	go func() {
		defer close(out)
		defer func() {
			if err := sub.Close(); err != nil {
				log.Error("failed to close subscription", "error", err)
			}
		}()

		matches := current

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}

				var event lobbyEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					log.Error("failed to unmarshal lobby event", "error", err)
					continue
				}

				matches = applyLobbyEvent(matches, event)

				snapshot := make([]*entity.Match, len(matches))
				copy(snapshot, matches)

				select {
				case out <- snapshot:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// applyLobbyEvent merges one child event into the running list. A "changed"
// event for an unknown id is treated as an implicit add so a subscriber that
// missed the add still converges.
func applyLobbyEvent(matches []*entity.Match, event lobbyEvent) []*entity.Match {
	switch event.Type {
	case lobbyEventAdded, lobbyEventChanged:
		if event.Match == nil {
			return matches
		}
		for i, match := range matches {
			if match.ID == event.ID {
				matches[i] = event.Match
				return matches
			}
		}
		return append(matches, event.Match)
	case lobbyEventRemoved:
		for i, match := range matches {
			if match.ID == event.ID {
				return append(matches[:i], matches[i+1:]...)
			}
		}
	}

	return matches
}

func (that *dbMatch) listWaiting(ctx context.Context) ([]*entity.Match, error) {
	var matches []*entity.Match

	iter := that.client.Scan(ctx, 0, matchKey("*"), 0).Iterator()
	for iter.Next(ctx) {
		response, err := that.client.Get(ctx, iter.Val()).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get match by key: %w", err)
		}

		var match entity.Match
		if err = json.Unmarshal([]byte(response), &match); err != nil {
			that.logger.Error("skipping undecodable match record", "key", iter.Val(), "error", err)
			continue
		}

		if match.IsWaiting() {
			matches = append(matches, &match)
		}
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan matches: %w", err)
	}

	return matches, nil
}

func (that *dbMatch) publishSnapshot(ctx context.Context, match *entity.Match, matchJSON string) {
	if err := that.client.Publish(ctx, matchKey(match.ID), matchJSON).Err(); err != nil {
		that.logger.Error("failed to publish match snapshot", "matchID", match.ID, "error", err)
	}
}

func (that *dbMatch) publishLobbyEvent(ctx context.Context, event lobbyEvent) {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		that.logger.Error("could not marshal lobby event", "error", err)
		return
	}

	if err = that.client.Publish(ctx, lobbyChannel, eventJSON).Err(); err != nil {
		that.logger.Error("failed to publish lobby event", "matchID", event.ID, "error", err)
	}
}
