package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/trolltoll/trolltoll-backend/internal/entity"
)

type authService interface {
	Authenticate(token string) (userID, freshToken string, err error)
}

type userService interface {
	SaveUser(ctx context.Context, id, name string) (*entity.User, error)
	GetUserByID(ctx context.Context, id string) (*entity.User, error)
}

type lobbyService interface {
	HostMatch(ctx context.Context, host entity.User) (*entity.Match, error)
	JoinMatch(ctx context.Context, matchID string, user entity.User) (*entity.Match, error)
	LeaveMatch(ctx context.Context, matchID string, user entity.User) (*entity.Match, error)
	CancelMatch(ctx context.Context, matchID string) error
	FetchMatch(ctx context.Context, matchID string) (*entity.Match, error)

	StreamMatch(ctx context.Context, matchID string) (<-chan *entity.Match, error)
	StreamLobbyMatches(ctx context.Context) (<-chan []*entity.Match, error)
}

type gamePlayService interface {
	StartMatch(ctx context.Context, matchID, actorID string) (*entity.GameState, error)
	TakeCard(ctx context.Context, matchID, actorID string) (*entity.GameState, error)
	PutToken(ctx context.Context, matchID, actorID string) (*entity.GameState, error)

	FetchGame(ctx context.Context, matchID string) (*entity.GameState, error)
	StreamGame(ctx context.Context, matchID string) (<-chan *entity.GameState, error)
}

// client is one connected player: their socket, identity, and whatever
// stream subscriptions they currently hold. Subscriptions are cancelled on
// replacement and when the connection goes away, on every exit path.
type client struct {
	conn   *websocket.Conn
	userID string

	writeMu sync.Mutex

	subMu       sync.Mutex
	cancelLobby context.CancelFunc
	cancelMatch context.CancelFunc
	cancelGame  context.CancelFunc
}

type Server struct {
	logger *slog.Logger

	authService     authService
	userService     userService
	lobbyService    lobbyService
	gamePlayService gamePlayService

	upgrader websocket.Upgrader

	handlers map[string]func(ctx context.Context, cl *client, message *Message) error
}

func New(logger *slog.Logger, authService authService, userService userService, lobbyService lobbyService, gamePlayService gamePlayService) *Server {
	server := &Server{
		logger: logger.With("component", "websocket"),

		authService:     authService,
		userService:     userService,
		lobbyService:    lobbyService,
		gamePlayService: gamePlayService,

		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},

		handlers: make(map[string]func(context.Context, *client, *Message) error),
	}

	server.handlers[actionConnect] = server.handleConnect
	server.handlers[actionLobbyWatch] = server.handleLobbyWatch
	server.handlers[actionLobbyHost] = server.handleHostMatch
	server.handlers[actionLobbyJoin] = server.handleJoinMatch
	server.handlers[actionLobbyLeave] = server.handleLeaveMatch
	server.handlers[actionLobbyCancel] = server.handleCancelMatch
	server.handlers[actionMatchStart] = server.handleStartMatch
	server.handlers[actionGameFetch] = server.handleFetchGame
	server.handlers[actionGameTake] = server.handleTakeCard
	server.handlers[actionGamePut] = server.handlePutToken

	return server
}

// Start - starts WebSocket server.
func (that *Server) Start(ctx context.Context, port string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		that.serveConnection(ctx, w, r)
	})

	srv := &http.Server{
		Addr:        ":" + port,
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

func (that *Server) serveConnection(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	log := that.logger.With("method", "serveConnection")

	conn, err := that.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("failed to upgrade connection", "error", err)
		return
	}

	cl := &client{conn: conn}

	defer func() {
		cl.cancelSubscriptions()
		_ = conn.Close()
	}()

	log.Info("WebSocket connection established")

	that.handleMessages(ctx, cl)
}

// handleMessages - processes messages from the client until it hangs up.
func (that *Server) handleMessages(ctx context.Context, cl *client) {
	log := that.logger.With("method", "handleMessages")

	for {
		_, reqBody, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Error("error reading message", "error", err)
			}
			return
		}

		var message Message
		if err = json.Unmarshal(reqBody, &message); err != nil {
			log.Error("failed to unmarshal message", "error", err)
			continue
		}

		handler, ok := that.handlers[message.Action]
		if !ok {
			log.Error("unknown action", "action", message.Action)
			continue
		}

		if err = handler(ctx, cl, &message); err != nil {
			log.Error("error processing message", "action", message.Action, "error", err)
		}
	}
}

func (that *Server) sendMessage(cl *client, action string, payload Payload) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	response := Message{
		Action:  action,
		Payload: payloadJSON,
	}

	responseJSON, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	cl.writeMu.Lock()
	defer cl.writeMu.Unlock()

	if err = cl.conn.WriteMessage(websocket.TextMessage, responseJSON); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	return nil
}

// sendErrorResponse turns a failure into a transient client notification;
// local state on the client is corrected by the next snapshot push.
func (that *Server) sendErrorResponse(cl *client, action, message string) error {
	return that.sendMessage(cl, action, Payload{Error: message})
}

func (that *client) cancelSubscriptions() {
	that.subMu.Lock()
	defer that.subMu.Unlock()

	for _, cancel := range []context.CancelFunc{that.cancelLobby, that.cancelMatch, that.cancelGame} {
		if cancel != nil {
			cancel()
		}
	}

	that.cancelLobby, that.cancelMatch, that.cancelGame = nil, nil, nil
}

func (that *client) replaceLobbySub(cancel context.CancelFunc) {
	that.subMu.Lock()
	defer that.subMu.Unlock()

	if that.cancelLobby != nil {
		that.cancelLobby()
	}
	that.cancelLobby = cancel
}

func (that *client) replaceMatchSub(cancel context.CancelFunc) {
	that.subMu.Lock()
	defer that.subMu.Unlock()

	if that.cancelMatch != nil {
		that.cancelMatch()
	}
	that.cancelMatch = cancel
}

func (that *client) replaceGameSub(cancel context.CancelFunc) {
	that.subMu.Lock()
	defer that.subMu.Unlock()

	if that.cancelGame != nil {
		that.cancelGame()
	}
	that.cancelGame = cancel
}
