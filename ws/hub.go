package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/antonmedv/expr/vm"
	"github.com/folkengine/goname"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/orgchat/auth"
	"github.com/tcriess/orgchat/chat"
	"github.com/tcriess/orgchat/config"
	"github.com/tcriess/orgchat/feed"
	"github.com/tcriess/orgchat/filter"
	"github.com/tcriess/orgchat/globals"
	"github.com/tcriess/orgchat/presence"
	"github.com/tcriess/orgchat/store"
	"github.com/tcriess/orgchat/types"
)

const (
	maxMessageSize  = 16384
	pongWait        = 2 * time.Minute
	pingPeriod      = time.Minute
	writeWait       = 10 * time.Second
	sendChannelSize = 256
	cleanupTimeout  = 5 * time.Second
)

// Services are the facilities the gateway exposes.
type Services struct {
	Chat     *chat.Service
	Feed     *feed.Service
	Presence *presence.Tracker
}

// Hub keeps track of all websocket clients and serves the websocket and REST endpoints.
type Hub struct {
	services   Services
	cfg        config.GatewayConfig
	auth       *auth.Authenticator
	compiler   *filter.Compiler
	roomFilter *vm.Program
	upgrader   websocket.Upgrader
	logger     hclog.Logger

	// Registered clients.
	clients map[*Client]struct{}
	// number of connections per user id, a user goes offline when the last one is closed
	connections map[string]int
	// serialize the connection count change and the presence write of one user
	userLocks map[string]*userLock
	closed    bool

	// running connection handlers
	handlers sync.WaitGroup

	// mutex for manipulating the clients
	sync.RWMutex
}

func NewHub(cfg *config.Config, services Services) (*Hub, error) {
	compiler, err := filter.NewCompiler(cfg.GatewayConfig.FilterCacheSize)
	if err != nil {
		return nil, err
	}
	roomFilter, err := compiler.Compile(cfg.GatewayConfig.RoomFilter)
	if err != nil {
		return nil, err
	}
	h := &Hub{
		services:    services,
		cfg:         cfg.GatewayConfig,
		auth:        auth.NewAuthenticator(cfg.OIDCConfigs),
		compiler:    compiler,
		roomFilter:  roomFilter,
		logger:      globals.AppLogger.Named("ws"),
		clients:     make(map[*Client]struct{}),
		connections: make(map[string]int),
		userLocks:   make(map[string]*userLock),
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h, nil
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// NoClients returns the number of clients registered
func (h *Hub) NoClients() int {
	h.RLock()
	defer h.RUnlock()
	return len(h.clients)
}

// register returns false if the hub is already closed.
func (h *Hub) register(c *Client) bool {
	h.Lock()
	defer h.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.connections[c.user.Id]++
	h.handlers.Add(1)
	return true
}

// unregister returns true if c was the last connection of its user.
func (h *Hub) unregister(c *Client) bool {
	h.Lock()
	defer h.Unlock()
	if _, ok := h.clients[c]; !ok {
		return false
	}
	delete(h.clients, c)
	h.connections[c.user.Id]--
	if h.connections[c.user.Id] <= 0 {
		delete(h.connections, c.user.Id)
		return true
	}
	return false
}

type userLock struct {
	sync.Mutex
	refs int
}

// lockUser locks the presence of userId and returns the unlock function.
func (h *Hub) lockUser(userId string) func() {
	h.Lock()
	l, ok := h.userLocks[userId]
	if !ok {
		l = &userLock{}
		h.userLocks[userId] = l
	}
	l.refs++
	h.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		h.Lock()
		l.refs--
		if l.refs == 0 {
			delete(h.userLocks, userId)
		}
		h.Unlock()
	}
}

// SendInfo sends the current statistics to all clients.
func (h *Hub) SendInfo() {
	h.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	noConnections := len(h.clients)
	h.RUnlock()
	for _, c := range clients {
		c.send(types.WireEventInfo, types.InfoMessage{User: c.user, NoConnections: noConnections})
	}
}

// identify determines the user of a websocket request: a verified OIDC id token if providers are configured,
// otherwise the user_id/name/avatar query parameters, otherwise a generated guest.
func (h *Hub) identify(r *http.Request) (*types.User, int) {
	vals := r.URL.Query()
	if h.auth.Enabled() {
		idToken := vals.Get("id_token")
		if idToken == "" {
			return nil, http.StatusUnauthorized
		}
		user, err := h.auth.Authenticate(r.Context(), idToken, vals.Get("provider"))
		if err != nil {
			h.logger.Info("authentication failed", "provider", vals.Get("provider"), "error", err)
			return nil, http.StatusUnauthorized
		}
		return user, 0
	}
	if userId := vals.Get("user_id"); userId != "" {
		if err := store.ValidateKey(userId); err != nil {
			return nil, http.StatusBadRequest
		}
		name := vals.Get("name")
		if name == "" {
			name = userId
		}
		return &types.User{Id: userId, Name: name, Avatar: vals.Get("avatar")}, 0
	}
	key, err := store.NewKey()
	if err != nil {
		return nil, http.StatusInternalServerError
	}
	return &types.User{
		Id:   "guest-" + key,
		Name: goname.New(goname.FantasyMap).FirstLast() + " (guest)",
	}, 0
}

// ServeWs handles incoming websockets. The user is set online while at least one of their connections is open.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	user, status := h.identify(r)
	if user == nil {
		w.WriteHeader(status)
		return
	}

	// Upgrade HTTP request to Websocket
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade error", "error", err)
		return
	}
	// When this frame returns close the Websocket
	defer conn.Close() //nolint

	c := newClient(h, conn, *user)
	if !h.connect(c) {
		return
	}
	defer h.handlers.Done()
	h.logger.Debug("client registered", "user", user.Id)
	go h.SendInfo()

	c.Add(1)
	go c.WriteLoop()
	c.ReadLoop()

	c.shutdown()
	c.Wait()
	h.disconnect(c)
	go h.SendInfo()
	h.logger.Debug("client unregistered", "user", user.Id)
}

// connect registers c and sets its user online. It returns false if the hub is closed.
func (h *Hub) connect(c *Client) bool {
	unlock := h.lockUser(c.user.Id)
	defer unlock()
	if !h.register(c) {
		return false
	}
	if err := h.services.Presence.SetOnline(c.ctx, c.user.Id, c.user.Name, c.user.Avatar); err != nil {
		h.logger.Error("could not set user online", "user", c.user.Id, "error", err)
	}
	return true
}

// disconnect unregisters c and sets its user offline if this was the last connection. A connection of the same
// user registering concurrently either counts before the unregister or sets the user online after SetOffline.
func (h *Hub) disconnect(c *Client) {
	unlock := h.lockUser(c.user.Id)
	defer unlock()
	if !h.unregister(c) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := h.services.Presence.SetOffline(ctx, c.user.Id); err != nil {
		h.logger.Error("could not set user offline", "user", c.user.Id, "error", err)
	}
}

// Close disconnects all clients and waits until their connections are cleaned up.
func (h *Hub) Close() {
	h.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.Unlock()
	for _, c := range clients {
		c.conn.Close()
	}
	h.handlers.Wait()
}
