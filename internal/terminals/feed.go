// Package terminals manages terminal sessions for a license: the push
// channel, registration and heartbeats, primary election, and cross-terminal
// state synchronization.
package terminals

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aurorapos/aurora-server/internal/models"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrNotConnected is returned by Send when the target terminal holds no live
// push channel. The delivery coordinator treats this as a failed attempt and
// schedules a retry.
var ErrNotConnected = fmt.Errorf("terminal not connected")

// Client represents one terminal's live WebSocket connection.
type Client struct {
	id          uuid.UUID
	licenseKey  string
	machineHash string
	conn        *websocket.Conn
	send        chan models.Envelope
	feed        *Feed
}

// Config holds configuration for the Feed.
type Config struct {
	// PingInterval is how often to send ping messages to clients.
	PingInterval time.Duration
	// WriteTimeout is the timeout for writing to a client.
	WriteTimeout time.Duration
	// ReadTimeout is the timeout for reading from a client.
	ReadTimeout time.Duration
	// MaxMessageSize is the maximum size of a message from a client.
	MaxMessageSize int64
	// SendBufferSize is the size of the send buffer per client.
	SendBufferSize int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PingInterval:   30 * time.Second,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		MaxMessageSize: 4096,
		SendBufferSize: 256,
	}
}

// DisconnectFunc is invoked when a terminal's push channel drops. The
// registry uses it to mark the session disconnected and re-elect a primary.
type DisconnectFunc func(licenseKey, machineHash string)

// Feed manages live push channels to connected terminals. Channels are keyed
// by (license key, machine hash); at most one live connection per terminal.
type Feed struct {
	config   Config
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	clients        map[uuid.UUID]*Client
	licenseClients map[string]map[string]*Client // licenseKey -> machineHash -> client
	clientsMu      sync.RWMutex

	register   chan *Client
	unregister chan *Client

	onDisconnect DisconnectFunc

	done chan struct{}
	wg   sync.WaitGroup
}

// NewFeed creates a new Feed with the given configuration.
func NewFeed(cfg Config, logger zerolog.Logger) *Feed {
	return &Feed{
		config: cfg,
		logger: logger.With().Str("component", "terminal_feed").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Desktop terminals have no browser origin
			},
		},
		clients:        make(map[uuid.UUID]*Client),
		licenseClients: make(map[string]map[string]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		done:           make(chan struct{}),
	}
}

// SetDisconnectHandler registers the callback fired when a terminal's channel
// drops. Must be called before Start.
func (f *Feed) SetDisconnectHandler(fn DisconnectFunc) {
	f.onDisconnect = fn
}

// Start begins client management.
func (f *Feed) Start() {
	f.wg.Add(1)
	go f.run()
	f.logger.Info().Msg("terminal feed started")
}

// Stop stops the feed and closes all client connections.
func (f *Feed) Stop() {
	close(f.done)
	f.wg.Wait()
	f.logger.Info().Msg("terminal feed stopped")
}

// run is the main client management loop.
func (f *Feed) run() {
	defer f.wg.Done()

	for {
		select {
		case <-f.done:
			f.closeAllClients()
			return

		case client := <-f.register:
			f.addClient(client)

		case client := <-f.unregister:
			f.removeClient(client)
		}
	}
}

// addClient adds a client to the feed, displacing any previous connection
// from the same terminal.
func (f *Feed) addClient(client *Client) {
	f.clientsMu.Lock()
	defer f.clientsMu.Unlock()

	if byMachine, ok := f.licenseClients[client.licenseKey]; ok {
		if prev, ok := byMachine[client.machineHash]; ok {
			delete(f.clients, prev.id)
			close(prev.send)
		}
	}

	f.clients[client.id] = client

	if _, ok := f.licenseClients[client.licenseKey]; !ok {
		f.licenseClients[client.licenseKey] = make(map[string]*Client)
	}
	f.licenseClients[client.licenseKey][client.machineHash] = client

	f.logger.Debug().
		Str("license_key", client.licenseKey).
		Str("machine_hash", client.machineHash).
		Msg("terminal channel opened")
}

// removeClient removes a client from the feed. If the terminal reconnected
// and the departing client was already displaced, nothing happens.
func (f *Feed) removeClient(client *Client) {
	f.clientsMu.Lock()

	if _, ok := f.clients[client.id]; !ok {
		f.clientsMu.Unlock()
		return
	}

	delete(f.clients, client.id)

	if byMachine, ok := f.licenseClients[client.licenseKey]; ok {
		delete(byMachine, client.machineHash)
		if len(byMachine) == 0 {
			delete(f.licenseClients, client.licenseKey)
		}
	}

	close(client.send)
	f.clientsMu.Unlock()

	f.logger.Debug().
		Str("license_key", client.licenseKey).
		Str("machine_hash", client.machineHash).
		Msg("terminal channel closed")

	if f.onDisconnect != nil {
		go f.onDisconnect(client.licenseKey, client.machineHash)
	}
}

// closeAllClients closes all client connections.
func (f *Feed) closeAllClients() {
	f.clientsMu.Lock()
	defer f.clientsMu.Unlock()

	for _, client := range f.clients {
		close(client.send)
	}
	f.clients = make(map[uuid.UUID]*Client)
	f.licenseClients = make(map[string]map[string]*Client)
}

// IsConnected reports whether a terminal holds a live push channel.
func (f *Feed) IsConnected(licenseKey, machineHash string) bool {
	f.clientsMu.RLock()
	defer f.clientsMu.RUnlock()

	byMachine, ok := f.licenseClients[licenseKey]
	if !ok {
		return false
	}
	_, ok = byMachine[machineHash]
	return ok
}

// Send pushes an event envelope to one terminal's channel. It returns
// ErrNotConnected when no channel exists and an error when the terminal's
// send buffer is full; delivery acknowledgment is tracked separately.
func (f *Feed) Send(licenseKey, machineHash string, env models.Envelope) error {
	f.clientsMu.RLock()
	var client *Client
	if byMachine, ok := f.licenseClients[licenseKey]; ok {
		client = byMachine[machineHash]
	}
	f.clientsMu.RUnlock()

	if client == nil {
		return ErrNotConnected
	}

	select {
	case client.send <- env:
		return nil
	default:
		f.logger.Warn().
			Str("license_key", licenseKey).
			Str("machine_hash", machineHash).
			Msg("terminal send buffer full, dropping push")
		return fmt.Errorf("terminal send buffer full")
	}
}

// HandleWebSocket upgrades the connection and attaches the push channel for
// an already-registered terminal.
func (f *Feed) HandleWebSocket(w http.ResponseWriter, r *http.Request, licenseKey, machineHash string) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Error().Err(err).Msg("failed to upgrade websocket connection")
		return
	}

	client := &Client{
		id:          uuid.New(),
		licenseKey:  licenseKey,
		machineHash: machineHash,
		conn:        conn,
		send:        make(chan models.Envelope, f.config.SendBufferSize),
		feed:        f,
	}

	f.register <- client

	go client.writePump()
	go client.readPump()
}

// GetClientCount returns the number of connected terminals for a license.
func (f *Feed) GetClientCount(licenseKey string) int {
	f.clientsMu.RLock()
	defer f.clientsMu.RUnlock()

	if byMachine, ok := f.licenseClients[licenseKey]; ok {
		return len(byMachine)
	}
	return 0
}

// GetTotalClientCount returns the total number of connected terminals.
func (f *Feed) GetTotalClientCount() int {
	f.clientsMu.RLock()
	defer f.clientsMu.RUnlock()
	return len(f.clients)
}

// readPump reads messages from the client. Terminals acknowledge events over
// HTTP, so the read side only maintains liveness deadlines.
func (c *Client) readPump() {
	defer func() {
		c.feed.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.feed.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.feed.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.feed.config.ReadTimeout))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.feed.logger.Debug().Err(err).Msg("websocket read error")
			}
			break
		}
	}
}

// writePump writes envelopes and pings to the client.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.feed.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.feed.config.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}

			data, _ := json.Marshal(env)
			w.Write(data)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.feed.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
