// Package server exposes the protocol surface: negotiate, connect,
// reconnect, poll, send, and abort. It owns connection identity (signed
// tokens), the per-connection subscription lifecycle, and the liveness
// monitor that tears down connections whose clients went silent.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/driftline/driftline/internal/acks"
	"github.com/driftline/driftline/internal/broker"
	"github.com/driftline/driftline/internal/bus"
	"github.com/driftline/driftline/internal/groups"
	"github.com/driftline/driftline/internal/transport"
)

// ProtocolVersion is reported at negotiate.
const ProtocolVersion = "1.0"

// Transport names accepted on connect/reconnect.
const (
	TransportWebSockets   = "webSockets"
	TransportSSE          = "serverSentEvents"
	TransportForeverFrame = "foreverFrame"
	TransportLongPolling  = "longPolling"
)

// maxSendBody bounds the size of a client-to-server message.
const maxSendBody = 64 * 1024

// ReceiverFunc handles client-to-server messages. It is the seam where a
// dispatch/RPC layer plugs in; the server accepts the message asynchronously
// and does not interpret it.
type ReceiverFunc func(ctx context.Context, connectionID string, data []byte) error

// Config tunes the server.
type Config struct {
	// PollTimeout bounds how long a long-poll request idles.
	PollTimeout time.Duration
	// KeepAlive is the outbound keep-alive window for streaming transports.
	KeepAlive time.Duration
	// DisconnectTimeout is how long a connection's client may stay silent
	// before the subscription is torn down.
	DisconnectTimeout time.Duration
	// Receiver handles inbound messages; nil drops them with a log line.
	Receiver ReceiverFunc
	// Logger receives server diagnostics; nil falls back to log.Default().
	Logger *log.Logger
}

func (c *Config) defaults() {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 110 * time.Second
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 10 * time.Second
	}
	if c.DisconnectTimeout <= 0 {
		c.DisconnectTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
}

// Server wires the protocol endpoints to the bus, broker, and ack
// coordinator.
type Server struct {
	cfg     Config
	b       *bus.Bus
	br      *broker.Broker
	acks    *acks.Coordinator
	tokens  *TokenService
	monitor *transport.Monitor
	logger  *log.Logger

	mu   sync.Mutex
	live map[string]*bus.Subscription // streaming subscriptions by connection id
}

// New creates a Server and starts its liveness monitor. Call Close to stop
// it.
func New(b *bus.Bus, br *broker.Broker, coordinator *acks.Coordinator, tokens *TokenService, cfg Config) *Server {
	cfg.defaults()
	s := &Server{
		cfg:    cfg,
		b:      b,
		br:     br,
		acks:   coordinator,
		tokens: tokens,
		logger: cfg.Logger,
		live:   make(map[string]*bus.Subscription),
	}
	s.monitor = transport.NewMonitor(cfg.DisconnectTimeout, s.drop, cfg.Logger)
	return s
}

// RegisterRoutes wires the protocol endpoints.
func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/negotiate", s.handleNegotiate).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/connect", s.handleConnect).Methods(http.MethodGet)
	r.HandleFunc("/reconnect", s.handleReconnect).Methods(http.MethodGet)
	r.HandleFunc("/poll", s.handlePoll).Methods(http.MethodGet)
	r.HandleFunc("/send", s.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/abort", s.handleAbort).Methods(http.MethodPost)
}

// negotiationResponse is the negotiate payload: everything a client needs to
// pick a transport and open a connection.
type negotiationResponse struct {
	ConnectionID      string   `json:"connectionId"`
	ConnectionToken   string   `json:"connectionToken"`
	ProtocolVersion   string   `json:"protocolVersion"`
	Transports        []string `json:"transports"`
	KeepAliveTimeout  float64  `json:"keepAliveTimeout"`
	DisconnectTimeout float64  `json:"disconnectTimeout"`
}

func (s *Server) handleNegotiate(w http.ResponseWriter, r *http.Request) {
	connectionID := uuid.New().String()
	token, err := s.tokens.ConnectionToken(connectionID)
	if err != nil {
		s.logger.Printf("server: issue connection token: %v", err)
		writeError(w, http.StatusInternalServerError, "token issuance failed")
		return
	}

	writeJSON(w, http.StatusOK, negotiationResponse{
		ConnectionID:    connectionID,
		ConnectionToken: token,
		ProtocolVersion: ProtocolVersion,
		Transports: []string{
			TransportWebSockets, TransportSSE, TransportForeverFrame, TransportLongPolling,
		},
		KeepAliveTimeout:  s.cfg.KeepAlive.Seconds(),
		DisconnectTimeout: s.cfg.DisconnectTimeout.Seconds(),
	})
}

// authenticate resolves the connection id from the request's connection
// token.
func (s *Server) authenticate(r *http.Request) (string, error) {
	token := r.URL.Query().Get("connectionToken")
	if token == "" {
		token = r.PostFormValue("connectionToken")
	}
	if token == "" {
		return "", fmt.Errorf("missing connection token")
	}
	return s.tokens.ParseConnectionToken(token)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	connectionID, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid connection token")
		return
	}
	s.monitor.Touch(connectionID)

	topics := []string{groups.ConnectionTopic(connectionID), groups.TopicBroadcast}
	transportName := r.URL.Query().Get("transport")

	if transportName == TransportLongPolling {
		// Long polling has no persistent handler: hand the client its
		// starting cursor and let it begin polling.
		cursor := s.currentCursor(topics)
		writeJSON(w, http.StatusOK, transport.InitEnvelope(cursor))
		return
	}

	sub, err := s.openStreaming(connectionID, topics, nil)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.serveStreaming(w, r, sub, transportName)
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	connectionID, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid connection token")
		return
	}
	s.monitor.Touch(connectionID)

	cursor, err := bus.ParseCursor(r.URL.Query().Get("messageId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed cursor")
		return
	}
	topics, err := s.reconnectTopics(r, connectionID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	transportName := r.URL.Query().Get("transport")
	if transportName == TransportLongPolling {
		s.servePoll(w, r, connectionID, topics, cursor)
		return
	}

	sub, err := s.openStreaming(connectionID, topics, cursor)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.serveStreaming(w, r, sub, transportName)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	connectionID, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid connection token")
		return
	}
	s.monitor.Touch(connectionID)

	cursor, err := bus.ParseCursor(r.URL.Query().Get("messageId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed cursor")
		return
	}
	topics, err := s.reconnectTopics(r, connectionID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	s.servePoll(w, r, connectionID, topics, cursor)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	connectionID, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid connection token")
		return
	}
	s.monitor.Touch(connectionID)

	data, err := io.ReadAll(io.LimitReader(r.Body, maxSendBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if len(data) > maxSendBody {
		writeError(w, http.StatusRequestEntityTooLarge, "message too large")
		return
	}

	if err := s.handleInbound(r.Context(), connectionID, data); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	connectionID, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid connection token")
		return
	}

	// Best effort: tell a live streaming transport to shut down, then drop
	// server-side state either way.
	if err := s.b.Publish(r.Context(), groups.ConnectionTopic(connectionID), nil, bus.FlagAbort, ""); err != nil {
		s.logger.Printf("server: abort publish for %s: %v", connectionID, err)
	}
	s.drop(connectionID)
	s.monitor.Forget(connectionID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborted"})
}

// reconnectTopics rebuilds the topic set from the connection's base topics
// plus the groups token presented on reconnect.
func (s *Server) reconnectTopics(r *http.Request, connectionID string) ([]string, error) {
	topics := []string{groups.ConnectionTopic(connectionID), groups.TopicBroadcast}
	token := r.URL.Query().Get("groupsToken")
	if token == "" {
		return topics, nil
	}
	groupTopics, err := s.tokens.ParseGroupsToken(token, connectionID)
	if err != nil {
		return nil, fmt.Errorf("invalid groups token")
	}
	return append(topics, groupTopics...), nil
}

// openStreaming registers the connection's long-lived subscription,
// replacing any previous one (a reconnect superseding a half-dead stream).
func (s *Server) openStreaming(connectionID string, topics []string, cursor bus.Cursor) (*bus.Subscription, error) {
	s.drop(connectionID)

	sub, err := s.b.Subscribe(connectionID, topics, cursor)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.live[connectionID] = sub
	s.mu.Unlock()
	return sub, nil
}

func (s *Server) serveStreaming(w http.ResponseWriter, r *http.Request, sub *bus.Subscription, transportName string) {
	connectionID := connectionIDOf(sub)
	defer func() {
		s.mu.Lock()
		if s.live[connectionID] == sub {
			delete(s.live, connectionID)
		}
		s.mu.Unlock()
		s.b.Unsubscribe(sub)
		// The monitor entry stays: the client is expected to reconnect, and
		// the disconnect timeout reaps it if it never does.
	}()

	opts := s.transportOptions(connectionID)
	switch transportName {
	case TransportWebSockets:
		transport.ServeWebSocket(w, r, sub, s.br, opts)
	case TransportSSE:
		transport.ServeSSE(w, r, sub, s.br, opts)
	case TransportForeverFrame:
		transport.ServeForeverFrame(w, r, sub, s.br, opts)
	default:
		writeError(w, http.StatusBadRequest, "unknown transport")
	}
}

// servePoll runs one long-poll cycle over a per-request subscription.
// Between polls the topic rings hold the connection's backlog; the cursor
// carried by the client is the only subscription state.
func (s *Server) servePoll(w http.ResponseWriter, r *http.Request, connectionID string, topics []string, cursor bus.Cursor) {
	subID := connectionID + "/" + uuid.New().String()
	sub, err := s.b.Subscribe(subID, topics, cursor)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	defer s.b.Unsubscribe(sub)

	transport.ServeLongPoll(w, r, sub, s.br, s.transportOptions(connectionID))
}

func (s *Server) transportOptions(connectionID string) transport.Options {
	return transport.Options{
		PollTimeout: s.cfg.PollTimeout,
		KeepAlive:   s.cfg.KeepAlive,
		GroupsToken: s.mintGroupsToken,
		OnInbound: func(ctx context.Context, data []byte) error {
			s.monitor.Touch(connectionID)
			return s.handleInbound(ctx, connectionID, data)
		},
		// Streaming listeners may never issue another HTTP request; the
		// transport's own liveness evidence keeps them off the reap list.
		Alive: func() { s.monitor.Touch(connectionID) },
		Logger: s.logger,
	}
}

// mintGroupsToken issues a fresh groups token from the subscription's
// current topic set.
func (s *Server) mintGroupsToken(sub *bus.Subscription) (string, error) {
	var groupTopics []string
	for _, topic := range sub.Topics() {
		if strings.HasPrefix(topic, "g.") {
			groupTopics = append(groupTopics, topic)
		}
	}
	return s.tokens.GroupsToken(connectionIDOf(sub), groupTopics)
}

// handleInbound interprets one client frame: acks complete their pending
// entry, everything else is handed to the receiver.
func (s *Server) handleInbound(ctx context.Context, connectionID string, data []byte) error {
	var frame transport.InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return fmt.Errorf("malformed frame: %w", err)
	}

	switch frame.Type {
	case "ack":
		if frame.AckID == "" {
			return fmt.Errorf("ack frame missing ackId")
		}
		s.acks.Complete(frame.AckID)
		return nil
	case "send":
		if s.cfg.Receiver == nil {
			s.logger.Printf("server: no receiver configured, dropping message from %s", connectionID)
			return nil
		}
		return s.cfg.Receiver(ctx, connectionID, frame.Data)
	default:
		return fmt.Errorf("unknown frame type %q", frame.Type)
	}
}

// currentCursor snapshots the current sequence of each topic, the starting
// point for a fresh connection: messages published before connect are never
// delivered retroactively.
func (s *Server) currentCursor(topics []string) string {
	cursor := make(bus.Cursor, len(topics))
	for _, topic := range topics {
		cursor[topic] = s.b.Store().CurrentSequence(topic)
	}
	return cursor.String()
}

// drop tears down the connection's live streaming subscription, if any. Safe
// to call concurrently with an in-progress drain.
func (s *Server) drop(connectionID string) {
	s.mu.Lock()
	sub := s.live[connectionID]
	delete(s.live, connectionID)
	s.mu.Unlock()

	if sub != nil {
		s.b.Unsubscribe(sub)
	}
}

// connectionIDOf recovers the connection id from a subscription id (per-poll
// subscriptions carry a "/"-separated suffix).
func connectionIDOf(sub *bus.Subscription) string {
	if i := strings.IndexByte(sub.ID, '/'); i >= 0 {
		return sub.ID[:i]
	}
	return sub.ID
}

// Close stops the liveness monitor and drops live subscriptions.
func (s *Server) Close() {
	s.monitor.Close()

	s.mu.Lock()
	subs := make([]*bus.Subscription, 0, len(s.live))
	for _, sub := range s.live {
		subs = append(subs, sub)
	}
	s.live = make(map[string]*bus.Subscription)
	s.mu.Unlock()

	for _, sub := range subs {
		s.b.Unsubscribe(sub)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
