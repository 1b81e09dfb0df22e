package bridge

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/n42/matrix-rocketchat/internal/database"
	"github.com/n42/matrix-rocketchat/internal/rocketchat"
)

// Backoff bounds for realtime reconnects.
const (
	realtimeBaseBackoff  = 2 * time.Second
	realtimeMaxBackoff   = 5 * time.Minute
	realtimeResyncPeriod = time.Minute
)

// RealtimeSupervisor maintains one DDP connection per connected Rocket.Chat
// server that has a logged-in user, as an ingestion fallback for deployments
// where outgoing webhooks cannot be configured. Stream events run through the
// same pipeline as webhook messages. A broken stream is retried with backoff
// and never affects the webhook path.
type RealtimeSupervisor struct {
	log     *slog.Logger
	db      *database.Database
	router  *EventRouter
	metrics *Metrics

	mu        sync.Mutex
	streams   map[string]struct{} // server ids with a running stream goroutine
	connected int
	stopped   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewRealtimeSupervisor creates a supervisor. Call Start to begin streaming.
func NewRealtimeSupervisor(log *slog.Logger, db *database.Database, router *EventRouter, metrics *Metrics) *RealtimeSupervisor {
	return &RealtimeSupervisor{
		log:     log,
		db:      db,
		router:  router,
		metrics: metrics,
		streams: make(map[string]struct{}),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the supervision loop. Servers connected or logged in after
// startup are picked up on the next resync.
func (s *RealtimeSupervisor) Start() {
	s.wg.Add(1)
	go s.supervise()
}

// Stop shuts down all streams and waits for them to exit.
func (s *RealtimeSupervisor) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *RealtimeSupervisor) supervise() {
	defer s.wg.Done()

	s.syncStreams()

	ticker := time.NewTicker(realtimeResyncPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.syncStreams()
		}
	}
}

// syncStreams starts a stream goroutine for every server that does not have
// one yet. Exited streams are respawned here once their server qualifies
// again.
func (s *RealtimeSupervisor) syncStreams() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	servers, err := s.db.Servers.All(ctx)
	if err != nil {
		s.log.Error("failed to list servers for realtime streams", "error", err)
		return
	}
	for _, server := range servers {
		s.ensureStream(server)
	}
}

func (s *RealtimeSupervisor) ensureStream(server *database.Server) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if _, ok := s.streams[server.ID]; ok {
		return
	}
	s.streams[server.ID] = struct{}{}
	s.wg.Add(1)
	go s.runStream(server)
}

func (s *RealtimeSupervisor) forgetStream(serverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, serverID)
}

// runStream keeps the stream of one server alive until the supervisor stops
// or the server no longer has a logged-in user.
func (s *RealtimeSupervisor) runStream(server *database.Server) {
	defer s.wg.Done()
	defer s.forgetStream(server.ID)

	wsURL := rocketchat.WebsocketURL(server.RocketchatURL)
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if s.metrics != nil {
				s.metrics.IncrRealtimeReconnectAttempts()
			}
			backoff := realtimeBackoff(attempt)
			s.log.Info("reconnecting realtime stream",
				"server_id", server.ID, "attempt", attempt, "backoff", backoff)
			select {
			case <-s.stopCh:
				return
			case <-time.After(backoff):
			}
		}

		again, err := s.streamOnce(server, wsURL, attempt)
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			s.log.Warn("realtime stream ended", "server_id", server.ID, "error", err)
			continue
		}
		if !again {
			return
		}
	}
}

// streamOnce runs one connection lifetime. It returns (false, nil) when the
// stream is no longer wanted and (true, nil) on an orderly shutdown of a
// connection that should be reopened.
func (s *RealtimeSupervisor) streamOnce(server *database.Server, wsURL string, attempt int) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	user, err := s.db.ServerUsers.FirstWithCredentials(ctx, server.ID)
	if err != nil {
		return true, err
	}
	if user == nil {
		s.log.Debug("no logged in user, skipping realtime stream", "server_id", server.ID)
		return false, nil
	}
	rooms, err := s.db.Rooms.BridgedForServer(ctx, server.ID)
	if err != nil {
		return true, err
	}

	client := rocketchat.NewRealtimeClient(wsURL, s.deliver(server), s.log)
	if err := client.Connect(ctx); err != nil {
		return true, err
	}
	defer client.Close()

	if err := client.Login(ctx, user.RocketchatAuthToken.String); err != nil {
		return true, err
	}
	for _, room := range rooms {
		if err := client.Subscribe(room.RocketchatRoomID.String); err != nil {
			return true, err
		}
	}

	if s.metrics != nil && attempt > 0 {
		s.metrics.IncrRealtimeReconnectSuccesses()
	}
	s.markConnected(1)
	defer s.markConnected(-1)

	s.log.Info("realtime stream established",
		"server_id", server.ID, "channels", len(rooms))
	if err := client.Run(s.stopCh); err != nil {
		return true, err
	}
	return true, nil
}

// deliver adapts stream messages into the webhook pipeline. Admission is
// skipped, the connection is already authenticated.
func (s *RealtimeSupervisor) deliver(server *database.Server) rocketchat.RealtimeHandler {
	return func(msg rocketchat.RealtimeMessage) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		hook := &rocketchat.WebhookMessage{
			MessageID: msg.ID,
			ChannelID: msg.ChannelID,
			UserID:    msg.UserID,
			UserName:  msg.UserName,
			Text:      msg.Text,
		}
		if err := s.router.ProcessWebhook(ctx, server, hook); err != nil {
			s.log.Error("failed to process realtime message",
				"server_id", server.ID, "channel_id", msg.ChannelID, "error", err)
		}
	}
}

func (s *RealtimeSupervisor) markConnected(delta int) {
	s.mu.Lock()
	s.connected += delta
	n := s.connected
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SetRealtimeConnections(int64(n))
	}
}

// realtimeBackoff returns the wait before the given reconnect attempt,
// doubling from the base with 75%-125% jitter.
func realtimeBackoff(attempt int) time.Duration {
	backoff := float64(realtimeBaseBackoff) * math.Pow(2, float64(attempt-1))
	if backoff > float64(realtimeMaxBackoff) {
		backoff = float64(realtimeMaxBackoff)
	}
	jitter := 0.75 + 0.5*float64(time.Now().UnixNano()%1000)/1000.0
	return time.Duration(backoff * jitter)
}
