package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"dvr-worker-go/internal/config"
	"dvr-worker-go/internal/events"
)

// Envelope is what goes on the wire for every forwarded event.
type Envelope struct {
	WorkerID string      `json:"worker_id"`
	Kind     events.Kind `json:"kind"`
	Source   string      `json:"source"`
	Time     time.Time   `json:"time"`
	Payload  interface{} `json:"payload"`
}

// Command is a remote control request received on the control subject.
type Command struct {
	Action string            `json:"action"`
	Params map[string]string `json:"params,omitempty"`
}

type Reply struct {
	OK     bool        `json:"ok"`
	Error  string      `json:"error,omitempty"`
	Result interface{} `json:"result,omitempty"`
}

// CommandHandler serves one control action.
type CommandHandler func(cmd Command) (interface{}, error)

type Service struct {
	conn *nats.Conn
	cfg  *config.Config

	mu       sync.RWMutex
	handlers map[string]CommandHandler
	subs     []*nats.Subscription
}

func NewService(cfg *config.Config) (*Service, error) {
	opts := []nats.Option{
		nats.Name("dvr-worker-" + cfg.WorkerID),
		nats.Timeout(cfg.NatsConnectTimeout),
		nats.ReconnectWait(cfg.NatsReconnectWait),
		nats.MaxReconnects(cfg.NatsMaxReconnects),
		nats.DrainTimeout(cfg.NatsDrainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	conn, err := nats.Connect(cfg.NatsURL, opts...)
	if err != nil {
		return nil, err
	}

	log.Info().Str("url", cfg.NatsURL).Msg("NATS connection established")

	return newService(conn, cfg), nil
}

func newService(conn *nats.Conn, cfg *config.Config) *Service {
	return &Service{
		conn:     conn,
		cfg:      cfg,
		handlers: make(map[string]CommandHandler),
	}
}

// EventSubject is where events of the given kind are published.
func (s *Service) EventSubject(kind events.Kind) string {
	return fmt.Sprintf("%s.events.%s", s.cfg.NatsSubjectPrefix, kind)
}

// ControlSubject is where this worker listens for commands.
func (s *Service) ControlSubject() string {
	return fmt.Sprintf("%s.control.%s", s.cfg.NatsSubjectPrefix, s.cfg.WorkerID)
}

func (s *Service) Publish(subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}

	return s.conn.Publish(subject, payload)
}

func (s *Service) Subscribe(subject string, handler func(*nats.Msg)) (*nats.Subscription, error) {
	sub, err := s.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return sub, nil
}

// Forward publishes every bus event. Events raised while disconnected are
// buffered by the client up to its reconnect buffer and dropped beyond it.
func (s *Service) Forward(bus *events.Bus) func() {
	return bus.Subscribe(func(ev events.Event) {
		env := s.envelope(ev)
		if err := s.Publish(s.EventSubject(ev.Kind), env); err != nil {
			log.Debug().Err(err).Str("kind", string(ev.Kind)).Msg("Failed to forward event to NATS")
		}
	})
}

func (s *Service) envelope(ev events.Event) Envelope {
	return Envelope{
		WorkerID: s.cfg.WorkerID,
		Kind:     ev.Kind,
		Source:   ev.Source,
		Time:     ev.Time,
		Payload:  ev.Payload,
	}
}

// Handle registers a control action. Handlers added after ServeControl are
// picked up too.
func (s *Service) Handle(action string, h CommandHandler) {
	s.mu.Lock()
	s.handlers[action] = h
	s.mu.Unlock()
}

// ServeControl answers request/reply commands on the control subject.
func (s *Service) ServeControl() error {
	subject := s.ControlSubject()
	_, err := s.Subscribe(subject, func(msg *nats.Msg) {
		reply := s.dispatch(msg.Data)
		if msg.Reply == "" {
			return
		}
		data, err := json.Marshal(reply)
		if err != nil {
			log.Error().Err(err).Msg("Failed to encode control reply")
			return
		}
		if err := msg.Respond(data); err != nil {
			log.Warn().Err(err).Msg("Failed to send control reply")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	log.Info().Str("subject", subject).Msg("Listening for control commands")
	return nil
}

func (s *Service) dispatch(data []byte) Reply {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Reply{Error: "invalid command: " + err.Error()}
	}

	s.mu.RLock()
	h, ok := s.handlers[cmd.Action]
	s.mu.RUnlock()
	if !ok {
		return Reply{Error: fmt.Sprintf("unknown action %q", cmd.Action)}
	}

	result, err := h(cmd)
	if err != nil {
		log.Warn().Err(err).Str("action", cmd.Action).Msg("Control command failed")
		return Reply{Error: err.Error()}
	}
	log.Info().Str("action", cmd.Action).Msg("Control command handled")
	return Reply{OK: true, Result: result}
}

func (s *Service) IsConnected() bool {
	return s.conn != nil && s.conn.IsConnected()
}

func (s *Service) Shutdown(ctx context.Context) error {
	if s.conn == nil {
		return nil
	}

	s.mu.Lock()
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
	s.mu.Unlock()

	done := make(chan struct{})
	s.conn.SetClosedHandler(func(*nats.Conn) { close(done) })

	// Try graceful drain with timeout, fallback to immediate close
	if err := s.conn.Drain(); err != nil {
		log.Warn().Err(err).Msg("Failed to drain NATS connection gracefully, closing immediately")
		s.conn.Close()
		return nil
	}

	select {
	case <-done:
	case <-ctx.Done():
		s.conn.Close()
		return ctx.Err()
	}
	return nil
}
