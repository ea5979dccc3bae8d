package transport

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sroej/mini/internal/domain"
	"github.com/sroej/mini/internal/escrow"
)

const eventBufferSize = 16

// socket is one tenant's gateway connection. The read loop owns the
// websocket's read side; writes are serialized by writeMu.
type socket struct {
	conn       *websocket.Conn
	tenantID   string
	bundleDir  string
	registered bool

	events chan domain.Event
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once

	mu       sync.Mutex
	identity string
	pairing  chan frame
}

func newSocket(conn *websocket.Conn, tenantID, bundleDir string, registered bool, identity string) *socket {
	return &socket{
		conn:       conn,
		tenantID:   tenantID,
		bundleDir:  bundleDir,
		registered: registered,
		identity:   identity,
		events:     make(chan domain.Event, eventBufferSize),
		done:       make(chan struct{}),
	}
}

func (s *socket) Events() <-chan domain.Event { return s.events }

func (s *socket) Registered() bool { return s.registered }

func (s *socket) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *socket) RequestPairingCode(ctx context.Context, number string) (string, error) {
	reply := make(chan frame, 1)

	s.mu.Lock()
	if s.pairing != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("pairing request already in flight")
	}
	s.pairing = reply
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.pairing = nil
		s.mu.Unlock()
	}()

	if err := s.writeFrame(frame{Type: framePairing, Number: number}); err != nil {
		return "", fmt.Errorf("failed to send pairing request: %w", err)
	}

	select {
	case f := <-reply:
		if f.Error != "" {
			return "", fmt.Errorf("gateway refused pairing code: %s", f.Error)
		}
		return f.Code, nil
	case <-s.done:
		return "", fmt.Errorf("socket closed while awaiting pairing code")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *socket) Send(ctx context.Context, to, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.writeFrame(frame{Type: frameSend, To: to, Text: text}); err != nil {
		return fmt.Errorf("failed to send message frame: %w", err)
	}
	return nil
}

func (s *socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		s.writeMu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		_ = s.conn.WriteMessage(websocket.CloseMessage, closeMsg)
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *socket) writeFrame(f frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return s.conn.WriteJSON(f)
}

// readLoop pumps gateway frames into the event channel until the
// connection ends. The event channel is closed on exit so consumers
// observe the stream end.
func (s *socket) readLoop() {
	defer close(s.events)

	for {
		var f frame
		if err := s.conn.ReadJSON(&f); err != nil {
			select {
			case <-s.done:
			default:
				slog.Debug("Gateway connection ended", "tenant", s.tenantID, "error", err)
			}
			return
		}

		switch f.Type {
		case frameConnecting:
			s.emit(domain.EventConnecting{})
		case frameOpen:
			s.mu.Lock()
			if f.Identity != "" {
				s.identity = f.Identity
			}
			s.mu.Unlock()
			s.emit(domain.EventOpen{})
		case frameClose:
			s.emit(domain.EventClosed{Reason: domain.DisconnectReason(f.StatusCode)})
		case framePairingCode:
			s.mu.Lock()
			reply := s.pairing
			s.mu.Unlock()
			if reply != nil {
				select {
				case reply <- f:
				default:
				}
			}
		case frameCredentials:
			if err := s.writeBundle(f); err != nil {
				slog.Warn("Failed to persist credential bundle", "tenant", s.tenantID, "error", err)
			}
		default:
			slog.Debug("Ignoring unknown gateway frame", "tenant", s.tenantID, "type", f.Type)
		}
	}
}

// emit delivers an event unless the socket was closed underneath us.
func (s *socket) emit(ev domain.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// writeBundle stores refreshed credentials pushed by the gateway. This
// is how the local bundle file comes into existence after pairing.
func (s *socket) writeBundle(f frame) error {
	if err := os.MkdirAll(s.bundleDir, 0o755); err != nil {
		return fmt.Errorf("failed to create bundle directory: %w", err)
	}
	path := filepath.Join(s.bundleDir, escrow.BundleFileName)
	if err := os.WriteFile(path, f.Credentials, 0o600); err != nil {
		return fmt.Errorf("failed to write bundle file: %w", err)
	}
	return nil
}
