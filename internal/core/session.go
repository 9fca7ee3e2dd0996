package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/keepmind9/miraibot/internal/errs"
	"github.com/keepmind9/miraibot/internal/logger"
	"github.com/keepmind9/miraibot/internal/transport"
	"github.com/sirupsen/logrus"
)

// Session is the bot's authenticated identity on the gateway. It is
// established once per process; there is no reconnection.
type Session struct {
	BotID     int64
	verifyKey string
	kind      transport.Kind

	mu       sync.RWMutex
	token    string
	external bool
}

// NewSession creates a session. A non-empty token marks the session as
// externally supplied and skips the handshake.
func NewSession(botID int64, verifyKey, token string, kind transport.Kind) *Session {
	return &Session{
		BotID:     botID,
		verifyKey: verifyKey,
		kind:      kind,
		token:     token,
		external:  token != "",
	}
}

// Token returns the session key, empty before the handshake
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Kind returns the transport style of the session
func (s *Session) Kind() transport.Kind {
	return s.kind
}

// External reports whether the token was supplied at construction
func (s *Session) External() bool {
	return s.external
}

func (s *Session) setToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// EstablishPoll verifies the key and binds the resulting session to the
// bot. A rejected bind is logged and ignored; the gateway accepts the
// session for fetches regardless.
func (s *Session) EstablishPoll(ctx context.Context, t transport.PollTransport) error {
	log := logger.ForComponent("session").WithField("qq", s.BotID)

	if s.Token() != "" {
		log.Info("session-supplied-skipping-handshake")
		return nil
	}

	hr, err := t.Verify(ctx, s.verifyKey)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	if err := s.accept(hr); err != nil {
		return err
	}

	if err := t.Bind(ctx, s.Token(), s.BotID); err != nil {
		if errs.IsTransient(err) {
			return fmt.Errorf("bind: %w", err)
		}
		log.WithField("error", err).Warn("session-bind-rejected")
	}

	log.Info("session-established")
	return nil
}

// EstablishStream opens the stream transport. Without a token the verify
// key is presented and the handshake frame yields the token; with a token
// the connection is opened on the existing session.
func (s *Session) EstablishStream(ctx context.Context, t transport.StreamTransport) error {
	hr, err := t.Connect(ctx, s.verifyKey, s.Token(), s.BotID)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	if s.Token() != "" {
		if hr.Code != transport.CodeOK {
			return classifyHandshake(hr)
		}
		logger.ForComponent("session").WithField("qq", s.BotID).Info("session-supplied-connected")
		return nil
	}

	if err := s.accept(hr); err != nil {
		return err
	}
	logger.ForComponent("session").WithField("qq", s.BotID).Info("session-established")
	return nil
}

func (s *Session) accept(hr *transport.HandshakeResponse) error {
	if hr.Code == transport.CodeOK && hr.Session != "" {
		s.setToken(hr.Session)
		return nil
	}
	return classifyHandshake(hr)
}

func classifyHandshake(hr *transport.HandshakeResponse) error {
	err := handshakeError(hr)
	logger.ForComponent("session").WithFields(logrus.Fields{
		"code":  hr.Code,
		"error": err,
	}).Error("handshake-failed")
	return err
}

func handshakeError(hr *transport.HandshakeResponse) error {
	if hr.Code == transport.CodeInvalidKey {
		return &errs.AuthError{Code: hr.Code, Msg: hr.Msg}
	}
	return errs.NewProtocolError("handshake",
		fmt.Sprintf("unknown response (code %d, session %t)", hr.Code, hr.Session != ""), nil)
}
