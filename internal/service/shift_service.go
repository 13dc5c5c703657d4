package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"Mansoor88-6/worktime-agent/internal/models"
	"Mansoor88-6/worktime-agent/internal/queue"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrNoSession is returned for session operations while nobody is logged in
	ErrNoSession = errors.New("no active session")
	// ErrSessionTerminated is returned after the session was kicked or finished remotely
	ErrSessionTerminated = errors.New("session terminated remotely")
)

// ShiftService records logins, status changes and logouts into the local log
type ShiftService struct {
	log     *queue.EventLog
	current *SessionStore
	logger  *zap.Logger
	now     func() time.Time

	mu         sync.Mutex
	terminated *models.ForceLogout
}

// NewShiftService creates a new shift service
func NewShiftService(log *queue.EventLog, current *SessionStore, logger *zap.Logger) *ShiftService {
	return &ShiftService{
		log:     log,
		current: current,
		logger:  logger,
		now:     time.Now,
	}
}

// RecordEvent appends ev to the local log. It never touches the network.
func (s *ShiftService) RecordEvent(ctx context.Context, ev models.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminated != nil && ev.SessionID == s.terminated.SessionID && ev.ActionType != models.ActionLogout {
		return 0, ErrSessionTerminated
	}
	return s.log.Append(ctx, ev)
}

// Login opens a new session. A session still open on this device is logged out first.
func (s *ShiftService) Login(ctx context.Context, req models.LoginRequest) (models.CurrentSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" {
		return models.CurrentSession{}, &queue.ValidationError{Field: "email", Message: "is required"}
	}

	prev, ok, err := s.current.Load(ctx)
	if err != nil {
		return models.CurrentSession{}, err
	}
	if ok {
		s.logger.Info("Closing previous session before login", zap.String("session_id", prev.SessionID))
		if err := s.logout(ctx, prev, models.ReasonAuto, ""); err != nil {
			return models.CurrentSession{}, err
		}
	}

	now := s.now()
	cur := models.CurrentSession{
		Email:     email,
		Name:      strings.TrimSpace(req.Name),
		Group:     strings.TrimSpace(req.Group),
		SessionID: uuid.New().String(),
		LoginTime: now,
		Status:    strings.TrimSpace(req.Status),
	}

	ev := models.Event{
		SessionID:  cur.SessionID,
		Email:      cur.Email,
		Name:       cur.Name,
		Group:      cur.Group,
		ActionType: models.ActionLogin,
		Comment:    req.Comment,
		Timestamp:  now,
	}
	if cur.Status != "" {
		ev.Status = models.StringPtr(cur.Status)
	}
	if _, err := s.log.Append(ctx, ev); err != nil {
		return models.CurrentSession{}, fmt.Errorf("failed to record login: %w", err)
	}
	if err := s.current.Save(ctx, cur); err != nil {
		return models.CurrentSession{}, fmt.Errorf("failed to save current session: %w", err)
	}
	s.terminated = nil

	s.logger.Info("Shift started",
		zap.String("email", cur.Email),
		zap.String("session_id", cur.SessionID),
	)
	return cur, nil
}

// ChangeStatus closes the open status interval and opens a new one
func (s *ShiftService) ChangeStatus(ctx context.Context, status, comment string) (models.CurrentSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.active(ctx)
	if err != nil {
		return models.CurrentSession{}, err
	}
	status = strings.TrimSpace(status)
	if status == "" {
		return models.CurrentSession{}, &queue.ValidationError{Field: "status", Message: "is required"}
	}

	if _, _, err := s.log.CloseOpenStatus(ctx, cur.Email, cur.SessionID); err != nil {
		return models.CurrentSession{}, fmt.Errorf("failed to close open status: %w", err)
	}
	_, err = s.log.Append(ctx, models.Event{
		SessionID:  cur.SessionID,
		Email:      cur.Email,
		Name:       cur.Name,
		Group:      cur.Group,
		Status:     models.StringPtr(status),
		ActionType: models.ActionStatusChange,
		Comment:    comment,
		Timestamp:  s.now(),
	})
	if err != nil {
		return models.CurrentSession{}, fmt.Errorf("failed to record status change: %w", err)
	}

	cur.Status = status
	if err := s.current.Save(ctx, cur); err != nil {
		return models.CurrentSession{}, fmt.Errorf("failed to save current session: %w", err)
	}
	s.logger.Debug("Status changed", zap.String("session_id", cur.SessionID), zap.String("status", status))
	return cur, nil
}

// Logout ends the current session. An empty reason means user.
func (s *ShiftService) Logout(ctx context.Context, reason, comment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch reason {
	case "":
		reason = models.ReasonUser
	case models.ReasonUser, models.ReasonAdmin, models.ReasonAuto:
	default:
		return &queue.ValidationError{Field: "reason", Message: fmt.Sprintf("%q is not supported", reason)}
	}

	cur, err := s.active(ctx)
	if err != nil {
		return err
	}
	return s.logout(ctx, cur, reason, comment)
}

// HandleForceLogout reacts to a remote termination of the current session
func (s *ShiftService) HandleForceLogout(ev models.ForceLogout) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := context.Background()
	cur, ok, err := s.current.Load(ctx)
	if err != nil {
		s.logger.Error("Failed to load current session", zap.Error(err))
		return
	}
	if !ok || cur.SessionID != ev.SessionID {
		s.logger.Debug("Ignoring force logout for another session", zap.String("session_id", ev.SessionID))
		return
	}

	term := ev
	s.terminated = &term

	reason := models.ReasonAuto
	if ev.Status == models.SessionKicked {
		reason = models.ReasonAdmin
	}
	if err := s.logout(ctx, cur, reason, ""); err != nil {
		s.logger.Error("Failed to record forced logout",
			zap.String("session_id", cur.SessionID),
			zap.Error(err),
		)
		return
	}
	s.logger.Warn("Session closed by remote command",
		zap.String("email", cur.Email),
		zap.String("session_id", cur.SessionID),
		zap.String("status", string(ev.Status)),
	)
}

// State returns the current session and whether it was terminated remotely
func (s *ShiftService) State(ctx context.Context) (models.ShiftState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st models.ShiftState
	if s.terminated != nil {
		term := *s.terminated
		st.Terminated = true
		st.Termination = &term
	}
	cur, ok, err := s.current.Load(ctx)
	if err != nil {
		return st, err
	}
	if ok {
		st.Session = &cur
	}
	return st, nil
}

func (s *ShiftService) active(ctx context.Context) (models.CurrentSession, error) {
	if s.terminated != nil {
		return models.CurrentSession{}, ErrSessionTerminated
	}
	cur, ok, err := s.current.Load(ctx)
	if err != nil {
		return models.CurrentSession{}, err
	}
	if !ok {
		return models.CurrentSession{}, ErrNoSession
	}
	return cur, nil
}

func (s *ShiftService) logout(ctx context.Context, cur models.CurrentSession, reason, comment string) error {
	if _, _, err := s.log.CloseOpenStatus(ctx, cur.Email, cur.SessionID); err != nil {
		return fmt.Errorf("failed to close open status: %w", err)
	}
	_, err := s.log.Append(ctx, models.Event{
		SessionID:  cur.SessionID,
		Email:      cur.Email,
		Name:       cur.Name,
		Group:      cur.Group,
		ActionType: models.ActionLogout,
		Comment:    comment,
		Timestamp:  s.now(),
		Reason:     reason,
		Priority:   models.PriorityHigh,
	})
	if err != nil {
		return fmt.Errorf("failed to record logout: %w", err)
	}
	if err := s.current.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear current session: %w", err)
	}
	s.logger.Info("Shift ended",
		zap.String("session_id", cur.SessionID),
		zap.String("reason", reason),
	)
	return nil
}
