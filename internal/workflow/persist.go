package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/ashureev/formchat/internal/agent"
	"github.com/ashureev/formchat/internal/chat"
	"github.com/ashureev/formchat/internal/domain"
	"github.com/ashureev/formchat/internal/session"
	"github.com/ashureev/formchat/internal/store"
)

// Hydrate restores a freshly opened session from its snapshot. A session
// without a snapshot starts empty.
func (s *Service) Hydrate(ctx context.Context, st *session.State) error {
	if s.repo == nil {
		return nil
	}
	snap, err := s.repo.GetSessionSnapshot(ctx, st.UserID(), st.SessionID())
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	var draft domain.FormData
	if err := decodeColumn(snap.FormJSON, &draft); err != nil {
		return fmt.Errorf("decode form draft: %w", err)
	}
	if err := st.Set(keyFormDraft, draft); err != nil {
		return err
	}

	var completed *domain.FormData
	if snap.CompletedFormJSON != nil {
		completed = &domain.FormData{}
		if err := json.Unmarshal([]byte(*snap.CompletedFormJSON), completed); err != nil {
			return fmt.Errorf("decode completed form: %w", err)
		}
		if err := st.Set(keyCompletedForm, *completed); err != nil {
			return err
		}
	}

	var msgs []domain.Message
	if err := decodeColumn(snap.MessagesJSON, &msgs); err != nil {
		return fmt.Errorf("decode messages: %w", err)
	}
	msgs = slices.DeleteFunc(msgs, func(m domain.Message) bool {
		if m.Role.Valid() {
			return false
		}
		s.logger.Warn("Skipping persisted message with unknown role", "role", m.Role, "session_id", st.SessionID())
		return true
	})
	if err := st.Set(keyHistory, chat.NewHistory(msgs...)); err != nil {
		return err
	}

	var configs map[agent.Role]agent.Config
	if err := decodeColumn(snap.AgentsJSON, &configs); err != nil {
		return fmt.Errorf("decode agent configs: %w", err)
	}
	for role, cfg := range configs {
		if !role.Valid() || cfg.Validate() != nil {
			s.logger.Warn("Skipping invalid persisted agent config", "role", role, "session_id", st.SessionID())
			continue
		}
		if err := st.Set(agentConfigKey(role), cfg); err != nil {
			return err
		}
	}

	if len(msgs) > 0 {
		h, err := s.Agent(st, agent.RoleChat)
		if err != nil {
			return err
		}
		h.Seed(s.agentMemory(msgs, completed))
	}

	s.logger.Info("Session restored from snapshot",
		"user_id", st.UserID(),
		"session_id", st.SessionID(),
		"messages", len(msgs))
	return nil
}

// agentMemory rebuilds what the chat agent remembered of msgs: the first
// prompt was sent with the completed form as context.
func (s *Service) agentMemory(msgs []domain.Message, completed *domain.FormData) []domain.Message {
	if completed == nil || len(msgs) == 0 || msgs[0].Role != domain.RoleUser {
		return msgs
	}
	mem := slices.Clone(msgs)
	mem[0].Content = s.withContext(*completed)(mem[0].Content)
	return mem
}

func decodeColumn(raw string, v any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), v)
}

// Snapshot captures the persistable state of a session.
func (s *Service) Snapshot(st *session.State) (*domain.SessionSnapshot, error) {
	draft, err := s.FormDraft(st)
	if err != nil {
		return nil, err
	}
	formJSON, err := json.Marshal(draft)
	if err != nil {
		return nil, fmt.Errorf("encode form draft: %w", err)
	}

	snap := &domain.SessionSnapshot{
		UserID:    st.UserID(),
		SessionID: st.SessionID(),
		FormJSON:  string(formJSON),
	}

	if completed, ok := s.CompletedForm(st); ok {
		data, err := json.Marshal(completed)
		if err != nil {
			return nil, fmt.Errorf("encode completed form: %w", err)
		}
		c := string(data)
		snap.CompletedFormJSON = &c
	}

	history, err := s.History(st)
	if err != nil {
		return nil, err
	}
	msgs := history.Messages()
	if msgs == nil {
		msgs = []domain.Message{}
	}
	msgJSON, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("encode messages: %w", err)
	}
	snap.MessagesJSON = string(msgJSON)

	configs := make(map[agent.Role]agent.Config, 2)
	for _, role := range []agent.Role{agent.RoleForm, agent.RoleChat} {
		cfg, err := s.AgentConfig(st, role)
		if err != nil {
			return nil, err
		}
		configs[role] = cfg
	}
	agentsJSON, err := json.Marshal(configs)
	if err != nil {
		return nil, fmt.Errorf("encode agent configs: %w", err)
	}
	snap.AgentsJSON = string(agentsJSON)
	return snap, nil
}

// Persist writes the session snapshot. It is a no-op without a repository.
func (s *Service) Persist(ctx context.Context, st *session.State) error {
	if s.repo == nil {
		return nil
	}
	snap, err := s.Snapshot(st)
	if err != nil {
		return err
	}
	if err := s.repo.UpsertSessionSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

func (s *Service) persistQuietly(ctx context.Context, st *session.State) {
	if err := s.Persist(context.WithoutCancel(ctx), st); err != nil {
		s.logger.Warn("Failed to persist session",
			"user_id", st.UserID(),
			"session_id", st.SessionID(),
			"error", err)
	}
}

// Teardown persists a session before it is closed.
func (s *Service) Teardown(ctx context.Context, st *session.State) {
	s.persistQuietly(ctx, st)
}

// Discard closes the session and deletes its snapshot.
func (s *Service) Discard(ctx context.Context, mgr *session.Manager, st *session.State) error {
	mgr.Close(ctx, st.UserID(), st.SessionID())
	if s.repo == nil {
		return nil
	}
	return s.repo.DeleteSessionSnapshot(ctx, st.UserID(), st.SessionID())
}
