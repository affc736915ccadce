// Package workflow implements the two-step form and chat flow on top of a
// session state.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"maps"

	"github.com/ashureev/formchat/internal/agent"
	"github.com/ashureev/formchat/internal/chat"
	"github.com/ashureev/formchat/internal/domain"
	"github.com/ashureev/formchat/internal/form"
	"github.com/ashureev/formchat/internal/session"
	"github.com/ashureev/formchat/internal/store"
)

// Session keys.
const (
	keyFormDraft     = "form_data"
	keyCompletedForm = "completed_form"
	keyHistory       = "chat_messages"
)

func agentKey(role agent.Role) string       { return "agent:" + string(role) }
func agentConfigKey(role agent.Role) string { return "agent_config:" + string(role) }

// Options configures a Service.
type Options struct {
	Backend       agent.Backend
	Repo          store.Repository // nil disables persistence
	Log           agent.ConversationLogger
	DefaultModel  string
	FormPrompt    string
	ChatPrompt    string
	QuestionLabel string
	Logger        *slog.Logger
}

// Service runs the form and chat steps for one session at a time.
type Service struct {
	backend  agent.Backend
	repo     store.Repository
	log      agent.ConversationLogger
	defaults map[agent.Role]agent.Config
	label    string
	logger   *slog.Logger
}

// New creates a service.
func New(opts Options) *Service {
	if opts.Log == nil {
		opts.Log = agent.NoopConversationLogger()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.QuestionLabel == "" {
		opts.QuestionLabel = chat.DefaultQuestionLabel
	}

	formCfg := agent.DefaultConfig(agent.RoleForm, opts.DefaultModel)
	if opts.FormPrompt != "" {
		formCfg.SystemPrompt = opts.FormPrompt
	}
	chatCfg := agent.DefaultConfig(agent.RoleChat, opts.DefaultModel)
	if opts.ChatPrompt != "" {
		chatCfg.SystemPrompt = opts.ChatPrompt
	}

	return &Service{
		backend: opts.Backend,
		repo:    opts.Repo,
		log:     opts.Log,
		defaults: map[agent.Role]agent.Config{
			agent.RoleForm: formCfg,
			agent.RoleChat: chatCfg,
		},
		label:  opts.QuestionLabel,
		logger: opts.Logger,
	}
}

// FormDraft returns the form being edited in step one.
func (s *Service) FormDraft(st *session.State) (domain.FormData, error) {
	return session.Value(st, keyFormDraft, func() domain.FormData { return domain.FormData{} })
}

// UpdateForm sets the given fields of the draft. Unknown fields are rejected
// and leave the draft unchanged.
func (s *Service) UpdateForm(ctx context.Context, st *session.State, fields map[string]string) (domain.FormData, error) {
	fd, err := s.FormDraft(st)
	if err != nil {
		return domain.FormData{}, err
	}
	for k, v := range fields {
		if err := fd.Set(k, v); err != nil {
			return domain.FormData{}, err
		}
	}
	if err := st.Set(keyFormDraft, fd); err != nil {
		return domain.FormData{}, err
	}
	s.persistQuietly(ctx, st)
	return fd, nil
}

// UploadForm extracts a draft from an uploaded text file with the form agent.
// The draft is replaced only when extraction succeeds.
func (s *Service) UploadForm(ctx context.Context, st *session.State, filename string, data []byte) (domain.FormData, error) {
	text, err := form.DecodeUpload(filename, data)
	if err != nil {
		return domain.FormData{}, err
	}
	h, err := s.Agent(st, agent.RoleForm)
	if err != nil {
		return domain.FormData{}, err
	}

	fd, err := form.Extract(ctx, h, text)
	if err != nil {
		return domain.FormData{}, err
	}
	if err := st.Set(keyFormDraft, fd); err != nil {
		return domain.FormData{}, err
	}
	s.logger.Info("Form extracted from upload",
		"user_id", st.UserID(),
		"session_id", st.SessionID(),
		"filename", filename,
		"missing", fd.Missing())
	s.persistQuietly(ctx, st)
	return fd, nil
}

// CompleteForm stores the draft as the completed form, which unlocks the
// chat step. It fails with a *FormIncompleteError while any field is blank.
func (s *Service) CompleteForm(ctx context.Context, st *session.State) (domain.FormData, error) {
	fd, err := s.FormDraft(st)
	if err != nil {
		return domain.FormData{}, err
	}
	if !fd.AllFilled() {
		return domain.FormData{}, &FormIncompleteError{Missing: fd.Missing()}
	}
	if err := st.Set(keyCompletedForm, fd); err != nil {
		return domain.FormData{}, err
	}
	s.persistQuietly(ctx, st)
	return fd, nil
}

// CompletedForm returns the form submitted in step one, if any.
func (s *Service) CompletedForm(st *session.State) (domain.FormData, bool) {
	return session.Lookup[domain.FormData](st, keyCompletedForm)
}

func (s *Service) checkRole(role agent.Role) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	return nil
}

// AgentConfig returns the current config of role.
func (s *Service) AgentConfig(st *session.State, role agent.Role) (agent.Config, error) {
	if err := s.checkRole(role); err != nil {
		return agent.Config{}, err
	}
	return session.Value(st, agentConfigKey(role), func() agent.Config { return s.defaults[role] })
}

// ConfigureAgent replaces the config of role. A changed config discards the
// live handle, so the next use creates a fresh agent.
func (s *Service) ConfigureAgent(ctx context.Context, st *session.State, role agent.Role, cfg agent.Config) (agent.Config, error) {
	current, err := s.AgentConfig(st, role)
	if err != nil {
		return agent.Config{}, err
	}
	if cfg.Name == "" {
		cfg.Name = current.Name
	}
	if cfg.Format == "" {
		cfg.Format = current.Format
	}
	if err := cfg.Validate(); err != nil {
		return agent.Config{}, err
	}
	if cfg.Equal(current) {
		return current, nil
	}

	if err := st.Set(agentConfigKey(role), cfg); err != nil {
		return agent.Config{}, err
	}
	s.dropHandle(st, role)
	s.logger.Info("Agent reconfigured",
		"user_id", st.UserID(),
		"session_id", st.SessionID(),
		"role", role,
		"model", cfg.Model)
	s.persistQuietly(ctx, st)
	return cfg, nil
}

// ResetAgent discards the live handle of role; the config is kept.
func (s *Service) ResetAgent(st *session.State, role agent.Role) error {
	if err := s.checkRole(role); err != nil {
		return err
	}
	s.dropHandle(st, role)
	return nil
}

func (s *Service) dropHandle(st *session.State, role agent.Role) {
	if h, ok := session.Lookup[*agent.Handle](st, agentKey(role)); ok {
		h.Close()
	}
	st.Clear(agentKey(role))
}

// Agent returns the live handle of role, creating it from the current config
// on first use.
func (s *Service) Agent(st *session.State, role agent.Role) (*agent.Handle, error) {
	cfg, err := s.AgentConfig(st, role)
	if err != nil {
		return nil, err
	}

	var createErr error
	h, err := session.Value(st, agentKey(role), func() *agent.Handle {
		h, err := agent.NewHandle(s.backend, cfg)
		if err != nil {
			createErr = err
			return nil
		}
		st.OnClose(h.Close)
		return h
	})
	if err != nil {
		return nil, err
	}
	if createErr != nil || h == nil {
		st.Clear(agentKey(role))
		if createErr == nil {
			createErr = fmt.Errorf("create %s agent", role)
		}
		return nil, createErr
	}
	return h, nil
}

// History returns the chat transcript of the session.
func (s *Service) History(st *session.State) (*chat.History, error) {
	return session.Value(st, keyHistory, func() *chat.History { return chat.NewHistory() })
}

// ClearHistory empties the transcript and gives the chat agent a fresh memory.
func (s *Service) ClearHistory(ctx context.Context, st *session.State) error {
	h, err := s.History(st)
	if err != nil {
		return err
	}
	h.Clear()
	s.dropHandle(st, agent.RoleChat)
	s.persistQuietly(ctx, st)
	return nil
}

// ListModels returns the models offered by the backend.
func (s *Service) ListModels(ctx context.Context) ([]string, error) {
	return s.backend.ListModels(ctx)
}

// Defaults returns the default agent configs.
func (s *Service) Defaults() map[agent.Role]agent.Config {
	return maps.Clone(s.defaults)
}
