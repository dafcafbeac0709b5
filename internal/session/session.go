// Package session implements the per-user plan session: profile input, plan
// generation, plan review and the mentor chat.
//
// A Session moves through COLLECTING_INPUT, GENERATING and REVIEWING. While
// REVIEWING, at most one chat turn is in flight. Completions of generation and
// chat calls are applied only if the session has not moved on since the call
// was issued.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/careerpath/internal/chatlog"
	"github.com/ashureev/careerpath/internal/domain"
	"github.com/ashureev/careerpath/internal/metrics"
	"github.com/ashureev/careerpath/internal/plansync"
	"github.com/ashureev/careerpath/internal/roadmap"
	"github.com/google/uuid"
)

// Phase is the outer state of a session.
type Phase string

const (
	PhaseCollectingInput Phase = "COLLECTING_INPUT"
	PhaseGenerating      Phase = "GENERATING"
	PhaseReviewing       Phase = "REVIEWING"
)

const (
	commitTimeout    = 10 * time.Second
	bootstrapTimeout = 5 * time.Second
)

var (
	ErrIncompleteProfile = errors.New("name and interest are required")
	ErrAlreadyGenerating = errors.New("plan generation already in progress")
	ErrWrongPhase        = errors.New("action not allowed in current phase")
	ErrChatBusy          = errors.New("a chat reply is still pending")
	ErrEmptyMessage      = errors.New("message is empty")
	ErrSessionClosed     = errors.New("session closed")

	// ErrLoading is returned while the stored plan record has not been delivered yet.
	ErrLoading = errors.New("stored plan is still loading")

	// ErrSuperseded is returned by BuildPlan when the session moved on before
	// the generation result arrived; the result was discarded.
	ErrSuperseded = errors.New("plan build superseded")
)

// Generator produces text from a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt, systemInstruction string, structured bool) (string, error)
}

// PlanSync persists and follows a plan record per identity.
type PlanSync interface {
	Subscribe(ctx context.Context, identity string) (*plansync.Subscription, error)
	Commit(ctx context.Context, identity string, record *domain.PlanRecord) error
}

// Deps are the collaborators shared by all sessions.
type Deps struct {
	Generator Generator
	// Sync may be nil, in which case nothing is persisted.
	Sync    PlanSync
	ChatLog chatlog.Logger
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// View is a consistent copy of a session's observable state.
type View struct {
	SessionID  string               `json:"session_id"`
	Phase      Phase                `json:"phase"`
	ChatBusy   bool                 `json:"chat_busy"`
	Profile    domain.Profile       `json:"profile"`
	Roadmap    domain.Roadmap       `json:"roadmap,omitempty"`
	Transcript []domain.ChatMessage `json:"transcript"`
	LastError  string               `json:"last_error,omitempty"`
	Synced     bool                 `json:"synced"`
	Loading    bool                 `json:"loading"`
}

// Session owns one user's profile, roadmap and transcript.
type Session struct {
	id   string
	deps Deps
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	closed     bool
	identity   string
	sub        *plansync.Subscription
	// loading is set from Attach until the subscription's first delivery.
	loading    bool
	phase      Phase
	chatBusy   bool
	profile    domain.Profile
	roadmap    domain.Roadmap
	transcript []domain.ChatMessage
	lastError  string

	// genSeq identifies the active generation; bumped on every start or abandon.
	genSeq uint64
	// epoch identifies the current transcript; bumped when a generation replaces it.
	epoch   uint64
	chatSeq uint64
	// pending holds the latest remote snapshot that arrived while generating.
	pending *plansync.Snapshot

	watchers    map[int]chan struct{}
	nextWatcher int
}

// New creates a session in COLLECTING_INPUT with no identity.
func New(deps Deps) *Session {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.ChatLog == nil {
		deps.ChatLog = chatlog.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &Session{
		id:       id,
		deps:     deps,
		log:      deps.Logger.With("session_id", id),
		ctx:      ctx,
		cancel:   cancel,
		phase:    PhaseCollectingInput,
		watchers: make(map[int]chan struct{}),
	}
}

// ID returns the process-scoped session id.
func (s *Session) ID() string {
	return s.id
}

// View returns the current state.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Session) viewLocked() View {
	transcript := make([]domain.ChatMessage, len(s.transcript))
	copy(transcript, s.transcript)
	return View{
		SessionID:  s.id,
		Phase:      s.phase,
		ChatBusy:   s.chatBusy,
		Profile:    s.profile,
		Roadmap:    s.roadmap.Clone(),
		Transcript: transcript,
		LastError:  s.lastError,
		Synced:     s.sub != nil && !s.loading,
		Loading:    s.loading,
	}
}

// UpdateProfile replaces the profile. Only allowed while collecting input.
// Nothing is persisted until a plan is generated.
func (s *Session) UpdateProfile(p domain.Profile) (View, error) {
	p = domain.Profile{
		Name:     strings.TrimSpace(p.Name),
		Interest: strings.TrimSpace(p.Interest),
		Goal:     strings.TrimSpace(p.Goal),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return View{}, ErrSessionClosed
	}
	if s.loading {
		v := s.viewLocked()
		s.mu.Unlock()
		return v, ErrLoading
	}
	if s.phase != PhaseCollectingInput {
		v := s.viewLocked()
		s.mu.Unlock()
		return v, ErrWrongPhase
	}
	s.profile = p
	v := s.viewLocked()
	s.mu.Unlock()

	s.notify()
	return v, nil
}

// BuildPlan generates, parses and commits a roadmap for the current profile.
// It blocks until the generation finishes. On failure the session is back in
// COLLECTING_INPUT with the profile kept and no new roadmap.
func (s *Session) BuildPlan(ctx context.Context) (View, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return View{}, ErrSessionClosed
	}
	switch {
	case s.phase == PhaseGenerating:
		v := s.viewLocked()
		s.mu.Unlock()
		return v, ErrAlreadyGenerating
	case s.phase != PhaseCollectingInput:
		v := s.viewLocked()
		s.mu.Unlock()
		return v, ErrWrongPhase
	case s.loading:
		v := s.viewLocked()
		s.mu.Unlock()
		return v, ErrLoading
	case !s.profile.Complete():
		v := s.viewLocked()
		s.mu.Unlock()
		return v, ErrIncompleteProfile
	}
	s.genSeq++
	seq := s.genSeq
	profile := s.profile
	s.lastError = ""
	s.setPhaseLocked(PhaseGenerating)
	s.mu.Unlock()
	s.notify()

	start := time.Now()
	s.log.Info("Plan generation started", "user_id", s.Identity(), "interest", profile.Interest)

	genCtx, stop := s.callContext(ctx)
	defer stop()

	text, err := s.deps.Generator.Generate(genCtx, planPrompt(profile), planSystemInstruction, true)
	var steps domain.Roadmap
	if err == nil {
		steps, err = roadmap.Parse(text)
	}

	s.mu.Lock()
	if s.closed || seq != s.genSeq {
		s.mu.Unlock()
		s.log.Info("Discarding superseded plan result", "user_id", s.Identity(), "error", err)
		s.deps.Metrics.ObservePlanBuild("superseded")
		return s.View(), ErrSuperseded
	}

	if err != nil {
		s.lastError = planErrorMessage(err)
		s.setPhaseLocked(PhaseCollectingInput)
		s.applyPendingLocked(true)
		v := s.viewLocked()
		s.mu.Unlock()
		s.notify()

		s.log.Warn("Plan generation failed",
			"user_id", s.Identity(),
			"elapsed", time.Since(start),
			"error", err)
		s.deps.Metrics.ObservePlanBuild(planBuildResult(err))
		return v, fmt.Errorf("build plan: %w", err)
	}

	s.roadmap = steps
	s.transcript = []domain.ChatMessage{{Role: domain.RoleAssistant, Text: welcomeMessage(profile)}}
	s.epoch++
	s.chatBusy = false
	s.pending = nil
	s.setPhaseLocked(PhaseReviewing)
	identity := s.identity
	record := &domain.PlanRecord{Profile: profile, Roadmap: steps.Clone()}
	v := s.viewLocked()
	s.mu.Unlock()
	s.notify()

	s.log.Info("Plan generation succeeded",
		"user_id", identity,
		"steps", len(steps),
		"elapsed", time.Since(start))
	s.deps.Metrics.ObservePlanBuild("ok")

	s.commit(identity, record)
	return v, nil
}

// commit is best effort: failures are logged and never change the phase.
func (s *Session) commit(identity string, record *domain.PlanRecord) {
	if s.deps.Sync == nil || identity == "" {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, commitTimeout)
	defer cancel()
	if err := s.deps.Sync.Commit(ctx, identity, record); err != nil {
		s.log.Warn("Plan commit failed", "user_id", identity, "error", err)
	}
}

// Edit returns to COLLECTING_INPUT. Roadmap and transcript stay in memory.
// An outstanding generation is abandoned and its result ignored.
func (s *Session) Edit() (View, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return View{}, ErrSessionClosed
	}
	switch s.phase {
	case PhaseReviewing:
		s.setPhaseLocked(PhaseCollectingInput)
	case PhaseGenerating:
		s.genSeq++
		s.setPhaseLocked(PhaseCollectingInput)
		// The user asked to edit; a held record must not send them back to review.
		s.applyPendingLocked(false)
	}
	v := s.viewLocked()
	s.mu.Unlock()

	s.notify()
	return v, nil
}

// Chat sends one message to the mentor and appends exactly one reply.
// Only one chat turn may be in flight; a second one is rejected with ErrChatBusy.
func (s *Session) Chat(ctx context.Context, text string) (View, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return s.View(), ErrEmptyMessage
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return View{}, ErrSessionClosed
	}
	if s.phase != PhaseReviewing {
		v := s.viewLocked()
		s.mu.Unlock()
		return v, ErrWrongPhase
	}
	if s.chatBusy {
		v := s.viewLocked()
		s.mu.Unlock()
		s.deps.Metrics.ObserveChat("busy")
		return v, ErrChatBusy
	}
	s.transcript = append(s.transcript, domain.ChatMessage{Role: domain.RoleUser, Text: text})
	s.chatBusy = true
	s.chatSeq++
	seq := s.chatSeq
	epoch := s.epoch
	profile := s.profile
	steps := s.roadmap.Clone()
	identity := s.identity
	s.mu.Unlock()
	s.notify()

	s.logTurn(identity, domain.RoleUser, text, nil)

	callCtx, stop := s.callContext(ctx)
	reply, err := s.reply(callCtx, profile, steps, text)
	stop()
	result := "ok"
	if err != nil {
		s.log.Warn("Chat generation failed", "user_id", identity, "error", err)
		reply = ChatFailureReply
		result = "placeholder"
	}

	s.mu.Lock()
	applied := !s.closed && epoch == s.epoch
	if applied {
		s.transcript = append(s.transcript, domain.ChatMessage{Role: domain.RoleAssistant, Text: reply})
	}
	if seq == s.chatSeq {
		s.chatBusy = false
	}
	v := s.viewLocked()
	s.mu.Unlock()
	s.notify()

	if !applied {
		result = "discarded"
	}
	s.deps.Metrics.ObserveChat(result)
	s.logTurn(identity, domain.RoleAssistant, reply, map[string]any{
		"failed":  err != nil,
		"applied": applied,
	})
	return v, nil
}

func (s *Session) reply(ctx context.Context, profile domain.Profile, steps domain.Roadmap, text string) (string, error) {
	encoded, err := roadmap.Encode(steps)
	if err != nil {
		return "", err
	}
	return s.deps.Generator.Generate(ctx, chatPrompt(encoded, text), mentorInstruction(profile), false)
}

// callContext keeps the caller's values but not its cancellation: an issued
// generation call runs to completion unless the session is closed.
func (s *Session) callContext(ctx context.Context) (context.Context, func()) {
	callCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopAfter := context.AfterFunc(s.ctx, cancel)
	return callCtx, func() {
		stopAfter()
		cancel()
	}
}

func (s *Session) logTurn(identity string, role domain.Role, text string, meta map[string]any) {
	eventType := "chat_user_message"
	direction := "outbound"
	if role == domain.RoleAssistant {
		eventType = "chat_assistant_message"
		direction = "inbound"
	}
	s.deps.ChatLog.Log(chatlog.Event{
		UserID:     identity,
		SessionID:  s.id,
		Channel:    "chat_http",
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: text,
		Meta:       meta,
	})
}

// Identity returns the identity the session is attached to, if any.
func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Attach binds the session to identity and follows its plan record. It waits
// up to bootstrapTimeout (or until ctx is done) for the first delivery and
// applies it before returning, so a stored plan is resumed by the time the
// first view is read. Until that delivery the session reports Loading and
// rejects profile edits and builds. Attaching an empty identity drops the
// current subscription and leaves local state alone.
func (s *Session) Attach(ctx context.Context, identity string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if identity == s.identity && (s.sub != nil || identity == "") {
		s.mu.Unlock()
		return nil
	}
	old := s.sub
	s.sub = nil
	s.identity = identity
	s.loading = identity != "" && s.deps.Sync != nil
	s.mu.Unlock()

	if old != nil {
		old.Cancel()
	}
	if identity == "" || s.deps.Sync == nil {
		s.notify()
		return nil
	}

	sub, err := s.deps.Sync.Subscribe(ctx, identity)
	if err != nil {
		s.mu.Lock()
		if s.identity == identity {
			s.loading = false
		}
		s.mu.Unlock()
		s.notify()
		s.log.Warn("Plan subscription failed", "user_id", identity, "error", err)
		return fmt.Errorf("subscribe to plan: %w", err)
	}

	s.mu.Lock()
	if s.closed || s.identity != identity || s.sub != nil {
		s.mu.Unlock()
		sub.Cancel()
		return nil
	}
	s.sub = sub
	s.mu.Unlock()

	firstCtx, cancel := context.WithTimeout(ctx, bootstrapTimeout)
	snap, err := sub.Next(firstCtx)
	cancel()
	switch {
	case err == nil:
		s.applySnapshot(sub, snap)
	case errors.Is(err, plansync.ErrSubscriptionClosed):
		return nil
	default:
		s.log.Warn("Stored plan not delivered in time, still loading", "user_id", identity, "error", err)
	}

	go s.follow(sub)
	return nil
}

func (s *Session) follow(sub *plansync.Subscription) {
	for snap, err := range sub.All(s.ctx) {
		if err != nil {
			return
		}
		s.applySnapshot(sub, snap)
	}
}

func (s *Session) applySnapshot(sub *plansync.Subscription, snap plansync.Snapshot) {
	s.mu.Lock()
	if s.closed || s.sub != sub {
		s.mu.Unlock()
		return
	}
	wasLoading := s.loading
	s.loading = false
	if snap.Err != nil || !snap.Exists {
		s.mu.Unlock()
		if wasLoading {
			s.notify()
		}
		return
	}
	if s.phase == PhaseGenerating {
		s.pending = &snap
		s.mu.Unlock()
		return
	}
	s.applyRecordLocked(snap.Record, true)
	s.mu.Unlock()
	s.notify()
}

func (s *Session) applyPendingLocked(promote bool) {
	if s.pending == nil {
		return
	}
	snap := s.pending
	s.pending = nil
	s.applyRecordLocked(snap.Record, promote)
}

// applyRecordLocked adopts record's profile and roadmap. With promote, a
// record carrying a roadmap moves COLLECTING_INPUT to REVIEWING.
func (s *Session) applyRecordLocked(record *domain.PlanRecord, promote bool) {
	if record == nil {
		return
	}
	s.profile = record.Profile
	if record.HasRoadmap() {
		s.roadmap = record.Roadmap.Clone()
		if promote && s.phase == PhaseCollectingInput {
			s.setPhaseLocked(PhaseReviewing)
		}
		return
	}
	s.roadmap = nil
	if s.phase == PhaseReviewing {
		s.setPhaseLocked(PhaseCollectingInput)
	}
}

func (s *Session) setPhaseLocked(to Phase) {
	if s.phase == to {
		return
	}
	s.deps.Metrics.ObserveTransition(string(s.phase), string(to))
	s.log.Debug("Session phase changed", "from", s.phase, "to", to)
	s.phase = to
}

// Watch returns a channel that receives a signal after every state change,
// and a function that releases it. Signals coalesce.
func (s *Session) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextWatcher
	s.nextWatcher++
	s.watchers[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.watchers[id]; ok {
				delete(s.watchers, id)
				close(ch)
			}
		})
	}
}

func (s *Session) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Close cancels outstanding calls and the plan subscription, and releases
// watchers. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sub := s.sub
	s.sub = nil
	for id, ch := range s.watchers {
		delete(s.watchers, id)
		close(ch)
	}
	s.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	s.cancel()
	s.log.Debug("Session closed")
}

func planErrorMessage(err error) string {
	switch {
	case errors.Is(err, roadmap.ErrMalformed):
		return "The generated roadmap was not in the expected format. Please try again."
	default:
		return "The roadmap could not be generated. Please try again."
	}
}

func planBuildResult(err error) string {
	if errors.Is(err, roadmap.ErrMalformed) {
		return "parse_error"
	}
	return "generation_error"
}
