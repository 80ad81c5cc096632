// Package snapshot holds the complete serialized state of one user's working
// session: the magnitude metrics, activation state, task tree, seed goal, and
// the reflection/task logs. A snapshot is mutated in memory under the session
// lock and superseded (never destroyed in place) by each persisted version.
package snapshot

import (
	"time"

	"forest/internal/hta"

	"github.com/google/uuid"
)

// Path is the user's chosen journey style. It selects the withering idle
// coefficient and flavors generation prompts.
type Path string

const (
	PathStructured Path = "structured"
	PathBlended    Path = "blended"
	PathOpen       Path = "open"
)

// ValidPath reports whether p is a known journey path.
func ValidPath(p Path) bool {
	switch p {
	case PathStructured, PathBlended, PathOpen:
		return true
	}
	return false
}

// SeedStatus is the lifecycle status of a seed goal.
type SeedStatus string

const (
	SeedActive    SeedStatus = "active"
	SeedCompleted SeedStatus = "completed"
)

// Seed is the root-level user goal record, created once during onboarding and
// mirrored by the tree's root node.
type Seed struct {
	ID         uuid.UUID  `json:"id"`
	Title      string     `json:"title"`
	Domain     string     `json:"domain"`
	TargetDate string     `json:"target_date,omitempty"` // ISO date, optional
	Path       Path       `json:"path"`
	Status     SeedStatus `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ActivatedState tracks onboarding progress. GoalSet flips on set-goal,
// Activated flips when the first tree is accepted.
type ActivatedState struct {
	Activated bool `json:"activated"`
	GoalSet   bool `json:"goal_set"`
}

// Message is a system-to-user message attached to the session, e.g. the
// reinforcement line emitted after a task completion.
type Message struct {
	ID        uuid.UUID `json:"id"`
	Kind      string    `json:"kind"` // reinforcement, onboarding, system
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// ReflectionEntry is one processed user reflection.
type ReflectionEntry struct {
	ID             uuid.UUID `json:"id"`
	Text           string    `json:"text"`
	Themes         []string  `json:"themes,omitempty"`
	SentimentScore float64   `json:"sentiment_score"`
	CreatedAt      time.Time `json:"created_at"`
}

// TaskFootprint records one completed task for the session history.
type TaskFootprint struct {
	TaskID      uuid.UUID `json:"task_id"`
	Title       string    `json:"title"`
	Success     bool      `json:"success"`
	CompletedAt time.Time `json:"completed_at"`
}

// ComponentState keys used by the engines. Feature engines each own one slot;
// unknown keys round-trip untouched.
const (
	ComponentBaselines        = "baselines"
	ComponentLastActivity     = "last_activity_ts"
	ComponentLastIssuedTaskID = "last_issued_task_id"
)

// Snapshot is one user's full session state.
//
// Metric fields are clamped to their ranges by the Set* methods and by
// Normalize after a load; code that assigns them directly must keep the
// invariant itself.
type Snapshot struct {
	ID     uuid.UUID `json:"id"`
	UserID uuid.UUID `json:"user_id"`

	// Magnitude metrics.
	Capacity       float64 `json:"capacity"`        // 0..1
	ShadowScore    float64 `json:"shadow_score"`    // 0..1
	Magnitude      float64 `json:"magnitude"`       // 1..10
	Resistance     float64 `json:"resistance"`      // 0..1
	WitheringLevel float64 `json:"withering_level"` // 0..1

	ActivatedState ActivatedState `json:"activated_state"`
	CurrentPath    Path           `json:"current_path"`
	GoalText       string         `json:"goal_text,omitempty"`

	Tree *hta.Tree `json:"core_state,omitempty"` // nil until onboarding completes
	Seed *Seed     `json:"seed,omitempty"`

	ReflectionLog  []ReflectionEntry `json:"reflection_log,omitempty"`
	TaskFootprints []TaskFootprint   `json:"task_footprints,omitempty"`
	Messages       []Message         `json:"messages,omitempty"`

	ComponentState map[string]any `json:"component_state"`

	Timestamp time.Time `json:"timestamp"`
}

// New creates a snapshot with the documented defaults. Defaults are applied
// here, once; downstream code relies on every field being present.
func New(userID uuid.UUID) *Snapshot {
	return &Snapshot{
		ID:             uuid.New(),
		UserID:         userID,
		Capacity:       0.5,
		ShadowScore:    0.5,
		Magnitude:      5.0,
		Resistance:     0.0,
		WitheringLevel: 0.0,
		CurrentPath:    PathStructured,
		ComponentState: make(map[string]any),
		Timestamp:      time.Now().UTC(),
	}
}

// SetCapacity clamps to [0,1].
func (s *Snapshot) SetCapacity(v float64) { s.Capacity = clamp(v, 0, 1) }

// SetShadowScore clamps to [0,1].
func (s *Snapshot) SetShadowScore(v float64) { s.ShadowScore = clamp(v, 0, 1) }

// SetMagnitude clamps to [1,10].
func (s *Snapshot) SetMagnitude(v float64) { s.Magnitude = clamp(v, 1, 10) }

// SetResistance clamps to [0,1].
func (s *Snapshot) SetResistance(v float64) { s.Resistance = clamp(v, 0, 1) }

// Normalize re-applies field invariants after an external load: metric
// clamping, path fallback, and a non-nil component state map.
func (s *Snapshot) Normalize() {
	s.Capacity = clamp(s.Capacity, 0, 1)
	s.ShadowScore = clamp(s.ShadowScore, 0, 1)
	s.Magnitude = clamp(s.Magnitude, 1, 10)
	s.Resistance = clamp(s.Resistance, 0, 1)
	s.WitheringLevel = clamp(s.WitheringLevel, 0, 1)
	if !ValidPath(s.CurrentPath) {
		s.CurrentPath = PathStructured
	}
	if s.ComponentState == nil {
		s.ComponentState = make(map[string]any)
	}
}

// Touch refreshes the snapshot timestamp.
func (s *Snapshot) Touch() { s.Timestamp = time.Now().UTC() }

// AddMessage appends a message of the given kind.
func (s *Snapshot) AddMessage(kind, text string) {
	s.Messages = append(s.Messages, Message{
		ID:        uuid.New(),
		Kind:      kind,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	})
}

// AddReflection appends a processed reflection entry and returns it.
func (s *Snapshot) AddReflection(text string, themes []string, sentiment float64) ReflectionEntry {
	entry := ReflectionEntry{
		ID:             uuid.New(),
		Text:           text,
		Themes:         themes,
		SentimentScore: sentiment,
		CreatedAt:      time.Now().UTC(),
	}
	s.ReflectionLog = append(s.ReflectionLog, entry)
	return entry
}

// AddTaskFootprint records a task completion in the session history.
func (s *Snapshot) AddTaskFootprint(taskID uuid.UUID, title string, success bool) {
	s.TaskFootprints = append(s.TaskFootprints, TaskFootprint{
		TaskID:      taskID,
		Title:       title,
		Success:     success,
		CompletedAt: time.Now().UTC(),
	})
}

// Clone deep-copies the snapshot. The orchestrator mutates a clone and swaps
// it in after a successful persist; session start clones the caller's initial
// snapshot so the registry owns its copy.
func (s *Snapshot) Clone() *Snapshot {
	c := *s
	if s.Tree != nil {
		c.Tree = s.Tree.Clone()
	}
	if s.Seed != nil {
		seed := *s.Seed
		c.Seed = &seed
	}
	c.ReflectionLog = append([]ReflectionEntry(nil), s.ReflectionLog...)
	for i, entry := range c.ReflectionLog {
		c.ReflectionLog[i].Themes = append([]string(nil), entry.Themes...)
	}
	c.TaskFootprints = append([]TaskFootprint(nil), s.TaskFootprints...)
	c.Messages = append([]Message(nil), s.Messages...)
	c.ComponentState = cloneComponentState(s.ComponentState)
	return &c
}

// cloneComponentState copies the component map one level deep, descending into
// the nested map shapes the engines actually store.
func cloneComponentState(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch vv := v.(type) {
		case map[string]any:
			out[k] = cloneComponentState(vv)
		case map[string]float64:
			m := make(map[string]float64, len(vv))
			for mk, mv := range vv {
				m[mk] = mv
			}
			out[k] = m
		default:
			out[k] = v
		}
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
