package voice

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidInput is returned for rejected registry operations: empty
// training sets, duplicate ids, unknown ids on rename.
var ErrInvalidInput = errors.New("invalid input")

// Profile is a registered voice signature. The signature is immutable after
// creation; only the usage counters change.
type Profile struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Signature  []float64 `json:"signature"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
	MatchCount int       `json:"matchCount"`
}

// MatchResult is the outcome of filtering one frame.
type MatchResult struct {
	IsMatch    bool
	Confidence float64
	ProfileID  string
}

// Registry holds voice profiles and the match sensitivity. Safe for
// concurrent use; reads dominate (one similarity scan per frame).
type Registry struct {
	mu          sync.RWMutex
	profiles    map[string]*Profile
	sensitivity float64
}

// NewRegistry creates an empty registry with the given sensitivity.
func NewRegistry(sensitivity float64) *Registry {
	return &Registry{
		profiles:    make(map[string]*Profile),
		sensitivity: sensitivity,
	}
}

// Add trains a signature from the given sample frames and registers it under
// id. An empty id gets a generated one. Fails with ErrInvalidInput when the
// frame set is empty or the id is already present.
func (r *Registry) Add(id, name string, frames [][]float64) (Profile, error) {
	sig := TrainSignature(frames)
	if sig == nil {
		return Profile{}, fmt.Errorf("%w: no training frames", ErrInvalidInput)
	}
	if id == "" {
		id = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.profiles[id]; exists {
		return Profile{}, fmt.Errorf("%w: profile %q already exists", ErrInvalidInput, id)
	}

	p := &Profile{
		ID:        id,
		Name:      name,
		Signature: sig,
		CreatedAt: time.Now(),
	}
	r.profiles[id] = p
	return *p, nil
}

// Remove deletes a profile, reporting whether it existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, existed := r.profiles[id]
	delete(r.profiles, id)
	return existed
}

// Rename changes a profile's display name.
func (r *Registry) Rename(id, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.profiles[id]
	if !ok {
		return fmt.Errorf("%w: unknown profile %q", ErrInvalidInput, id)
	}
	p.Name = name
	return nil
}

// Get returns a copy of one profile.
func (r *Registry) Get(id string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.profiles[id]
	if !ok {
		return Profile{}, false
	}
	return *p, true
}

// List returns copies of all profiles ordered by creation time.
func (r *Registry) List() []Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// SetSensitivity updates the match threshold for all subsequent frames.
func (r *Registry) SetSensitivity(level float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sensitivity = level
}

// Sensitivity returns the current match threshold.
func (r *Registry) Sensitivity() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sensitivity
}

// Match fingerprints the samples and compares against every profile. The
// winner is the argmax by similarity; it is a match iff its similarity
// reaches the sensitivity. On match the winner's usage counters update.
func (r *Registry) Match(samples []float64) MatchResult {
	sig := ExtractSignature(samples)

	r.mu.Lock()
	defer r.mu.Unlock()

	var best *Profile
	var bestScore float64
	for _, p := range r.profiles {
		if score := Similarity(sig, p.Signature); best == nil || score > bestScore {
			best = p
			bestScore = score
		}
	}

	if best == nil {
		return MatchResult{}
	}

	res := MatchResult{Confidence: bestScore}
	if bestScore >= r.sensitivity {
		res.IsMatch = true
		res.ProfileID = best.ID
		best.MatchCount++
		best.LastUsedAt = time.Now()
	}
	return res
}

// snapshot is the serialized registry form.
type snapshot struct {
	Sensitivity float64   `json:"sensitivity"`
	Profiles    []Profile `json:"profiles"`
}

// Export serializes all profiles and the current sensitivity to JSON.
func (r *Registry) Export() ([]byte, error) {
	r.mu.RLock()
	snap := snapshot{Sensitivity: r.sensitivity, Profiles: make([]Profile, 0, len(r.profiles))}
	for _, p := range r.profiles {
		snap.Profiles = append(snap.Profiles, *p)
	}
	r.mu.RUnlock()

	sort.Slice(snap.Profiles, func(i, j int) bool { return snap.Profiles[i].ID < snap.Profiles[j].ID })
	return json.Marshal(snap)
}

// Restore replaces the registry contents from a previous Export.
func (r *Registry) Restore(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("restore registry: %w", err)
	}

	profiles := make(map[string]*Profile, len(snap.Profiles))
	for i := range snap.Profiles {
		p := snap.Profiles[i]
		profiles[p.ID] = &p
	}

	r.mu.Lock()
	r.profiles = profiles
	r.sensitivity = snap.Sensitivity
	r.mu.Unlock()
	return nil
}
