// Package capability implements discovery, selection, and invocation of
// generative capabilities.
package capability

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/originx/one-engine/internal/models"
)

// Registry holds the set of known capabilities. Discovery populates it at
// startup; reads dominate afterward.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string]models.Capability
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{capabilities: make(map[string]models.Capability)}
}

// Register adds a capability. Re-registering an existing ID fails with
// models.ErrDuplicateCapability and leaves the registered entry untouched.
func (r *Registry) Register(c models.Capability) error {
	if c.ID == "" {
		return fmt.Errorf("capability id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.capabilities[c.ID]; exists {
		slog.Warn("Registry.Register: duplicate capability id", "capabilityID", c.ID)
		return models.ErrDuplicateCapability
	}
	r.capabilities[c.ID] = c
	slog.Info("Registry.Register: capability registered", "capabilityID", c.ID, "type", c.Type, "status", c.Status)
	return nil
}

// Get returns the capability for id.
func (r *Registry) Get(id string) (models.Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.capabilities[id]
	if !ok {
		return models.Capability{}, models.ErrCapabilityNotFound
	}
	return c, nil
}

// List returns every registered capability, ordered by ID for stable output.
func (r *Registry) List() []models.Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Capability, 0, len(r.capabilities))
	for _, c := range r.capabilities {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Supporting returns the active capabilities that declare the given
// capability string, ordered by ID.
func (r *Registry) Supporting(name string) []models.Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Capability
	for _, c := range r.capabilities {
		if c.Status == models.CapabilityActive && c.Supports(name) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetStatus updates the lifecycle state of a capability.
func (r *Registry) SetStatus(id string, status models.CapabilityStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.capabilities[id]
	if !ok {
		return models.ErrCapabilityNotFound
	}
	c.Status = status
	r.capabilities[id] = c
	slog.Info("Registry.SetStatus: capability status changed", "capabilityID", id, "status", status)
	return nil
}

// DefaultCapabilities is the built-in catalog registered at startup.
func DefaultCapabilities() []models.Capability {
	return []models.Capability{
		{
			ID:           "openai-gpt4o-mini",
			Name:         "GPT-4o mini",
			Type:         models.CapabilityModel,
			Capabilities: []string{models.CapTextGeneration},
			Metadata:     models.CapabilityMetadata{CostPerUse: 0.002, AvgLatencyMs: 900, QualityScore: 0.80},
			Status:       models.CapabilityActive,
		},
		{
			ID:           "openai-dalle3",
			Name:         "DALL-E 3",
			Type:         models.CapabilityModel,
			Capabilities: []string{models.CapImageGeneration},
			Metadata:     models.CapabilityMetadata{CostPerUse: 0.04, AvgLatencyMs: 9000, QualityScore: 0.90},
			Status:       models.CapabilityActive,
		},
		{
			ID:           "video-renderer",
			Name:         "Video Renderer",
			Type:         models.CapabilityTool,
			Capabilities: []string{models.CapVideoGeneration},
			Metadata:     models.CapabilityMetadata{CostPerUse: 0.25, AvgLatencyMs: 45000, QualityScore: 0.75},
			Status:       models.CapabilityActive,
		},
		{
			ID:           "elevenlabs-tts",
			Name:         "ElevenLabs TTS",
			Type:         models.CapabilityEffect,
			Capabilities: []string{models.CapVoiceSynthesis},
			Metadata:     models.CapabilityMetadata{CostPerUse: 0.01, AvgLatencyMs: 400, QualityScore: 0.85},
			Status:       models.CapabilityActive,
		},
	}
}

// RegisterDefaults loads the built-in catalog, skipping entries that are
// already registered.
func (r *Registry) RegisterDefaults() {
	for _, c := range DefaultCapabilities() {
		if err := r.Register(c); err != nil {
			slog.Debug("Registry.RegisterDefaults: skipping capability", "capabilityID", c.ID, "error", err)
		}
	}
}
