package pool

import (
	"sync"
	"time"

	"github.com/comfygate/comfygate/internal/models"
	"github.com/comfygate/comfygate/pkg/jsonmap"
)

// AgentRegistry is the in-memory heartbeat view of registered agents.
// Reads are lock-free beyond the map's own guard; staleness checks
// never block dispatch.
type AgentRegistry struct {
	mu           sync.RWMutex
	agents       map[string]*models.Agent
	activeWindow time.Duration
}

func NewAgentRegistry(activeWindow time.Duration) *AgentRegistry {
	return &AgentRegistry{
		agents:       make(map[string]*models.Agent),
		activeWindow: activeWindow,
	}
}

// Put stores or replaces the registered agent record.
func (r *AgentRegistry) Put(agent *models.Agent) {
	if agent == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *agent
	r.agents[agent.DeviceID] = &copied
}

// Get returns a copy of the agent record, if known.
func (r *AgentRegistry) Get(deviceID string) (*models.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[deviceID]
	if !ok {
		return nil, false
	}

	copied := *agent
	return &copied, true
}

// Touch records a heartbeat and the agent's reported queue depth.
// It reports whether the device is known.
func (r *AgentRegistry) Touch(deviceID string, queueCount int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[deviceID]
	if !ok {
		return false
	}

	agent.LastUpdate = time.Now().UTC()
	agent.QueueCount = queueCount
	return true
}

// SetReported replaces the agent's self-reported running/queued id
// lists and status.
func (r *AgentRegistry) SetReported(deviceID string, running, queued []string, status string, agentErr *string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[deviceID]
	if !ok {
		return false
	}

	agent.RunningIDs = jsonmap.FromStringSlice(running)
	agent.QueuedIDs = jsonmap.FromStringSlice(queued)
	agent.Status = status
	agent.Error = agentErr
	agent.LastUpdate = time.Now().UTC()
	return true
}

// Remove forgets a device.
func (r *AgentRegistry) Remove(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.agents, deviceID)
}

// ActiveDevices returns the set of device ids with a heartbeat inside
// the active window.
func (r *AgentRegistry) ActiveDevices() map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now().UTC()
	out := make(map[string]struct{}, len(r.agents))
	for id, agent := range r.agents {
		if agent.ActiveWithin(r.activeWindow, now) {
			out[id] = struct{}{}
		}
	}
	return out
}

// AnyoneHolds reports whether any known agent self-reports holding the
// given generation id.
func (r *AgentRegistry) AnyoneHolds(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, agent := range r.agents {
		if _, ok := agent.HeldJobIDs()[id]; ok {
			return true
		}
	}
	return false
}

// ActiveWindow returns the configured heartbeat window.
func (r *AgentRegistry) ActiveWindow() time.Duration {
	return r.activeWindow
}
