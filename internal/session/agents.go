package session

import (
	"sort"
	"sync"
	"time"
)

// Agent is an online agent connection and the device it serves.
type Agent struct {
	DeviceID       string    `json:"deviceId"`
	OrganizationID string    `json:"organizationId"`
	MachineName    string    `json:"machineName"`
	ConnectionID   string    `json:"connectionId"`
	ConnectedAt    time.Time `json:"connectedAt"`
}

// AgentRegistry maps device ids to the agent connection currently serving
// them.
type AgentRegistry struct {
	mu       sync.RWMutex
	byDevice map[string]Agent
}

func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{byDevice: make(map[string]Agent)}
}

// Register records a as the live agent for its device, replacing any older
// connection for the same device.
func (r *AgentRegistry) Register(a Agent) {
	if a.ConnectedAt.IsZero() {
		a.ConnectedAt = time.Now().UTC()
	}
	r.mu.Lock()
	r.byDevice[a.DeviceID] = a
	r.mu.Unlock()
}

// Lookup returns the live agent for deviceID.
func (r *AgentRegistry) Lookup(deviceID string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byDevice[deviceID]
	return a, ok
}

// Unregister removes the device entry if connID still owns it. A
// reconnected agent is never evicted by its predecessor's disconnect.
func (r *AgentRegistry) Unregister(deviceID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.byDevice[deviceID]; ok && a.ConnectionID == connID {
		delete(r.byDevice, deviceID)
		return true
	}
	return false
}

// List returns all online agents ordered by device id.
func (r *AgentRegistry) List() []Agent {
	r.mu.RLock()
	result := make([]Agent, 0, len(r.byDevice))
	for _, a := range r.byDevice {
		result = append(result, a)
	}
	r.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].DeviceID < result[j].DeviceID })
	return result
}
