package relay

import (
	"sync"

	"relaybroker/internal/logging"
	"relaybroker/internal/protocol"
	"relaybroker/internal/session"
)

// Agent is the handler for one agent connection. The agent itself spawns
// desktops; the broker only tracks which connection serves which device.
type Agent struct {
	hub        *Hub
	connID     string
	remoteAddr string

	mu           sync.Mutex
	deviceID     string
	disconnected bool
}

func (h *Hub) NewAgent(connID, remoteAddr string) *Agent {
	return &Agent{hub: h, connID: connID, remoteAddr: remoteAddr}
}

// Hello registers the agent for its device. Devices unknown to the
// directory, or claimed for another organization, are refused.
func (a *Agent) Hello(p protocol.AgentHelloPayload) error {
	orgID := p.OrganizationID
	if a.hub.Directory != nil {
		dev, ok := a.hub.Directory.Device(p.DeviceID)
		if !ok || (orgID != "" && orgID != dev.OrganizationID) {
			log.Warn("agent hello for unknown device",
				logging.KeyDeviceID, p.DeviceID, logging.KeyOrgID, orgID, logging.KeyRemoteAddr, a.remoteAddr)
			return ErrUnknownDevice
		}
		orgID = dev.OrganizationID
	}

	a.mu.Lock()
	prev := a.deviceID
	a.deviceID = p.DeviceID
	a.mu.Unlock()
	if prev != "" && prev != p.DeviceID {
		a.hub.Agents.Unregister(prev, a.connID)
	}

	a.hub.Agents.Register(session.Agent{
		DeviceID:       p.DeviceID,
		OrganizationID: orgID,
		MachineName:    p.MachineName,
		ConnectionID:   a.connID,
	})
	log.Info("agent online",
		logging.KeyDeviceID, p.DeviceID, logging.KeyOrgID, orgID, logging.KeyConnID, a.connID)
	return nil
}

// Disconnect unregisters the agent. Safe to call more than once.
func (a *Agent) Disconnect() {
	a.mu.Lock()
	if a.disconnected {
		a.mu.Unlock()
		return
	}
	a.disconnected = true
	deviceID := a.deviceID
	a.mu.Unlock()

	if deviceID != "" && a.hub.Agents.Unregister(deviceID, a.connID) {
		log.Info("agent offline", logging.KeyDeviceID, deviceID, logging.KeyConnID, a.connID)
	}
}
