package mcp

import mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

// InjectSession wires a pre-connected MCP SDK session into the Client.
// Intended for tests that connect in-memory servers without going through
// the transport creation path.
func (c *Client) InjectSession(serverID string, session *mcpsdk.ClientSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[serverID] = session
}

// NewProcessFromSession builds a ClientProcess over an existing session.
// Intended for tests that stand in for the stdio bridge binary.
func NewProcessFromSession(id string, session *mcpsdk.ClientSession) *ClientProcess {
	return &ClientProcess{id: id, session: session}
}
