package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// emptySchema is a minimal valid JSON Schema for test tools.
var emptySchema = &jsonschema.Schema{Type: "object"}

// textResult builds a single-text tool result.
func textResult(text string, isError bool) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
		IsError: isError,
	}
}

// startTestServer runs an in-memory MCP server with the given tools and
// returns the client-side transport.
func startTestServer(t *testing.T, name string, tools map[string]mcpsdk.ToolHandler) *mcpsdk.InMemoryTransport {
	t.Helper()

	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name: name, Version: "test",
	}, nil)

	for toolName, handler := range tools {
		server.AddTool(&mcpsdk.Tool{
			Name:        toolName,
			Description: "test tool: " + toolName,
			InputSchema: emptySchema,
		}, handler)
	}

	clientTransport, serverTransport := mcpsdk.NewInMemoryTransports()
	go func() {
		_ = server.Run(context.Background(), serverTransport)
	}()
	return clientTransport
}

// connectSession dials an in-memory transport and returns the live session.
func connectSession(t *testing.T, transport *mcpsdk.InMemoryTransport) *mcpsdk.ClientSession {
	t.Helper()
	sdkClient := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name: "queryweaver-test", Version: "test",
	}, nil)
	session, err := sdkClient.Connect(context.Background(), transport, nil)
	require.NoError(t, err)
	return session
}

// newConnectedClient builds a Client with an injected in-memory session for
// serverID. registry may carry config for recreation paths.
func newConnectedClient(t *testing.T, registry *Registry, serverID string, tools map[string]mcpsdk.ToolHandler) *Client {
	t.Helper()
	transport := startTestServer(t, serverID, tools)
	client := NewClient(registry)
	client.InjectSession(serverID, connectSession(t, transport))
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func echoTool(text string) mcpsdk.ToolHandler {
	return func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		return textResult(text, false), nil
	}
}

func TestClientListTools(t *testing.T) {
	client := newConnectedClient(t, NewRegistry(nil), "doris", map[string]mcpsdk.ToolHandler{
		"get_table_schema":  echoTool("{}"),
		"get_db_table_list": echoTool("{}"),
	})

	tools, err := client.ListTools(context.Background(), "doris")
	require.NoError(t, err)
	require.Len(t, tools, 2)

	names := []string{tools[0].Name, tools[1].Name}
	assert.Contains(t, names, "get_table_schema")
	assert.Contains(t, names, "get_db_table_list")
}

func TestClientCallTool(t *testing.T) {
	client := newConnectedClient(t, NewRegistry(nil), "doris", map[string]mcpsdk.ToolHandler{
		"exec_query": func(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			var args map[string]any
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return textResult("bad args", true), nil
			}
			sql, _ := args["sql"].(string)
			return textResult("ran: "+sql, false), nil
		},
	})

	result, err := client.CallTool(context.Background(), "doris", "exec_query",
		map[string]any{"sql": "SELECT 1"})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "ran: SELECT 1", ExtractText(result))
}

func TestClientCallToolErrorResult(t *testing.T) {
	client := newConnectedClient(t, NewRegistry(nil), "doris", map[string]mcpsdk.ToolHandler{
		"exec_query": echoToolError("ERROR 1064 (42000): syntax error"),
	})

	result, err := client.CallTool(context.Background(), "doris", "exec_query", map[string]any{})
	require.NoError(t, err) // tool errors travel in the result, not as Go errors
	assert.True(t, result.IsError)
	assert.Contains(t, ExtractText(result), "1064")
}

func echoToolError(text string) mcpsdk.ToolHandler {
	return func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		return textResult(text, true), nil
	}
}

func TestClientNoSession(t *testing.T) {
	client := NewClient(NewRegistry(nil))

	_, err := client.ListTools(context.Background(), "nowhere")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no session")

	_, err = client.CallTool(context.Background(), "nowhere", "tool", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no session")
}

func TestClientInitializeRecordsFailures(t *testing.T) {
	client := NewClient(NewRegistry(nil))

	client.Initialize(context.Background(), []string{"unconfigured"})

	failed := client.FailedServers()
	require.Contains(t, failed, "unconfigured")
	assert.Contains(t, failed["unconfigured"], "not configured")
}

func TestClientHasSessionAndClose(t *testing.T) {
	client := newConnectedClient(t, NewRegistry(nil), "doris", map[string]mcpsdk.ToolHandler{
		"ping": echoTool("pong"),
	})

	assert.True(t, client.HasSession("doris"))
	assert.False(t, client.HasSession("oracle"))

	require.NoError(t, client.Close())
	assert.False(t, client.HasSession("doris"))
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry(map[string]ServerConfig{
		"doris":  {Transport: TransportConfig{Type: TransportStdio, Command: "doris-proxy"}},
		"audits": {Transport: TransportConfig{Type: TransportHTTP, URL: "http://localhost:9000/mcp"}},
	})

	cfg, err := registry.Get("doris")
	require.NoError(t, err)
	assert.Equal(t, "doris-proxy", cfg.Transport.Command)

	_, err = registry.Get("missing")
	require.Error(t, err)

	assert.Equal(t, []string{"audits", "doris"}, registry.ServerIDs())
}

func TestExtractText(t *testing.T) {
	result := &mcpsdk.CallToolResult{Content: []mcpsdk.Content{
		&mcpsdk.TextContent{Text: "first"},
		&mcpsdk.TextContent{Text: "second"},
	}}
	assert.Equal(t, "first\nsecond", ExtractText(result))
	assert.Equal(t, "", ExtractText(&mcpsdk.CallToolResult{}))
}

func TestCreateTransportValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     TransportConfig
		wantErr string
	}{
		{"stdio without command", TransportConfig{Type: TransportStdio}, "requires command"},
		{"http without url", TransportConfig{Type: TransportHTTP}, "requires url"},
		{"sse without url", TransportConfig{Type: TransportSSE}, "requires url"},
		{"unknown type", TransportConfig{Type: "grpc"}, "unsupported transport"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := createTransport(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
