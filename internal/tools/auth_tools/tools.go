package auth_tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel/attribute"

	"github.com/agentgate/agentgate/internal/auth"
	"github.com/agentgate/agentgate/internal/instrumentation"
	"github.com/agentgate/agentgate/internal/server"
)

// withToolSpan wraps a tool handler in a span named after the tool.
func withToolSpan(name string, h mcpserver.ToolHandlerFunc) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx, span := instrumentation.StartSpan(ctx, "tool."+name,
			attribute.String("tool.name", name))
		defer span.End()

		result, err := h(ctx, request)
		if err != nil {
			instrumentation.SetSpanError(span, err)
			return result, err
		}
		instrumentation.SetSpanSuccess(span)
		return result, nil
	}
}

// getStringArg extracts a string argument from request arguments.
func getStringArg(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// renderResult turns a façade envelope into a tool result: data as
// indented JSON on success, the error code and message otherwise.
func renderResult(result *auth.Result) (*mcp.CallToolResult, error) {
	if !result.Success {
		return mcp.NewToolResultError(result.Error.Error()), nil
	}
	out, err := json.MarshalIndent(result.Data, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to render result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

// RegisterAuthTools registers the authentication tools with the MCP server.
// Write operations (logout) are skipped in read-only mode.
func RegisterAuthTools(s *mcpserver.MCPServer, sc *server.ServerContext, readOnly bool) error {
	registerWhoamiTool(s)
	registerStartAuthorizationTool(s, sc)
	registerValidateSessionTool(s, sc)
	registerListClientSessionsTool(s, sc)

	if !readOnly {
		registerLogoutTool(s, sc)
	}

	return nil
}

// registerWhoamiTool registers the identity-introspection tool.
func registerWhoamiTool(s *mcpserver.MCPServer) {
	tool := mcp.NewTool("auth_whoami",
		mcp.WithDescription("Show the authenticated identity and permissions for the current request"),
	)

	s.AddTool(tool, withToolSpan("auth_whoami", func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		identity := server.IdentityFromContext(ctx)
		if identity == nil {
			return mcp.NewToolResultError("not authenticated"), nil
		}

		out, err := json.MarshalIndent(identity, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to render identity: %v", err)), nil
		}
		return mcp.NewToolResultText(string(out)), nil
	}))
}

// registerStartAuthorizationTool registers the login-URL issuance tool.
func registerStartAuthorizationTool(s *mcpserver.MCPServer, sc *server.ServerContext) {
	tool := mcp.NewTool("auth_start_authorization",
		mcp.WithDescription("Issue an authorization URL to start a login with the identity provider"),
		mcp.WithString("application_id",
			mcp.Required(),
			mcp.Description("ID of the registered application to authorize against"),
		),
	)

	s.AddTool(tool, withToolSpan("auth_start_authorization", func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]interface{})
		applicationID := getStringArg(args, "application_id")
		if applicationID == "" {
			return mcp.NewToolResultError("application_id is required"), nil
		}

		result := sc.Facade().StartAuthorization(&auth.StartAuthorizationRequest{
			ApplicationID: applicationID,
		})
		return renderResult(result)
	}))
}

// registerValidateSessionTool registers the session-validation tool.
func registerValidateSessionTool(s *mcpserver.MCPServer, sc *server.ServerContext) {
	tool := mcp.NewTool("auth_validate_session",
		mcp.WithDescription("Validate a user session, refreshing its access token if it is close to expiry"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("ID of the user session to validate"),
		),
	)

	s.AddTool(tool, withToolSpan("auth_validate_session", func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]interface{})
		sessionID := getStringArg(args, "session_id")
		if sessionID == "" {
			return mcp.NewToolResultError("session_id is required"), nil
		}

		result := sc.Facade().ValidateSession(ctx, sessionID)
		return renderResult(result)
	}))
}

// registerListClientSessionsTool registers the connection-inspection tool.
func registerListClientSessionsTool(s *mcpserver.MCPServer, sc *server.ServerContext) {
	tool := mcp.NewTool("auth_list_client_sessions",
		mcp.WithDescription("List live client connections and their states"),
	)

	s.AddTool(tool, withToolSpan("auth_list_client_sessions", func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		type sessionView struct {
			ID           string    `json:"id"`
			ClientID     string    `json:"client_id"`
			Transport    string    `json:"transport"`
			State        string    `json:"state"`
			CreatedAt    time.Time `json:"created_at"`
			LastActivity time.Time `json:"last_activity"`
		}

		sessions := sc.Registry().Sessions()
		views := make([]sessionView, 0, len(sessions))
		for _, cs := range sessions {
			views = append(views, sessionView{
				ID:           cs.ID(),
				ClientID:     cs.ClientID(),
				Transport:    cs.Transport(),
				State:        string(cs.State()),
				CreatedAt:    cs.CreatedAt(),
				LastActivity: cs.LastActivity(),
			})
		}

		out, err := json.MarshalIndent(views, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to render sessions: %v", err)), nil
		}
		return mcp.NewToolResultText(string(out)), nil
	}))
}

// registerLogoutTool registers the logout tool (write operation).
func registerLogoutTool(s *mcpserver.MCPServer, sc *server.ServerContext) {
	tool := mcp.NewTool("auth_logout",
		mcp.WithDescription("Revoke a user session's tokens and remove the session"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("ID of the user session to log out"),
		),
	)

	s.AddTool(tool, withToolSpan("auth_logout", func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]interface{})
		sessionID := getStringArg(args, "session_id")
		if sessionID == "" {
			return mcp.NewToolResultError("session_id is required"), nil
		}

		result := sc.Facade().Logout(ctx, sessionID)
		return renderResult(result)
	}))
}
