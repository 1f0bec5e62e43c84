package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	sdrerrors "github.com/calm329/SDR-Agent/pkg/errors"
)

// Tools returns the tools discovered during Start.
func (c *Client) Tools() []mcp.Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]mcp.Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// HasTool reports whether the child advertised name.
func (c *Client) HasTool(name string) bool {
	_, ok := c.tool(name)
	return ok
}

// ServerInfo returns the implementation reported by initialize.
func (c *Client) ServerInfo() mcp.Implementation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// ListTools refreshes the tool list from the child.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if state := c.State(); state != StateReady {
		return nil, sdrerrors.Newf(sdrerrors.CodeTransport, "transport is %s", state)
	}
	tools, err := c.listTools(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()
	return tools, nil
}

func (c *Client) listTools(ctx context.Context) ([]mcp.Tool, error) {
	raw, err := c.roundTrip(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var res mcp.ListToolsResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, sdrerrors.New(sdrerrors.CodeProtocol, "decode tools/list result", err)
	}
	return res.Tools, nil
}

// CallTool invokes a tool through tools/call. Missing required arguments are
// rejected locally when the tool's schema is known.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	if tool, ok := c.tool(name); ok {
		if err := validateRequiredArgs(tool, args); err != nil {
			return nil, sdrerrors.New(sdrerrors.CodeInvalidInput, err.Error(), nil).WithContext("tool", name)
		}
	}
	raw, err := c.Call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		if te, ok := sdrerrors.As(err); ok {
			te.WithContext("tool", name)
		}
		return nil, err
	}
	res, err := mcp.ParseCallToolResult(&raw)
	if err != nil {
		return nil, sdrerrors.New(sdrerrors.CodeProtocol, "decode tools/call result", err).WithContext("tool", name)
	}
	return res, nil
}

// CallToolText calls a tool and returns its concatenated text content. A
// result flagged IsError becomes a TRANSPORT_ERROR carrying that text.
func (c *Client) CallToolText(ctx context.Context, name string, args map[string]any) (string, error) {
	res, err := c.CallTool(ctx, name, args)
	if err != nil {
		return "", err
	}
	text := ResultText(res)
	if res.IsError {
		return "", sdrerrors.New(sdrerrors.CodeTransport, fmt.Sprintf("tool %s returned error: %s", name, text), nil).
			WithContext("tool", name)
	}
	return text, nil
}

func (c *Client) tool(name string) (mcp.Tool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tool := range c.tools {
		if tool.Name == name {
			return tool, true
		}
	}
	return mcp.Tool{}, false
}

// ResultText joins the text content blocks of a tool result.
func ResultText(result *mcp.CallToolResult) string {
	if result == nil || len(result.Content) == 0 {
		return ""
	}
	var parts []string
	for _, item := range result.Content {
		switch content := item.(type) {
		case mcp.TextContent:
			parts = append(parts, content.Text)
		case *mcp.TextContent:
			parts = append(parts, content.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func validateRequiredArgs(tool mcp.Tool, args map[string]any) error {
	schema := tool.InputSchema
	if schema.Type != "" && schema.Type != "object" {
		return nil
	}
	for _, key := range schema.Required {
		if _, ok := args[key]; !ok {
			return fmt.Errorf("tool %s: missing required argument %q", tool.Name, key)
		}
	}
	return nil
}
