package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// maxListPages stops a server whose cursors never end.
const maxListPages = 100

// ToolDefinition is an MCP tool as returned by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// Resource is an MCP resource as returned by resources/list.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// PromptArgument describes one argument a prompt template accepts.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Prompt is an MCP prompt as returned by prompts/list.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallToolResult is the result payload of a tools/call response.
type CallToolResult struct {
	Content           []ContentBlock  `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

// Text joins the result's text content.
func (r *CallToolResult) Text() string {
	return extractText(r.Content)
}

type toolsPage struct {
	Tools      []ToolDefinition `json:"tools"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

type resourcesPage struct {
	Resources  []Resource `json:"resources"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

type promptsPage struct {
	Prompts    []Prompt `json:"prompts"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// listAll follows nextCursor until the server stops returning one.
// decode parses a page, appends its items, and returns the next cursor.
func (c *Client) listAll(ctx context.Context, method string, timeout time.Duration, decode func(json.RawMessage) (string, error)) error {
	cursor := ""
	for page := 0; page < maxListPages; page++ {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}
		raw, err := c.Call(ctx, method, params, timeout)
		if err != nil {
			return err
		}
		next, err := decode(raw)
		if err != nil {
			return &ProtocolError{Msg: "malformed " + method + " result", Err: err}
		}
		if next == "" {
			return nil
		}
		cursor = next
	}
	return &ProtocolError{Msg: fmt.Sprintf("%s did not finish within %d pages", method, maxListPages)}
}

// ListTools calls tools/list, following pagination.
func (c *Client) ListTools(ctx context.Context, timeout time.Duration) ([]ToolDefinition, error) {
	var out []ToolDefinition
	err := c.listAll(ctx, "tools/list", timeout, func(raw json.RawMessage) (string, error) {
		var p toolsPage
		if err := json.Unmarshal(raw, &p); err != nil {
			return "", err
		}
		out = append(out, p.Tools...)
		return p.NextCursor, nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Debug("discovered MCP tools", "count", len(out))
	return out, nil
}

// ListResources calls resources/list, following pagination.
func (c *Client) ListResources(ctx context.Context, timeout time.Duration) ([]Resource, error) {
	var out []Resource
	err := c.listAll(ctx, "resources/list", timeout, func(raw json.RawMessage) (string, error) {
		var p resourcesPage
		if err := json.Unmarshal(raw, &p); err != nil {
			return "", err
		}
		out = append(out, p.Resources...)
		return p.NextCursor, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListPrompts calls prompts/list, following pagination.
func (c *Client) ListPrompts(ctx context.Context, timeout time.Duration) ([]Prompt, error) {
	var out []Prompt
	err := c.listAll(ctx, "prompts/list", timeout, func(raw json.RawMessage) (string, error) {
		var p promptsPage
		if err := json.Unmarshal(raw, &p); err != nil {
			return "", err
		}
		out = append(out, p.Prompts...)
		return p.NextCursor, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CallTool invokes a tool by name. args must be a JSON object or empty.
// The raw tools/call result is returned on success. A result the server
// flags with isError becomes an *RPCError with code CodeToolError, the
// text content as message, and the full result as data.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	raw, err := c.Call(ctx, "tools/call", params, timeout)
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}

	var result CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &ProtocolError{Msg: "malformed tools/call result", Err: err}
	}
	if result.IsError {
		msg := result.Text()
		if msg == "" {
			msg = "tool reported an error"
		}
		return nil, &RPCError{Code: CodeToolError, Message: msg, Data: raw}
	}
	return raw, nil
}

// ReadResource calls resources/read and returns the raw result.
func (c *Client) ReadResource(ctx context.Context, uri string, timeout time.Duration) (json.RawMessage, error) {
	raw, err := c.Call(ctx, "resources/read", map[string]any{"uri": uri}, timeout)
	if err != nil {
		return nil, fmt.Errorf("resources/read %s: %w", uri, err)
	}
	return raw, nil
}

// GetPrompt calls prompts/get and returns the raw result.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string, timeout time.Duration) (json.RawMessage, error) {
	params := map[string]any{"name": name}
	if len(args) > 0 {
		params["arguments"] = args
	}
	raw, err := c.Call(ctx, "prompts/get", params, timeout)
	if err != nil {
		return nil, fmt.Errorf("prompts/get %s: %w", name, err)
	}
	return raw, nil
}

// Ping checks whether the MCP server is responsive. Used by the session
// liveness probe.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Call(ctx, "ping", nil, 0)
	return err
}

// SetLogLevel asks the server to send notifications/message at or above
// level. Servers that do not advertise logging are left alone.
func (c *Client) SetLogLevel(ctx context.Context, level string) error {
	if info := c.Info(); info == nil || info.Capabilities.Logging == nil {
		return nil
	}
	_, err := c.Call(ctx, "logging/setLevel", map[string]any{"level": level}, 0)
	return err
}

// extractText joins all text content blocks into a single string.
// Non-text blocks are represented as inline markers.
func extractText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			parts = append(parts, "[image]")
		case "resource":
			parts = append(parts, "[resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}
