package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/driftworks/fleethub/proto"
)

// MCPServer exposes fleet inspection tools over stdio for operators and
// agents: device listing, live subscription state, and test publishes.
type MCPServer struct {
	Server *server.MCPServer
}

func NewMCPServer() *MCPServer {
	return &MCPServer{Server: server.NewMCPServer("fleethub", "1.0.0")}
}

func (s *MCPServer) Start() error {
	slog.Info("Started stdio MCP server")
	defer func() {
		slog.Info("Shut down stdio MCP server")
	}()
	return server.ServeStdio(s.Server)
}

// RegisterTools wires the admin tools against live components. Publishes go
// through the bus like any other inbound message.
func (s *MCPServer) RegisterTools(devices *DeviceCatalog, registry *SubscriptionRegistry, bus *MessageBus) {
	listDevices := mcp.NewTool("list_devices",
		mcp.WithDescription("List the devices known to this instance"))
	s.Server.AddTool(listDevices, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result := map[string]any{"devices": devices.List()}
		resultBytes, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return nil, err
		}
		return mcp.NewToolResultText(string(resultBytes)), nil
	})

	listSubscriptions := mcp.NewTool("list_subscriptions",
		mcp.WithDescription("List the subscriptions currently waiting on this instance"))
	s.Server.AddTool(listSubscriptions, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		type subscriptionElement struct {
			ID         string   `json:"id"`
			Kind       string   `json:"kind"`
			RouteKey   string   `json:"routeKey"`
			Names      []string `json:"names,omitempty"`
			Persistent bool     `json:"persistent"`
		}
		subs := registry.List()
		res := make([]subscriptionElement, 0, len(subs))
		for _, sub := range subs {
			res = append(res, subscriptionElement{
				ID:         sub.ID,
				Kind:       string(sub.Kind),
				RouteKey:   sub.RouteKey,
				Names:      sub.Names,
				Persistent: sub.Persistent,
			})
		}
		resultBytes, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return nil, err
		}
		return mcp.NewToolResultText(string(resultBytes)), nil
	})

	publishNotification := mcp.NewTool("publish_notification",
		mcp.WithDescription("Publish a test notification for a device"),
		mcp.WithString("deviceGuid",
			mcp.Required(),
			mcp.Description("Device guid to publish for")),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Notification name")),
	)
	s.Server.AddTool(publishNotification, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		guid, err := request.RequireString("deviceGuid")
		if err != nil {
			return mcp.NewToolResultError("deviceGuid is required and must be a string"), err
		}
		name, err := request.RequireString("name")
		if err != nil {
			return mcp.NewToolResultError("name is required and must be a string"), err
		}

		var payload json.RawMessage
		if args, ok := request.GetRawArguments().(map[string]any); ok {
			if p, exists := args["payload"]; exists {
				payload, err = json.Marshal(p)
				if err != nil {
					return mcp.NewToolResultError(fmt.Sprintf("Failed to marshal payload: %v", err)), err
				}
			}
		}

		msg, err := bus.PublishNotification(proto.Message{DeviceGUID: guid, Name: name, Payload: payload})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to publish: %v", err)), err
		}
		return mcp.NewToolResultText(fmt.Sprintf("Published notification %s for device %s", msg.ID, guid)), nil
	})
}
