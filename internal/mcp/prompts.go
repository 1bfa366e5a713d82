package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

func (s *Server) addPrompts() {
	s.mcp.AddPrompt(&sdk.Prompt{
		Name:        "test_call",
		Description: "Template for making a test SIP call to verify connectivity",
		Arguments: []*sdk.PromptArgument{
			{Name: "phone", Description: "Phone number to call", Required: true},
		},
	}, testCallPrompt)

	s.mcp.AddPrompt(&sdk.Prompt{
		Name:        "agent_handoff",
		Description: "Template for agent-to-agent communication handoff",
		Arguments: []*sdk.PromptArgument{
			{Name: "phone", Description: "Agent phone number", Required: true},
			{Name: "task", Description: "Task to hand off", Required: true},
			{Name: "context", Description: "Context about the task"},
		},
	}, agentHandoffPrompt)
}

func testCallPrompt(_ context.Context, req *sdk.GetPromptRequest) (*sdk.GetPromptResult, error) {
	phone, err := requiredArg(req, "phone")
	if err != nil {
		return nil, err
	}
	return &sdk.GetPromptResult{
		Description: "Test call template",
		Messages: userMessage(fmt.Sprintf("Make a test call to %s with the message: "+
			"'Hello, this is a test call from iSIP MCP server. Please acknowledge if you can hear this message.'", phone)),
	}, nil
}

func agentHandoffPrompt(_ context.Context, req *sdk.GetPromptRequest) (*sdk.GetPromptResult, error) {
	phone, err := requiredArg(req, "phone")
	if err != nil {
		return nil, err
	}
	task, err := requiredArg(req, "task")
	if err != nil {
		return nil, err
	}
	msg := fmt.Sprintf("Hello, this is an automated agent handoff. I'm passing you the following task: %s. ", task)
	if c := req.Params.Arguments["context"]; c != "" {
		msg += fmt.Sprintf("Context: %s. ", c)
	}
	msg += "Please acknowledge and proceed with the task."
	return &sdk.GetPromptResult{
		Description: "Agent handoff template",
		Messages:    userMessage(fmt.Sprintf("Call %s and perform this agent handoff: %s", phone, msg)),
	}, nil
}

func requiredArg(req *sdk.GetPromptRequest, name string) (string, error) {
	if v := req.Params.Arguments[name]; v != "" {
		return v, nil
	}
	return "", &jsonrpc.Error{
		Code:    jsonrpc.CodeInvalidParams,
		Message: fmt.Sprintf("argument %q is required", name),
	}
}

func userMessage(text string) []*sdk.PromptMessage {
	return []*sdk.PromptMessage{{Role: "user", Content: &sdk.TextContent{Text: text}}}
}
