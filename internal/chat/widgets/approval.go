package widgets

import (
	"fmt"
	"sort"
	"strings"
)

// Action types understood by the dispatcher for tool-call approval.
const (
	ActionApproveToolCall = "approve_tool_call"
	ActionRejectToolCall  = "reject_tool_call"
)

// ApprovalCard builds the interactive widget shown when an agent run suspends
// on a tool call awaiting a human decision. Both actions carry the tool call
// id and the widget's own item id so the later action request can be routed
// without server-side session state.
func ApprovalCard(agentName string, toolName string, args map[string]any, toolCallID string, itemID string) *Container {
	payload := map[string]any{
		"tool_call_id": strings.TrimSpace(toolCallID),
		"item_id":      strings.TrimSpace(itemID),
	}

	header := NewBox(
		NewCol(
			&Title{Type: KindTitle, Value: "Approval Required", Size: "md", Weight: "semibold"},
			&Text{
				Type:  KindText,
				Value: fmt.Sprintf("Agent %s wants to use the tool %s", agentName, toolName),
				Color: "secondary",
				Size:  "sm",
			},
		),
	)
	header.Padding = 5
	header.Background = "surface-tertiary"

	details := NewBox(
		NewCol(
			&Text{Type: KindText, Value: "Tool Details", Weight: "semibold", Size: "sm"},
			NewRow(
				&Text{Type: KindText, Value: "Tool:", Weight: "medium", Size: "sm", Color: "tertiary"},
				&Text{Type: KindText, Value: toolName, Weight: "semibold", Size: "sm"},
			),
			NewRow(
				&Text{Type: KindText, Value: "Arguments:", Weight: "medium", Size: "sm", Color: "tertiary"},
				&Text{Type: KindText, Value: formatArgs(args), Size: "sm"},
			),
		),
	)
	details.Padding = 3
	details.Radius = "md"
	details.Background = "surface-secondary"

	card := NewCard(header, details)
	card.Key = "approval_" + strings.TrimSpace(toolCallID)
	card.Confirm = &ActionButton{
		Label:  "Approve",
		Action: Action{Type: ActionApproveToolCall, Payload: payload, Handler: "server"},
	}
	card.Cancel = &ActionButton{
		Label:  "Reject",
		Action: Action{Type: ActionRejectToolCall, Payload: payload, Handler: "server"},
	}
	return card
}

// ApprovalCopyText is the plain-text fallback for the approval card.
func ApprovalCopyText(agentName string, toolName string, args map[string]any) string {
	return fmt.Sprintf("Approval required: Agent %s wants to use tool %s with arguments: %s",
		agentName, toolName, formatArgs(args))
}

func formatArgs(args map[string]any) string {
	if len(args) == 0 {
		return "None"
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, args[k]))
	}
	return strings.Join(parts, ", ")
}
