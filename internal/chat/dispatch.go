package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/threadkit/threadkit/internal/chat/engine"
	"github.com/threadkit/threadkit/internal/chat/thread"
	"github.com/threadkit/threadkit/internal/chat/threadstore"
	"github.com/threadkit/threadkit/internal/chat/widgets"
)

// Request is the wire envelope every operation arrives in.
type Request struct {
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params"`
}

// Operation types.
const (
	OpThreadsCreate              = "threads.create"
	OpThreadsAddUserMessage      = "threads.add_user_message"
	OpThreadsAction              = "threads.action"
	OpThreadsCustomAction        = "threads.custom_action"
	OpThreadsRetryAfterItem      = "threads.retry_after_item"
	OpThreadsAddClientToolOutput = "threads.add_client_tool_output"

	OpThreadsGetByID       = "threads.get_by_id"
	OpThreadsList          = "threads.list"
	OpItemsList            = "items.list"
	OpThreadsUpdate        = "threads.update"
	OpThreadsDelete        = "threads.delete"
	OpAttachmentsCreate    = "attachments.create"
	OpAttachmentsDelete    = "attachments.delete"
	OpAttachmentsGetByID   = "attachments.get_by_id"
)

// Result is either one buffered JSON object or a stream of canonical
// events, never both.
type Result struct {
	JSON   []byte
	Stream EventStream
}

// UserMessageInput is the client-authored message payload.
type UserMessageInput struct {
	Content     string   `json:"content"`
	Attachments []string `json:"attachments,omitempty"`
}

type createThreadParams struct {
	Input    UserMessageInput `json:"input"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

type addUserMessageParams struct {
	ThreadID string           `json:"thread_id"`
	Input    UserMessageInput `json:"input"`
}

type actionParams struct {
	ThreadID string       `json:"thread_id"`
	Action   CustomAction `json:"action"`
}

type retryAfterItemParams struct {
	ThreadID string `json:"thread_id"`
	ItemID   string `json:"item_id"`
}

type clientToolOutputParams struct {
	ThreadID string `json:"thread_id"`
	Result   any    `json:"result"`
}

type threadIDParams struct {
	ThreadID string `json:"thread_id"`
}

type listThreadsParams struct {
	Limit int    `json:"limit,omitempty"`
	After string `json:"after,omitempty"`
	Order string `json:"order,omitempty"`
}

type listItemsParams struct {
	ThreadID string `json:"thread_id"`
	Limit    int    `json:"limit,omitempty"`
	After    string `json:"after,omitempty"`
	Order    string `json:"order,omitempty"`
}

type updateThreadParams struct {
	ThreadID string         `json:"thread_id"`
	Title    string         `json:"title,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type createAttachmentParams struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

type attachmentIDParams struct {
	AttachmentID string `json:"attachment_id"`
}

// Process classifies and executes one request. Streaming operations
// return a Result with a Stream; everything else returns buffered JSON.
// An unknown type is a fatal validation error.
func (s *Service) Process(ctx context.Context, raw []byte) (*Result, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, validationErrorf("malformed request envelope: %v", err)
	}

	switch req.Type {
	case OpThreadsCreate:
		return s.createThread(req.Params)
	case OpThreadsAddUserMessage:
		return s.addUserMessage(req.Params)
	case OpThreadsAction:
		return s.threadAction(req.Params)
	case OpThreadsCustomAction:
		return s.customAction(req.Params)
	case OpThreadsRetryAfterItem:
		return s.retryAfterItem(req.Params)
	case OpThreadsAddClientToolOutput:
		return s.addClientToolOutput(req.Params)

	case OpThreadsGetByID:
		return s.getThread(ctx, req.Params)
	case OpThreadsList:
		return s.listThreads(ctx, req.Params)
	case OpItemsList:
		return s.listItems(ctx, req.Params)
	case OpThreadsUpdate:
		return s.updateThread(ctx, req.Params)
	case OpThreadsDelete:
		return s.deleteThread(ctx, req.Params)
	case OpAttachmentsCreate:
		return s.createAttachment(ctx, req.Params)
	case OpAttachmentsDelete:
		return s.deleteAttachment(ctx, req.Params)
	case OpAttachmentsGetByID:
		return s.getAttachment(ctx, req.Params)

	default:
		return nil, validationErrorf("unknown request type %q", req.Type)
	}
}

func decodeParams[T any](raw json.RawMessage, out *T) error {
	if len(raw) == 0 {
		return validationErrorf("missing params")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return validationErrorf("invalid params: %v", err)
	}
	return nil
}

func bufferedJSON(v any) (*Result, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &Result{JSON: b}, nil
}

// --- streaming operations ---

func (s *Service) createThread(raw json.RawMessage) (*Result, error) {
	var p createThreadParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Input.Content) == "" {
		return nil, validationErrorf("threads.create: input.content is required")
	}

	stream := func(ctx context.Context, emit emitFunc) error {
		t, err := s.threads.Create(ctx, p.Metadata)
		if err != nil {
			return err
		}
		unlock := s.lockThread(t.ID)
		defer unlock()

		created := *t
		created.Items = thread.EmptyPage[thread.Item]()
		if err := emit(newThreadCreated(&created)); err != nil {
			return err
		}
		return s.processEvents(ctx, t, func(ctx context.Context, inner emitFunc) error {
			if err := s.appendUserMessage(ctx, t, p.Input, inner); err != nil {
				return err
			}
			return s.respond(ctx, t, inner)
		}, emit)
	}
	return &Result{Stream: stream}, nil
}

func (s *Service) addUserMessage(raw json.RawMessage) (*Result, error) {
	var p addUserMessageParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Input.Content) == "" {
		return nil, validationErrorf("threads.add_user_message: input.content is required")
	}

	stream := func(ctx context.Context, emit emitFunc) error {
		unlock := s.lockThread(p.ThreadID)
		defer unlock()

		t, err := s.threads.Load(ctx, p.ThreadID)
		if err != nil {
			return err
		}
		if t.Status.Type != thread.StatusActive {
			return validationErrorf("thread %s does not accept new input while %s", t.ID, t.Status.Type)
		}
		return s.processEvents(ctx, t, func(ctx context.Context, inner emitFunc) error {
			if err := s.appendUserMessage(ctx, t, p.Input, inner); err != nil {
				return err
			}
			return s.respond(ctx, t, inner)
		}, emit)
	}
	return &Result{Stream: stream}, nil
}

// appendUserMessage validates attachments, emits the user message's
// added/done lifecycle (persistence rides on the done event), and
// derives the thread title when this is the first message.
func (s *Service) appendUserMessage(ctx context.Context, t *thread.Thread, input UserMessageInput, emit emitFunc) error {
	for _, attID := range input.Attachments {
		if _, err := s.store.LoadAttachment(ctx, attID); err != nil {
			if errors.Is(err, threadstore.ErrNotFound) {
				return validationErrorf("unknown attachment %q", attID)
			}
			return err
		}
	}

	s.maybeAutoTitle(t, input.Content)

	item := &thread.UserMessageItem{
		ItemBase: thread.ItemBase{
			ID:              s.store.GenerateItemID(ctx, thread.ItemTypeUserMessage, t.ID),
			ThreadID:        t.ID,
			CreatedAtUnixMs: thread.NowUnixMs(),
		},
		Type:        thread.ItemTypeUserMessage,
		Content:     thread.UserText(input.Content),
		Attachments: input.Attachments,
	}
	if err := emit(newItemAdded(item)); err != nil {
		return err
	}
	return emit(newItemDone(item))
}

func (s *Service) threadAction(raw json.RawMessage) (*Result, error) {
	var p actionParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	switch p.Action.Type {
	case widgets.ActionApproveToolCall, widgets.ActionRejectToolCall:
	default:
		return nil, validationErrorf("threads.action: unsupported action type %q", p.Action.Type)
	}

	stream := func(ctx context.Context, emit emitFunc) error {
		unlock := s.lockThread(p.ThreadID)
		defer unlock()

		t, err := s.threads.Load(ctx, p.ThreadID)
		if err != nil {
			return err
		}
		toolCallID, _ := p.Action.Payload["tool_call_id"].(string)
		if toolCallID == "" {
			toolCallID = t.Status.ToolCallID
		}

		decision := engine.Decision{Type: engine.DecisionApprove, ToolCallID: toolCallID}
		if p.Action.Type == widgets.ActionRejectToolCall {
			decision.Type = engine.DecisionReject
		}

		return s.processEvents(ctx, t, func(ctx context.Context, inner emitFunc) error {
			state, err := s.checkpoints.Load(ctx, t.ID)
			if err != nil {
				return err
			}
			if state == nil {
				// nothing to resume; unlock the thread instead of failing
				s.log.Warn("approval action without checkpoint", "thread_id", t.ID)
				t.SetStatus(thread.ActiveStatus())
				return nil
			}
			return s.resume(ctx, t, state, decision, inner)
		}, emit)
	}
	return &Result{Stream: stream}, nil
}

func (s *Service) customAction(raw json.RawMessage) (*Result, error) {
	var p actionParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if s.opts.ActionHandler == nil {
		return nil, validationErrorf("threads.custom_action: no action handler configured")
	}
	if strings.TrimSpace(p.Action.Type) == "" {
		return nil, validationErrorf("threads.custom_action: action.type is required")
	}

	stream := func(ctx context.Context, emit emitFunc) error {
		unlock := s.lockThread(p.ThreadID)
		defer unlock()

		t, err := s.threads.Load(ctx, p.ThreadID)
		if err != nil {
			return err
		}
		return s.processEvents(ctx, t, func(ctx context.Context, inner emitFunc) error {
			note, rerun, err := s.opts.ActionHandler(ctx, t, p.Action)
			if err != nil {
				return err
			}
			if note != "" {
				item := &thread.HiddenContextItem{
					ItemBase: thread.ItemBase{
						ID:              s.store.GenerateItemID(ctx, thread.ItemTypeHiddenContext, t.ID),
						ThreadID:        t.ID,
						CreatedAtUnixMs: thread.NowUnixMs(),
					},
					Type:    thread.ItemTypeHiddenContext,
					Content: note,
				}
				// done persists it; the event itself is swallowed
				if err := inner(newItemDone(item)); err != nil {
					return err
				}
			}
			if !rerun {
				return nil
			}
			return s.respond(ctx, t, inner)
		}, emit)
	}
	return &Result{Stream: stream}, nil
}

func (s *Service) retryAfterItem(raw json.RawMessage) (*Result, error) {
	var p retryAfterItemParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.ItemID) == "" {
		return nil, validationErrorf("threads.retry_after_item: item_id is required")
	}

	stream := func(ctx context.Context, emit emitFunc) error {
		unlock := s.lockThread(p.ThreadID)
		defer unlock()

		t, err := s.threads.Load(ctx, p.ThreadID)
		if err != nil {
			return err
		}
		return s.processEvents(ctx, t, func(ctx context.Context, inner emitFunc) error {
			toRemove, err := s.collectItemsAfter(ctx, t.ID, p.ItemID)
			if err != nil {
				return err
			}
			for _, it := range toRemove {
				if err := inner(newItemRemoved(it.Base().ID)); err != nil {
					return err
				}
			}
			return s.respond(ctx, t, inner)
		}, emit)
	}
	return &Result{Stream: stream}, nil
}

// collectItemsAfter walks items newest-first and gathers everything
// that came after the target item, which must be a user message.
func (s *Service) collectItemsAfter(ctx context.Context, threadID, itemID string) ([]thread.Item, error) {
	var newer []thread.Item
	after := ""
	for {
		page, err := s.store.LoadThreadItems(ctx, threadID, after, 50, thread.OrderDesc)
		if err != nil {
			return nil, err
		}
		for _, it := range page.Data {
			if it.Base().ID == itemID {
				if it.ItemType() != thread.ItemTypeUserMessage {
					return nil, validationErrorf("threads.retry_after_item: item %s is not a user message", itemID)
				}
				return newer, nil
			}
			newer = append(newer, it)
		}
		if !page.HasMore || page.After == "" {
			return nil, validationErrorf("threads.retry_after_item: item %s not found", itemID)
		}
		after = page.After
	}
}

func (s *Service) addClientToolOutput(raw json.RawMessage) (*Result, error) {
	var p clientToolOutputParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}

	stream := func(ctx context.Context, emit emitFunc) error {
		unlock := s.lockThread(p.ThreadID)
		defer unlock()

		t, err := s.threads.Load(ctx, p.ThreadID)
		if err != nil {
			return err
		}
		return s.processEvents(ctx, t, func(ctx context.Context, inner emitFunc) error {
			call, err := s.findPendingToolCall(ctx, t.ID)
			if err != nil {
				return err
			}
			call.Status = thread.ToolCallCompleted
			call.Output = p.Result
			if err := inner(newItemDone(call)); err != nil {
				return err
			}
			t.SetStatus(thread.ActiveStatus())
			return s.respond(ctx, t, inner)
		}, emit)
	}
	return &Result{Stream: stream}, nil
}

// findPendingToolCall returns the single most recent pending client
// tool call.
func (s *Service) findPendingToolCall(ctx context.Context, threadID string) (*thread.ClientToolCallItem, error) {
	after := ""
	for {
		page, err := s.store.LoadThreadItems(ctx, threadID, after, 50, thread.OrderDesc)
		if err != nil {
			return nil, err
		}
		for _, it := range page.Data {
			call, ok := it.(*thread.ClientToolCallItem)
			if ok && call.Status == thread.ToolCallPending {
				return call, nil
			}
		}
		if !page.HasMore || page.After == "" {
			return nil, validationErrorf("threads.add_client_tool_output: no pending client tool call")
		}
		after = page.After
	}
}

// --- buffered operations ---

func (s *Service) getThread(ctx context.Context, raw json.RawMessage) (*Result, error) {
	var p threadIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	t, err := s.threads.Load(ctx, p.ThreadID)
	if err != nil {
		return nil, err
	}
	view, err := s.threads.ClientView(ctx, t)
	if err != nil {
		return nil, err
	}
	return bufferedJSON(view)
}

func (s *Service) listThreads(ctx context.Context, raw json.RawMessage) (*Result, error) {
	p := listThreadsParams{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, validationErrorf("invalid params: %v", err)
		}
	}
	page, err := s.threads.List(ctx, p.Limit, p.After, thread.NormalizeOrder(p.Order))
	if err != nil {
		return nil, err
	}
	return bufferedJSON(page)
}

func (s *Service) listItems(ctx context.Context, raw json.RawMessage) (*Result, error) {
	var p listItemsParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.ThreadID) == "" {
		return nil, validationErrorf("items.list: thread_id is required")
	}
	page, err := s.threads.ListItems(ctx, p.ThreadID, p.After, p.Limit, thread.NormalizeOrder(p.Order))
	if err != nil {
		return nil, err
	}
	return bufferedJSON(page)
}

func (s *Service) updateThread(ctx context.Context, raw json.RawMessage) (*Result, error) {
	var p updateThreadParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	unlock := s.lockThread(p.ThreadID)
	defer unlock()

	t, err := s.threads.Load(ctx, p.ThreadID)
	if err != nil {
		return nil, err
	}
	if p.Title != "" {
		t.SetTitle(p.Title)
	}
	for k, v := range p.Metadata {
		t.SetMetadata(k, v)
	}
	if err := s.threads.Save(ctx, t); err != nil {
		return nil, err
	}
	view, err := s.threads.ClientView(ctx, t)
	if err != nil {
		return nil, err
	}
	return bufferedJSON(view)
}

func (s *Service) deleteThread(ctx context.Context, raw json.RawMessage) (*Result, error) {
	var p threadIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := s.threads.Delete(ctx, p.ThreadID); err != nil {
		return nil, err
	}
	return bufferedJSON(map[string]any{"deleted": true, "thread_id": p.ThreadID})
}

func (s *Service) createAttachment(ctx context.Context, raw json.RawMessage) (*Result, error) {
	var p createAttachmentParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Name) == "" {
		return nil, validationErrorf("attachments.create: name is required")
	}
	att := &threadstore.Attachment{
		ID:              thread.NewAttachmentID(),
		Name:            p.Name,
		MimeType:        p.MimeType,
		SizeBytes:       p.Size,
		CreatedAtUnixMs: thread.NowUnixMs(),
	}
	if err := s.store.SaveAttachment(ctx, att); err != nil {
		return nil, err
	}
	return bufferedJSON(att)
}

func (s *Service) deleteAttachment(ctx context.Context, raw json.RawMessage) (*Result, error) {
	var p attachmentIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := s.store.DeleteAttachment(ctx, p.AttachmentID); err != nil {
		return nil, err
	}
	return bufferedJSON(map[string]any{"deleted": true, "attachment_id": p.AttachmentID})
}

func (s *Service) getAttachment(ctx context.Context, raw json.RawMessage) (*Result, error) {
	var p attachmentIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	att, err := s.store.LoadAttachment(ctx, p.AttachmentID)
	if err != nil {
		return nil, err
	}
	return bufferedJSON(att)
}
