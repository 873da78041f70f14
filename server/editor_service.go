package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"connectrpc.com/connect"

	"github.com/chazu/keysmith/block"
	"github.com/chazu/keysmith/editor"
	"github.com/chazu/keysmith/execute"
	"github.com/chazu/keysmith/gateway"
	"github.com/chazu/keysmith/rpc"
	"github.com/chazu/keysmith/wire"
)

// EditorServiceName is the Connect service editing clients talk to.
const EditorServiceName = "keysmith.v1.EditorService"

// SessionRef names the session a request operates on. With Settle set the
// response waits until no generation is in flight, so its view carries the
// regenerated text.
type SessionRef struct {
	SessionID string `json:"session_id"`
	Settle    bool   `json:"settle,omitempty"`
}

type CreateSessionRequest struct {
	Name string `json:"name,omitempty"`
}

type CreateSessionResponse struct {
	SessionID string      `json:"session_id"`
	View      editor.View `json:"view"`
}

type DestroySessionRequest struct {
	SessionID string `json:"session_id"`
}

type DestroySessionResponse struct{}

type ListSessionsRequest struct{}

// SessionInfo summarizes one session.
type SessionInfo struct {
	SessionID string       `json:"session_id"`
	Name      string       `json:"name,omitempty"`
	Created   time.Time    `json:"created"`
	LastUsed  time.Time    `json:"last_used"`
	Blocks    int          `json:"blocks"`
	State     editor.State `json:"state"`
}

type ListSessionsResponse struct {
	Sessions []SessionInfo `json:"sessions"`
}

type GetViewRequest struct {
	SessionRef
}

// ViewResponse is the session view after a request was applied.
type ViewResponse struct {
	View editor.View `json:"view"`
}

type AddBlockRequest struct {
	SessionRef
	BlockID string `json:"block_id"`
}

type AddBlockResponse struct {
	InstanceID string      `json:"instance_id"`
	View       editor.View `json:"view"`
}

type DeleteBlockRequest struct {
	SessionRef
	ID string `json:"id"`
}

type MoveBlockRequest struct {
	SessionRef
	ID        string `json:"id"`
	Direction int    `json:"direction"`
}

type UpdateParamsRequest struct {
	SessionRef
	ID     string       `json:"id"`
	Params block.Params `json:"params"`
}

// SelectRequest moves the cursor. An empty AnchorID clears it.
type SelectRequest struct {
	SessionRef
	AnchorID string `json:"anchor_id,omitempty"`
	Position string `json:"position,omitempty"`
}

type EditTextRequest struct {
	SessionRef
	Text string `json:"text"`
}

type SyncToBlocksRequest struct {
	SessionRef
}

// SyncToBlocksResponse reports a sync. A text the parser rejected is not an
// RPC error: Success is false and Error carries the parser's message.
type SyncToBlocksResponse struct {
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	View    editor.View `json:"view"`
}

// ExecuteRequest runs the session's text against an input given in one of
// the hex, utf8 or number encodings.
type ExecuteRequest struct {
	SessionRef
	Input    string `json:"input"`
	Encoding string `json:"encoding,omitempty"`
}

type ExecuteResponse struct {
	Success  bool   `json:"success"`
	Result   string `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
	InputHex string `json:"input_hex"`
}

type ExportProgramRequest struct {
	SessionRef
}

// ExportProgramResponse carries the forest in its CBOR encoding.
type ExportProgramResponse struct {
	Program []byte `json:"program"`
	Digest  string `json:"digest"`
}

type ImportProgramRequest struct {
	SessionRef
	Program []byte `json:"program"`
}

var (
	CreateSessionProcedure  = rpc.Procedure(EditorServiceName, "CreateSession")
	DestroySessionProcedure = rpc.Procedure(EditorServiceName, "DestroySession")
	ListSessionsProcedure   = rpc.Procedure(EditorServiceName, "ListSessions")
	GetViewProcedure        = rpc.Procedure(EditorServiceName, "GetView")
	AddBlockProcedure       = rpc.Procedure(EditorServiceName, "AddBlock")
	DeleteBlockProcedure    = rpc.Procedure(EditorServiceName, "DeleteBlock")
	MoveBlockProcedure      = rpc.Procedure(EditorServiceName, "MoveBlock")
	UpdateParamsProcedure   = rpc.Procedure(EditorServiceName, "UpdateParams")
	SelectProcedure         = rpc.Procedure(EditorServiceName, "Select")
	EditTextProcedure       = rpc.Procedure(EditorServiceName, "EditText")
	SyncToBlocksProcedure   = rpc.Procedure(EditorServiceName, "SyncToBlocks")
	ExecuteProcedure        = rpc.Procedure(EditorServiceName, "Execute")
	ExportProgramProcedure  = rpc.Procedure(EditorServiceName, "ExportProgram")
	ImportProgramProcedure  = rpc.Procedure(EditorServiceName, "ImportProgram")
)

// EditorService exposes editing sessions over Connect.
type EditorService struct {
	sessions *SessionStore
	executor execute.Executor
}

// NewEditorService creates an EditorService. executor may be nil, in which
// case Execute reports Unavailable.
func NewEditorService(sessions *SessionStore, executor execute.Executor) *EditorService {
	return &EditorService{
		sessions: sessions,
		executor: executor,
	}
}

// register mounts every editor procedure on mux.
func (s *EditorService) register(mux routeMux, opts ...connect.HandlerOption) {
	mux.Handle(CreateSessionProcedure, connect.NewUnaryHandler(CreateSessionProcedure, s.CreateSession, opts...))
	mux.Handle(DestroySessionProcedure, connect.NewUnaryHandler(DestroySessionProcedure, s.DestroySession, opts...))
	mux.Handle(ListSessionsProcedure, connect.NewUnaryHandler(ListSessionsProcedure, s.ListSessions, opts...))
	mux.Handle(GetViewProcedure, connect.NewUnaryHandler(GetViewProcedure, s.GetView, opts...))
	mux.Handle(AddBlockProcedure, connect.NewUnaryHandler(AddBlockProcedure, s.AddBlock, opts...))
	mux.Handle(DeleteBlockProcedure, connect.NewUnaryHandler(DeleteBlockProcedure, s.DeleteBlock, opts...))
	mux.Handle(MoveBlockProcedure, connect.NewUnaryHandler(MoveBlockProcedure, s.MoveBlock, opts...))
	mux.Handle(UpdateParamsProcedure, connect.NewUnaryHandler(UpdateParamsProcedure, s.UpdateParams, opts...))
	mux.Handle(SelectProcedure, connect.NewUnaryHandler(SelectProcedure, s.Select, opts...))
	mux.Handle(EditTextProcedure, connect.NewUnaryHandler(EditTextProcedure, s.EditText, opts...))
	mux.Handle(SyncToBlocksProcedure, connect.NewUnaryHandler(SyncToBlocksProcedure, s.SyncToBlocks, opts...))
	mux.Handle(ExecuteProcedure, connect.NewUnaryHandler(ExecuteProcedure, s.Execute, opts...))
	mux.Handle(ExportProgramProcedure, connect.NewUnaryHandler(ExportProgramProcedure, s.ExportProgram, opts...))
	mux.Handle(ImportProgramProcedure, connect.NewUnaryHandler(ImportProgramProcedure, s.ImportProgram, opts...))
}

// CreateSession starts a new editing session.
func (s *EditorService) CreateSession(
	ctx context.Context,
	req *connect.Request[CreateSessionRequest],
) (*connect.Response[CreateSessionResponse], error) {
	session := s.sessions.Create(req.Msg.Name)
	v, err := session.Engine.Snapshot()
	if err != nil {
		return nil, engineError(err)
	}
	return connect.NewResponse(&CreateSessionResponse{
		SessionID: session.ID,
		View:      v,
	}), nil
}

// DestroySession stops a session.
func (s *EditorService) DestroySession(
	ctx context.Context,
	req *connect.Request[DestroySessionRequest],
) (*connect.Response[DestroySessionResponse], error) {
	if req.Msg.SessionID == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("session_id is required"))
	}
	if !s.sessions.Destroy(req.Msg.SessionID) {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("session %q not found", req.Msg.SessionID))
	}
	return connect.NewResponse(&DestroySessionResponse{}), nil
}

// ListSessions summarizes the live sessions.
func (s *EditorService) ListSessions(
	ctx context.Context,
	req *connect.Request[ListSessionsRequest],
) (*connect.Response[ListSessionsResponse], error) {
	resp := &ListSessionsResponse{Sessions: []SessionInfo{}}
	for _, session := range s.sessions.List() {
		v, err := session.Engine.Snapshot()
		if err != nil {
			// Swept or destroyed while listing.
			continue
		}
		resp.Sessions = append(resp.Sessions, SessionInfo{
			SessionID: session.ID,
			Name:      session.Name,
			Created:   session.Created,
			LastUsed:  session.LastUsed(),
			Blocks:    block.Count(v.Forest),
			State:     v.State,
		})
	}
	return connect.NewResponse(resp), nil
}

// GetView returns the session's current view.
func (s *EditorService) GetView(
	ctx context.Context,
	req *connect.Request[GetViewRequest],
) (*connect.Response[ViewResponse], error) {
	session, err := s.session(req.Msg.SessionRef)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, session, req.Msg.SessionRef)
}

// AddBlock inserts a new instance of a catalog block at the selection.
func (s *EditorService) AddBlock(
	ctx context.Context,
	req *connect.Request[AddBlockRequest],
) (*connect.Response[AddBlockResponse], error) {
	session, err := s.session(req.Msg.SessionRef)
	if err != nil {
		return nil, err
	}
	if req.Msg.BlockID == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("block_id is required"))
	}
	inst, err := session.Engine.AddBlock(req.Msg.BlockID)
	if err != nil {
		return nil, engineError(err)
	}
	v, err := s.snapshot(ctx, session, req.Msg.SessionRef)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&AddBlockResponse{
		InstanceID: inst.ID,
		View:       v,
	}), nil
}

// DeleteBlock removes a block and its descendants.
func (s *EditorService) DeleteBlock(
	ctx context.Context,
	req *connect.Request[DeleteBlockRequest],
) (*connect.Response[ViewResponse], error) {
	session, err := s.session(req.Msg.SessionRef)
	if err != nil {
		return nil, err
	}
	if err := session.Engine.Delete(req.Msg.ID); err != nil {
		return nil, engineError(err)
	}
	return s.view(ctx, session, req.Msg.SessionRef)
}

// MoveBlock moves a block one step up (-1) or down (+1) among its siblings.
func (s *EditorService) MoveBlock(
	ctx context.Context,
	req *connect.Request[MoveBlockRequest],
) (*connect.Response[ViewResponse], error) {
	session, err := s.session(req.Msg.SessionRef)
	if err != nil {
		return nil, err
	}
	if req.Msg.Direction != -1 && req.Msg.Direction != 1 {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("direction must be -1 or 1, got %d", req.Msg.Direction))
	}
	if err := session.Engine.Move(req.Msg.ID, req.Msg.Direction); err != nil {
		return nil, engineError(err)
	}
	return s.view(ctx, session, req.Msg.SessionRef)
}

// UpdateParams replaces a block's parameter values.
func (s *EditorService) UpdateParams(
	ctx context.Context,
	req *connect.Request[UpdateParamsRequest],
) (*connect.Response[ViewResponse], error) {
	session, err := s.session(req.Msg.SessionRef)
	if err != nil {
		return nil, err
	}
	if err := session.Engine.UpdateParams(req.Msg.ID, req.Msg.Params); err != nil {
		return nil, engineError(err)
	}
	return s.view(ctx, session, req.Msg.SessionRef)
}

// Select moves the insertion cursor.
func (s *EditorService) Select(
	ctx context.Context,
	req *connect.Request[SelectRequest],
) (*connect.Response[ViewResponse], error) {
	session, err := s.session(req.Msg.SessionRef)
	if err != nil {
		return nil, err
	}
	pos, err := block.ParsePosition(req.Msg.Position)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	if err := session.Engine.Select(block.Selection{AnchorID: req.Msg.AnchorID, Position: pos}); err != nil {
		return nil, engineError(err)
	}
	return s.view(ctx, session, req.Msg.SessionRef)
}

// EditText records text typed by the user.
func (s *EditorService) EditText(
	ctx context.Context,
	req *connect.Request[EditTextRequest],
) (*connect.Response[ViewResponse], error) {
	session, err := s.session(req.Msg.SessionRef)
	if err != nil {
		return nil, err
	}
	if err := session.Engine.EditText(req.Msg.Text); err != nil {
		return nil, engineError(err)
	}
	return s.view(ctx, session, req.Msg.SessionRef)
}

// SyncToBlocks rebuilds the forest from the session's text.
func (s *EditorService) SyncToBlocks(
	ctx context.Context,
	req *connect.Request[SyncToBlocksRequest],
) (*connect.Response[SyncToBlocksResponse], error) {
	session, err := s.session(req.Msg.SessionRef)
	if err != nil {
		return nil, err
	}
	v, err := session.Engine.SyncToBlocks(ctx)
	var pe *gateway.ParseError
	switch {
	case err == nil:
		return connect.NewResponse(&SyncToBlocksResponse{Success: true, View: v}), nil
	case errors.As(err, &pe):
		return connect.NewResponse(&SyncToBlocksResponse{
			Success: false,
			Error:   parseMessage(pe),
			View:    v,
		}), nil
	default:
		return nil, engineError(err)
	}
}

// Execute runs the session's current text through the executor.
func (s *EditorService) Execute(
	ctx context.Context,
	req *connect.Request[ExecuteRequest],
) (*connect.Response[ExecuteResponse], error) {
	session, err := s.session(req.Msg.SessionRef)
	if err != nil {
		return nil, err
	}
	if s.executor == nil {
		return nil, connect.NewError(connect.CodeUnavailable, fmt.Errorf("no executor configured"))
	}
	enc, err := execute.ParseEncoding(req.Msg.Encoding)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	// Generation must have finished for the text to be the program.
	if err := session.Engine.Settle(ctx); err != nil {
		return nil, engineError(err)
	}
	v, err := session.Engine.Snapshot()
	if err != nil {
		return nil, engineError(err)
	}
	var ge *gateway.GenerateError
	if errors.As(v.Err, &ge) {
		return nil, connect.NewError(connect.CodeFailedPrecondition, fmt.Errorf("code generation failed: %w", ge))
	}

	inputHex := execute.EncodeInput(req.Msg.Input, enc)
	result, err := s.executor.Execute(ctx, v.Text, inputHex)
	if err != nil {
		return nil, connect.NewError(connect.CodeUnavailable, err)
	}
	return connect.NewResponse(&ExecuteResponse{
		Success:  result.Success,
		Result:   result.Output,
		Error:    result.Error,
		InputHex: inputHex,
	}), nil
}

// ExportProgram returns the session's forest in its wire encoding.
func (s *EditorService) ExportProgram(
	ctx context.Context,
	req *connect.Request[ExportProgramRequest],
) (*connect.Response[ExportProgramResponse], error) {
	session, err := s.session(req.Msg.SessionRef)
	if err != nil {
		return nil, err
	}
	v, err := session.Engine.Snapshot()
	if err != nil {
		return nil, engineError(err)
	}
	data, err := wire.MarshalProgram(v.Forest)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	digest, err := wire.Digest(v.Forest)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(&ExportProgramResponse{
		Program: data,
		Digest:  digest,
	}), nil
}

// ImportProgram replaces the session's forest with an exported program.
func (s *EditorService) ImportProgram(
	ctx context.Context,
	req *connect.Request[ImportProgramRequest],
) (*connect.Response[ViewResponse], error) {
	session, err := s.session(req.Msg.SessionRef)
	if err != nil {
		return nil, err
	}
	f, err := wire.UnmarshalProgram(req.Msg.Program)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	if err := session.Engine.Replace(f); err != nil {
		return nil, engineError(err)
	}
	return s.view(ctx, session, req.Msg.SessionRef)
}

// session resolves a SessionRef to a live session.
func (s *EditorService) session(ref SessionRef) (*Session, error) {
	if ref.SessionID == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("session_id is required"))
	}
	session, ok := s.sessions.Get(ref.SessionID)
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("session %q not found", ref.SessionID))
	}
	return session, nil
}

func (s *EditorService) snapshot(ctx context.Context, session *Session, ref SessionRef) (editor.View, error) {
	if ref.Settle {
		if err := session.Engine.Settle(ctx); err != nil {
			return editor.View{}, engineError(err)
		}
	}
	v, err := session.Engine.Snapshot()
	if err != nil {
		return editor.View{}, engineError(err)
	}
	return v, nil
}

func (s *EditorService) view(ctx context.Context, session *Session, ref SessionRef) (*connect.Response[ViewResponse], error) {
	v, err := s.snapshot(ctx, session, ref)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&ViewResponse{View: v}), nil
}

// engineError maps engine failures onto Connect codes.
func engineError(err error) error {
	var (
		ce  *connect.Error
		inv *block.InvariantError
	)
	switch {
	case errors.As(err, &ce):
		return err
	case errors.Is(err, editor.ErrUnknownBlock):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, editor.ErrStopped):
		return connect.NewError(connect.CodeFailedPrecondition, fmt.Errorf("session is closed: %w", err))
	case errors.Is(err, editor.ErrStaleResync):
		return connect.NewError(connect.CodeAborted, err)
	case errors.As(err, &inv):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}
