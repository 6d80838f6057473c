package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/paseo/paseo/internal/common/errors"
	"github.com/paseo/paseo/internal/events"
	"github.com/paseo/paseo/internal/events/bus"
	"github.com/paseo/paseo/internal/guard"
	"github.com/paseo/paseo/internal/notify"
	"github.com/paseo/paseo/pkg/protocol"
)

// handleMessage routes one inbound message. Request types answer with a
// typed response or an rpc_error; imperative types answer with an ack
// when they carry a requestId.
func (s *Session) handleMessage(ctx context.Context, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypePing:
		s.enqueue(&protocol.Message{Type: protocol.TypePong, RequestID: msg.RequestID}, true)

	case protocol.TypeUpdateClientState:
		s.handleUpdateClientState(msg)

	case protocol.TypeShutdown:
		s.ack(msg)
		s.deps.Guard.Request(guard.IntentShutdown)
	case protocol.TypeRestart:
		s.ack(msg)
		s.deps.Guard.Request(guard.IntentRestart)

	case protocol.TypeSendAgentMessage:
		var req protocol.SendAgentMessage
		s.imperative(ctx, msg, &req, func(ctx context.Context) error {
			return s.deps.Manager.SendMessage(ctx, req)
		})
	case protocol.TypeAgentPermissionResponse:
		var req protocol.AgentPermissionResponse
		s.imperative(ctx, msg, &req, func(ctx context.Context) error {
			return s.deps.Manager.ResolvePermission(ctx, req)
		})

	case protocol.TypeCreateAgentRequest:
		var req protocol.CreateAgentRequest
		s.request(ctx, msg, &req, func(ctx context.Context) (any, error) {
			snap, err := s.deps.Manager.CreateAgent(ctx, req)
			if err != nil {
				return nil, err
			}
			return protocol.CreateAgentResponse{Agent: snap}, nil
		})
	case protocol.TypeInitializeAgentRequest:
		var req protocol.InitializeAgentRequest
		s.request(ctx, msg, &req, func(ctx context.Context) (any, error) {
			snap, err := s.deps.Manager.InitializeAgent(ctx, req)
			if err != nil {
				return nil, err
			}
			return protocol.InitializeAgentResponse{Agent: snap}, nil
		})
	case protocol.TypeDeleteAgentRequest:
		var req protocol.DeleteAgentRequest
		s.request(ctx, msg, &req, func(ctx context.Context) (any, error) {
			if err := s.deps.Manager.DeleteAgent(ctx, req); err != nil {
				return nil, err
			}
			return protocol.DeleteAgentResponse{AgentID: req.AgentID}, nil
		})
	case protocol.TypeResumeAgentRequest:
		var req protocol.ResumeAgentRequest
		s.request(ctx, msg, &req, func(ctx context.Context) (any, error) {
			snap, err := s.deps.Manager.ResumeAgent(ctx, req)
			if err != nil {
				return nil, err
			}
			return protocol.ResumeAgentResponse{Agent: snap}, nil
		})
	case protocol.TypeCancelAgentRequest:
		var req protocol.CancelAgentRequest
		s.request(ctx, msg, &req, func(ctx context.Context) (any, error) {
			if err := s.deps.Manager.CancelAgent(ctx, req); err != nil {
				return nil, err
			}
			return protocol.CancelAgentResponse{AgentID: req.AgentID}, nil
		})
	case protocol.TypeListAgentsRequest:
		var req protocol.ListAgentsRequest
		s.request(ctx, msg, &req, func(context.Context) (any, error) {
			return protocol.ListAgentsResponse{Agents: s.deps.Manager.ListAgents(req)}, nil
		})

	case protocol.TypeSetAgentModeRequest:
		var req protocol.SetAgentModeRequest
		s.request(ctx, msg, &req, func(ctx context.Context) (any, error) {
			snap, err := s.deps.Manager.SetMode(ctx, req)
			if err != nil {
				return nil, err
			}
			return protocol.SetAgentConfigResponse{Agent: snap}, nil
		})
	case protocol.TypeSetAgentModelRequest:
		var req protocol.SetAgentModelRequest
		s.request(ctx, msg, &req, func(ctx context.Context) (any, error) {
			snap, err := s.deps.Manager.SetModel(ctx, req)
			if err != nil {
				return nil, err
			}
			return protocol.SetAgentConfigResponse{Agent: snap}, nil
		})
	case protocol.TypeSetAgentThinkingRequest:
		var req protocol.SetAgentThinkingRequest
		s.request(ctx, msg, &req, func(ctx context.Context) (any, error) {
			snap, err := s.deps.Manager.SetThinkingOption(ctx, req)
			if err != nil {
				return nil, err
			}
			return protocol.SetAgentConfigResponse{Agent: snap}, nil
		})
	case protocol.TypeSetAgentVariantRequest:
		var req protocol.SetAgentVariantRequest
		s.request(ctx, msg, &req, func(ctx context.Context) (any, error) {
			snap, err := s.deps.Manager.SetVariant(ctx, req)
			if err != nil {
				return nil, err
			}
			return protocol.SetAgentConfigResponse{Agent: snap}, nil
		})
	case protocol.TypeSetAgentTitleRequest:
		var req protocol.SetAgentTitleRequest
		s.request(ctx, msg, &req, func(context.Context) (any, error) {
			snap, err := s.deps.Manager.SetTitle(req)
			if err != nil {
				return nil, err
			}
			return protocol.SetAgentConfigResponse{Agent: snap}, nil
		})

	case protocol.TypeFetchAgentTimelineRequest:
		var req protocol.FetchAgentTimelineRequest
		s.request(ctx, msg, &req, func(ctx context.Context) (any, error) {
			return s.deps.Manager.FetchTimeline(ctx, req)
		})
	case protocol.TypeSubscribeAgentStreamRequest:
		s.handleSubscribeStream(ctx, msg)
	case protocol.TypeUnsubscribeAgentStream:
		var req protocol.UnsubscribeAgentStreamRequest
		s.request(ctx, msg, &req, func(context.Context) (any, error) {
			s.mu.Lock()
			sub, ok := s.streams[req.SubscriptionID]
			delete(s.streams, req.SubscriptionID)
			s.mu.Unlock()
			if !ok {
				return nil, errors.NotFound("subscription", req.SubscriptionID)
			}
			sub.Close()
			return protocol.UnsubscribeAgentStreamResponse{SubscriptionID: req.SubscriptionID}, nil
		})
	case protocol.TypeSubscribeAgentsRequest:
		s.handleSubscribeAgents(msg)

	case protocol.TypeListProviderModelsRequest:
		var req protocol.ListProviderModelsRequest
		s.request(ctx, msg, &req, func(ctx context.Context) (any, error) {
			models, err := s.deps.Manager.ListProviderModels(ctx, req)
			if err != nil {
				return nil, err
			}
			return protocol.ListProviderModelsResponse{Provider: req.Provider, Models: models}, nil
		})

	case protocol.TypeCheckoutStatusRequest:
		var req protocol.CheckoutStatusRequest
		s.request(ctx, msg, &req, func(ctx context.Context) (any, error) {
			snap, err := s.deps.Manager.AgentSnapshot(req.AgentID)
			if err != nil {
				return nil, err
			}
			return s.deps.Checkout.Status(ctx, req.AgentID, snap.Cwd)
		})
	case protocol.TypeCheckoutDiffRequest:
		var req protocol.CheckoutDiffRequest
		s.request(ctx, msg, &req, func(ctx context.Context) (any, error) {
			snap, err := s.deps.Manager.AgentSnapshot(req.AgentID)
			if err != nil {
				return nil, err
			}
			return s.deps.Checkout.Diff(ctx, req.AgentID, snap.Cwd, req.Path)
		})
	case protocol.TypeFileExplorerRequest:
		var req protocol.FileExplorerRequest
		s.request(ctx, msg, &req, func(ctx context.Context) (any, error) {
			return s.deps.Explorer.List(ctx, &req)
		})
	case protocol.TypeCreateDownloadTokenRequest:
		var req protocol.CreateDownloadTokenRequest
		s.request(ctx, msg, &req, func(context.Context) (any, error) {
			root := ""
			if req.AgentID != "" {
				snap, err := s.deps.Manager.AgentSnapshot(req.AgentID)
				if err != nil {
					return nil, err
				}
				root = snap.Cwd
			}
			return s.deps.Tokens.Create(req.Path, root)
		})
	case protocol.TypeFetchActivityRequest:
		var req protocol.FetchActivityRequest
		s.request(ctx, msg, &req, func(ctx context.Context) (any, error) {
			if s.deps.Activity == nil {
				return nil, errors.Unsupported("activity log is disabled")
			}
			return s.deps.Activity.Fetch(ctx, &req)
		})

	case protocol.TypeTranscribeAudio:
		var req protocol.TranscribeAudio
		if err := msg.ParsePayload(&req); err != nil {
			s.rpcError(msg, errors.Invalid("invalid payload: "+err.Error()))
			return
		}
		s.ack(msg)
		text, err := s.deps.Voice.Transcription.Transcribe(ctx, req.AudioB64, req.Format)
		if err != nil {
			s.rpcError(msg, err)
			return
		}
		s.sendEvent(protocol.TypeTranscriptionResult, protocol.TranscriptionResult{
			RequestID: msg.RequestID,
			Text:      text,
		}, true)
	case protocol.TypeSpeakText:
		var req protocol.SpeakText
		if err := msg.ParsePayload(&req); err != nil {
			s.rpcError(msg, errors.Invalid("invalid payload: "+err.Error()))
			return
		}
		s.ack(msg)
		audio, format, err := s.deps.Voice.Speech.Speak(ctx, req.Text)
		if err != nil {
			s.rpcError(msg, err)
			return
		}
		s.sendEvent(protocol.TypeAudioOutput, protocol.AudioOutput{
			RequestID: msg.RequestID,
			AudioB64:  audio,
			Format:    format,
		}, true)

	default:
		s.rpcError(msg, errors.Invalid("unknown message type '"+msg.Type+"'"))
	}
}

// request parses a payload, runs the operation, and answers with the
// conventionally named response or an rpc_error.
func (s *Session) request(ctx context.Context, msg *protocol.Message, payload any, op func(context.Context) (any, error)) {
	if err := msg.ParsePayload(payload); err != nil {
		s.rpcError(msg, errors.Invalid("invalid payload: "+err.Error()))
		return
	}
	result, err := op(ctx)
	if err != nil {
		s.rpcError(msg, err)
		return
	}
	s.sendResponse(protocol.ResponseTypeFor(msg.Type), msg.RequestID, result)
}

// imperative parses a payload, runs the operation, and answers with an
// ack or an rpc_error.
func (s *Session) imperative(ctx context.Context, msg *protocol.Message, payload any, op func(context.Context) error) {
	if err := msg.ParsePayload(payload); err != nil {
		s.rpcError(msg, errors.Invalid("invalid payload: "+err.Error()))
		return
	}
	if err := op(ctx); err != nil {
		s.rpcError(msg, err)
		return
	}
	s.ack(msg)
}

func (s *Session) ack(msg *protocol.Message) {
	if msg.RequestID == "" {
		return
	}
	s.enqueue(protocol.NewAck(msg.RequestID), true)
}

func (s *Session) rpcError(msg *protocol.Message, err error) {
	out, buildErr := protocol.NewRPCError(msg.RequestID, msg.Type, errors.CodeOf(err), errors.MessageOf(err))
	if buildErr != nil {
		s.logger.Error("Could not build rpc_error", zap.Error(buildErr))
		return
	}
	s.logger.Debug("Request failed",
		zap.String("type", msg.Type),
		zap.String("code", errors.CodeOf(err)),
		zap.Error(err))
	s.enqueue(out, true)
}

// handleUpdateClientState records the client's UX state and clears the
// focused agent's attention flag, since the user is now looking at it.
func (s *Session) handleUpdateClientState(msg *protocol.Message) {
	var req protocol.UpdateClientState
	if err := msg.ParsePayload(&req); err != nil {
		s.rpcError(msg, errors.Invalid("invalid payload: "+err.Error()))
		return
	}

	s.mu.Lock()
	s.deviceType = req.DeviceType
	s.appVisible = req.AppVisible
	s.focusedAgentID = req.FocusedAgentID
	s.mu.Unlock()

	if req.FocusedAgentID != "" && req.AppVisible {
		if err := s.deps.Manager.ClearAttention(req.FocusedAgentID); err != nil && !errors.IsNotFound(err) {
			s.logger.Debug("Clearing attention failed",
				zap.String("agent_id", req.FocusedAgentID),
				zap.Error(err))
		}
	}
	s.ack(msg)
}

// handleSubscribeAgents wires the session into the agent directory: an
// agent_state per existing agent now, then live upserts, deletions, and
// permission traffic.
func (s *Session) handleSubscribeAgents(msg *protocol.Message) {
	subscriptionID := s.deps.ServerID + ":" + uuid.New().String()

	subs, err := s.subscribeDirectory()
	if err != nil {
		s.rpcError(msg, errors.Internal("subscribing to agent directory", err))
		return
	}

	s.mu.Lock()
	old := s.directory
	s.directory = subs
	s.directoryID = subscriptionID
	s.mu.Unlock()
	for _, sub := range old {
		_ = sub.Unsubscribe()
	}

	s.sendResponse(protocol.TypeSubscribeAgentsResponse, msg.RequestID, protocol.SubscribeAgentsResponse{
		SubscriptionID: subscriptionID,
		ServerID:       s.deps.ServerID,
	})

	// Directory snapshot after the response, before any live delta can
	// overtake it: bus deliveries enqueue behind these frames.
	for _, snap := range s.deps.Manager.ListAgents(protocol.ListAgentsRequest{}) {
		s.sendEvent(protocol.TypeAgentState, protocol.AgentState{Agent: snap}, true)
	}
}

func (s *Session) subscribeDirectory() ([]bus.Subscription, error) {
	type wiring struct {
		subject string
		handler bus.EventHandler
	}
	wirings := []wiring{
		{events.BuildAgentStateWildcardSubject(), s.onAgentState},
		{events.BuildAgentDeletedWildcardSubject(), forwardEvent[protocol.AgentDeleted](s, protocol.TypeAgentDeleted)},
		{events.BuildPermissionRequestWildcardSubject(), forwardEvent[protocol.AgentPermissionRequest](s, protocol.TypeAgentPermissionRequest)},
		{events.BuildPermissionResolvedWildcardSubject(), forwardEvent[protocol.AgentPermissionResolved](s, protocol.TypeAgentPermissionResolved)},
		{events.SubjectActivity, s.onActivity},
	}

	subs := make([]bus.Subscription, 0, len(wirings))
	for _, w := range wirings {
		sub, err := s.deps.Bus.Subscribe(w.subject, w.handler)
		if err != nil {
			for _, done := range subs {
				_ = done.Unsubscribe()
			}
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// onAgentState forwards a directory upsert, stamped with this client's
// notification decision when the agent newly wants attention.
func (s *Session) onAgentState(_ context.Context, e *bus.Event) error {
	var state protocol.AgentState
	if err := bus.DecodeData(e, &state); err != nil {
		return err
	}
	if state.Agent.Attention != nil {
		all := s.deps.Registry.States()
		self := s.clientState(time.Now(), s.deps.Registry.staleAfter)
		state.Notify = notify.ShouldNotifyClient(state.Agent.ID, self, all)
	}
	s.sendEvent(protocol.TypeAgentState, state, true)
	return nil
}

// forwardEvent decodes a bus event into a fresh T and re-emits it under
// the wire type. The memory bus runs handlers on the publishing
// goroutine, so concurrent publishers must not share a decode target.
func forwardEvent[T any](s *Session, wireType string) bus.EventHandler {
	return func(_ context.Context, e *bus.Event) error {
		out := new(T)
		if err := bus.DecodeData(e, out); err != nil {
			return err
		}
		s.sendEvent(wireType, out, true)
		return nil
	}
}

func (s *Session) onActivity(_ context.Context, e *bus.Event) error {
	var entry protocol.ActivityEntry
	if err := bus.DecodeData(e, &entry); err != nil {
		return err
	}
	s.sendEvent(protocol.TypeActivityLog, protocol.ActivityLog{Entry: entry}, false)
	return nil
}

// handleSubscribeStream opens a snapshot-then-live timeline tap. Frame
// order on the wire: subscribe response, snapshot event, live rows.
func (s *Session) handleSubscribeStream(ctx context.Context, msg *protocol.Message) {
	var req protocol.SubscribeAgentStreamRequest
	if err := msg.ParsePayload(&req); err != nil {
		s.rpcError(msg, errors.Invalid("invalid payload: "+err.Error()))
		return
	}

	subscriptionID := uuid.New().String()
	sub, err := s.deps.Manager.SubscribeAgentStream(ctx, req, func(row protocol.AgentStream) {
		s.enqueueStreamRow(row)
	})
	if err != nil {
		s.rpcError(msg, err)
		return
	}

	// The closed check and the insert share s.mu with shutdown's map
	// swap, so a tap can never be stored after the swap drained the map.
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		sub.Close()
		return
	default:
	}
	s.streams[subscriptionID] = sub
	s.mu.Unlock()

	s.sendResponse(protocol.TypeSubscribeAgentStreamResponse, msg.RequestID, protocol.SubscribeAgentStreamResponse{
		AgentID:        req.AgentID,
		SubscriptionID: subscriptionID,
	})
	s.sendEvent(protocol.TypeAgentStreamSnapshot, protocol.AgentStreamSnapshot{
		AgentID:        req.AgentID,
		SubscriptionID: subscriptionID,
		Events:         sub.Rows,
	}, true)
	sub.Open()
}

// enqueueStreamRow forwards one live timeline row. Message deltas are the
// only frames the backpressure policy may discard: a client that missed
// them resynchronizes from the next snapshot, while tool lifecycle and
// error rows must survive.
func (s *Session) enqueueStreamRow(row protocol.AgentStream) {
	critical := true
	switch row.Event.Item.Type {
	case protocol.ItemAssistantMessage, protocol.ItemReasoning:
		critical = false
	}
	s.sendEvent(protocol.TypeAgentStream, row, critical)
}
