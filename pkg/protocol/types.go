package protocol

// Inbound message types (client to daemon). Types with a _request suffix
// receive a matching _response frame carrying the same requestId; the rest
// are acknowledged with an ack frame when a requestId is present.
const (
	TypeCreateAgentRequest           = "create_agent_request"
	TypeInitializeAgentRequest       = "initialize_agent_request"
	TypeDeleteAgentRequest           = "delete_agent_request"
	TypeResumeAgentRequest           = "resume_agent_request"
	TypeCancelAgentRequest           = "cancel_agent_request"
	TypeListAgentsRequest            = "list_agents_request"
	TypeSetAgentModeRequest          = "set_agent_mode_request"
	TypeSetAgentModelRequest         = "set_agent_model_request"
	TypeSetAgentThinkingRequest      = "set_agent_thinking_option_request"
	TypeSetAgentVariantRequest       = "set_agent_variant_request"
	TypeSetAgentTitleRequest         = "set_agent_title_request"
	TypeFetchAgentTimelineRequest    = "fetch_agent_timeline_request"
	TypeSubscribeAgentStreamRequest  = "subscribe_agent_stream_request"
	TypeUnsubscribeAgentStream       = "unsubscribe_agent_stream_request"
	TypeSubscribeAgentsRequest       = "subscribe_agents_request"
	TypeListProviderModelsRequest    = "list_provider_models_request"
	TypeCheckoutStatusRequest        = "checkout_status_request"
	TypeCheckoutDiffRequest          = "checkout_diff_request"
	TypeFileExplorerRequest          = "file_explorer_request"
	TypeCreateDownloadTokenRequest   = "create_download_token_request"
	TypeFetchActivityRequest         = "fetch_activity_request"
	TypeSendAgentMessage             = "send_agent_message"
	TypeAgentPermissionResponse      = "agent_permission_response"
	TypeUpdateClientState            = "update_client_state"
	TypeTranscribeAudio              = "transcribe_audio"
	TypeSpeakText                    = "speak_text"
	TypePing                         = "ping"
	TypeShutdown                     = "shutdown"
	TypeRestart                      = "restart"
)

// Outbound response types (daemon to client, correlated by requestId).
const (
	TypeCreateAgentResponse          = "create_agent_response"
	TypeInitializeAgentResponse      = "initialize_agent_response"
	TypeDeleteAgentResponse          = "delete_agent_response"
	TypeResumeAgentResponse          = "resume_agent_response"
	TypeCancelAgentResponse          = "cancel_agent_response"
	TypeListAgentsResponse           = "list_agents_response"
	TypeSetAgentModeResponse         = "set_agent_mode_response"
	TypeSetAgentModelResponse        = "set_agent_model_response"
	TypeSetAgentThinkingResponse     = "set_agent_thinking_option_response"
	TypeSetAgentVariantResponse      = "set_agent_variant_response"
	TypeSetAgentTitleResponse        = "set_agent_title_response"
	TypeFetchAgentTimelineResponse   = "fetch_agent_timeline_response"
	TypeSubscribeAgentStreamResponse = "subscribe_agent_stream_response"
	TypeUnsubscribeAgentStreamReply  = "unsubscribe_agent_stream_response"
	TypeSubscribeAgentsResponse      = "subscribe_agents_response"
	TypeListProviderModelsResponse   = "list_provider_models_response"
	TypeCheckoutStatusResponse       = "checkout_status_response"
	TypeCheckoutDiffResponse         = "checkout_diff_response"
	TypeFileExplorerResponse         = "file_explorer_response"
	TypeCreateDownloadTokenResponse  = "create_download_token_response"
	TypeFetchActivityResponse        = "fetch_activity_response"
	TypeAck                          = "ack"
	TypePong                         = "pong"
	TypeRPCError                     = "rpc_error"
)

// Event types (daemon to client, no requestId).
const (
	TypeSessionState            = "session_state"
	TypeAgentState              = "agent_state"
	TypeAgentDeleted            = "agent_deleted"
	TypeAgentStream             = "agent_stream"
	TypeAgentStreamSnapshot     = "agent_stream_snapshot"
	TypeAgentPermissionRequest  = "agent_permission_request"
	TypeAgentPermissionResolved = "agent_permission_resolved"
	TypeActivityLog             = "activity_log"
	TypeTranscriptionResult     = "transcription_result"
	TypeAudioOutput             = "audio_output"
)

// IsRequestType reports whether the inbound type follows the
// request/response naming convention.
func IsRequestType(msgType string) bool {
	const suffix = "_request"
	return len(msgType) > len(suffix) && msgType[len(msgType)-len(suffix):] == suffix
}

// ResponseTypeFor returns the response type for a request type following
// the naming convention.
func ResponseTypeFor(requestType string) string {
	const suffix = "_request"
	if len(requestType) > len(suffix) && requestType[len(requestType)-len(suffix):] == suffix {
		return requestType[:len(requestType)-len(suffix)] + "_response"
	}
	return TypeAck
}
