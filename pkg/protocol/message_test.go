package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestDecodeMessage(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"type":"ping","requestId":"r1"}`))
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}
	if msg.Type != TypePing {
		t.Errorf("Expected type ping, got %s", msg.Type)
	}
	if msg.RequestID != "r1" {
		t.Errorf("Expected requestId r1, got %s", msg.RequestID)
	}
}

func TestDecodeMessage_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"not json", []byte("hello")},
		{"json array", []byte(`[1,2,3]`)},
		{"missing type", []byte(`{"payload":{}}`)},
		{"empty type", []byte(`{"type":""}`)},
		{"oversize", []byte(`{"type":"ping","payload":"` + strings.Repeat("x", MaxFrameSize) + `"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeMessage(tt.data); err == nil {
				t.Errorf("Expected error for %s", tt.name)
			}
		})
	}
}

func TestNewResponse_CorrelatesRequestID(t *testing.T) {
	msg, err := NewResponse(TypeCancelAgentResponse, "req-42", CancelAgentResponse{AgentID: "a1"})
	if err != nil {
		t.Fatalf("NewResponse failed: %v", err)
	}
	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}
	if decoded.RequestID != "req-42" {
		t.Errorf("Expected requestId req-42, got %s", decoded.RequestID)
	}
	var payload CancelAgentResponse
	if err := decoded.ParsePayload(&payload); err != nil {
		t.Fatalf("ParsePayload failed: %v", err)
	}
	if payload.AgentID != "a1" {
		t.Errorf("Expected agentId a1, got %s", payload.AgentID)
	}
}

func TestNewRPCError(t *testing.T) {
	msg, err := NewRPCError("req-1", TypeCreateAgentRequest, "INVALID", "cwd is required")
	if err != nil {
		t.Fatalf("NewRPCError failed: %v", err)
	}
	if msg.Type != TypeRPCError {
		t.Errorf("Expected type rpc_error, got %s", msg.Type)
	}
	var payload RPCError
	if err := msg.ParsePayload(&payload); err != nil {
		t.Fatalf("ParsePayload failed: %v", err)
	}
	if payload.RequestID != "req-1" || payload.RequestType != TypeCreateAgentRequest {
		t.Errorf("Unexpected correlation: %+v", payload)
	}
	if payload.Code != "INVALID" {
		t.Errorf("Expected code INVALID, got %s", payload.Code)
	}
}

func TestResponseTypeFor(t *testing.T) {
	tests := []struct {
		request string
		want    string
	}{
		{TypeCreateAgentRequest, TypeCreateAgentResponse},
		{TypeFetchAgentTimelineRequest, TypeFetchAgentTimelineResponse},
		{TypeSubscribeAgentStreamRequest, TypeSubscribeAgentStreamResponse},
		{TypeSendAgentMessage, TypeAck},
		{TypePing, TypeAck},
	}
	for _, tt := range tests {
		if got := ResponseTypeFor(tt.request); got != tt.want {
			t.Errorf("ResponseTypeFor(%s) = %s, want %s", tt.request, got, tt.want)
		}
	}
}

func TestTimelineItem_KnownRoundTrip(t *testing.T) {
	row := TimelineRow{
		Seq:       7,
		CreatedAt: time.Date(2025, 11, 3, 10, 0, 0, 0, time.UTC),
		Item: TimelineItem{
			Type:   ItemToolCall,
			CallID: "call-1",
			Name:   "bash",
			Status: ToolStatusRunning,
			Detail: &ToolDetail{Kind: ToolKindShell, Command: "ls -la", Cwd: "/tmp"},
			Input:  json.RawMessage(`{"command":"ls -la"}`),
		},
	}

	data, err := json.Marshal(row)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var decoded TimelineRow
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.Seq != 7 || decoded.Item.CallID != "call-1" {
		t.Errorf("Round trip lost fields: %+v", decoded)
	}
	if decoded.Item.Detail == nil || decoded.Item.Detail.Command != "ls -la" {
		t.Errorf("Round trip lost tool detail: %+v", decoded.Item.Detail)
	}
}

// Unknown item types must survive a marshal round trip byte for byte so
// that newer providers can ship item types this build has never seen.
func TestTimelineItem_UnknownPreserved(t *testing.T) {
	original := []byte(`{"type":"holographic_whiteboard","frames":[1,2,3],"nested":{"deep":true}}`)

	var item TimelineItem
	if err := json.Unmarshal(original, &item); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if item.Type != "holographic_whiteboard" {
		t.Errorf("Expected type preserved, got %s", item.Type)
	}
	if item.Raw() == nil {
		t.Fatal("Expected raw payload to be preserved")
	}

	out, err := json.Marshal(item)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !bytes.Equal(out, original) {
		t.Errorf("Unknown item not preserved byte for byte:\n  in:  %s\n  out: %s", original, out)
	}
}

func TestUnknownItem_Constructor(t *testing.T) {
	raw := json.RawMessage(`{"type":"future_thing","x":1}`)
	item := UnknownItem(raw)
	if item.Type != "future_thing" {
		t.Errorf("Expected type future_thing, got %s", item.Type)
	}
	out, err := json.Marshal(item)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !bytes.Equal(out, raw) {
		t.Errorf("Expected verbatim payload, got %s", out)
	}
}

func TestKnownItemType(t *testing.T) {
	for _, known := range []string{ItemUserMessage, ItemAssistantMessage, ItemReasoning, ItemToolCall, ItemTodo, ItemError, ItemCompaction} {
		if !KnownItemType(known) {
			t.Errorf("Expected %s to be known", known)
		}
	}
	if KnownItemType("telepathy") {
		t.Error("Expected telepathy to be unknown")
	}
}

func TestAgentPermissionResponse_BehaviorDecode(t *testing.T) {
	data := []byte(`{"agentId":"a1","requestId":"perm-1","behavior":"deny","message":"no"}`)
	var resp AgentPermissionResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if resp.Behavior != BehaviorDeny {
		t.Errorf("Behavior = %q, want %q", resp.Behavior, BehaviorDeny)
	}
	if resp.Message != "no" {
		t.Errorf("Message = %q, want no", resp.Message)
	}
	if resp.OptionID != "" {
		t.Errorf("OptionID = %q, want empty", resp.OptionID)
	}
}
