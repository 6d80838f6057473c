package notify

import (
	"testing"

	"github.com/paseo/paseo/pkg/protocol"
)

func TestShouldNotifyClient(t *testing.T) {
	viewer := ClientState{DeviceType: DeviceWeb, AppVisible: true, FocusedAgentID: "ag1"}

	tests := []struct {
		name   string
		client ClientState
		all    []ClientState
		want   bool
	}{
		{
			name:   "visible viewer of the agent suppresses itself",
			client: viewer,
			all:    []ClientState{viewer},
			want:   false,
		},
		{
			name:   "visible viewer suppresses other clients too",
			client: ClientState{DeviceType: DeviceMobile, AppVisible: false},
			all:    []ClientState{viewer, {DeviceType: DeviceMobile, AppVisible: false}},
			want:   false,
		},
		{
			name:   "stale viewer no longer suppresses",
			client: ClientState{DeviceType: DeviceMobile, AppVisible: false},
			all: []ClientState{
				{DeviceType: DeviceWeb, AppVisible: true, FocusedAgentID: "ag1", Stale: true},
				{DeviceType: DeviceMobile, AppVisible: false},
			},
			want: true,
		},
		{
			name:   "viewer focused on another agent does not suppress",
			client: ClientState{DeviceType: DeviceWeb, AppVisible: true, FocusedAgentID: "ag2"},
			all:    []ClientState{{DeviceType: DeviceWeb, AppVisible: true, FocusedAgentID: "ag2"}},
			want:   true,
		},
		{
			name:   "unidentified client is always told",
			client: ClientState{},
			all:    []ClientState{{}},
			want:   true,
		},
		{
			name:   "stale unidentified client is still told",
			client: ClientState{Stale: true},
			all:    []ClientState{{Stale: true}, {DeviceType: DeviceWeb}},
			want:   true,
		},
		{
			name:   "visible client on the directory view is quiet",
			client: ClientState{DeviceType: DeviceWeb, AppVisible: true},
			all:    []ClientState{{DeviceType: DeviceWeb, AppVisible: true}},
			want:   false,
		},
		{
			name:   "backgrounded active client is told",
			client: ClientState{DeviceType: DeviceWeb, AppVisible: false},
			all:    []ClientState{{DeviceType: DeviceWeb, AppVisible: false}},
			want:   true,
		},
		{
			name:   "stale mobile defers to an active web client",
			client: ClientState{DeviceType: DeviceMobile, Stale: true},
			all: []ClientState{
				{DeviceType: DeviceMobile, Stale: true},
				{DeviceType: DeviceWeb, AppVisible: false},
			},
			want: false,
		},
		{
			name:   "stale mobile with only a stale web is told",
			client: ClientState{DeviceType: DeviceMobile, Stale: true},
			all: []ClientState{
				{DeviceType: DeviceMobile, Stale: true},
				{DeviceType: DeviceWeb, Stale: true},
			},
			want: true,
		},
		{
			name:   "stale mobile alone is told",
			client: ClientState{DeviceType: DeviceMobile, Stale: true},
			all:    []ClientState{{DeviceType: DeviceMobile, Stale: true}},
			want:   true,
		},
		{
			name:   "stale web defers to a mobile client",
			client: ClientState{DeviceType: DeviceWeb, Stale: true},
			all: []ClientState{
				{DeviceType: DeviceWeb, Stale: true},
				{DeviceType: DeviceMobile, Stale: true},
			},
			want: false,
		},
		{
			name:   "stale web defers to an unidentified client",
			client: ClientState{DeviceType: DeviceWeb, Stale: true},
			all: []ClientState{
				{DeviceType: DeviceWeb, Stale: true},
				{},
			},
			want: false,
		},
		{
			name:   "stale web alone is told",
			client: ClientState{DeviceType: DeviceWeb, Stale: true},
			all:    []ClientState{{DeviceType: DeviceWeb, Stale: true}},
			want:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldNotifyClient("ag1", tt.client, tt.all); got != tt.want {
				t.Errorf("ShouldNotifyClient() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestShouldPush(t *testing.T) {
	tests := []struct {
		name   string
		reason string
		all    []ClientState
		want   bool
	}{
		{
			name:   "errors never push",
			reason: protocol.AttentionError,
			all:    nil,
			want:   false,
		},
		{
			name:   "no clients pushes",
			reason: protocol.AttentionFinished,
			all:    nil,
			want:   true,
		},
		{
			name:   "visible active web suppresses",
			reason: protocol.AttentionFinished,
			all:    []ClientState{{DeviceType: DeviceWeb, AppVisible: true}},
			want:   false,
		},
		{
			name:   "visible stale web does not suppress",
			reason: protocol.AttentionFinished,
			all:    []ClientState{{DeviceType: DeviceWeb, AppVisible: true, Stale: true}},
			want:   true,
		},
		{
			name:   "visible mobile suppresses even when stale",
			reason: protocol.AttentionPermission,
			all:    []ClientState{{DeviceType: DeviceMobile, AppVisible: true, Stale: true}},
			want:   false,
		},
		{
			name:   "backgrounded clients push",
			reason: protocol.AttentionPermission,
			all: []ClientState{
				{DeviceType: DeviceWeb, AppVisible: false},
				{DeviceType: DeviceMobile, AppVisible: false},
			},
			want: true,
		},
		{
			name:   "visible unidentified does not suppress",
			reason: protocol.AttentionFinished,
			all:    []ClientState{{AppVisible: true}},
			want:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldPush(tt.reason, tt.all); got != tt.want {
				t.Errorf("ShouldPush(%s) = %v, want %v", tt.reason, got, tt.want)
			}
		})
	}
}
