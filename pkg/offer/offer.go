// Package offer encodes the pairing offer a client needs to reach a
// daemon through the relay: the daemon's stable identity, its public key,
// and the relay endpoint to meet at. The offer travels inside the fragment
// of an app URL so it never reaches a server log.
package offer

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// ConnectionOffer identifies one daemon and where to rendezvous with it.
type ConnectionOffer struct {
	ServerID string `json:"serverId"`

	// DaemonPublicKey is the daemon's long-lived NaCl box public key,
	// base64 encoded. Possession of the matching secret key is what the
	// relay handshake proves.
	DaemonPublicKey string `json:"daemonPublicKey"`

	// RelayEndpoint is the wss:// control endpoint of the relay service.
	RelayEndpoint string `json:"relayEndpoint"`
}

// Validate reports whether the offer carries every required field.
func (o *ConnectionOffer) Validate() error {
	if o.ServerID == "" {
		return fmt.Errorf("offer is missing serverId")
	}
	if o.DaemonPublicKey == "" {
		return fmt.Errorf("offer is missing daemonPublicKey")
	}
	if _, err := base64.StdEncoding.DecodeString(o.DaemonPublicKey); err != nil {
		return fmt.Errorf("daemonPublicKey is not valid base64: %w", err)
	}
	if o.RelayEndpoint == "" {
		return fmt.Errorf("offer is missing relayEndpoint")
	}
	return nil
}

// Encode serializes the offer to its URL-safe wire form.
func Encode(o ConnectionOffer) (string, error) {
	if err := o.Validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(o)
	if err != nil {
		return "", fmt.Errorf("encoding offer: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// Decode parses an encoded offer and validates it.
func Decode(encoded string) (ConnectionOffer, error) {
	var o ConnectionOffer
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return o, fmt.Errorf("offer is not valid base64url: %w", err)
	}
	if err := json.Unmarshal(data, &o); err != nil {
		return o, fmt.Errorf("offer is not valid JSON: %w", err)
	}
	if err := o.Validate(); err != nil {
		return o, err
	}
	return o, nil
}

// BuildURL places the encoded offer in the fragment of the app base URL.
func BuildURL(appBaseURL string, o ConnectionOffer) (string, error) {
	encoded, err := Encode(o)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(appBaseURL, "/") + "#offer=" + encoded, nil
}

// ParseURL extracts and decodes the offer from a pairing URL.
func ParseURL(pairingURL string) (ConnectionOffer, error) {
	const marker = "#offer="
	idx := strings.Index(pairingURL, marker)
	if idx < 0 {
		return ConnectionOffer{}, fmt.Errorf("url carries no offer fragment")
	}
	return Decode(pairingURL[idx+len(marker):])
}
