package pairing

import (
	"os"

	"github.com/mdp/qrterminal/v3"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/paseo/paseo/internal/common/config"
	"github.com/paseo/paseo/internal/common/logger"
	"github.com/paseo/paseo/pkg/offer"
)

// Offer builds the connection offer for this identity and relay endpoint.
func (i *Identity) Offer(relayEndpoint string) offer.ConnectionOffer {
	return offer.ConnectionOffer{
		ServerID:        i.ServerID,
		DaemonPublicKey: i.KeyPair.PublicKeyB64(),
		RelayEndpoint:   relayEndpoint,
	}
}

// AnnounceOffer logs the pairing URL and, when stdout is a terminal,
// renders it as a QR code for phone cameras. Called once per relay-enabled
// listen; repeat announcements print the same URL since the identity never
// changes.
func AnnounceOffer(id *Identity, cfg config.RelayConfig, log *logger.Logger) (string, error) {
	url, err := offer.BuildURL(cfg.AppBaseURL, id.Offer(cfg.Endpoint))
	if err != nil {
		return "", err
	}

	log.Info("Pairing offer ready",
		zap.String("server_id", id.ServerID),
		zap.String("url", url))

	if term.IsTerminal(int(os.Stdout.Fd())) {
		qrterminal.GenerateWithConfig(url, qrterminal.Config{
			Level:     qrterminal.L,
			Writer:    os.Stdout,
			BlackChar: qrterminal.BLACK,
			WhiteChar: qrterminal.WHITE,
			QuietZone: 1,
		})
	}
	return url, nil
}
