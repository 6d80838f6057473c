package guard

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/paseo/paseo/internal/common/logger"
)

func exitProcess(code int) {
	os.Exit(code)
}

// Intent is a lifecycle request arriving from a client.
type Intent string

const (
	IntentShutdown Intent = "shutdown"
	IntentRestart  Intent = "restart"
)

// forceExitAfter bounds a graceful stop. When the stop function has not
// returned by then, the process exits hard.
const forceExitAfter = 10 * time.Second

// Guard routes lifecycle intents. In standalone mode an intent triggers a
// graceful stop of this process; with a supervisor hook installed the
// intent is forwarded and the supervisor decides.
type Guard struct {
	logger *logger.Logger

	// forward, when set, hands intents to an external supervisor instead
	// of acting locally.
	forward func(Intent)

	// stop runs the daemon's graceful teardown. Installed by the daemon
	// assembly before any session can deliver an intent.
	stop func()

	// exit terminates the process; swapped in tests.
	exit func(code int)

	mu        sync.Mutex
	triggered bool
}

// New creates a standalone guard.
func New(log *logger.Logger) *Guard {
	return &Guard{
		logger: log.WithFields(zap.String("component", "guard")),
		exit:   exitProcess,
	}
}

// SetSupervisor installs a forwarding hook. Intents no longer stop this
// process directly.
func (g *Guard) SetSupervisor(forward func(Intent)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.forward = forward
}

// SetStopFunc installs the graceful teardown used in standalone mode.
func (g *Guard) SetStopFunc(stop func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stop = stop
}

// Request delivers a lifecycle intent. Duplicate intents after the first
// are ignored; the stop already in flight wins.
func (g *Guard) Request(intent Intent) {
	g.mu.Lock()
	if g.forward != nil {
		forward := g.forward
		g.mu.Unlock()
		g.logger.Info("Forwarding lifecycle intent to supervisor", zap.String("intent", string(intent)))
		forward(intent)
		return
	}
	if g.triggered {
		g.mu.Unlock()
		return
	}
	g.triggered = true
	stop := g.stop
	exit := g.exit
	g.mu.Unlock()

	g.logger.Info("Lifecycle intent accepted", zap.String("intent", string(intent)))

	// Restart in standalone mode is a stop with a distinct exit code; the
	// launcher (systemd, launchd, a shell loop) brings the daemon back.
	code := 0
	if intent == IntentRestart {
		code = 3
	}

	go func() {
		timer := time.AfterFunc(forceExitAfter, func() {
			g.logger.Warn("Graceful stop overran its budget, forcing exit")
			exit(code)
		})
		defer timer.Stop()
		if stop != nil {
			stop()
		}
		exit(code)
	}()
}
