// Package main implements the bundled mock agent. It speaks the daemon's
// stream-json protocol over stdin/stdout and generates deterministic
// responses, so UI flows and end-to-end tests run without a vendor CLI.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/paseo/paseo/internal/provider/streamjson"
)

func main() {
	resume := parseResumeFlag(os.Args)
	agent := newAgent(os.Stdout, resume)
	agent.sendHandshake()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var in streamjson.Input
		if err := json.Unmarshal(line, &in); err != nil {
			continue
		}

		switch in.Type {
		case streamjson.InputUserMessage:
			agent.startTurn(in)
		case streamjson.InputPermissionResponse:
			agent.resolvePermission(in)
		case streamjson.InputCancel:
			agent.cancelTurn()
		case streamjson.InputSetMode:
			agent.setMode(in.ModeID)
		case streamjson.InputSetModel:
			agent.setModel(in.ModelID)
		case streamjson.InputSetThinkingOption:
			agent.setThinkingOption(in.ThinkingOptionID)
		case streamjson.InputSetVariant:
			agent.setVariant(in.VariantID)
		case streamjson.InputShutdown:
			agent.waitTurn()
			return
		}
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: scanner error: %v\n", err)
		os.Exit(1)
	}
}

// parseResumeFlag extracts the --resume value, empty for fresh sessions.
func parseResumeFlag(args []string) string {
	for i, arg := range args {
		if arg == "--resume" && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(arg, "--resume=") {
			return strings.TrimPrefix(arg, "--resume=")
		}
	}
	return ""
}

// writer serializes output lines; the turn goroutine and the main loop
// both emit.
type writer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (w *writer) send(out streamjson.Output) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.enc.Encode(out)
}
