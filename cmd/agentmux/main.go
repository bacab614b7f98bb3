package main

import (
	"fmt"
	"os"
	"strings"
)

func main() {
	cmd := "run"
	if len(os.Args) >= 2 && !strings.HasPrefix(os.Args[1], "-") {
		cmd = os.Args[1]
	}

	var err error
	switch cmd {
	case "--help", "-h", "help":
		showUsage()
		return
	case "run":
		err = run()
	case "send":
		err = runSend(os.Args[2:])
	case "doctor":
		err = runDoctor()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'agentmux help' for usage information.\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`agentmux - batches messages to agents running in tmux sessions

USAGE:
    agentmux [COMMAND] [FLAGS]

COMMANDS:
    run         Run the daemon: pools messages, runs triggers and rules
    send        Deliver one message right away
                agentmux send [--keys Enter] [--from ID] AGENT TEXT...
    doctor      Check the config and the tmux server
    help        Show this help message

    (no command) - same as run

FLAGS:
    --config PATH      Config file path (default: ./agentmux.yaml)

CONFIGURATION:
    Environment: AGENTMUX_* variables override config
    AGENTMUX_CONFIG sets the config path`)
}

// configPath returns the --config flag, AGENTMUX_CONFIG or the default.
func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("AGENTMUX_CONFIG"); p != "" {
		return p
	}
	return "agentmux.yaml"
}
