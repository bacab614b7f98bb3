package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"agentmux/internal/domain"
	"agentmux/internal/infra/config"
	"agentmux/internal/infra/logger"
)

// sendArgs is the parsed command line of "agentmux send".
type sendArgs struct {
	agentID string
	text    string
	keys    []string
	from    string
}

func parseSendArgs(args []string) (sendArgs, error) {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	keys := fs.String("keys", "", "comma-separated submit keys (default Enter)")
	from := fs.String("from", "", "sender agent id")
	fs.String("config", "", "config file path")
	if err := fs.Parse(args); err != nil {
		return sendArgs{}, err
	}
	rest := fs.Args()
	if len(rest) < 2 {
		return sendArgs{}, fmt.Errorf("usage: agentmux send [--keys K1,K2] [--from ID] AGENT TEXT...")
	}
	sa := sendArgs{
		agentID: rest[0],
		text:    strings.Join(rest[1:], " "),
		from:    *from,
	}
	if *keys != "" {
		for _, k := range strings.Split(*keys, ",") {
			if k = strings.TrimSpace(k); k != "" {
				sa.keys = append(sa.keys, k)
			}
		}
	}
	return sa, nil
}

// runSend delivers one message immediately, bypassing the pool, and prints
// the result as JSON.
func runSend(args []string) error {
	sa, err := parseSendArgs(args)
	if err != nil {
		return err
	}
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer log.Close()

	ctx := context.Background()
	a := newApp(cfg, log)
	defer a.shutdown(ctx)

	res := a.batcher.Enqueue(ctx, sa.agentID, sa.text, domain.EnqueueOptions{
		Source:     domain.SourceManual,
		SubmitKeys: sa.keys,
		SenderID:   sa.from,
		Immediate:  true,
	})

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if res.Status == domain.MessageFailed {
		return fmt.Errorf("%w: %s", domain.ErrDeliveryFailed, res.Error)
	}
	return nil
}
