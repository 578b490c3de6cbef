package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relaycore/h2conn/pkg/h2conn"
	"github.com/relaycore/h2conn/pkg/network"
	"github.com/relaycore/h2conn/pkg/observability"
)

// runProbe dials args[0], submits one request per remaining path (or "/" if
// none given), and prints each response's headers and body as they arrive.
func runProbe(cmd *cobra.Command, args []string) error {
	logger := observability.GetLogger()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if timeout, _ := cmd.Flags().GetDuration("timeout"); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	host := args[0]
	if !strings.Contains(host, ":") {
		host += ":443"
	}
	paths := args[1:]
	if len(paths) == 0 {
		paths = []string{"/"}
	}

	method, _ := cmd.Flags().GetString("method")
	insecure, _ := cmd.Flags().GetBool("insecure")
	rawHeaders, _ := cmd.Flags().GetStringArray("header")
	headers, err := parseHeaders(rawHeaders)
	if err != nil {
		return err
	}

	dialerCfg := network.NewDialerConfig()
	dialerCfg.Timeout = cfg.Dial().Timeout
	dialerCfg.KeepAlive = cfg.Dial().KeepAlive
	if insecure || cfg.Dial().InsecureSkipVerify {
		dialerCfg.TLSConfig.InsecureSkipVerify = true
	}

	clientCfg := h2conn.NewClientConfig()
	clientCfg.DialerConfig = dialerCfg
	clientCfg.H2 = cfg.H2()

	logger.Info("dialing", zap.String("host", host))
	conn, err := h2conn.Dial(ctx, host, clientCfg, logger)
	if err != nil {
		return fmt.Errorf("dial %s: %w", host, err)
	}
	defer conn.Close(false)

	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("handshake with %s: %w", host, err)
	}

	for _, path := range paths {
		handle, err := conn.Submit(h2conn.Request{
			Method:    method,
			Scheme:    "https",
			Authority: host,
			Path:      path,
			Headers:   headers,
		})
		if err != nil {
			logger.Error("submit failed", zap.String("path", path), zap.Error(err))
			continue
		}
		printResponse(ctx, path, handle)
	}

	return nil
}

// printResponse drains handle's events until the terminal stream_closed,
// printing headers as they arrive and accumulating the body.
func printResponse(ctx context.Context, path string, handle *h2conn.StreamHandle) {
	var body strings.Builder
	fmt.Printf("=== %s ===\n", path)
	for {
		select {
		case ev, ok := <-handle.Events():
			if !ok {
				fmt.Println(body.String())
				return
			}
			switch ev.Kind {
			case h2conn.EventHeaders:
				for _, h := range ev.Headers {
					fmt.Printf("%s: %s\n", h.Name, h.Value)
				}
			case h2conn.EventData:
				body.Write(ev.Data)
			case h2conn.EventStreamClosed:
				fmt.Println(body.String())
				if ev.Reason != "" {
					fmt.Printf("(stream closed: %s, %s)\n", ev.Code, ev.Reason)
				}
				return
			}
		case <-ctx.Done():
			fmt.Println(body.String())
			fmt.Printf("(aborted: %v)\n", ctx.Err())
			return
		}
	}
}

func parseHeaders(raw []string) ([]h2conn.HeaderKV, error) {
	out := make([]h2conn.HeaderKV, 0, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return nil, fmt.Errorf("invalid -H value %q, want 'Name: Value'", h)
		}
		out = append(out, h2conn.HeaderKV{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)})
	}
	return out, nil
}
