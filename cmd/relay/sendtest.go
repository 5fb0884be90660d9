package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"alertrelay/internal/config"
)

type sendTestFlags struct {
	url      string
	module   string
	kind     string
	priority string
	message  string
}

func newSendTestCmd(root *rootFlags) *cobra.Command {
	f := &sendTestFlags{}
	cmd := &cobra.Command{
		Use:   "send-test",
		Short: "POST a sample alert to a running relay's webhook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfigManager(root.configPath).Load()
			if err != nil {
				return err
			}
			return sendTest(cmd.Context(), cmd.OutOrStdout(), cfg, f)
		},
	}
	cmd.Flags().StringVar(&f.url, "url", "", "webhook url (default: derived from http.addr)")
	cmd.Flags().StringVar(&f.module, "module", "alert-bot", "module name")
	cmd.Flags().StringVar(&f.kind, "type", "test", "alert type")
	cmd.Flags().StringVar(&f.priority, "priority", "info", "info, warning, error or critical")
	cmd.Flags().StringVar(&f.message, "message", "Test alert from alertrelay send-test", "alert text")
	return cmd
}

func webhookURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr + "/webhook/alerts"
}

func sendTest(ctx context.Context, out io.Writer, cfg *config.Config, f *sendTestFlags) error {
	url := f.url
	if url == "" {
		if cfg.HTTP.Addr == "" {
			return fmt.Errorf("http.addr is not set; pass --url")
		}
		url = webhookURL(cfg.HTTP.Addr)
	}
	body, err := json.Marshal(map[string]any{
		"type":      f.kind,
		"message":   f.message,
		"priority":  f.priority,
		"module":    f.module,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      map[string]string{"source": "send-test"},
	})
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cfg.HTTP.WebhookSecret)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	rb, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	fmt.Fprintf(out, "%s %s\n", resp.Status, strings.TrimSpace(string(rb)))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
