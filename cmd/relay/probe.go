package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"alertrelay/internal/alert"
	"alertrelay/internal/config"
	"alertrelay/internal/health"
)

func newProbeCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "probe [module...]",
		Short: "Probe configured module endpoints once and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfigManager(root.configPath).Load()
			if err != nil {
				return err
			}
			return probe(cmd.Context(), cmd.OutOrStdout(), cfg, args)
		},
	}
}

func probe(ctx context.Context, out io.Writer, cfg *config.Config, only []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	timeout, err := config.ParseDurationOrDefault("health.timeout", cfg.Health.Timeout, health.DefaultTimeout)
	if err != nil {
		return err
	}
	want := map[string]bool{}
	for _, m := range only {
		want[m] = true
	}
	p := health.NewProber(nil, health.WithTimeout(timeout))

	failed := 0
	probed := 0
	for _, m := range cfg.Health.Modules {
		ep := strings.TrimSpace(m.Endpoint)
		if ep == "" || (len(want) > 0 && !want[m.Name]) {
			continue
		}
		probed++
		st, _ := p.Probe(ctx, m.Name, ep)
		line := fmt.Sprintf("%-24s %-8s", m.Name, st.State)
		if st.Latency != nil {
			line += fmt.Sprintf(" %.3fs", *st.Latency)
		}
		if st.Detail != nil {
			line += " " + *st.Detail
		}
		fmt.Fprintln(out, line)
		if st.State != alert.StateOnline {
			failed++
		}
	}
	if probed == 0 {
		return fmt.Errorf("no module endpoints to probe")
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d modules not online", failed, probed)
	}
	return nil
}
