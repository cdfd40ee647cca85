// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"code.hybscloud.com/eh"
	"code.hybscloud.com/eh/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var (
		cfgPath  string
		envFiles []string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a compression workload against a simulated device.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath, envFiles...)
			if err != nil {
				return err
			}
			if err := applyFlags(cmd, &cfg); err != nil {
				return err
			}

			log := logrus.New()
			log.SetOutput(cmd.ErrOrStderr())
			log.SetLevel(cfg.Level())

			rep, err := simulate(cmd.Context(), cfg, log)
			printReport(cmd.OutOrStdout(), rep)
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfgPath, "config", "", "TOML configuration file")
	f.StringSliceVar(&envFiles, "env", nil, "dotenv files with EHSIM_ overrides")
	f.Int("producers", 0, "concurrent producers")
	f.Int("pages", 0, "pages to compress")
	f.Float64("rate", 0, "submissions per second, 0 for unlimited")
	f.Int("fifo", 0, "compression ring capacity")
	f.Int("halt-at", -1, "halt the ring at this descriptor sequence")
	return cmd
}

// applyFlags overrides cfg with the flags set on the command line.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	var err error
	if f.Changed("producers") {
		cfg.Producers, err = f.GetInt("producers")
	}
	if err == nil && f.Changed("pages") {
		cfg.Pages, err = f.GetInt("pages")
	}
	if err == nil && f.Changed("rate") {
		cfg.Rate, err = f.GetFloat64("rate")
	}
	if err == nil && f.Changed("fifo") {
		cfg.Fifo, err = f.GetInt("fifo")
	}
	if err == nil && f.Changed("halt-at") {
		cfg.HaltAt, err = f.GetInt("halt-at")
	}
	if err != nil {
		return err
	}
	return cfg.Validate()
}

func printReport(w io.Writer, r report) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintf(tw, "submitted\t%d\n", r.Submitted)
	fmt.Fprintf(tw, "rejected\t%d\n", r.Rejected)
	for st := eh.StatusCopied; st <= eh.StatusErrorHalted; st++ {
		if n := r.Statuses[st]; n > 0 {
			fmt.Fprintf(tw, "%v\t%d\n", st, n)
		}
	}
	fmt.Fprintf(tw, "verified\t%d\n", r.Verified)
	fmt.Fprintf(tw, "state\t%v\n", r.Stats.State)
	fmt.Fprintf(tw, "bounce copies\t%d\n", r.Stats.BounceCopies)
	for _, ev := range []eh.EventType{eh.EventCompress, eh.EventDecompressPoll} {
		l := r.Stats.Latency[ev]
		fmt.Fprintf(tw, "%v latency\tn=%d min=%v mean=%v max=%v\n", ev, l.Count, l.Min, l.Mean(), l.Max)
	}
}
