package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/sergev/gammaspec/detector"
	"github.com/sergev/gammaspec/metrics"
)

var (
	monitorAddr     string
	monitorInterval time.Duration
	monitorRestart  time.Duration
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Acquire continuously and serve Prometheus metrics",
	Long: `Acquire continuously, print the count rate and temperature, and serve
Prometheus metrics over HTTP. A faulted detector is restarted periodically.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		addr := monitorAddr
		if addr == "" {
			addr = conf.Metrics.Addr
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		server := &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorw("Metrics server failed", "addr", addr, "error", err)
			}
		}()
		fmt.Printf("Serving metrics on http://%s/metrics\n", addr)

		if err := controller.Start(ctx); err != nil {
			cobra.CheckErr(fmt.Errorf("failed to start acquisition: %w", err))
		}

		ticker := time.NewTicker(monitorInterval)
		defer ticker.Stop()
		var faultedAt time.Time
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case now := <-ticker.C:
				if controller.State() == detector.StateFaulted {
					if faultedAt.IsZero() {
						faultedAt = now
						fmt.Printf("Detector faulted: %v\n", controller.Err())
					}
					if monitorRestart > 0 && now.Sub(faultedAt) >= monitorRestart {
						faultedAt = time.Time{}
						if err := controller.Start(ctx); err != nil {
							fmt.Printf("Restart failed: %v\n", err)
							faultedAt = now
						}
					}
					continue
				}
				snap := controller.Spectrum()
				fmt.Printf("%8.1f s  %10d events  %8.1f cps  %5.1f °C\n",
					snap.Elapsed.Seconds(), snap.Total(), snap.CPS, snap.Temperature)
			}
		}

		controller.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	},
}

func init() {
	monitorCmd.Flags().StringVar(&monitorAddr, "metrics-addr", "", "metrics listen address (default from config)")
	monitorCmd.Flags().DurationVarP(&monitorInterval, "interval", "i", time.Second, "time between status lines")
	monitorCmd.Flags().DurationVar(&monitorRestart, "restart", 30*time.Second, "delay before restarting a faulted detector, 0 to disable")
	rootCmd.AddCommand(monitorCmd)
}
