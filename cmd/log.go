package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sergev/gammaspec/detector"
)

var (
	logInterval time.Duration
	logTotal    time.Duration
	logReset    bool
)

var logCmd = &cobra.Command{
	Use:   "log BASE",
	Short: "Log the spectrum periodically to a CSV file",
	Long: `Log the cumulative spectrum to a CSV file every interval.
A timestamp is appended to BASE to form the file name. Each row holds the
seconds since the previous row and the cumulative counts of all channels.
Logging runs for the total time, or until interrupted when it is zero.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if err := controller.Start(ctx); err != nil {
			cobra.CheckErr(fmt.Errorf("failed to start acquisition: %w", err))
		}
		if logReset {
			controller.Reset()
		}

		path, err := controller.StartPeriodicLogging(args[0], logInterval, logTotal)
		if err != nil {
			controller.Stop()
			cobra.CheckErr(err)
		}
		fmt.Printf("Logging to %s every %v\n", path, logInterval)

		done := controller.LoggingDone()
		ticker := time.NewTicker(logInterval)
		defer ticker.Stop()
		warned := false
	wait:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("Interrupted")
				break wait
			case <-done:
				break wait
			case <-ticker.C:
				snap := controller.Spectrum()
				fmt.Printf("delta_t %.3f s, %d events, %.1f cps\n",
					controller.LastDeltaT().Seconds(), snap.Total(), snap.CPS)
				if controller.State() == detector.StateFaulted && !warned {
					fmt.Printf("Warning: detector faulted (%v), logging stale counts\n", controller.Err())
					warned = true
				}
			}
		}

		if err := controller.Stop(); err != nil {
			cobra.CheckErr(err)
		}
		fmt.Printf("Log saved to %s\n", path)
	},
}

func init() {
	logCmd.Flags().DurationVarP(&logInterval, "interval", "i", 5*time.Second, "time between rows")
	logCmd.Flags().DurationVarP(&logTotal, "total", "t", 0, "total logging time, 0 to log until interrupted")
	logCmd.Flags().BoolVar(&logReset, "reset", true, "clear counts collected while connecting")
	rootCmd.AddCommand(logCmd)
}
