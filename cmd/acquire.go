package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	acquireDuration time.Duration
	acquireReset    bool
	acquireJSON     bool
	acquireCounts   bool
)

var acquireCmd = &cobra.Command{
	Use:   "acquire [FILE]",
	Short: "Acquire a spectrum for a fixed time",
	Long:  "Acquire a spectrum for a fixed time. Optionally specify a FILE to save the 4096 channel counts, one per line.",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		filename := ""
		if len(args) > 0 {
			filename = args[0]
		}
		ctx := cmd.Context()

		if err := controller.Start(ctx); err != nil {
			cobra.CheckErr(fmt.Errorf("failed to start acquisition: %w", err))
		}
		defer controller.Stop()
		if acquireReset {
			controller.Reset()
		}

		if !acquireJSON {
			fmt.Printf("Acquiring for %v...\n", acquireDuration)
		}
		snap, err := controller.AcquireFor(ctx, acquireDuration, filename)
		if err != nil && !interrupted(ctx) {
			cobra.CheckErr(err)
		}
		if interrupted(ctx) && !acquireJSON {
			fmt.Println("Interrupted")
		}

		if acquireJSON {
			cobra.CheckErr(writeJSON(os.Stdout, newSummary(snap, filename, acquireCounts)))
			return
		}
		printSummary(os.Stdout, snap)
		if filename != "" && !interrupted(ctx) {
			fmt.Printf("Spectrum saved to %s\n", filename)
		}
	},
}

// interrupted reports whether the command was cancelled by a signal
func interrupted(ctx context.Context) bool {
	return ctx.Err() != nil
}

func init() {
	acquireCmd.Flags().DurationVarP(&acquireDuration, "duration", "d", 10*time.Second, "acquisition time")
	acquireCmd.Flags().BoolVar(&acquireReset, "reset", true, "clear counts collected while connecting")
	acquireCmd.Flags().BoolVar(&acquireJSON, "json", false, "print the result as JSON")
	acquireCmd.Flags().BoolVar(&acquireCounts, "counts", false, "include channel counts in JSON output")
	rootCmd.AddCommand(acquireCmd)
}
