package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusWait time.Duration

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show detector status",
	Long:  "Connect to the detector, collect data for a moment and show its location, temperature and count rate.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		snap, err := controller.AcquireFor(cmd.Context(), statusWait, "")
		if err != nil {
			cobra.CheckErr(fmt.Errorf("failed to read detector: %w", err))
		}
		defer controller.Stop()

		sess := controller.Session()
		loc, ok := sess.Location()
		fmt.Printf("Detector:      VID=0x%04X PID=0x%04X\n", conf.Detector.VendorID, conf.Detector.ProductID)
		if ok {
			fmt.Printf("Location:      %s\n", loc)
		}
		fmt.Printf("Session:       %s\n", sess.State())
		fmt.Printf("Acquisition:   %s\n", controller.State())
		printSummary(cmd.OutOrStdout(), snap)
	},
}

func init() {
	statusCmd.Flags().DurationVar(&statusWait, "wait", time.Second, "how long to collect data")
	rootCmd.AddCommand(statusCmd)
}
