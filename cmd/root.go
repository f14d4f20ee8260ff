package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sergev/gammaspec/config"
	"github.com/sergev/gammaspec/detector"
	"github.com/sergev/gammaspec/hamamatsu"
	"github.com/sergev/gammaspec/logger"
	"github.com/sergev/gammaspec/session"
	"github.com/sergev/gammaspec/transport"
	"github.com/sergev/gammaspec/uhubctl"
)

var (
	configFile string
	useVirtual bool

	conf       *config.Config
	log        *zap.SugaredLogger
	controller *detector.Controller
	closer     io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "gammaspec",
	Short: "A CLI program which acquires gamma spectra from a Hamamatsu USB detector",
	Long:  "The gammaspec tool acquires pulse-height spectra from a Hamamatsu USB scintillation detector, saves them and logs them periodically.",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var err error
		if configFile != "" {
			conf, err = config.Load(configFile)
		} else {
			conf, err = config.Initialize()
		}
		cobra.CheckErr(err)

		level, _ := logger.ParseLevel(conf.Logging.Level)
		format, _ := logger.ParseFormat(conf.Logging.Format)
		log = logger.New(level, format).Sugar()

		controller, err = newController()
		if err != nil {
			cobra.CheckErr(fmt.Errorf("failed to set up detector: %w", err))
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closer != nil {
			closer.Close()
		}
		log.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ~/.gammaspec)")
	rootCmd.PersistentFlags().BoolVar(&useVirtual, "virtual", false, "use a simulated detector")
}

// newTransport creates the configured transport. The virtual detector
// takes its event rate from the config.
func newTransport() (transport.Transport, error) {
	name := conf.Detector.Transport
	if useVirtual {
		name = "virtual"
	}
	if name == "virtual" {
		vc := hamamatsu.DefaultVirtualConfig()
		vc.Rate = conf.Virtual.Rate
		vc.FramePeriod = conf.Virtual.FramePeriod.Duration
		return hamamatsu.NewVirtual(vc), nil
	}
	return transport.New(name)
}

// newPowerCycler returns nil when power cycling is disabled or uhubctl is
// missing, which leaves the session without escalation.
func newPowerCycler(t transport.Transport) session.PowerCycler {
	if !conf.PowerCycle.Enabled {
		return nil
	}
	if _, ok := t.(*hamamatsu.Virtual); ok {
		return nil
	}
	cycler, err := uhubctl.New(log.Named("uhubctl"))
	if err != nil {
		if errors.Is(err, uhubctl.ErrNotInstalled) {
			log.Warnw("uhubctl not found, power cycle escalation disabled")
		} else {
			log.Warnw("Power cycle escalation disabled", "error", err)
		}
		return nil
	}
	cycler.OffTime = conf.PowerCycle.OffTime.Duration
	cycler.OnTime = conf.PowerCycle.OnTime.Duration
	cycler.Hub = conf.PowerCycle.Hub
	cycler.Port = conf.PowerCycle.Port
	return cycler
}

func newController() (*detector.Controller, error) {
	t, err := newTransport()
	if err != nil {
		return nil, err
	}
	if c, ok := t.(io.Closer); ok {
		closer = c
	}

	port, err := conf.PortPath()
	if err != nil {
		return nil, err
	}
	sess := session.NewManager(session.Config{
		VendorID:          uint16(conf.Detector.VendorID),
		ProductID:         uint16(conf.Detector.ProductID),
		Port:              port,
		FailureThreshold:  conf.Reconnect.FailureThreshold,
		InitialBackoff:    conf.Reconnect.InitialBackoff.Duration,
		MaxBackoff:        conf.Reconnect.MaxBackoff.Duration,
		PowerCycleOnStart: conf.PowerCycle.OnStart,
	}, t, newPowerCycler(t), log.Named("session"))

	return detector.New(detector.Config{
		NativeLevels: conf.Binning.NativeLevels,
		RateWindow:   conf.Rate.Window.Duration,
		ReadTimeout:  conf.Detector.ReadTimeout.Duration,
		StallTimeout: conf.Detector.StallTimeout.Duration,
	}, sess, log)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// Interrupt and terminate signals cancel the command context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	cobra.CheckErr(err)
}
