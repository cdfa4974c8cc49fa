package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/viktsys/optionscan/calendar"
	"github.com/viktsys/optionscan/config"
	"github.com/viktsys/optionscan/logger"
)

var (
	configPath string
	cfg        *config.Config
	log        = logger.GetLogger()
)

var rootCMD = &cobra.Command{
	Use:   "optionscan",
	Short: "Options daily activity scanner",
	Long: `A CLI application that ingests a trading day's option contract aggregates,
enriches the most active underlyings with open interest, compares them with
recent history and reports unusual activity.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if err := log.Configure(cfg.Log.Level, cfg.Log.Format, cfg.Log.Output, cfg.Log.MaxAgeDays); err != nil {
			return err
		}
		log.WithComponent("config").WithFields(logger.Fields{"config": cfg.Masked()}).Debug("configuration loaded")
		return nil
	},
}

func Execute() {
	err := rootCMD.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCMD.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCMD.AddCommand(runCMD, calendarCMD, serverCMD)
}

// tradingCalendar returns the NYSE calendar, or one built from the configured holiday file.
func tradingCalendar() (*calendar.Calendar, error) {
	if cfg.HolidayFile == "" {
		return calendar.Default(), nil
	}
	holidays, err := calendar.LoadHolidayFile(cfg.HolidayFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load holiday file: %w", err)
	}
	return calendar.New(holidays), nil
}
