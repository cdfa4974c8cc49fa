package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/viktsys/optionscan/calendar"
)

var calendarCMD = &cobra.Command{
	Use:   "calendar [date]",
	Short: "Show trading-day information for a date",
	Long:  `Report whether a date is a trading day, its neighbouring trading days and the day a run would target.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cal, err := tradingCalendar()
		if err != nil {
			return err
		}
		now := time.Now()
		d := cal.Today(now)
		if len(args) == 1 {
			if d, err = calendar.ParseDay(args[0]); err != nil {
				return err
			}
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "date:           %s\n", d.Format("2006-01-02 Mon"))
		fmt.Fprintf(out, "trading day:    %t\n", cal.IsTradingDay(d))
		if cal.IsHoliday(d) {
			fmt.Fprintln(out, "holiday:        true")
		}
		if prev, err := cal.PreviousTradingDay(d); err == nil {
			fmt.Fprintf(out, "previous:       %s\n", prev)
		}
		if next, err := cal.NextTradingDay(d); err == nil {
			fmt.Fprintf(out, "next:           %s\n", next)
		}
		if target, err := cal.ResolveTarget(now, ""); err == nil {
			fmt.Fprintf(out, "run target:     %s\n", target)
		}
		fmt.Fprintf(out, "market open:    %t\n", cal.IsMarketOpen(now))
		return nil
	},
}
