package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"calsync/internal/calendar"
)

type calendarsOutput struct {
	Calendars []calendar.Info `json:"calendars"`
	Preferred string          `json:"preferred_calendar_id"`
}

func (o calendarsOutput) WriteText(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tACCOUNT\tFLAGS")
	for _, c := range o.Calendars {
		flags := ""
		if c.IsPrimary {
			flags += "primary "
		}
		if c.ID == o.Preferred {
			flags += "preferred"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.ID, c.DisplayName, c.AccountName, flags)
	}
	_ = tw.Flush()
}

func NewCalendarsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "calendars",
		Short: "List the device calendars",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCalendars(cmd.Context(), rootOpts, cmd.OutOrStdout())
		},
	}
}

func runCalendars(ctx context.Context, opts *RootOptions, out io.Writer) error {
	a, err := openApp(opts)
	if err != nil {
		return err
	}
	defer a.Close()

	cals, err := a.port.ListCalendars(ctx)
	if err != nil {
		return operationError("list calendars", err)
	}
	return opts.formatter(out).Success(calendarsOutput{Calendars: cals, Preferred: a.cfg.PreferredCalendar()})
}
