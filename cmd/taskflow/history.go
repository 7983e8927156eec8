package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history <unit-id>",
	Short: "Show the attempt history of an objective, task or step",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		a, err := newApp(cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		schedules, err := a.manager.History(args[0])
		if err != nil {
			return err
		}
		if len(schedules) == 0 {
			fmt.Printf("No attempts recorded for %s.\n", args[0])
			return nil
		}

		fmt.Printf("%-7s  %-9s  %-19s  %-8s  %s\n", "ATTEMPT", "STATUS", "SCHEDULED", "TOOK", "ERROR")
		for _, s := range schedules {
			took := "-"
			if s.StartedAt != nil && s.CompletedAt != nil {
				took = formatDuration(s.CompletedAt.Sub(*s.StartedAt))
			}
			fmt.Printf("%-7d  %s  %-19s  %-8s  %s\n", s.Attempt,
				statusColor(string(s.Status)).Sprintf("%-9s", s.Status),
				s.ScheduledAt.Local().Format("2006-01-02 15:04:05"), took, truncate(s.Error, 60))
		}
		return nil
	},
}
