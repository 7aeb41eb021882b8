package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/inspired27/aldidata/internal/config"
	"github.com/inspired27/aldidata/internal/portal"
	"github.com/inspired27/aldidata/internal/schedule"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var checkLine string

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check portal reachability and schedule state",
	Long:  `Check whether the account portal is reachable and what the schedule will do next.`,
}

var checkUpstreamCmd = &cobra.Command{
	Use:   "upstream",
	Short: "Check portal reachability",
	Long:  `Probe the account portal with a short-deadline request and report the classified result.`,
	Example: `  aldidata -c config.yaml check upstream
  aldidata check upstream`,
	RunE: runCheckUpstream,
}

var checkScheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Show upcoming scheduled cap changes",
	Long:  `Show the next scheduled cap change for each line, or one line with --line.`,
	Example: `  aldidata check schedule
  aldidata check schedule --line 0491570156`,
	RunE: runCheckSchedule,
}

func init() {
	checkScheduleCmd.Flags().StringVar(&checkLine, "line", "", "Limit output to one line number")

	checkCmd.AddCommand(checkUpstreamCmd)
	checkCmd.AddCommand(checkScheduleCmd)
	rootCmd.AddCommand(checkCmd)
}

func runCheckUpstream(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	client := portal.NewClient(portal.ClientConfig{
		RequestTimeout: config.Duration(cfg.Portal.RequestTimeout, 30*time.Second),
		HeadTimeout:    config.Duration(cfg.Portal.HeadTimeout, 5*time.Second),
	})

	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("PORTAL REACHABILITY CHECK")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
	fmt.Printf("Portal:     %s\n", cfg.Portal.BaseURL)
	fmt.Println()

	start := time.Now()
	_, err = client.Head(cfg.Portal.BaseURL)
	elapsed := time.Since(start)

	cyan.Print("Result:     ")
	if err != nil {
		red.Println("FAIL")
		var ue *portal.UpstreamError
		if errors.As(err, &ue) {
			fmt.Printf("            Code:    %s\n", ue.Code)
			fmt.Printf("            Stage:   %s\n", ue.Stage)
		}
		fmt.Printf("            Message: %s\n", portal.PublicErrorMessage(err))
	} else {
		green.Println("PASS")
		fmt.Printf("            Portal responded in %s\n", elapsed.Round(time.Millisecond))
	}

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	if err != nil {
		os.Exit(1)
	}
	return nil
}

func runCheckSchedule(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Quiet logger for check mode
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	store := schedule.NewFileStore(cfg.Schedule.MatrixPath, cfg.LineNumbers(), logger)
	m, err := store.Load()
	if err != nil {
		return fmt.Errorf("failed to load schedule matrix: %w", err)
	}
	loc := m.Location()
	now := time.Now()

	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("SCHEDULE CHECK")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
	fmt.Printf("Matrix:     %s\n", cfg.Schedule.MatrixPath)
	fmt.Printf("Timezone:   %s\n", m.Timezone)
	fmt.Println()

	for _, line := range cfg.LineNumbers() {
		if checkLine != "" && line != checkLine {
			continue
		}
		ls, ok := m.Lines[line]

		cyan.Printf("%s\n", line)
		if !ok || !ls.Enabled {
			yellow.Println("            DISABLED")
			fmt.Println()
			continue
		}
		if nc := schedule.NextChangeFor(ls, loc, now); nc != nil {
			green.Printf("            NEXT: %s", nc.Label)
			fmt.Printf("  →  %sGB\n", nc.ValueGB)
		} else {
			yellow.Println("            No upcoming change this week")
		}
		fmt.Println()
	}

	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
	return nil
}
