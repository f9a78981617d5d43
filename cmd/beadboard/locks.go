package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/acartine/beadboard/internal/config"
	"github.com/acartine/beadboard/internal/repolock"
	"github.com/acartine/beadboard/internal/ui"
)

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "Inspect and clean repository locks",
}

var locksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List current lock holders",
	RunE: func(cmd *cobra.Command, args []string) error {
		m := lockManagerFromConfig()
		owners, err := m.ListOwners()
		if err != nil {
			return fmt.Errorf("listing locks: %w", err)
		}
		if len(owners) == 0 {
			fmt.Println(ui.RenderMuted("no locks held under " + m.Root()))
			return nil
		}

		dirs := make([]string, 0, len(owners))
		for dir := range owners {
			dirs = append(dirs, dir)
		}
		sort.Strings(dirs)

		fmt.Println(ui.HeaderStyle.Render("Repository locks"))
		for _, dir := range dirs {
			o := owners[dir]
			if o == nil {
				fmt.Printf("  %s %s\n", ui.RenderWarn("?"), ui.RenderMuted(dir+" (unreadable owner record)"))
				continue
			}
			age := time.Since(o.AcquiredAt).Round(time.Second)
			line := fmt.Sprintf("pid %d  %s  held %s", o.PID, o.Resource, age)
			if repolock.Alive(o.PID) {
				fmt.Printf("  %s %s\n", ui.RenderPass("live"), line)
			} else {
				fmt.Printf("  %s %s\n", ui.RenderFail("dead"), line)
			}
		}
		return nil
	},
}

var locksClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Evict stale lock holders (dead processes, corrupt or aged records)",
	RunE: func(cmd *cobra.Command, args []string) error {
		m := lockManagerFromConfig()
		n, err := m.ClearStale()
		if err != nil {
			return fmt.Errorf("clearing stale locks: %w", err)
		}
		if n == 0 {
			fmt.Println("no stale locks found")
		} else {
			fmt.Printf("evicted %d stale lock(s)\n", n)
		}
		return nil
	},
}

func lockManagerFromConfig() *repolock.Manager {
	return repolock.NewManager(repolock.Options{
		Root:         config.GetString("lock.root"),
		PollInterval: config.GetDuration("lock.poll-interval"),
		StaleAfter:   config.GetDuration("lock.stale-after"),
		WaitTimeout:  config.GetDuration("lock.wait-timeout"),
	})
}

func init() {
	locksCmd.AddCommand(locksListCmd)
	locksCmd.AddCommand(locksClearCmd)
	rootCmd.AddCommand(locksCmd)
}
