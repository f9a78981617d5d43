package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/acartine/beadboard/internal/bdexec"
	"github.com/acartine/beadboard/internal/suppress"
)

var (
	execRepoFlag string

	queryRepoFlag   string
	queryBypassFlag bool
)

var execCmd = &cobra.Command{
	Use:   "exec [flags] -- <bd arguments>",
	Short: "Run one bd command through the resilience pipeline",
	Long: `Runs the given bd argument vector against a repository. The command is
classified (read-only, idempotent write, non-idempotent write) to pick its
timeout and retry budget, queued behind other commands for the same
repository, and guarded by the cross-process lock.

bd's stdout, stderr, and exit code pass through unchanged.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := resolveRepo(execRepoFlag)
		if err != nil {
			return err
		}

		e := bdexec.FromConfig()
		defer func() { _ = e.Close() }()

		res, err := e.Execute(cmd.Context(), bdexec.Request{Repo: repo, Args: args})
		if err != nil {
			return err
		}
		printResult(res)
		exitCode = res.ExitCode
		return nil
	},
}

var queryCmd = &cobra.Command{
	Use:   "query [flags] -- <bd arguments>",
	Short: "Run a read command with stale-result suppression",
	Long: `Like exec, but wraps the command in the read-path suppression cache:
while the store is briefly locked by another process, the last good result
is served instead of an error, for a bounded window. Past the window the
command fails with a degraded-service error.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := resolveRepo(queryRepoFlag)
		if err != nil {
			return err
		}

		e := bdexec.FromConfig()
		defer func() { _ = e.Close() }()

		res, err := e.Query(cmd.Context(), bdexec.Request{
			Repo:        repo,
			Args:        args,
			ForceBypass: queryBypassFlag,
		})
		if err != nil {
			var execErr *bdexec.ExecError
			switch {
			case errors.Is(err, suppress.ErrDegraded):
				return fmt.Errorf("store contention outlasted the suppression window: %w", err)
			case errors.As(err, &execErr):
				printResult(execErr.Result)
				exitCode = execErr.Result.ExitCode
				return nil
			default:
				return err
			}
		}
		printResult(res)
		return nil
	},
}

func resolveRepo(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolving working directory: %w", err)
	}
	return wd, nil
}

func printResult(res *bdexec.Result) {
	if res.Stdout != "" {
		fmt.Print(res.Stdout)
	}
	if res.Stderr != "" {
		fmt.Fprint(os.Stderr, res.Stderr)
	}
}

func init() {
	execCmd.Flags().StringVar(&execRepoFlag, "repo", "", "Repository directory (default: current directory)")

	queryCmd.Flags().StringVar(&queryRepoFlag, "repo", "", "Repository directory (default: current directory)")
	queryCmd.Flags().BoolVar(&queryBypassFlag, "bypass", false, "Force the degraded JSONL query path for this call")

	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(queryCmd)
}
