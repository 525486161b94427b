package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"cronwrap/internal/domain"
	"cronwrap/internal/infra/filestore"
	"cronwrap/internal/infra/flock"

	"github.com/spf13/cobra"
)

func newResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset [--job-name NAME | -- <command> [args...]]",
		Short: "Delete the state of one job",
		Long: `Reset deletes a job's state file, clearing its failure streak. The job is
named either with --job-name or by repeating the wrapped command exactly as it
is invoked, including --shell-string and --identity-include-cwd when used.`,
		RunE: runReset,
	}
	cmd.Flags().String("job-name", "", "explicit job identity")
	cmd.Flags().BoolP("shell-string", "g", false, "the command is one shell string")
	cmd.Flags().Bool("identity-include-cwd", false, "the job's state is per working directory")
	return cmd
}

func runReset(cmd *cobra.Command, args []string) error {
	cfg, logger, closeLog, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer closeLog()

	if cfg.JobName == "" && len(args) == 0 {
		return usageError("name the job with --job-name or give its command after --")
	}

	argv := args
	if cfg.ShellString {
		argv = []string{strings.Join(args, " ")}
	}
	idOpts := domain.IdentityOptions{Name: cfg.JobName, Shell: cfg.ShellString}
	if cfg.IdentityIncludeCwd {
		wd, err := os.Getwd()
		if err != nil {
			return Wrap(ExitWrapperError, "working directory", err)
		}
		idOpts.Dir = wd
	}
	id := domain.NewJobID(argv, idOpts)

	repo := filestore.NewFileRunRepository(cfg.StateDir, flock.NewFileLocker(cfg.StateDir), filestore.Options{}, logger)
	if err := repo.Delete(cmd.Context(), id); err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			return Wrap(ExitUsage, "reset", err)
		}
		return classify(err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", id)
	return nil
}
