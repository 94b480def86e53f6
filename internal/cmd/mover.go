package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/langmead-lab/recount-pump/pkg/match"
	"github.com/langmead-lab/recount-pump/pkg/mover"
	"github.com/langmead-lab/recount-pump/pkg/output"
)

var moverCmd = &cobra.Command{
	Use:   "mover",
	Short: "Move files between local paths, object stores, web servers and Globus",
	Long: `Run a single transfer operation through the mover. The backend is chosen
by URL scheme:

  local    file://, plain paths
  s3       s3://bucket/key (mover.s3)
  web      http://, https://, ftp:// (mover.web; get and exists only)
  globus   globus://endpoint/path (mover.globus)

sra:// and dbgap:// inputs are retrieved by the analysis itself and are
rejected here.`,
}

var moverExistsCmd = &cobra.Command{
	Use:   "exists <url>",
	Short: "Report whether a URL exists",
	Args:  cobra.ExactArgs(1),
	RunE:  runMoverExists,
}

var moverGetCmd = &cobra.Command{
	Use:   "get <url> <dest>",
	Short: "Download a URL to a local path",
	Long: `Download a URL to a local path. When dest is an existing directory the
file keeps its base name. With --checksum the download is verified against
an MD5 hex digest and removed on mismatch.`,
	Args: cobra.ExactArgs(2),
	RunE: runMoverGet,
}

var moverPutCmd = &cobra.Command{
	Use:   "put <src> <url>",
	Short: "Upload a local file to a URL",
	Args:  cobra.ExactArgs(2),
	RunE:  runMoverPut,
}

var moverMultiCmd = &cobra.Command{
	Use:   "multi <src-dir> <url> [rel-path]...",
	Short: "Upload several files under a directory to a URL prefix",
	Long: `Upload files under src-dir to a URL prefix, keeping their relative paths.
Files are named explicitly, selected with --include globs, or both.

Example:
  recount-pump mover multi out/ s3://bucket/proj1/ manifest.txt
  recount-pump mover multi out/ s3://bucket/proj1/ --include '**/*.bw' --exclude '**/*.tmp'`,
	Args: cobra.MinimumNArgs(2),
	RunE: runMoverMulti,
}

var (
	moverChecksum  string
	moverOverwrite bool
	moverIncludes  []string
	moverExcludes  []string
)

func init() {
	rootCmd.AddCommand(moverCmd)
	moverCmd.AddCommand(moverExistsCmd, moverGetCmd, moverPutCmd, moverMultiCmd)

	moverGetCmd.Flags().StringVar(&moverChecksum, "checksum", "", "Expected MD5 hex digest")
	for _, c := range []*cobra.Command{moverGetCmd, moverPutCmd, moverMultiCmd} {
		c.Flags().BoolVar(&moverOverwrite, "overwrite", false, "Replace an existing destination")
	}
	moverMultiCmd.Flags().StringArrayVar(&moverIncludes, "include", nil, "Glob of files to upload (repeatable, doublestar syntax)")
	moverMultiCmd.Flags().StringArrayVar(&moverExcludes, "exclude", nil, "Glob of files to skip (repeatable)")
}

type moverOp func(ctx context.Context, m *mover.Mover, rec *output.TransferRecord) error

// withMover runs op with a configured mover and writes its transfer record,
// or an error record when it fails.
func withMover(cmd *cobra.Command, rec *output.TransferRecord, op moverOp) error {
	a, err := appFrom(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	tracer, shutdown, err := newTracer(a)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	backend := ""
	if rec.Source != "" {
		if u, err := mover.ParseURL(rec.Source); err == nil && u.Scheme.Transferable() {
			backend = string(u.Scheme.Backend())
		}
	}
	if rec.Op != "get" && rec.Op != "exists" && rec.Dest != "" {
		if u, err := mover.ParseURL(rec.Dest); err == nil && u.Scheme.Transferable() {
			backend = string(u.Scheme.Backend())
		}
	}

	w := newWriter(cmd.OutOrStdout(), a, backend)
	defer func() { _ = w.Close() }()

	start := time.Now()
	opErr := op(ctx, newMover(a, tracer), rec)
	rec.Duration = time.Since(start)

	if opErr != nil {
		a.logger.Error("Transfer failed", zap.String("op", rec.Op), zap.Error(opErr))
		target := rec.Source
		if target == "" {
			target = rec.Dest
		}
		_ = w.WriteError(ctx, &output.ErrorRecord{
			Code:    moverErrorCode(opErr),
			Message: opErr.Error(),
			Target:  target,
			Details: map[string]string{"op": rec.Op, "kind": mover.KindOf(opErr).String()},
		})
		return exitError(moverExitCode(opErr), "Transfer failed", opErr)
	}

	if err := w.WriteTransfer(ctx, rec); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
	}
	return nil
}

func moverOptions() []mover.Option {
	if moverOverwrite {
		return []mover.Option{mover.WithOverwrite()}
	}
	return nil
}

func runMoverExists(cmd *cobra.Command, args []string) error {
	rec := &output.TransferRecord{Op: "exists", Source: args[0]}
	return withMover(cmd, rec, func(ctx context.Context, m *mover.Mover, rec *output.TransferRecord) error {
		ok, err := m.Exists(ctx, rec.Source)
		if err != nil {
			return err
		}
		rec.Exists = &ok
		return nil
	})
}

func runMoverGet(cmd *cobra.Command, args []string) error {
	rec := &output.TransferRecord{Op: "get", Source: args[0], Dest: args[1]}
	return withMover(cmd, rec, func(ctx context.Context, m *mover.Mover, rec *output.TransferRecord) error {
		path, err := m.GetVerified(ctx, rec.Source, rec.Dest, moverChecksum, moverOptions()...)
		if err != nil {
			return err
		}
		rec.Dest = path
		rec.Files = 1
		rec.Checksum = moverChecksum
		if info, err := os.Stat(path); err == nil {
			rec.Bytes = info.Size()
		}
		return nil
	})
}

func runMoverPut(cmd *cobra.Command, args []string) error {
	rec := &output.TransferRecord{Op: "put", Source: args[0], Dest: args[1]}
	return withMover(cmd, rec, func(ctx context.Context, m *mover.Mover, rec *output.TransferRecord) error {
		if err := m.Put(ctx, rec.Source, rec.Dest, moverOptions()...); err != nil {
			return err
		}
		rec.Files = 1
		if info, err := os.Stat(rec.Source); err == nil {
			rec.Bytes = info.Size()
		}
		return nil
	})
}

func runMoverMulti(cmd *cobra.Command, args []string) error {
	rels, err := multiPaths(args[0], args[2:])
	if err != nil {
		return err
	}
	rec := &output.TransferRecord{Op: "multi", Source: args[0], Dest: args[1]}
	return withMover(cmd, rec, func(ctx context.Context, m *mover.Mover, rec *output.TransferRecord) error {
		if err := m.Multi(ctx, rec.Source, rec.Dest, rels, moverOptions()...); err != nil {
			return err
		}
		rec.Files = len(rels)
		for _, rel := range rels {
			if info, err := os.Stat(filepath.Join(rec.Source, rel)); err == nil {
				rec.Bytes += info.Size()
			}
		}
		return nil
	})
}

// multiPaths joins explicit relative paths with those selected by --include
// and --exclude, dropping duplicates.
func multiPaths(srcDir string, explicit []string) ([]string, error) {
	if len(moverIncludes) == 0 {
		if len(moverExcludes) > 0 {
			return nil, exitError(foundry.ExitInvalidArgument, "Invalid file selection", errors.New("--exclude requires --include"))
		}
		if len(explicit) == 0 {
			return nil, exitError(foundry.ExitInvalidArgument, "Invalid file selection", errors.New("name files to upload or pass --include"))
		}
		return explicit, nil
	}

	m, err := match.New(match.Config{Includes: moverIncludes, Excludes: moverExcludes})
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid file selection", err)
	}
	selected, err := match.Select(srcDir, m)
	if err != nil {
		return nil, exitError(foundry.ExitFileReadError, "Failed to list source directory", err)
	}

	seen := make(map[string]bool, len(explicit)+len(selected))
	rels := make([]string, 0, len(explicit)+len(selected))
	for _, rel := range append(explicit, selected...) {
		if !seen[rel] {
			seen[rel] = true
			rels = append(rels, rel)
		}
	}
	if len(rels) == 0 {
		return nil, exitError(foundry.ExitFileNotFound, "No files selected", fmt.Errorf("no files under %s match %v", srcDir, moverIncludes))
	}
	return rels, nil
}
