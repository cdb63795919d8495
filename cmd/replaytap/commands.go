package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/funnyzak/replaytap/internal/capture"
	"github.com/funnyzak/replaytap/internal/classify"
	"github.com/funnyzak/replaytap/internal/diagnose"
	"github.com/funnyzak/replaytap/internal/index"
	"github.com/funnyzak/replaytap/internal/logger"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Build the capture index and write the flattened tables",
	Long: `Builds the capture index from manifest.json and the overrides file, then writes
mocks/apiMap.json, mocks/wsMap.json, mocks/assetMap.json and mirrorIndex.json.
Later runs load these tables instead of rebuilding from the manifest.`,
	RunE: runIndex,
}

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Report what may keep a capture from replaying offline",
	RunE:  runDiagnose,
}

func runIndex(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logger.NewLogger(&cfg.Log, cfg.Output.Mode)

	opts, err := buildOptions(cfg, log)
	if err != nil {
		return err
	}
	m, err := capture.ReadManifest(cfg.Replay.Root)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	idx, report, err := index.Build(cmd.Context(), cfg.Replay.Root, m, opts)
	if err != nil {
		return fmt.Errorf("build index: %w", err)
	}

	out, _ := cmd.Flags().GetString("out")
	if out == "" {
		out = cfg.Replay.Root
	}
	if err := capture.WriteTables(out, idx.Tables()); err != nil {
		return fmt.Errorf("write tables: %w", err)
	}

	printBuildReport(idx, report, out)
	return nil
}

func printBuildReport(idx *index.CaptureIndex, report *index.BuildReport, out string) {
	bold := color.New(color.Bold)
	warn := color.New(color.FgYellow)

	var size int64
	for _, a := range idx.Assets() {
		size += a.ByteSize
	}

	bold.Printf("Indexed %s\n", idx.Origin())
	fmt.Printf("  assets       %d (%s, %d mirrored)\n", report.Assets, humanize.Bytes(uint64(size)), report.Mirrored)
	fmt.Printf("  mocks        %d\n", report.Mocks)
	fmt.Printf("  sockets      %d\n", report.Sockets)
	fmt.Printf("  overridden   %d\n", report.Overridden)
	fmt.Printf("  deduplicated %d\n", report.Deduplicated)
	if len(report.Skipped) > 0 {
		warn.Printf("  skipped      %d\n", len(report.Skipped))
		for _, s := range report.Skipped {
			warn.Printf("    %s %s: %s\n", s.Kind, s.URL, s.Reason)
		}
	}
	fmt.Printf("Tables written to %s\n", out)
}

func runDiagnose(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logger.NewLogger(&cfg.Log, cfg.Output.Mode)

	opts, err := buildOptions(cfg, log)
	if err != nil {
		return err
	}
	classifier, err := classify.New(cfg.Replay.Noise)
	if err != nil {
		return err
	}

	report, err := diagnose.Run(cmd.Context(), cfg.Replay.Root, diagnose.Options{Build: opts, Classifier: classifier})
	if err != nil {
		return err
	}

	out, _ := cmd.Flags().GetString("out")
	path, err := report.Write(out)
	if err != nil {
		return err
	}

	report.PrintSummary(os.Stdout)
	fmt.Printf("Report written to %s\n", path)
	return nil
}
