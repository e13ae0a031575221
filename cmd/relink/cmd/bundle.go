/*
Copyright © 2026 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/apex/log"
	"github.com/caarlos0/ctrlc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blacktop/relink/internal/commands/bundle"
	"github.com/blacktop/relink/pkg/staging"
)

func init() {
	rootCmd.AddCommand(bundleCmd)

	bundleCmd.Flags().StringP("libs-dir", "l", filepath.Join("Contents", "Frameworks"), "bundle-relative directory vendored dylibs are copied to")
	bundleCmd.Flags().IntP("workers", "w", bundle.DefaultWorkers, "concurrent binary scans per pass")
	bundleCmd.Flags().StringP("id", "i", "", "codesign identifier (default is each file's basename)")
	bundleCmd.Flags().StringP("report", "r", "", "write JSON run report to file")
	bundleCmd.Flags().Bool("dry-run", false, "classify and resolve only, mutate nothing")
	viper.BindPFlag("bundle.libs-dir", bundleCmd.Flags().Lookup("libs-dir"))
	viper.BindPFlag("bundle.workers", bundleCmd.Flags().Lookup("workers"))
	viper.BindPFlag("bundle.id", bundleCmd.Flags().Lookup("id"))
	viper.BindPFlag("bundle.report", bundleCmd.Flags().Lookup("report"))
	viper.BindPFlag("bundle.dry-run", bundleCmd.Flags().Lookup("dry-run"))
}

// bundleCmd represents the bundle command
var bundleCmd = &cobra.Command{
	Use:           "bundle <STAGING>",
	Short:         "Vendor and relink every dylib a staged app bundle depends on",
	Long: `Walks a staging directory containing an .app layout, discovers every
dynamic library the main executable, the embedded interpreter and each native
extension module depend on, copies the non-system ones into the bundle's
shared-library directory, rewrites all references to @loader_path-relative
paths and re-signs everything it touched. The result is byte-for-byte
relocatable.`,
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}

		// flags
		libsDir := viper.GetString("bundle.libs-dir")
		workers := viper.GetInt("bundle.workers")
		signID := viper.GetString("bundle.id")
		reportFile := viper.GetString("bundle.report")
		dryRun := viper.GetBool("bundle.dry-run")

		stagingDir := filepath.Clean(args[0])

		layout, err := staging.Discover(stagingDir, libsDir)
		if err != nil {
			return fmt.Errorf("failed to discover staging layout: %w", err)
		}

		log.WithFields(log.Fields{
			"app":        layout.AppExecutable,
			"runtimes":   len(layout.Interpreters),
			"extensions": len(layout.Extensions),
			"venvs":      len(layout.Venvs),
		}).Info("discovered staging layout")

		eng := bundle.NewEngine(&bundle.Config{
			Workers: workers,
			DryRun:  dryRun,
			SignID:  signID,
		}, layout)

		var report *bundle.Report

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := ctrlc.Default.Run(ctx, func() error {
			report, err = eng.Run(ctx)
			return err
		}); err != nil {
			return fmt.Errorf("relink run failed: %w", err)
		}

		report.Log()

		if len(reportFile) > 0 {
			if err := report.Write(reportFile); err != nil {
				return err
			}
			log.Infof("wrote report to %s", reportFile)
		}

		if !report.OK() {
			log.Warn("bundle built with warnings; it may fail at runtime on target machines")
		}

		return nil
	},
}
