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
	"fmt"
	"path/filepath"

	"github.com/apex/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blacktop/relink/internal/commands/bundle"
)

func init() {
	rootCmd.AddCommand(verifyCmd)
}

// verifyCmd represents the verify command
var verifyCmd = &cobra.Command{
	Use:           "verify <STAGING>",
	Short:         "Check a relinked bundle for references that would break off the build machine",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}

		violations, err := bundle.Verify(filepath.Clean(args[0]))
		if err != nil {
			return err
		}

		for _, v := range violations {
			log.WithFields(log.Fields{
				"binary": v.Path,
				"ref":    v.Ref,
			}).Error("non-relocatable reference")
		}

		if len(violations) > 0 {
			return fmt.Errorf("found %d non-relocatable reference(s)", len(violations))
		}

		log.Info("bundle is relocatable")
		return nil
	},
}
