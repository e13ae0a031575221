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
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blacktop/relink/internal/commands/bundle"
)

var colorSystem = color.New(color.FgHiBlack).SprintFunc()
var colorRelative = color.New(color.FgGreen).SprintFunc()
var colorVendorable = color.New(color.Bold, color.FgYellow).SprintFunc()

func init() {
	rootCmd.AddCommand(depsCmd)
}

// depsCmd represents the deps command
var depsCmd = &cobra.Command{
	Use:           "deps <MACHO>",
	Short:         "List a binary's dylib references and how they classify",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}
		color.NoColor = !viper.GetBool("color")

		res, err := bundle.Scan(filepath.Clean(args[0]))
		if err != nil {
			return err
		}

		fmt.Printf("%s (%s)\n", res.Path, res.Role)
		if res.ID != "" {
			fmt.Printf("    id: %s\n", res.ID)
		}
		for _, ref := range res.Refs {
			switch c := bundle.ClassifyReference(ref.RawPath); c {
			case bundle.System:
				fmt.Printf("    %s  %s\n", colorSystem(c), ref.RawPath)
			case bundle.AlreadyRelative:
				fmt.Printf("    %s  %s\n", colorRelative(c), ref.RawPath)
			case bundle.Vendorable:
				fmt.Printf("    %s  %s\n", colorVendorable(c), ref.RawPath)
			}
		}

		return nil
	},
}
