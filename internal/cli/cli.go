// Package cli implements the entwire command: it converts entity documents
// between wire formats and dumps what a configured store holds.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/syssam/entwire/internal/logging"

	// Formats selectable by name.
	_ "github.com/syssam/entwire/codec/msgpack"
	_ "github.com/syssam/entwire/codec/xml"
	_ "github.com/syssam/entwire/codec/yaml"
)

var (
	version = "dev"
	commit  string
	date    string
)

// SetVersion sets the version information displayed by --version. The main
// package calls it with values injected through ldflags.
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
}

// New returns the root command. Logs go to stderr.
func New(stderr io.Writer) *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:          "entwire",
		Short:        "Convert and inspect schema-driven entity documents",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger := logging.New(stderr, logging.Level(verbose))
			cmd.SetContext(logging.WithLogger(cmd.Context(), logger))
		},
	}
	root.SetVersionTemplate(fmt.Sprintf("entwire %s\ncommit: %s\nbuilt: %s\n", version, commit, date))
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	root.AddCommand(newConvertCmd())
	root.AddCommand(newDumpCmd())
	root.AddCommand(newFormatsCmd())
	return root
}

// openInput returns stdin for "" and "-", the named file otherwise.
func openInput(cmd *cobra.Command, name string) (io.ReadCloser, error) {
	if name == "" || name == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	return os.Open(name)
}

// createOutput returns stdout for "" and "-", a new file otherwise.
func createOutput(cmd *cobra.Command, name string) (io.WriteCloser, error) {
	if name == "" || name == "-" {
		return nopWriteCloser{cmd.OutOrStdout()}, nil
	}
	return os.Create(name)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
