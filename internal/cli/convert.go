package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/syssam/entwire/codec"
	"github.com/syssam/entwire/internal/logging"
)

func newConvertCmd() *cobra.Command {
	var from, to string

	cmd := &cobra.Command{
		Use:   "convert [input] [output]",
		Short: "Re-encode one entity document in another format",
		Long: `Convert decodes one entity document and encodes it again in another
format. Input and output default to stdin and stdout; "-" selects them
explicitly.`,
		Example: `  entwire convert --from msgpack --to yaml user.bin
  cat user.yaml | entwire convert --from yaml --to xml`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := logging.FromContext(ctx)

			src, err := codec.For(from)
			if err != nil {
				return err
			}
			dst, err := codec.For(to)
			if err != nil {
				return err
			}

			var in, out string
			if len(args) > 0 {
				in = args[0]
			}
			if len(args) > 1 {
				out = args[1]
			}

			r, err := openInput(cmd, in)
			if err != nil {
				return err
			}
			defer r.Close()

			c, err := src.Decode(ctx, r)
			if err != nil {
				return fmt.Errorf("decode %s: %w", from, err)
			}
			logger.Debug("decoded document", "format", from, "items", c.Len())

			w, err := createOutput(cmd, out)
			if err != nil {
				return err
			}
			if err := dst.Encode(ctx, w, c); err != nil {
				w.Close()
				return fmt.Errorf("encode %s: %w", to, err)
			}
			return w.Close()
		},
	}

	cmd.Flags().StringVar(&from, "from", "msgpack", "input format")
	cmd.Flags().StringVar(&to, "to", "yaml", "output format")
	return cmd
}

func newFormatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "formats",
		Short: "List the available wire formats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range codec.Formats() {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), f); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
