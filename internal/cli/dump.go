package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/syssam/entwire"
	"github.com/syssam/entwire/codec"
	"github.com/syssam/entwire/config"
	"github.com/syssam/entwire/dialect/sql"
	"github.com/syssam/entwire/internal/logging"
	"github.com/syssam/entwire/serializer"
	"github.com/syssam/entwire/storage/badgerstore"
	"github.com/syssam/entwire/storage/sqlstore"
)

// source reads the raw documents of one entity type from a store.
type source struct {
	dump  func(ctx context.Context) ([][]byte, error)
	close func() error
}

func newDumpCmd() *cobra.Command {
	var (
		cfgPath  string
		typeName string
		table    string
		to       string
	)

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the stored entities of one type",
		Long: `Dump opens the store described by a configuration file and prints every
entity stored under a type name, in insertion order. Documents are decoded
with the configured codec and encoded with --to.`,
		Example: `  entwire dump --config entwire.yaml --type app.User
  entwire dump --config entwire.yaml --type app.User --table people --to xml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := logging.FromContext(ctx)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			stored, err := codec.For(cfg.Codec.Format)
			if err != nil {
				return err
			}
			dst, err := codec.For(to)
			if err != nil {
				return err
			}

			src, err := openSource(cfg, stored, typeName, table, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := src.close(); err != nil {
					logger.Warn("close store", "error", err)
				}
			}()

			blobs, err := src.dump(ctx)
			if err != nil {
				return err
			}
			logger.Debug("read documents", "type", typeName, "count", len(blobs))
			return writeDocuments(ctx, cmd.OutOrStdout(), stored, dst, blobs)
		},
	}

	cmd.Flags().StringVarP(&cfgPath, "config", "c", "entwire.yaml", "configuration file")
	cmd.Flags().StringVarP(&typeName, "type", "t", "", "entity type name, e.g. app.User")
	cmd.Flags().StringVar(&table, "table", "", "SQL table name (default derived from --type)")
	cmd.Flags().StringVar(&to, "to", "yaml", "output format")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func openSource(cfg config.Config, c codec.Codec, typeName, table string, logger *slog.Logger) (*source, error) {
	m := serializer.New(serializer.WithCodec(c), serializer.WithLogger(logger))
	switch {
	case cfg.Storage.SQL():
		drv, err := sql.Open(cfg.Storage.Driver, cfg.Storage.DSN)
		if err != nil {
			return nil, err
		}
		stats := sql.NewStatsDriver(drv,
			sql.WithSlowThreshold(cfg.Storage.SlowThreshold),
			sql.WithLogger(logger),
		)
		var opts []sqlstore.Option
		opts = append(opts, sqlstore.WithLogger(logger))
		if cfg.Storage.CacheTTL > 0 {
			opts = append(opts, sqlstore.WithCache(entwire.NewMemoryCache(), cfg.Storage.CacheTTL))
		}
		st := sqlstore.New(m, stats, opts...)
		if table == "" {
			table = sqlstore.TableName(typeName)
		}
		return &source{
			dump: func(ctx context.Context) ([][]byte, error) { return st.Dump(ctx, table) },
			close: func() error {
				logger.Debug("sql statements", "stats", stats.Stats().Snapshot().String())
				return stats.Close()
			},
		}, nil
	case cfg.Storage.Driver == "badger":
		bc := badgerstore.InMemoryConfig()
		if cfg.Storage.Path != "" {
			bc = badgerstore.DefaultConfig(cfg.Storage.Path)
			bc.GCInterval = 0
		}
		st, err := badgerstore.Open(m, bc, badgerstore.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return &source{
			dump:  func(ctx context.Context) ([][]byte, error) { return st.Dump(ctx, typeName) },
			close: st.Close,
		}, nil
	default:
		return nil, fmt.Errorf("storage driver %q keeps nothing to dump", cfg.Storage.Driver)
	}
}

// writeDocuments transcodes every blob from src to dst. YAML documents are
// separated by "---".
func writeDocuments(ctx context.Context, w io.Writer, src, dst codec.Codec, blobs [][]byte) error {
	var errs []error
	for i, data := range blobs {
		c, err := src.Decode(ctx, bytes.NewReader(data))
		if err != nil {
			errs = append(errs, fmt.Errorf("document %d: %w", i, err))
			continue
		}
		if dst.Format() == "yaml" && i > 0 {
			if _, err := io.WriteString(w, "---\n"); err != nil {
				return err
			}
		}
		if err := dst.Encode(ctx, w, c); err != nil {
			return err
		}
	}
	return errors.Join(errs...)
}
