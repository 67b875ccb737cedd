package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/scrypster/cloudml/internal/config"
	"github.com/scrypster/cloudml/internal/logging"
	"github.com/scrypster/cloudml/internal/notify"
	"github.com/scrypster/cloudml/internal/storage"
	"github.com/scrypster/cloudml/internal/storage/backend"
	"github.com/scrypster/cloudml/internal/storage/postgres"
	"github.com/scrypster/cloudml/internal/storage/sqlite"
	"github.com/scrypster/cloudml/pkg/types"
)

// Document is the YAML layout used by export and import.
type Document struct {
	Models []*types.Model `yaml:"models"`
}

// options holds the persistent flags shared by every command.
type options struct {
	configPath string
	engine     string
	dataPath   string
	dsn        string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "cloudml-admin",
		Short:         "Inspect and maintain a cloudml model store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "Path to YAML config file (CLOUDML_* env vars override it)")
	flags.StringVar(&opts.engine, "engine", "", "Storage engine: "+strings.Join(storage.Engines, ", ")+" (overrides config)")
	flags.StringVar(&opts.dataPath, "data-path", "", "Directory for sqlite/badger files (overrides config)")
	flags.StringVar(&opts.dsn, "dsn", "", "PostgreSQL connection string (overrides config)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Log storage activity to stderr")

	rootCmd.AddCommand(
		newListCmd(opts),
		newExportCmd(opts),
		newImportCmd(opts),
		newDeleteCmd(opts),
		newMigrateCmd(opts),
		newBackupCmd(opts),
	)
	return rootCmd
}

// storageConfig resolves the storage settings from config, then flags.
func (o *options) storageConfig() (config.StorageConfig, error) {
	var cfg *config.Config
	var err error
	if o.configPath != "" {
		cfg, err = config.LoadConfigFile(o.configPath)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		return config.StorageConfig{}, err
	}

	sc := cfg.Storage
	if o.engine != "" {
		sc.StorageEngine = strings.ToLower(o.engine)
	}
	if o.dataPath != "" {
		sc.DataPath = o.dataPath
	}
	if o.dsn != "" {
		sc.PostgresDSN = o.dsn
	}
	return sc, nil
}

func (o *options) logger() *zap.Logger {
	if !o.verbose {
		return zap.NewNop()
	}
	logger, _, err := logging.New(config.LogConfig{Level: "debug", Format: "console"})
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// withStore opens the configured store, runs fn and closes the store.
func (o *options) withStore(ctx context.Context, fn func(storage.ModelStore) error) error {
	sc, err := o.storageConfig()
	if err != nil {
		return err
	}
	store, err := backend.Open(ctx, sc, o.logger())
	if err != nil {
		return err
	}
	err = fn(store)
	if cerr := store.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close store: %w", cerr)
	}
	return err
}

// announce tells a running server sharing the data path that the given
// models changed. Failures are reported but do not fail the command.
func (o *options) announce(cmd *cobra.Command, eventType string, ids []string) {
	sc, err := o.storageConfig()
	if err != nil || sc.StorageEngine == storage.EngineMemory {
		return
	}
	w := notify.NewEventWriter(sc.DataPath)
	for _, id := range ids {
		if err := w.Notify(eventType, id); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: server not notified of %s: %v\n", id, err)
		}
	}
}

func newListCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every stored model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(cmd.Context(), func(store storage.ModelStore) error {
				models, err := store.List(cmd.Context())
				if err != nil {
					return err
				}
				return printModels(cmd.OutOrStdout(), models)
			})
		},
	}
}

func printModels(out io.Writer, models []*types.Model) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tCOVARIATES\tTRAINED\tTRAIN LOSS\tUPDATED")
	for _, m := range models {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%.6g\t%s\n",
			m.ID, m.Type, strings.Join(m.Covariates, ","), m.NumTrainingData, m.TrainLoss,
			m.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}

func newExportCmd(opts *options) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every stored model as a YAML document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(cmd.Context(), func(store storage.ModelStore) error {
				models, err := store.List(cmd.Context())
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if output != "" && output != "-" {
					f, err := os.Create(output)
					if err != nil {
						return err
					}
					defer f.Close()
					out = f
				}

				enc := yaml.NewEncoder(out)
				enc.SetIndent(2)
				if err := enc.Encode(Document{Models: models}); err != nil {
					return fmt.Errorf("encode models: %w", err)
				}
				if err := enc.Close(); err != nil {
					return err
				}
				if output != "" && output != "-" {
					fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d models to %s\n", len(models), output)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default stdout)")
	return cmd
}

func newImportCmd(opts *options) *cobra.Command {
	var input string

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Upsert the models of a YAML document verbatim",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readDocument(input)
			if err != nil {
				return err
			}
			var written []string
			err = opts.withStore(cmd.Context(), func(store storage.ModelStore) error {
				for _, m := range doc.Models {
					if err := store.Put(cmd.Context(), m); err != nil {
						return fmt.Errorf("import model %s: %w", m.ID, err)
					}
					written = append(written, m.ID)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d models\n", len(doc.Models))
				return nil
			})
			opts.announce(cmd, notify.EventModelUpdated, written)
			return err
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "YAML file to import")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

// readDocument parses and checks an export document. Every model is
// checked before any is written.
func readDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	var errs []error
	for i, m := range doc.Models {
		if err := storage.ValidateModel(m); err != nil {
			errs = append(errs, fmt.Errorf("model %d: %w", i, err))
			continue
		}
		if !types.IsValidModelType(m.Type) {
			errs = append(errs, fmt.Errorf("model %s: unknown type %q", m.ID, m.Type))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &doc, nil
}

func newDeleteCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID...",
		Short: "Delete models by ID",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var deleted []string
			err := opts.withStore(cmd.Context(), func(store storage.ModelStore) error {
				for _, id := range args {
					if err := store.Delete(cmd.Context(), id); err != nil {
						return fmt.Errorf("delete %s: %w", id, err)
					}
					deleted = append(deleted, id)
					fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
				}
				return nil
			})
			opts.announce(cmd, notify.EventModelDeleted, deleted)
			return err
		},
	}
}

// sqlStore is implemented by the SQL-backed engines.
type sqlStore interface {
	DB() *sql.DB
}

func newMigrateCmd(opts *options) *cobra.Command {
	var down bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply (or with --down, roll back) SQL schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := opts.storageConfig()
			if err != nil {
				return err
			}

			var files fs.FS
			var placeholder string
			switch sc.StorageEngine {
			case storage.EngineSQLite:
				files, placeholder = sqlite.Migrations(), storage.PlaceholderQuestion
			case storage.EnginePostgres:
				files, placeholder = postgres.Migrations(), storage.PlaceholderDollar
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "Engine %q has no schema to migrate\n", sc.StorageEngine)
				return nil
			}

			// Opening a SQL store applies pending migrations.
			return opts.withStore(cmd.Context(), func(store storage.ModelStore) error {
				db, ok := store.(sqlStore)
				if !ok {
					return fmt.Errorf("engine %q does not expose a database handle", sc.StorageEngine)
				}
				mgr, err := storage.NewMigrationManager(cmd.Context(), db.DB(), files, placeholder)
				if err != nil {
					return err
				}
				if down {
					if err := mgr.Down(cmd.Context()); err != nil {
						return err
					}
				}

				version, err := mgr.Version(cmd.Context())
				switch {
				case errors.Is(err, storage.ErrNoMigration):
					fmt.Fprintln(cmd.OutOrStdout(), "Schema has no migrations applied")
				case err != nil:
					return err
				default:
					fmt.Fprintf(cmd.OutOrStdout(), "Schema at version %d\n", version)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "Roll back every applied migration")
	return cmd
}
