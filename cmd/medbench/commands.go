package main

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"medbench/internal/artifact"
	"medbench/internal/core"
	"medbench/internal/db"
	"medbench/internal/llm"
	apperrors "medbench/pkg/errors"
)

func (a *app) buildCohortCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "build-cohort",
		Short: "Write the top subjects by admission count as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(cmd); err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := db.Open(ctx, a.cfg.Source, a.log)
			if err != nil {
				return err
			}
			defer store.Close()

			w := artifact.NewWriter(afero.NewOsFs(), a.cfg.Output.Root, a.log)
			path, _, err := core.BuildTopCohort(ctx, store, w, limit, a.log)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote cohort CSV: %s\n", path)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 1000, "number of subjects to include")
	return cmd
}

func (a *app) generatePatientCmd() *cobra.Command {
	var subjectID, hadmID int64
	cmd := &cobra.Command{
		Use:   "generate-patient",
		Short: "Generate benchmark samples for every qualifying admission of a subject",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(cmd, generateOverrides); err != nil {
				return err
			}
			ctx := cmd.Context()
			client, err := llm.New(ctx, a.cfg.Model)
			if err != nil {
				return err
			}
			store, err := db.Open(ctx, a.cfg.Source, a.log)
			if err != nil {
				return err
			}
			defer store.Close()

			w := artifact.NewWriter(afero.NewOsFs(), a.cfg.Output.Root, a.log)
			m, err := core.NewPipeline(a.cfg, store, client, w, a.log).RunPatient(ctx, subjectID, hadmID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, adm := range m.Admissions {
				fmt.Fprintf(out, "hadm_id=%d status=%s attempts=%d turns=%d\n", adm.HadmID, adm.Status, adm.AttemptCount, adm.ConversationTurns)
			}
			fmt.Fprintf(out, "Completed patient generation: subject_id=%d admissions=%d output_root=%s\n",
				subjectID, len(m.Admissions), a.cfg.Output.Root)
			return nil
		},
	}

	f := cmd.Flags()
	f.Int64Var(&subjectID, "subject-id", 0, "MIMIC subject_id to generate")
	f.Int64Var(&hadmID, "hadm-id", 0, "generate only this admission")
	f.String("model", "", "model name, e.g. gpt-4.1-mini")
	f.String("provider", "openai", "model provider (openai or gemini)")
	f.Int("max-admissions", 0, "cap on admissions processed for the subject (0 = all)")
	f.Bool("include-admissions-without-discharge", false, "also process admissions that have no discharge note")
	f.Int("retry-limit", 0, "total model attempts per admission")
	f.Int("max-output-tokens", 0, "model max output tokens")
	f.Int("seed", 0, "model seed, if the provider supports one")
	f.Int("row-cap-labs", 0, "row cap for labs (-1 = uncapped)")
	f.Int("row-cap-radiology", 0, "row cap for radiology notes (-1 = uncapped)")
	f.Int("row-cap-emar", 0, "row cap for eMAR rows (-1 = uncapped)")
	f.String("output", "", "output root directory")
	_ = cmd.MarkFlagRequired("subject-id")
	_ = cmd.MarkFlagRequired("model")

	a.bind(f, map[string]string{
		"model":             "model.name",
		"provider":          "model.provider",
		"max-admissions":    "extraction.max_admissions",
		"retry-limit":       "model.retry_limit",
		"max-output-tokens": "model.max_output_tokens",
		"row-cap-labs":      "truncation.row_caps.labs",
		"row-cap-radiology": "truncation.row_caps.radiology",
		"row-cap-emar":      "truncation.row_caps.emar",
		"output":            "output.root",
	})
	return cmd
}

// generateOverrides handles the generate-patient flags that have no direct
// config key: the seed has no default and the discharge flag is inverted.
func generateOverrides(fs *pflag.FlagSet, v *viper.Viper) error {
	if fs.Changed("seed") {
		seed, err := fs.GetInt("seed")
		if err != nil {
			return err
		}
		v.Set("model.seed", seed)
	}
	if fs.Changed("include-admissions-without-discharge") {
		include, err := fs.GetBool("include-admissions-without-discharge")
		if err != nil {
			return err
		}
		v.Set("extraction.require_discharge_note", !include)
	}
	return nil
}

func (a *app) initDatasetCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "init-dataset",
		Short: "Create an empty local SQLite dataset with the MIMIC-IV schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(cmd); err != nil {
				return err
			}
			conn, err := db.OpenLocal(path)
			if err != nil {
				return apperrors.NewDataSourceError("open local dataset", err)
			}
			defer conn.Close()
			if err := db.Migrate(cmd.Context(), conn); err != nil {
				return apperrors.NewDataSourceError("migrate local dataset", err)
			}
			a.log.Info().Str("path", path).Msg("dataset initialized")
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized dataset: %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "mimic.db", "SQLite file to create")
	return cmd
}

func (a *app) importCSVCmd() *cobra.Command {
	var path, table, file string
	cmd := &cobra.Command{
		Use:   "import-csv",
		Short: "Load a MIMIC-IV CSV export (optionally gzipped) into a local dataset table",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(cmd); err != nil {
				return err
			}
			t, ok := db.LookupTable(table)
			if !ok {
				return apperrors.NewConfigError(fmt.Sprintf("unknown table %q", table))
			}
			src, err := os.Open(file)
			if err != nil {
				return apperrors.NewDataSourceError("open "+file, err)
			}
			defer src.Close()

			var r io.Reader = src
			if strings.HasSuffix(file, ".gz") {
				gz, err := gzip.NewReader(src)
				if err != nil {
					return apperrors.NewDataSourceError("read gzip "+file, err)
				}
				defer gz.Close()
				r = gz
			}

			conn, err := db.OpenLocal(path)
			if err != nil {
				return apperrors.NewDataSourceError("open local dataset", err)
			}
			defer conn.Close()
			n, err := db.ImportCSV(cmd.Context(), conn, t, r)
			if err != nil {
				return apperrors.NewDataSourceError("import "+file, err)
			}
			a.log.Info().Str("table", t.Qualified()).Int("rows", n).Msg("csv imported")
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d rows into %s\n", n, t.Qualified())
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&path, "path", "mimic.db", "local SQLite dataset")
	f.StringVar(&table, "table", "", "target table, e.g. labevents or hosp.labevents")
	f.StringVar(&file, "file", "", "CSV file; a .gz suffix is decompressed")
	_ = cmd.MarkFlagRequired("table")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
