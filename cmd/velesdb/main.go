// Package main provides the VelesDB CLI entry point.
package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/velesdb/velesdb/pkg/collection"
	"github.com/velesdb/velesdb/pkg/server"
	"github.com/velesdb/velesdb/pkg/velesdb"
	"github.com/velesdb/velesdb/pkg/velesql"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// Exit codes: 0 success, 1 configuration error, 2 I/O error, 3 query
// error.
const (
	exitOK     = 0
	exitConfig = 1
	exitIO     = 2
	exitQuery  = 3
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func configErr(format string, args ...any) error {
	return &exitError{code: exitConfig, err: fmt.Errorf(format, args...)}
}

func ioErr(err error) error {
	return &exitError{code: exitIO, err: err}
}

func queryErr(err error) error {
	return &exitError{code: exitQuery, err: err}
}

func main() {
	var dbPath string

	rootCmd := &cobra.Command{
		Use:   "velesdb",
		Short: "VelesDB - embeddable vector database with graph and VelesQL support",
		Long: `VelesDB stores fixed-dimension vectors with JSON payloads and answers
approximate-nearest-neighbor, full-text, filtered and hybrid queries,
plus graph pattern matching through the VelesQL query language.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "./velesdb-data", "database directory")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("VelesDB v%s (%s)\n", version, commit)
		},
	})

	createCmd := &cobra.Command{
		Use:   "create <collection>",
		Short: "Create a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dim, _ := cmd.Flags().GetInt("dim")
			metric, _ := cmd.Flags().GetString("metric")
			mode, _ := cmd.Flags().GetString("storage-mode")
			metaOnly, _ := cmd.Flags().GetBool("metadata-only")
			if !metaOnly && dim <= 0 {
				return configErr("--dim must be positive")
			}
			db, err := velesdb.Open(dbPath)
			if err != nil {
				return ioErr(err)
			}
			defer db.Close()
			_, err = db.CreateCollection(args[0], velesdb.CollectionOptions{
				Dimension:    dim,
				Metric:       metric,
				StorageMode:  mode,
				MetadataOnly: metaOnly,
			})
			if err != nil {
				return configErr("%v", err)
			}
			fmt.Printf("created collection %q\n", args[0])
			return nil
		},
	}
	createCmd.Flags().Int("dim", 0, "vector dimension")
	createCmd.Flags().String("metric", "cosine", "distance metric (cosine|euclidean|dot|hamming|jaccard)")
	createCmd.Flags().String("storage-mode", "full", "vector storage mode (full|sq8|binary)")
	createCmd.Flags().Bool("metadata-only", false, "reject vectors, store payloads only")
	rootCmd.AddCommand(createCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "drop <collection>",
		Short: "Delete a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := velesdb.Open(dbPath)
			if err != nil {
				return ioErr(err)
			}
			defer db.Close()
			if err := db.DeleteCollection(args[0]); err != nil {
				return configErr("%v", err)
			}
			fmt.Printf("dropped collection %q\n", args[0])
			return nil
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List collections",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := velesdb.Open(dbPath)
			if err != nil {
				return ioErr(err)
			}
			defer db.Close()
			for _, name := range db.ListCollections() {
				col, err := db.GetCollection(name)
				if err != nil {
					continue
				}
				fmt.Printf("%s\t%d points\tdim=%d\t%s\n",
					name, col.Count(), col.Dimension(), col.Metric())
			}
			return nil
		},
	})

	upsertCmd := &cobra.Command{
		Use:   "upsert <collection> <id> <vector>",
		Short: "Upsert one point (vector as comma-separated numbers)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return configErr("invalid id %q", args[1])
			}
			vec, err := parseVector(args[2])
			if err != nil {
				return configErr("%v", err)
			}
			payloadArg, _ := cmd.Flags().GetString("payload")
			payload, err := parsePayload(payloadArg)
			if err != nil {
				return configErr("%v", err)
			}
			db, err := velesdb.Open(dbPath)
			if err != nil {
				return ioErr(err)
			}
			defer db.Close()
			col, err := db.GetCollection(args[0])
			if err != nil {
				return configErr("%v", err)
			}
			if err := col.Upsert([]collection.Point{{ID: id, Vector: vec, Payload: payload}}); err != nil {
				return queryErr(err)
			}
			if err := col.Flush(); err != nil {
				return ioErr(err)
			}
			return nil
		},
	}
	upsertCmd.Flags().String("payload", "", "JSON payload")
	rootCmd.AddCommand(upsertCmd)

	searchCmd := &cobra.Command{
		Use:   "search <collection> <vector>",
		Short: "Search for the nearest points",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			vec, err := parseVector(args[1])
			if err != nil {
				return configErr("%v", err)
			}
			k, _ := cmd.Flags().GetInt("k")
			rerank, _ := cmd.Flags().GetBool("rerank")
			db, err := velesdb.Open(dbPath)
			if err != nil {
				return ioErr(err)
			}
			defer db.Close()
			col, err := db.GetCollection(args[0])
			if err != nil {
				return configErr("%v", err)
			}
			var results []collection.SearchResult
			if rerank {
				results, err = col.SearchWithRerank(vec, k)
			} else {
				results, err = col.Search(vec, k, collection.SearchOptions{})
			}
			if err != nil {
				return queryErr(err)
			}
			for _, r := range results {
				fmt.Printf("%d\t%.6f\n", r.ID, r.Score)
			}
			return nil
		},
	}
	searchCmd.Flags().Int("k", 10, "number of results")
	searchCmd.Flags().Bool("rerank", false, "rescore candidates with full-precision vectors")
	rootCmd.AddCommand(searchCmd)

	rootCmd.AddCommand(newImportCmd(&dbPath))

	rootCmd.AddCommand(&cobra.Command{
		Use:   "repl",
		Short: "Start the interactive VelesQL shell",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := velesdb.Open(dbPath)
			if err != nil {
				return ioErr(err)
			}
			defer db.Close()
			return runREPL(db, os.Stdin, os.Stdout)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the REST server",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			db, err := velesdb.Open(dbPath)
			if err != nil {
				return ioErr(err)
			}
			defer db.Close()
			return ioErr(server.New(db).ListenAndServe(addr))
		},
	}
	serveCmd.Flags().String("addr", ":7333", "listen address")
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var xe *exitError
		if errors.As(err, &xe) {
			os.Exit(xe.code)
		}
		var verr *velesql.ValidationError
		if errors.As(err, &verr) {
			os.Exit(exitQuery)
		}
		os.Exit(exitConfig)
	}
}

// parsePayload decodes the optional --payload JSON document.
func parsePayload(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(s), &payload); err != nil {
		return nil, fmt.Errorf("invalid payload JSON: %w", err)
	}
	return payload, nil
}

// parseVector accepts comma-separated bare numbers or a JSON array.
func parseVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return nil, fmt.Errorf("empty vector")
	}
	parts := strings.Split(s, ",")
	vec := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector component %q", p)
		}
		vec[i] = float32(f)
	}
	return vec, nil
}
