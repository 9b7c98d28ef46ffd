package main

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/velesdb/velesdb/pkg/collection"
	"github.com/velesdb/velesdb/pkg/velesdb"
)

// importBatchSize points go through upsert_bulk per batch.
const importBatchSize = 1000

// newImportCmd builds the `import` subcommand covering CSV and JSONL
// sources.
//
// CSV rows are `id,vector,...payload columns` with the vector as a
// JSON array or semicolon-separated numbers; the header names the
// payload columns. JSONL rows are {"id": ..., "vector": [...],
// "payload": {...}}.
func newImportCmd(dbPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <collection> <file.csv|file.jsonl>",
		Short: "Bulk-import points from a CSV or JSONL file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := velesdb.Open(*dbPath)
			if err != nil {
				return ioErr(err)
			}
			defer db.Close()
			col, err := db.GetCollection(args[0])
			if err != nil {
				return configErr("%v", err)
			}

			f, err := os.Open(args[1])
			if err != nil {
				return ioErr(err)
			}
			defer f.Close()

			start := time.Now()
			var imported int
			if isCSV(args[1]) {
				imported, err = importCSV(col, f)
			} else {
				imported, err = importJSONL(col, f)
			}
			if err != nil {
				return queryErr(err)
			}
			if err := col.Flush(); err != nil {
				return ioErr(err)
			}
			fmt.Printf("imported %d points in %s\n", imported, time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	return cmd
}

func isCSV(path string) bool {
	return len(path) > 4 && path[len(path)-4:] == ".csv"
}

func importCSV(col *collection.Collection, r io.Reader) (int, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		return 0, fmt.Errorf("read csv header: %w", err)
	}
	if len(header) < 2 || header[0] != "id" || header[1] != "vector" {
		return 0, fmt.Errorf("csv header must start with id,vector")
	}

	total := 0
	batch := make([]collection.Point, 0, importBatchSize)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return total, fmt.Errorf("read csv record: %w", err)
		}
		id, err := strconv.ParseUint(record[0], 10, 64)
		if err != nil {
			return total, fmt.Errorf("row %d: invalid id %q", total+1, record[0])
		}
		vec, err := parseCSVVector(record[1])
		if err != nil {
			return total, fmt.Errorf("row %d: %w", total+1, err)
		}
		var payload map[string]any
		if len(record) > 2 {
			payload = make(map[string]any, len(record)-2)
			for i := 2; i < len(record) && i < len(header); i++ {
				payload[header[i]] = record[i]
			}
		}
		batch = append(batch, collection.Point{ID: id, Vector: vec, Payload: payload})
		if len(batch) == importBatchSize {
			if err := col.UpsertBulk(batch); err != nil {
				return total, err
			}
			total += len(batch)
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		if err := col.UpsertBulk(batch); err != nil {
			return total, err
		}
		total += len(batch)
	}
	return total, nil
}

// parseCSVVector accepts a JSON array or semicolon-separated numbers.
func parseCSVVector(s string) ([]float32, error) {
	if len(s) > 0 && s[0] == '[' {
		var vec []float32
		if err := json.Unmarshal([]byte(s), &vec); err != nil {
			return nil, fmt.Errorf("invalid vector %q: %w", s, err)
		}
		return vec, nil
	}
	return parseVector(replaceSemicolons(s))
}

func replaceSemicolons(s string) string {
	out := []byte(s)
	for i := range out {
		if out[i] == ';' {
			out[i] = ','
		}
	}
	return string(out)
}

type jsonlRow struct {
	ID      uint64         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

func importJSONL(col *collection.Collection, r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1<<16), 16<<20)

	total := 0
	line := 0
	batch := make([]collection.Point, 0, importBatchSize)
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var row jsonlRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return total, fmt.Errorf("line %d: %w", line, err)
		}
		batch = append(batch, collection.Point{ID: row.ID, Vector: row.Vector, Payload: row.Payload})
		if len(batch) == importBatchSize {
			if err := col.UpsertBulk(batch); err != nil {
				return total, err
			}
			total += len(batch)
			batch = batch[:0]
		}
	}
	if err := scanner.Err(); err != nil {
		return total, err
	}
	if len(batch) > 0 {
		if err := col.UpsertBulk(batch); err != nil {
			return total, err
		}
		total += len(batch)
	}
	return total, nil
}
