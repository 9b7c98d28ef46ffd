package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/velesdb/velesdb/pkg/velesdb"
	"github.com/velesdb/velesdb/pkg/velesql"
)

// runREPL reads VelesQL statements and meta-commands line by line.
// The session timeout is enforced around each synchronous query; the
// core itself has no cancellation points.
func runREPL(db *velesdb.Database, in io.Reader, out io.Writer) error {
	session := loadSessionDefaults()
	fmt.Fprintf(out, "VelesDB v%s VelesQL shell. Type \\quit to exit.\n", version)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 1<<16), 1<<20)
	for {
		fmt.Fprint(out, "veles> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "\\") {
			if quit := runMeta(db, &session, line, out); quit {
				return nil
			}
			continue
		}
		runQuery(db, &session, line, out)
	}
}

// runMeta handles \use, \set, \show, \reset and \quit. Returns true on
// quit.
func runMeta(db *velesdb.Database, session *Session, line string, out io.Writer) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "\\quit", "\\q":
		return true
	case "\\use":
		if len(fields) != 2 {
			fmt.Fprintln(out, "usage: \\use <collection>")
			return false
		}
		if _, err := db.GetCollection(fields[1]); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			return false
		}
		session.Collection = fields[1]
		fmt.Fprintf(out, "using %q\n", fields[1])
	case "\\set":
		if len(fields) != 3 {
			fmt.Fprintln(out, "usage: \\set <key> <value>")
			return false
		}
		if err := session.set(fields[1], fields[2]); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			return false
		}
	case "\\show":
		fmt.Fprintln(out, session.show())
	case "\\reset":
		key := ""
		if len(fields) > 1 {
			key = fields[1]
		}
		if err := session.reset(key); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	default:
		fmt.Fprintf(out, "unknown meta-command %s\n", fields[0])
	}
	return false
}

func runQuery(db *velesdb.Database, session *Session, src string, out io.Writer) {
	if session.Collection == "" {
		fmt.Fprintln(out, "no collection selected; \\use <collection> first")
		return
	}

	type outcome struct {
		rs  *velesql.ResultSet
		err error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		rs, err := db.Query(session.Collection, src, nil)
		done <- outcome{rs: rs, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			fmt.Fprintf(out, "error: %v\n", o.err)
			return
		}
		printResultSet(out, o.rs, session.MaxResults, time.Since(start))
	case <-time.After(time.Duration(session.TimeoutMs) * time.Millisecond):
		fmt.Fprintf(out, "error: query timed out after %d ms (still running in background)\n", session.TimeoutMs)
	}
}

func printResultSet(out io.Writer, rs *velesql.ResultSet, maxResults int, elapsed time.Duration) {
	rows := rs.Rows
	if len(rows) > maxResults {
		rows = rows[:maxResults]
	}
	for _, row := range rows {
		fmt.Fprintf(out, "%d\t%.4f\t%v\n", row.ID, row.Score, compactPayload(row.Payload))
	}
	fmt.Fprintf(out, "%d row(s) in %s\n", len(rows), elapsed.Round(time.Millisecond))
}

func compactPayload(p map[string]any) string {
	if len(p) == 0 {
		return "{}"
	}
	parts := make([]string, 0, len(p))
	for k, v := range p {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, " ")
}
