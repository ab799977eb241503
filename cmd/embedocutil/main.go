// Command embedocutil is a small inspection tool for an embedoc database
// directory: dump a document's properties as JSON, list every document ID
// on disk, or print storage stats. It always opens the database read-only.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/embedoc/embedoc"
)

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "embedocutil: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: embedocutil [-db path] dump <docID>\n")
		fmt.Fprintf(os.Stderr, "       embedocutil [-db path] list\n")
		fmt.Fprintf(os.Stderr, "       embedocutil [-db path] stats\n")
	}
	dbPath := flag.String("db", "./embedoc-data", "database directory")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		return fmt.Errorf("missing command")
	}

	_, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	db, err := embedoc.Open(*dbPath, embedoc.Options{ReadOnly: true, Logger: slog.New(slog.NewTextHandler(os.Stderr, nil))})
	if err != nil {
		return fmt.Errorf("opening %s: %w", *dbPath, err)
	}
	defer db.Close()

	switch args[0] {
	case "dump":
		if len(args) != 2 {
			return fmt.Errorf("dump requires exactly one document ID")
		}
		return dumpDocument(db, args[1])
	case "list":
		return listDocuments(db)
	case "stats":
		return printStats(db)
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func dumpDocument(db *embedoc.Database, id string) error {
	doc, err := db.GetExistingDocument(id)
	if err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("document %q not found", id)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(doc.Properties())
}

func listDocuments(db *embedoc.Database) error {
	ids, err := db.DocumentIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

func printStats(db *embedoc.Database) error {
	stats, err := db.Stats()
	if err != nil {
		return err
	}
	fmt.Printf("documents:     %d\n", stats.DocumentCount)
	fmt.Printf("file size:     %d bytes\n", stats.FileSize)
	fmt.Printf("last sequence: %d\n", stats.LastSequence)
	return nil
}
