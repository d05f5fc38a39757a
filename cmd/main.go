package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/NamanBalaji/fetch/internal/config"
	"github.com/NamanBalaji/fetch/internal/repository"
)

// printHistory prints the most recent records, newest last
func printHistory(w io.Writer, repo repository.Repository, limit int) error {
	records, err := repo.FindAll()
	if err != nil {
		return err
	}

	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "ID\tTAG\tOUTCOME\tSTATUS\tSIZE\tTRIES\tWHEN\tTOOK\tURL")
	for _, r := range records {
		status := "-"
		if r.StatusCode != 0 {
			status = fmt.Sprintf("%d", r.StatusCode)
		}

		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.ID.String()[:8],
			r.Tag,
			r.Outcome,
			status,
			humanize.Bytes(uint64(r.Bytes)),
			r.Attempts,
			humanize.Time(r.StartedAt),
			r.Duration().Round(time.Millisecond),
			r.URL)
	}

	return nil
}

// printRecord prints every stored field of one record
func printRecord(w io.Writer, repo repository.Repository, rawID string) error {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return fmt.Errorf("invalid ID %q: %w", rawID, err)
	}

	r, err := repo.Find(id)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "ID:       %s\n", r.ID)
	fmt.Fprintf(w, "URL:      %s %s\n", r.Method, r.URL)
	fmt.Fprintf(w, "Tag:      %d\n", r.Tag)
	if r.Hash != "" {
		fmt.Fprintf(w, "Hash:     %s\n", r.Hash)
	}
	fmt.Fprintf(w, "Outcome:  %s after %d attempt(s)\n", r.Outcome, r.Attempts)
	if r.StatusCode != 0 {
		fmt.Fprintf(w, "Status:   %d\n", r.StatusCode)
	}
	if r.ContentLength >= 0 {
		fmt.Fprintf(w, "Length:   %s declared, %s received\n",
			humanize.Bytes(uint64(r.ContentLength)), humanize.Bytes(uint64(r.Bytes)))
	} else {
		fmt.Fprintf(w, "Length:   %s received\n", humanize.Bytes(uint64(r.Bytes)))
	}
	if r.Error != "" {
		fmt.Fprintf(w, "Error:    %s\n", r.Error)
		if r.ErrorKind != "" {
			fmt.Fprintf(w, "Kind:     %s at %s\n", r.ErrorKind, r.ErrorAt.Format(time.RFC3339))
		}
		keys := make([]string, 0, len(r.ErrorDetails))
		for k := range r.ErrorDetails {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s: %v\n", k, r.ErrorDetails[k])
		}
	}
	fmt.Fprintf(w, "Started:  %s (%s)\n", r.StartedAt.Format(time.RFC3339), humanize.Time(r.StartedAt))
	fmt.Fprintf(w, "Duration: %s\n", r.Duration())

	return nil
}

func deleteRecord(w io.Writer, repo repository.Repository, rawID string) error {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return fmt.Errorf("invalid ID %q: %w", rawID, err)
	}

	if err := repo.Delete(id); err != nil {
		return err
	}
	fmt.Fprintf(w, "Deleted %s\n", id)

	return nil
}

func openHistory() (repository.Repository, error) {
	cfg, err := config.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return repository.NewBboltRepository(cfg.History.Path)
}

func main() {
	limit := flag.Int("n", 20, "Number of records to show (0 for all)")
	show := flag.String("show", "", "Print one record by ID")
	remove := flag.String("delete", "", "Delete one record by ID")
	flag.Parse()

	repo, err := openHistory()
	if err != nil {
		log.Fatalf("Error opening history: %v\n", err)
	}
	defer repo.Close()

	switch {
	case *show != "":
		err = printRecord(os.Stdout, repo, *show)
	case *remove != "":
		err = deleteRecord(os.Stdout, repo, *remove)
	default:
		err = printHistory(os.Stdout, repo, *limit)
	}

	if err != nil {
		log.Printf("Error: %v\n", err)
		repo.Close()
		os.Exit(1)
	}
}
