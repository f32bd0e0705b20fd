// Package quoteblotter writes CSV/JSON snapshots of quotes and
// inventory summaries, adapted from the trade-report writer's shape
// for the quote-side of this engine.
package quoteblotter

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/contactkeval/smile-engine/internal/surface"
)

// Snapshot is one quote observation, ready for serialization.
type Snapshot struct {
	Time    time.Time
	Symbol  string
	T       float64
	K       float64
	F       float64
	Quote   surface.Quote
}

func WriteJSON(snapshots []Snapshot, outdir string) error {
	b, err := json.MarshalIndent(snapshots, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(outdir, "quotes.json"), b, 0644)
}

func WriteCSV(snapshots []Snapshot, outdir string) error {
	f, err := os.Create(filepath.Join(outdir, "quotes.csv"))
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	defer w.Flush()
	headers := []string{"time", "symbol", "T", "K", "F", "bid", "ask", "pc_mid", "cc_mid", "edge", "bucket"}
	if err := w.Write(headers); err != nil {
		return err
	}
	for _, s := range snapshots {
		row := []string{
			s.Time.Format(time.RFC3339),
			s.Symbol,
			fmt.Sprintf("%.6f", s.T),
			fmt.Sprintf("%.4f", s.K),
			fmt.Sprintf("%.4f", s.F),
			fmt.Sprintf("%.6f", s.Quote.Bid),
			fmt.Sprintf("%.6f", s.Quote.Ask),
			fmt.Sprintf("%.6f", s.Quote.PCMid),
			fmt.Sprintf("%.6f", s.Quote.CCMid),
			fmt.Sprintf("%.6f", s.Quote.Edge),
			string(s.Quote.Bucket),
		}
		_ = w.Write(row)
	}
	return nil
}

// InventorySnapshot is one getInventorySummary observation.
type InventorySnapshot struct {
	Time    time.Time
	Symbol  string
	T       float64
	Summary surface.InventorySummary
}

func WriteInventoryJSON(snapshots []InventorySnapshot, outdir string) error {
	b, err := json.MarshalIndent(snapshots, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(outdir, "inventory.json"), b, 0644)
}

func WriteInventoryCSV(snapshots []InventorySnapshot, outdir string) error {
	f, err := os.Create(filepath.Join(outdir, "inventory.csv"))
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	defer w.Flush()
	headers := []string{"time", "symbol", "T", "bucket", "vega", "count", "dL0", "dS0", "dC0", "dSneg", "dSpos"}
	if err := w.Write(headers); err != nil {
		return err
	}
	for _, s := range snapshots {
		for name, bi := range s.Summary.ByBucket {
			row := []string{
				s.Time.Format(time.RFC3339),
				s.Symbol,
				fmt.Sprintf("%.6f", s.T),
				string(name),
				fmt.Sprintf("%.4f", bi.Vega),
				fmt.Sprintf("%d", bi.Count),
				fmt.Sprintf("%.6f", s.Summary.SmileAdjustments.DL0),
				fmt.Sprintf("%.6f", s.Summary.SmileAdjustments.DS0),
				fmt.Sprintf("%.6f", s.Summary.SmileAdjustments.DC0),
				fmt.Sprintf("%.6f", s.Summary.SmileAdjustments.DSNeg),
				fmt.Sprintf("%.6f", s.Summary.SmileAdjustments.DSPos),
			}
			_ = w.Write(row)
		}
	}
	return nil
}
