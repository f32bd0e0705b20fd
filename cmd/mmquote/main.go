package main

import (
	"flag"
	"os"
	"path/filepath"
	"time"

	"github.com/contactkeval/smile-engine/internal/calibrator"
	"github.com/contactkeval/smile-engine/internal/logger"
	"github.com/contactkeval/smile-engine/internal/marketspec"
	"github.com/contactkeval/smile-engine/internal/quoteblotter"
	"github.com/contactkeval/smile-engine/internal/scenario"
	"github.com/contactkeval/smile-engine/internal/surface"
	"github.com/contactkeval/smile-engine/internal/svi"
)

func main() {
	outDir := flag.String("out", filepath.Join("out"), "directory to write quote/inventory snapshots to")
	symbol := flag.String("symbol", "BTC-PERP", "underlying symbol")
	verbosity := flag.Int("v", 1, "log verbosity (0=error .. 3=trace)")
	flag.Parse()

	logger.SetVerbosity(*verbosity)

	ms := marketspec.NewCryptoQuote(*symbol, 5e-5)
	F := 97000.0
	T := 0.0274

	truth := svi.Params{A: 0.003, B: 0.25, Rho: -0.2, Sigma: 0.15}
	quotes, trueMids, err := scenario.GenerateChain(scenario.ChainSpec{
		F:            F,
		T:            T,
		Strikes:      scenario.DefaultStrikes(F, 1000, 4),
		Truth:        truth,
		QuoteNoiseBp: 5,
		HalfSpreadBp: 8,
	})
	if err != nil {
		logger.Errorf("generating synthetic chain: %v", err)
		os.Exit(1)
	}
	logger.Infof("generated %d synthetic quotes around F=%.0f, true mids ~[%.2f, %.2f]", len(quotes), F, trueMids[0], trueMids[len(trueMids)-1])
	for i := range quotes {
		quotes[i].MidQuoted = ms.FromBaseToQuoted(quotes[i].MidQuoted, F)
	}

	calibLog := logger.ForComponent(logger.Calibrator)
	cfg := calibrator.DefaultConfig(ms)
	fitted, err := calibrator.FitDeltaShells(calibrator.FitRequest{
		Quotes:  quotes,
		F:       F,
		TExpiry: time.Now().Add(time.Duration(T * 365.25 * 24 * float64(time.Hour))),
		Now:     time.Now(),
		Symbol:  *symbol,
		Cfg:     cfg,
	})
	if err != nil {
		calibLog.Errorf("fit_delta_shells: %v", err)
	}
	metrics := svi.ToMetrics(fitted)
	calibLog.Infof("calibrated metrics: L0=%.6f S0=%.6f C0=%.4f Sneg=%.4f Spos=%.4f", metrics.L0, metrics.S0, metrics.C0, metrics.SNeg, metrics.SPos)

	surfaceLog := logger.ForComponent(logger.Surface)
	eng := surface.NewDualSurfaceEngine(surface.DefaultEngineConfig(ms))
	if err := eng.UpdateCC(T, metrics); err != nil {
		surfaceLog.Errorf("update_cc: %v", err)
		os.Exit(1)
	}

	tradeK := F - 2000
	if err := eng.OnTrade(T, tradeK, 0.018, -200, F, time.Now()); err != nil {
		surfaceLog.Errorf("on_trade: %v", err)
	} else {
		surfaceLog.Infof("recorded trade: K=%.0f size=-200 premium=0.018", tradeK)
	}

	blotterLog := logger.ForComponent(logger.Blotter)
	var snapshots []quoteblotter.Snapshot
	for _, K := range scenario.DefaultStrikes(F, 1000, 4) {
		q, err := eng.GetQuote(T, K, F, K > F, time.Now())
		if err != nil {
			surfaceLog.Errorf("get_quote(K=%.0f): %v", K, err)
			continue
		}
		blotterLog.Debugf("K=%.0f bid=%.6f ask=%.6f edge=%.6f bucket=%s", K, q.Bid, q.Ask, q.Edge, q.Bucket)
		snapshots = append(snapshots, quoteblotter.Snapshot{Time: time.Now(), Symbol: *symbol, T: T, K: K, F: F, Quote: q})
	}

	summary, err := eng.GetInventorySummary(T)
	if err != nil {
		surfaceLog.Errorf("get_inventory_summary: %v", err)
	}

	if err := os.MkdirAll(*outDir, 0755); err != nil {
		blotterLog.Errorf("creating output dir %s: %v", *outDir, err)
		os.Exit(1)
	}
	_ = quoteblotter.WriteJSON(snapshots, *outDir)
	_ = quoteblotter.WriteCSV(snapshots, *outDir)
	_ = quoteblotter.WriteInventoryJSON([]quoteblotter.InventorySnapshot{{Time: time.Now(), Symbol: *symbol, T: T, Summary: summary}}, *outDir)
	_ = quoteblotter.WriteInventoryCSV([]quoteblotter.InventorySnapshot{{Time: time.Now(), Symbol: *symbol, T: T, Summary: summary}}, *outDir)

	blotterLog.Infof("wrote %d quote snapshots and inventory summary to %s (version=%d)", len(snapshots), *outDir, eng.Version())
}
