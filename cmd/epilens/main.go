// Command epilens runs one analysis request (or a library of them) from a
// YAML document and writes the artifact JSON to stdout or a file.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/kestlerbio/epilens/internal/analysis"
	"github.com/kestlerbio/epilens/internal/app"
	"github.com/kestlerbio/epilens/internal/platform/shutdown"
	"github.com/kestlerbio/epilens/internal/seq"
)

func main() {
	var (
		requestPath = flag.String("request", "", "path to a YAML analysis request")
		libraryPath = flag.String("library", "", "path to a YAML library document (requests: list)")
		panelPath   = flag.String("panel", "", "FASTA file of antigen variants appended to the request panel")
		outPath     = flag.String("out", "", "write JSON here instead of stdout")
	)
	flag.Parse()

	if (*requestPath == "") == (*libraryPath == "") {
		fmt.Fprintln(os.Stderr, "exactly one of -request or -library is required")
		os.Exit(2)
	}
	if *panelPath != "" && *libraryPath != "" {
		fmt.Fprintln(os.Stderr, "-panel applies to a single -request")
		os.Exit(2)
	}

	ctx, stop := shutdown.NotifyContext(context.Background())
	defer stop()

	core, err := app.NewCore(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize: %v\n", err)
		os.Exit(1)
	}
	defer core.Close()

	var payload any
	if *requestPath != "" {
		req, err := analysis.LoadRequest(*requestPath)
		if err != nil {
			fatal(core, "load request", err)
		}
		if *panelPath != "" {
			if err := appendPanel(req, *panelPath); err != nil {
				fatal(core, "load panel", err)
			}
		}
		rec, err := core.Analyzer.Analyze(ctx, req)
		if err != nil {
			fatal(core, "analyze", err)
		}
		payload = rec
	} else {
		reqs, err := analysis.LoadLibrary(*libraryPath)
		if err != nil {
			fatal(core, "load library", err)
		}
		results, err := core.Analyzer.AnalyzeLibrary(ctx, reqs)
		if err != nil {
			fatal(core, "analyze library", err)
		}
		payload = map[string]any{"results": results}
	}

	out := os.Stdout
	if *outPath != "" {
		f, err := os.Create(*outPath)
		if err != nil {
			fatal(core, "open output", err)
		}
		defer f.Close()
		out = f
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		fatal(core, "encode output", err)
	}
}

func appendPanel(req *analysis.Request, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	recs, err := seq.ParseFASTA(f)
	if err != nil {
		return err
	}
	for _, r := range recs {
		req.Panel = append(req.Panel, analysis.SequenceInput{ID: r.ID, Sequence: r.Sequence})
	}
	return nil
}

func fatal(core *app.Core, op string, err error) {
	core.Log.Error(op+" failed", "error", err)
	core.Close()
	os.Exit(1)
}
