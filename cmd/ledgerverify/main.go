// Command ledgerverify checks a JSON ledger export offline.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/evidence"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/ledger"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ledgerverify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	mode := fs.String("mode", string(evidence.ModeJSON), "validation mode: json or strict (requires <file>.sha256)")
	publicRing := fs.String("public-ring", "", "verification keys as id:base64 list (default from "+evidence.PublicRingEnv+")")
	devKey := fs.Bool("dev-key", false, "verify against the built-in development key")
	noSig := fs.Bool("skip-signatures", false, "check the hash chain only")
	asJSON := fs.Bool("json", false, "print the report as JSON")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: ledgerverify [flags] <export.json>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return exitUsage
	}

	keys, err := resolveKeys(*publicRing, *devKey, *noSig)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return exitUsage
	}
	rep, err := evidence.ValidateExportFile(fs.Arg(0), evidence.Mode(*mode), keys)
	if err != nil {
		fmt.Fprintf(stderr, "invalid export: %v\n", err)
		return exitFailed
	}
	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(rep)
	} else {
		printReport(stdout, rep)
	}
	if !rep.Valid() {
		return exitFailed
	}
	return exitOK
}

func resolveKeys(flagRing string, devKey, skip bool) (ledger.SignatureVerifier, error) {
	switch {
	case skip:
		return nil, nil
	case devKey:
		return ledger.DevKeyRing(), nil
	}
	raw := flagRing
	if raw == "" {
		var err error
		if raw, err = evidence.ResolvePublicRing(); err != nil {
			return nil, err
		}
	}
	if raw == "" {
		return nil, errors.New("no verification keys: set --public-ring, " + evidence.PublicRingEnv + " or pass --skip-signatures")
	}
	return evidence.ParsePublicRing(raw)
}

func printReport(w io.Writer, rep evidence.Report) {
	fmt.Fprintf(w, "org=%s entries=%d checked=%d seq=%d..%d filtered=%t anchored=%t\n",
		rep.OrgID, rep.Entries, rep.Checked, rep.FromSeq, rep.ToSeq, rep.Filtered, rep.Anchored)
	if rep.Break != nil {
		fmt.Fprintf(w, "chain broken at seq %d: %s\n", rep.Break.Seq, rep.Break.Reason)
	}
	for _, p := range rep.Problems {
		fmt.Fprintf(w, "problem: %s\n", p)
	}
	if rep.Valid() {
		fmt.Fprintln(w, "export verification passed")
	}
}
