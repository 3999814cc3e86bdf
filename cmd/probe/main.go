// Command probe inspects a dataset and prints its column structure: type,
// row and missing counts, and bounded distinct counts per column. With
// -config it instead emits a starter pipeline config for the dataset,
// guessing a binary target column when one exists.
//
// Exit codes: 0 on success, 1 when the dataset cannot be loaded, 2 on
// usage errors.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"mlprep/internal/dataset"
	"mlprep/internal/probe"
)

const usage = "usage: probe -file <path> [-url <url>] [-encoding <name>] [-sample <rows>] [-config] [-target <column>]"

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("probe", flag.ContinueOnError)
	fs.SetOutput(stderr)

	file := fs.String("file", "", "dataset path, download target when -url is set")
	url := fs.String("url", "", "dataset source URL, fetched when the file is missing")
	encoding := fs.String("encoding", "", "CSV character encoding, UTF-8 when empty")
	sample := fs.Int("sample", 5000, "max rows to inspect, 0 means all")
	emitConfig := fs.Bool("config", false, "print a starter pipeline config instead of the report")
	target := fs.String("target", "", "target column for -config, guessed when empty")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(stderr, usage)
		return 2
	}
	if strings.TrimSpace(*file) == "" {
		fmt.Fprintln(stderr, usage)
		return 2
	}
	if *sample < 0 {
		fmt.Fprintln(stderr, "-sample must be >= 0")
		return 2
	}

	src := &dataset.Source{File: *file, URL: *url, Encoding: *encoding}
	tbl, err := src.Load(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "load dataset: %v\n", err)
		return 1
	}
	if *sample > 0 && tbl.Rows() > *sample {
		tbl = tbl.Head(*sample)
	}
	stats := probe.Inspect(tbl)

	if !*emitConfig {
		fmt.Fprintln(stdout, probe.Report(stats))
		return 0
	}

	tgt := strings.TrimSpace(*target)
	if tgt == "" {
		tgt = probe.SuggestTarget(tbl, stats)
	}
	if tgt == "" {
		fmt.Fprintln(stderr, "probe: no binary column found; set target by hand")
	}
	p := probe.StarterConfig(*file, tgt)
	p.DatasetURL = *url
	p.DatasetEncoding = *encoding

	out, err := yaml.Marshal(p)
	if err != nil {
		fmt.Fprintf(stderr, "encode config: %v\n", err)
		return 1
	}
	if _, err := stdout.Write(out); err != nil {
		fmt.Fprintf(stderr, "write config: %v\n", err)
		return 1
	}
	return 0
}
