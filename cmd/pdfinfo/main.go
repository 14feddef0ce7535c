// Command pdfinfo prints the basic properties of a PDF file or URL,
// loading only the parts of the file it needs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	pdf "github.com/ScriptRock/rangepdf"
	"github.com/ScriptRock/rangepdf/chunked"
	"github.com/ScriptRock/rangepdf/transport"
)

type options struct {
	source    string
	password  string
	chunkSize int64
	noStream  bool
	noAuto    bool
	progress  bool
	verbose   bool
}

func main() {
	opts, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pdfinfo: %v\n", err)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "pdfinfo: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var opts options
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: pdfinfo [flags] <file or URL>\n")
		flag.PrintDefaults()
	}
	flag.StringVar(&opts.password, "password", "", "Password to open encrypted PDFs")
	flag.Int64Var(&opts.chunkSize, "chunk-size", chunked.DefaultChunkSize, "Size of range requests in bytes")
	flag.BoolVar(&opts.noStream, "no-stream", false, "Do not read the file in order alongside range requests")
	flag.BoolVar(&opts.noAuto, "no-autofetch", false, "Only load the parts of the file that are needed")
	flag.BoolVar(&opts.progress, "progress", false, "Report loading progress")
	flag.BoolVar(&opts.verbose, "v", false, "Log debug output")
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		return options{}, errors.New("missing file or URL")
	}
	opts.source = flag.Arg(0)
	return opts, nil
}

func run(ctx context.Context, opts options) error {
	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	popts := pdf.Options{
		Password:         opts.password,
		RangeChunkSize:   opts.chunkSize,
		DisableStream:    opts.noStream,
		DisableAutoFetch: opts.noAuto,
		Logger:           log,
	}
	if opts.progress {
		popts.OnProgress = func(p chunked.Progress) {
			fmt.Fprintf(os.Stderr, "loaded %d of %d bytes\n", p.Loaded, p.Total)
		}
	}

	var m pdf.Manager
	if strings.HasPrefix(opts.source, "http://") || strings.HasPrefix(opts.source, "https://") {
		hopts := transport.DefaultHTTPOptions()
		hopts.Logger = log
		var err error
		if m, err = pdf.Open(ctx, transport.NewHTTP(opts.source, hopts), popts); err != nil {
			return err
		}
	} else {
		lm, err := pdf.OpenFile(opts.source, popts)
		if err != nil {
			return err
		}
		m = lm
	}
	defer m.Terminate(nil)

	doc, err := pdf.LoadDocument(ctx, m)
	if err != nil {
		return err
	}

	version, err := pdf.Ensure(ctx, m, doc.Version)
	if err != nil {
		return err
	}
	pages, err := pdf.Ensure(ctx, m, doc.NumPages)
	if err != nil {
		return err
	}
	info, err := pdf.Ensure(ctx, m, doc.Info)
	if err != nil {
		return err
	}
	fingerprint, err := pdf.Ensure(ctx, m, doc.Fingerprint)
	if err != nil {
		return err
	}

	fmt.Printf("Version:     %s\n", version)
	fmt.Printf("Pages:       %d\n", pages)
	fmt.Printf("Encrypted:   %t\n", doc.IsEncrypted())
	fmt.Printf("Fingerprint: %s\n", fingerprint)
	for _, f := range []struct{ name, value string }{
		{"Title", info.Title},
		{"Author", info.Author},
		{"Subject", info.Subject},
		{"Keywords", info.Keywords},
		{"Creator", info.Creator},
		{"Producer", info.Producer},
		{"Created", info.CreationDate},
		{"Modified", info.ModDate},
	} {
		if f.value != "" {
			fmt.Printf("%-12s %s\n", f.name+":", f.value)
		}
	}

	if pages > 0 {
		page, err := pdf.Ensure(ctx, m, func() (pdf.Page, error) { return doc.Page(1) })
		if err != nil {
			return err
		}
		box, err := pdf.Ensure(ctx, m, page.MediaBox)
		if err != nil {
			return err
		}
		fmt.Printf("Page size:   %g x %g pts\n", box.URX-box.LLX, box.URY-box.LLY)
	}

	stats := doc.XRef().Stats()
	log.Debug("done", slog.Int("objects_parsed", stats.ObjectsParsed), slog.Int("cache_hits", stats.CacheHits),
		slog.Int("chunks_loaded", m.Stream().NumChunksLoaded()), slog.Int("chunks", m.Stream().NumChunks()))
	return nil
}
