package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/concoursedb/concourse/internal/chunk"
	"github.com/concoursedb/concourse/internal/config"
	"github.com/concoursedb/concourse/internal/database"
	"github.com/concoursedb/concourse/internal/segment"
	"github.com/concoursedb/concourse/internal/write"
	"github.com/concoursedb/concourse/pkg/fs"
)

// cmdDump implements `concourse dump`, reading segment files directly off
// disk rather than through a live Engine: an operator inspecting a chunk
// should not have to bring the whole environment (buffer, locks,
// background transporter) up just to look at it, mirroring cmd/mddb's own
// direct-file `get`/`list` commands.
func cmdDump(_ context.Context, args []string) int {
	fset := pflag.NewFlagSet("dump", pflag.ContinueOnError)

	var (
		id     string
		list   bool
		env    string
		format string
	)

	fset.StringVar(&id, "id", "", "chunk id (segment file base name) to dump")
	fset.BoolVar(&list, "list", false, "list every on-disk chunk")
	fset.StringVarP(&env, "environment", "e", "", "environment name (default: config default)")
	fset.StringVar(&format, "format", "text", "output format: text or yaml")

	if err := fset.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}

	if (id == "") == !list {
		fmt.Fprintln(os.Stderr, "dump: exactly one of --id or --list is required")
		return exitUsage
	}

	cfg, _, err := config.Load("", "", os.Environ())
	if err != nil {
		fmt.Fprintln(os.Stderr, "dump:", err)
		return exitRuntime
	}

	if env == "" {
		env = cfg.DefaultEnvironment
	}

	fsys := fs.NewReal()
	dbDir := filepath.Join(rootDir(), env, cfg.DBDir)

	db, err := database.Open(fsys, dbDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dump: open database %s: %v\n", dbDir, err)
		return exitRuntime
	}
	defer db.Close()

	if list {
		return dumpList(db)
	}

	return dumpOne(db, id, format)
}

// revisionYAML is the YAML-friendly shape one write.Write is flattened
// into for `dump --format yaml`.
type revisionYAML struct {
	Record  uint64 `yaml:"record"`
	Key     string `yaml:"key"`
	Value   string `yaml:"value"`
	Version uint64 `yaml:"version"`
	Action  string `yaml:"action"`
}

type chunkYAML struct {
	Kind      string         `yaml:"kind"`
	Revisions []revisionYAML `yaml:"revisions"`
}

type segmentYAML struct {
	Path   string      `yaml:"path"`
	Min    uint64      `yaml:"min_version"`
	Max    uint64      `yaml:"max_version"`
	Chunks []chunkYAML `yaml:"chunks"`
}

func dumpList(db *database.Database) int {
	refs := db.SegmentRefs()
	if len(refs) == 0 {
		fmt.Println("(no segments)")
		return exitOK
	}

	for _, ref := range refs {
		seg := ref.Segment
		fmt.Printf("%s\tmin=%d\tmax=%d\ttable=%d\tindex=%d\tcorpus=%d\n",
			strings.TrimSuffix(filepath.Base(ref.Path), ".seg"),
			seg.MinVersion(), seg.MaxVersion(),
			seg.Table().Len(), seg.Index().Len(), seg.Corpus().Len())
	}

	return exitOK
}

func dumpOne(db *database.Database, id, format string) int {
	for _, ref := range db.SegmentRefs() {
		if strings.TrimSuffix(filepath.Base(ref.Path), ".seg") != id {
			continue
		}

		if format == "yaml" {
			return printSegmentYAML(ref.Segment, ref.Path)
		}

		return printSegment(ref.Segment, ref.Path)
	}

	fmt.Fprintf(os.Stderr, "dump: no chunk with id %q\n", id)

	return exitRuntime
}

func segmentChunks(seg *segment.Segment) []struct {
	name   string
	reader *chunk.Reader
} {
	return []struct {
		name   string
		reader *chunk.Reader
	}{
		{"table", seg.Table()},
		{"index", seg.Index()},
		{"corpus", seg.Corpus()},
	}
}

func printSegment(seg *segment.Segment, path string) int {
	fmt.Printf("path:  %s\nmin:   %d\nmax:   %d\n\n", path, seg.MinVersion(), seg.MaxVersion())

	for _, c := range segmentChunks(seg) {
		fmt.Printf("--- %s (%d revisions) ---\n", c.name, c.reader.Len())

		err := c.reader.All(func(w write.Write) error {
			fmt.Printf("  record=%d key=%q value=%s version=%d action=%s\n",
				w.Record, w.Key, w.Value.String(), w.Version, w.Action)
			return nil
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "dump: read %s chunk: %v\n", c.name, err)
			return exitRuntime
		}
	}

	return exitOK
}

// printSegmentYAML renders the same data as printSegment, but as YAML, for
// operators piping dump output into another tool.
func printSegmentYAML(seg *segment.Segment, path string) int {
	out := segmentYAML{Path: path, Min: seg.MinVersion(), Max: seg.MaxVersion()}

	for _, c := range segmentChunks(seg) {
		cy := chunkYAML{Kind: c.name}

		err := c.reader.All(func(w write.Write) error {
			cy.Revisions = append(cy.Revisions, revisionYAML{
				Record:  uint64(w.Record),
				Key:     string(w.Key),
				Value:   w.Value.String(),
				Version: w.Version,
				Action:  w.Action.String(),
			})
			return nil
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "dump: read %s chunk: %v\n", c.name, err)
			return exitRuntime
		}

		out.Chunks = append(out.Chunks, cy)
	}

	enc := yaml.NewEncoder(os.Stdout)
	defer enc.Close()

	if err := enc.Encode(out); err != nil {
		fmt.Fprintln(os.Stderr, "dump: encode yaml:", err)
		return exitRuntime
	}

	return exitOK
}
