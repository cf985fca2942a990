package cli

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/anatolykoptev/go-imagecheck"
)

type batchOptions struct {
	workers   int
	threshold int
	noDedup   bool
	quiet     bool
}

// BatchRecord is one line of batch output.
type BatchRecord struct {
	Path        string             `json:"path"`
	Fingerprint string             `json:"fingerprint,omitempty"`
	Duplicate   bool               `json:"duplicate,omitempty"`
	Result      *imagecheck.Result `json:"result,omitempty"`
}

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
}

func (a *app) batchCommand() *cobra.Command {
	var opts batchOptions
	cmd := &cobra.Command{
		Use:   "batch <dir>",
		Short: "Analyze every image under a directory, skipping perceptual duplicates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runBatch(cmd, args[0], opts)
		},
	}
	cmd.Flags().IntVarP(&opts.workers, "workers", "w", runtime.NumCPU(), "Number of parallel analyses")
	cmd.Flags().IntVarP(&opts.threshold, "dedup-threshold", "t", imagecheck.DefaultDedupThreshold, "Hamming distance below which images count as duplicates")
	cmd.Flags().BoolVar(&opts.noDedup, "no-dedup", false, "Analyze perceptual duplicates too")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "Hide the progress bar")
	return cmd
}

// collectImages returns image files under root in lexical order.
func collectImages(root string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && imageExts[strings.ToLower(filepath.Ext(path))] {
			paths = append(paths, path)
		}
		return nil
	})
	sort.Strings(paths)
	return paths, err
}

type batchTask struct {
	rec  BatchRecord
	data []byte
}

func (a *app) runBatch(cmd *cobra.Command, root string, opts batchOptions) error {
	paths, err := collectImages(root)
	if err != nil {
		return fmt.Errorf("scan %s: %w", root, err)
	}
	if len(paths) == 0 {
		return fmt.Errorf("no images under %s", root)
	}

	b, err := buildBackends(a.cfg)
	if err != nil {
		return err
	}
	defer b.Close()
	an := newAnalyzer(a.cfg, b, nil)
	ctx := cmd.Context()

	if opts.workers < 1 {
		opts.workers = 1
	}
	fmt.Fprintf(a.stderr, "Analyzing %d images with %d workers\n", len(paths), opts.workers)

	bar := progressbar.NewOptions(len(paths),
		progressbar.OptionSetDescription("Analyzing"),
		progressbar.OptionSetWriter(a.stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSetVisibility(!opts.quiet),
	)

	tasks := make(chan batchTask, opts.workers)
	records := make(chan BatchRecord, opts.workers*2)
	var wg sync.WaitGroup

	for range opts.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range tasks {
				res := an.Analyze(ctx, t.data)
				t.rec.Result = &res
				records <- t.rec
			}
		}()
	}

	// Decoding and dedup run in path order so the kept copy is deterministic.
	go func() {
		defer close(tasks)
		dedup := imagecheck.NewDedupFilter(opts.threshold)
		for _, p := range paths {
			if ctx.Err() != nil {
				return
			}
			rec := BatchRecord{Path: p}
			data, err := os.ReadFile(p)
			if err != nil {
				res := imagecheck.Result{Error: imagecheck.MsgCannotOpenImage}
				rec.Result = &res
				records <- rec
				continue
			}
			if img, err := imagecheck.DecodeImage(data); err == nil {
				rec.Fingerprint, _ = imagecheck.Fingerprint(img)
				if !opts.noDedup && dedup.IsDuplicate(img.RGBA()) {
					rec.Duplicate = true
					records <- rec
					continue
				}
			}
			tasks <- batchTask{rec: rec, data: data}
		}
	}()

	go func() {
		wg.Wait()
		close(records)
	}()

	enc := json.NewEncoder(a.stdout)
	var analyzed, duplicates, failed int
	for rec := range records {
		switch {
		case rec.Duplicate:
			duplicates++
		case rec.Result != nil && !rec.Result.OK():
			failed++
		default:
			analyzed++
		}
		if err := enc.Encode(rec); err != nil {
			return err
		}
		bar.Add(1)
	}
	bar.Finish()
	fmt.Fprintf(a.stderr, "\nDone: %d analyzed, %d duplicates, %d failed\n", analyzed, duplicates, failed)

	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}
