package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/anatolykoptev/go-imagecheck"
)

type analyzeOptions struct {
	features bool
	explain  bool
	compact  bool
}

func (a *app) analyzeCommand() *cobra.Command {
	var opts analyzeOptions
	cmd := &cobra.Command{
		Use:   "analyze <path|url>...",
		Short: "Analyze images and print one JSON result per input",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runAnalyze(cmd, args, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.features, "features", false, "Also print the raw feature set to stderr")
	cmd.Flags().BoolVar(&opts.explain, "explain", false, "Print intermediate scores and the fusion trace with each result")
	cmd.Flags().BoolVar(&opts.compact, "compact", false, "One JSON object per line")
	return cmd
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func (a *app) runAnalyze(cmd *cobra.Command, args []string, opts analyzeOptions) error {
	b, err := buildBackends(a.cfg)
	if err != nil {
		return err
	}
	defer b.Close()
	an := newAnalyzer(a.cfg, b, nil)
	ctx := cmd.Context()

	enc := json.NewEncoder(a.stdout)
	if !opts.compact {
		enc.SetIndent("", "  ")
	}
	errEnc := json.NewEncoder(a.stderr)
	errEnc.SetIndent("", "  ")

	failed := 0
	for _, arg := range args {
		if err := ctx.Err(); err != nil {
			return err
		}

		var out any
		var res imagecheck.Result
		switch {
		case !opts.features && !opts.explain && isURL(arg):
			res = an.AnalyzeURL(ctx, arg)
			out = res
		case !opts.features && !opts.explain:
			res = an.AnalyzeFile(ctx, arg)
			out = res
		default:
			data, bad := load(cmd, an, arg)
			if bad.Error != "" {
				res, out = bad, bad
				break
			}
			if opts.features {
				if img, err := imagecheck.DecodeImage(data); err == nil {
					errEnc.Encode(map[string]any{
						"input":    arg,
						"features": imagecheck.Features(img, an.Tunables()),
					})
				}
			}
			if !opts.explain {
				res = an.Analyze(ctx, data)
				out = res
				break
			}
			r, ex := an.Explain(ctx, data)
			res = r
			out = struct {
				Input       string                  `json:"input"`
				Result      imagecheck.Result       `json:"result"`
				Explanation *imagecheck.Explanation `json:"explanation,omitempty"`
			}{arg, r, ex}
		}

		if !res.OK() {
			failed++
		}
		if err := enc.Encode(out); err != nil {
			return err
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d inputs could not be analyzed", failed, len(args))
	}
	return nil
}

// load fetches the bytes behind arg. A failure comes back as the Result the
// analyzer would have produced.
func load(cmd *cobra.Command, an *imagecheck.Analyzer, arg string) ([]byte, imagecheck.Result) {
	if isURL(arg) {
		dl, err := an.Download(cmd.Context(), arg)
		if err != nil || dl == nil {
			return nil, imagecheck.Result{Error: imagecheck.MsgCannotDownloadImage}
		}
		return dl.Data, imagecheck.Result{}
	}
	data, err := os.ReadFile(arg)
	if err != nil {
		return nil, imagecheck.Result{Error: imagecheck.MsgCannotOpenImage}
	}
	return data, imagecheck.Result{}
}
