package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/listing-pipeline/internal/model"
	"github.com/sells-group/listing-pipeline/internal/normalize"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue [url...]",
	Short: "Add listing URLs to the queue",
	Long: `Adds listing URLs to the work queue. URLs come from arguments or from
--file (use - for stdin). File lines are either a bare URL or a JSON object
{"source_url": ..., "source": ..., "raw_hint_fields": {...}}. URLs already
queued are ignored.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		source, _ := cmd.Flags().GetString("source")
		file, _ := cmd.Flags().GetString("file")
		maxAttempts, _ := cmd.Flags().GetInt("max-attempts")

		reqs := make([]model.EnqueueRequest, 0, len(args))
		for _, a := range args {
			reqs = append(reqs, model.EnqueueRequest{SourceURL: a})
		}
		if file != "" {
			r := io.Reader(os.Stdin)
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return eris.Wrap(err, "open enqueue file")
				}
				defer f.Close() //nolint:errcheck
				r = f
			}
			fromFile, err := parseEnqueueInput(r)
			if err != nil {
				return err
			}
			reqs = append(reqs, fromFile...)
		}

		reqs, rejected := prepareEnqueue(reqs, source, maxAttempts)
		for _, bad := range rejected {
			zap.L().Warn("skipping invalid url", zap.String("url", bad))
		}
		if len(reqs) == 0 {
			return eris.New("enqueue: no valid urls")
		}

		if err := cfg.Validate("migrate"); err != nil {
			return err
		}
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.Enqueue(ctx, reqs, cfg.Worker.MaxAttempts)
		if err != nil {
			return eris.Wrap(err, "enqueue")
		}
		fmt.Fprintf(os.Stdout, "queued %d of %d urls (%d already known, %d invalid)\n",
			n, len(reqs), len(reqs)-n, len(rejected))
		return nil
	},
}

func init() {
	enqueueCmd.Flags().String("source", "", "source label applied to urls without one")
	enqueueCmd.Flags().String("file", "", "read urls from file (- for stdin)")
	enqueueCmd.Flags().Int("max-attempts", 0, "max attempts per item (default from config)")
	rootCmd.AddCommand(enqueueCmd)
}

// parseEnqueueInput reads one URL or JSON request per line. Blank lines and
// lines starting with # are ignored.
func parseEnqueueInput(r io.Reader) ([]model.EnqueueRequest, error) {
	var out []model.EnqueueRequest
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if strings.HasPrefix(text, "{") {
			var req model.EnqueueRequest
			if err := json.Unmarshal([]byte(text), &req); err != nil {
				return nil, eris.Wrapf(err, "enqueue: line %d", line)
			}
			out = append(out, req)
			continue
		}
		out = append(out, model.EnqueueRequest{SourceURL: text})
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "enqueue: read input")
	}
	return out, nil
}

// prepareEnqueue canonicalizes URLs and applies defaults. Unparseable URLs
// are returned separately.
func prepareEnqueue(reqs []model.EnqueueRequest, source string, maxAttempts int) ([]model.EnqueueRequest, []string) {
	out := make([]model.EnqueueRequest, 0, len(reqs))
	var rejected []string
	for _, r := range reqs {
		canonical, err := normalize.CanonicalURL(r.SourceURL)
		if err != nil {
			rejected = append(rejected, r.SourceURL)
			continue
		}
		r.SourceURL = canonical
		if r.Source == "" {
			r.Source = source
		}
		if r.MaxAttempts <= 0 {
			r.MaxAttempts = maxAttempts
		}
		out = append(out, r)
	}
	return out, rejected
}
