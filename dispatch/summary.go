package dispatch

import (
	"fmt"
	"io"
	"sort"

	"al.essio.dev/pkg/shellescape"
	"github.com/perfgo/testpipe/model"
	"github.com/perfgo/testpipe/uploader"
)

// Summary is the end of run report shown to the user.
type Summary struct {
	RunID        string
	Tests        model.RunCounts
	Artifacts    uploader.Stats
	PipeFailures int
	Links        map[string]string
	// LedgerPath is set when artifacts are waiting for a replay.
	LedgerPath string
	// ReplayCommand uploads the pending artifacts of this run.
	ReplayCommand string
}

// Summary returns the current counters and links of the run.
func (c *Client) Summary() Summary {
	c.mu.Lock()
	s := Summary{
		RunID:        c.runID,
		Tests:        c.counts,
		PipeFailures: c.pipeFailures,
	}
	c.mu.Unlock()

	s.Artifacts = c.uploader.Stats()
	s.Links = c.store.Links()
	if replayable := s.Artifacts.Deferred + s.Artifacts.Failed; replayable > 0 && s.RunID != "" {
		s.LedgerPath = c.uploader.LedgerPath()
		s.ReplayCommand = shellescape.QuoteCommand([]string{"testpipe", "upload-artifacts", "--run-id", s.RunID})
	}
	return s
}

// Write prints the summary in a human readable form.
func (s Summary) Write(w io.Writer) {
	fmt.Fprintf(w, "\n=== Report Summary ===\n\n")
	if s.RunID != "" {
		fmt.Fprintf(w, "Run:       %s\n", s.RunID)
	}
	fmt.Fprintf(w, "Tests:     %d total, %d passed, %d failed, %d skipped\n",
		s.Tests.Total(), s.Tests.Passed, s.Tests.Failed, s.Tests.Skipped)

	a := s.Artifacts
	if a.Uploaded+a.Skipped+a.Failed+a.Deferred > 0 {
		fmt.Fprintf(w, "Artifacts: %d uploaded, %d skipped, %d failed, %d deferred\n",
			a.Uploaded, a.Skipped, a.Failed, a.Deferred)
	}
	if s.PipeFailures > 0 {
		fmt.Fprintf(w, "Delivery:  %d failed destination calls (see log)\n", s.PipeFailures)
	}

	keys := make([]string, 0, len(s.Links))
	for k := range s.Links {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%-10s %s\n", k+":", s.Links[k])
	}

	if s.ReplayCommand != "" {
		fmt.Fprintf(w, "\nSome artifacts were not uploaded, they are recorded in %s\n", s.LedgerPath)
		fmt.Fprintf(w, "Upload them later with: %s\n", s.ReplayCommand)
	}
	fmt.Fprintln(w)
}
