// Package report renders checkup results for a terminal.
package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/abubrak/mcpdoctor/check"
	"github.com/abubrak/mcpdoctor/diagnose"
	"github.com/abubrak/mcpdoctor/probe"
)

const ruleWidth = 60

// Reporter writes the sectioned, colored checkup output.
type Reporter struct {
	w io.Writer

	header  *color.Color
	success *color.Color
	failure *color.Color
	warning *color.Color
	info    *color.Color
}

// New builds a Reporter. Color is handled by fatih/color's global detection
// (NO_COLOR, non-TTY); pass plain=true to force it off, e.g. for log capture.
func New(w io.Writer, plain bool) *Reporter {
	r := &Reporter{
		w:       w,
		header:  color.New(color.FgBlue, color.Bold),
		success: color.New(color.FgGreen),
		failure: color.New(color.FgRed),
		warning: color.New(color.FgYellow),
		info:    color.New(color.FgBlue),
	}
	if plain {
		for _, c := range []*color.Color{r.header, r.success, r.failure, r.warning, r.info} {
			c.DisableColor()
		}
	}
	return r
}

func (r *Reporter) Title(text string) {
	rule := strings.Repeat("=", ruleWidth)
	_, _ = r.header.Fprintf(r.w, "\n%s\n  %s\n%s\n\n", rule, text, rule)
}

func (r *Reporter) Section(text string) {
	rule := strings.Repeat("=", ruleWidth)
	_, _ = r.header.Fprintf(r.w, "\n%s\n%s\n%s\n\n", rule, text, rule)
}

func (r *Reporter) Successf(format string, args ...any) {
	_, _ = r.success.Fprintf(r.w, "✓ "+format+"\n", args...)
}

func (r *Reporter) Errorf(format string, args ...any) {
	_, _ = r.failure.Fprintf(r.w, "✗ "+format+"\n", args...)
}

func (r *Reporter) Warningf(format string, args ...any) {
	_, _ = r.warning.Fprintf(r.w, "⚠ "+format+"\n", args...)
}

func (r *Reporter) Infof(format string, args ...any) {
	_, _ = r.info.Fprintf(r.w, "ℹ "+format+"\n", args...)
}

// Result renders one check outcome with its remedy, if any.
func (r *Reporter) Result(res check.Result) {
	switch res.Status {
	case check.Pass:
		r.Successf("%s", res.Detail)
	case check.Warn:
		r.Warningf("%s", res.Detail)
	case check.Fail:
		r.Errorf("%s", res.Detail)
	case check.Skip:
		r.Infof("%s (skipped)", res.Detail)
	}
	if res.Remedy != "" {
		r.Infof("  %s", res.Remedy)
	}
}

// Startup renders a startup probe outcome.
func (r *Reporter) Startup(rep probe.StartupReport) {
	switch rep.State {
	case probe.Running:
		r.Successf("%s started successfully", rep.Server)
	case probe.ExitedClean:
		r.Warningf("%s exited normally (might be waiting for input)", rep.Server)
	case probe.Skipped:
		r.Infof("%s: %s", rep.Server, rep.Detail)
	case probe.ExitedError:
		r.Errorf("%s failed to start (exit code: %d)", rep.Server, rep.ExitCode)
		if rep.StderrExcerpt != "" {
			r.Errorf("stderr:\n%s", rep.StderrExcerpt)
		}
	default:
		r.Errorf("%s could not be tested: %s", rep.Server, rep.Detail)
	}
	r.Findings(rep.Findings)
}

// Handshake renders a handshake probe outcome.
func (r *Reporter) Handshake(rep probe.HandshakeReport) {
	name := rep.ServerName
	if name == "" {
		name = rep.Server
	}
	r.Successf("%s answered initialize (%s %s)", rep.Server, name, rep.ServerVersion)
	if rep.ToolsError != "" {
		r.Warningf("  tools/list failed: %s", rep.ToolsError)
		return
	}
	r.Infof("  %d tool(s): %s", len(rep.Tools), strings.Join(rep.Tools, ", "))
}

func (r *Reporter) Findings(findings []diagnose.Finding) {
	for _, f := range findings {
		r.Warningf("likely cause (%s): %s", f.Symptom, f.Cause)
		r.Infof("  remedy: %s", f.Remedy)
	}
}

// Summary prints the PASS/FAIL table and the final count, and returns the
// process exit code: 0 when nothing failed, 1 otherwise.
func (r *Reporter) Summary(results []check.Result) int {
	r.Section("Summary")

	for _, res := range results {
		if res.Failed() {
			r.Errorf("%s: FAIL", res.Name)
		} else {
			r.Successf("%s: PASS", res.Name)
		}
	}

	passed, total := check.Summary(results)
	_, _ = fmt.Fprintf(r.w, "\nTotal: %d/%d checks passed\n\n", passed, total)

	if passed == total {
		r.Successf("All checks passed! Your MCP server setup is ready.")
		return 0
	}
	r.Errorf("Some checks failed. Please review the errors above.")
	return 1
}
