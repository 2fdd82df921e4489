package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/m-mizutani/lifemon/pkg/domain/interfaces"
	"github.com/m-mizutani/lifemon/pkg/domain/model"
)

// StatusDisplay prints aggregated status as an indented list.
type StatusDisplay struct {
	w         io.Writer
	workflows int
	failing   int
}

func NewStatusDisplay(w io.Writer) interfaces.Display {
	return &StatusDisplay{w: w}
}

func (d *StatusDisplay) ShowWorkflow(wf *model.Workflow, version *model.WorkflowVersion, report *model.StatusReport) {
	d.workflows++
	if report.Status == model.StatusAllFailing || report.Status == model.StatusSomePassing {
		d.failing++
	}

	name := wf.Name
	if name == "" {
		name = wf.ID
	}
	bold := color.New(color.Bold).SprintFunc()
	fmt.Fprintf(d.w, "%s %s %s %s\n",
		statusIcon(report.Status),
		bold(name),
		color.New(color.FgHiBlack).Sprintf("(version %s)", version.Version),
		statusText(report.Status),
	)
	if rev := version.Revision; rev != nil {
		fmt.Fprintf(d.w, "    %s %s\n", rev.Kind, rev.ShortName)
	}
}

func (d *StatusDisplay) ShowSuite(suite *model.TestSuite, report *model.StatusReport) {
	name := suite.Name
	if name == "" {
		name = suite.ID
	}
	fmt.Fprintf(d.w, "    %s %s %s\n", statusIcon(report.Status), name, statusText(report.Status))

	for _, b := range report.LatestBuilds {
		fmt.Fprintf(d.w, "        #%s %s %s\n", b.ID, buildText(b.Status), b.URL)
	}

	warn := color.New(color.FgYellow).SprintFunc()
	for _, issue := range report.Issues {
		target := strings.TrimSpace(strings.Join([]string{issue.Service, issue.Resource}, " "))
		if target == "" {
			target = issue.InstanceID
		}
		if target != "" {
			target += ": "
		}
		fmt.Fprintf(d.w, "        %s %s%s\n", warn("!"), target, issue.Issue)
	}
}

func (d *StatusDisplay) Flush() error {
	if d.workflows == 0 {
		_, err := fmt.Fprintln(d.w, "No workflow registered")
		return err
	}
	_, err := fmt.Fprintf(d.w, "\n%d workflow(s), %d with failing tests\n", d.workflows, d.failing)
	return err
}

func statusIcon(status model.AggregateStatus) string {
	switch status {
	case model.StatusAllPassing:
		return color.GreenString("●")
	case model.StatusSomePassing:
		return color.YellowString("●")
	case model.StatusAllFailing:
		return color.RedString("●")
	default:
		return color.New(color.FgHiBlack).Sprint("○")
	}
}

func statusText(status model.AggregateStatus) string {
	text := "[" + strings.ReplaceAll(string(status), "_", " ") + "]"
	switch status {
	case model.StatusAllPassing:
		return color.GreenString(text)
	case model.StatusSomePassing:
		return color.YellowString(text)
	case model.StatusAllFailing:
		return color.RedString(text)
	default:
		return color.New(color.FgHiBlack).Sprint(text)
	}
}

func buildText(status model.BuildStatus) string {
	switch status {
	case model.BuildStatusPassed:
		return color.GreenString(string(status))
	case model.BuildStatusFailed, model.BuildStatusError:
		return color.RedString(string(status))
	default:
		return string(status)
	}
}
