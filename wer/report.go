package wer

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// WriteSummary renders the corpus-level error table.
func WriteSummary(w io.Writer, label string, s Summary) error {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"metric", "value"})
	tw.AppendRow(table.Row{"utterances", s.NumUtterances})
	tw.AppendRow(table.Row{"reference tokens", s.NumRefTokens})
	tw.AppendRow(table.Row{"substitutions", s.Substitutions})
	tw.AppendRow(table.Row{"insertions", s.Insertions})
	tw.AppendRow(table.Row{"deletions", s.Deletions})
	tw.AppendRow(table.Row{label, fmt.Sprintf("%.2f", s.WER)})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft},
		{Number: 2, Align: text.AlignRight},
	})

	_, err := fmt.Fprintln(w, tw.Render())
	return err
}

// WriteReport writes the full scoring report: the summary table followed by
// one aligned three-line block per utterance.
func WriteReport(w io.Writer, label string, details []Details) error {
	summary := Summarize(details)
	if err := WriteSummary(w, label, summary); err != nil {
		return err
	}

	for _, d := range details {
		header := fmt.Sprintf("%s, %%%s %.2f [ %d / %d, %d ins, %d del, %d sub ]",
			d.ID, label, d.WER, d.Substitutions+d.Insertions+d.Deletions,
			d.NumRefTokens, d.Insertions, d.Deletions, d.Substitutions)
		if _, err := fmt.Fprintln(w, header); err != nil {
			return err
		}
		if err := writeAlignment(w, d.Alignment); err != nil {
			return err
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}
	return nil
}

// writeAlignment prints ref, ops, and hyp rows with columns padded so the
// three lines stay visually aligned.
func writeAlignment(w io.Writer, alignment []AlignStep) error {
	refs := make([]string, len(alignment))
	ops := make([]string, len(alignment))
	hyps := make([]string, len(alignment))
	for i, step := range alignment {
		width := len(step.Ref)
		if len(step.Hyp) > width {
			width = len(step.Hyp)
		}
		refs[i] = pad(step.Ref, width)
		ops[i] = pad(step.Op, width)
		hyps[i] = pad(step.Hyp, width)
	}
	for _, line := range []string{
		strings.Join(refs, " ; "),
		strings.Join(ops, " ; "),
		strings.Join(hyps, " ; "),
	} {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func pad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}
