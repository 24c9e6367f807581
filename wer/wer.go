// Package wer scores hypothesis token sequences against references with
// Levenshtein alignment and produces error-rate summaries and reports.
package wer

import "fmt"

// Alignment operations.
const (
	OpEqual = "="
	OpSub   = "S"
	OpIns   = "I"
	OpDel   = "D"
)

// AlignStep is one step of a reference/hypothesis alignment.
type AlignStep struct {
	Op  string
	Ref string
	Hyp string
}

// Details holds the scoring breakdown for a single utterance.
type Details struct {
	ID            string
	Ref           []string
	Hyp           []string
	NumRefTokens  int
	Substitutions int
	Insertions    int
	Deletions     int
	WER           float64
	Alignment     []AlignStep
}

// Summary aggregates scoring over a whole corpus.
type Summary struct {
	NumUtterances int
	NumRefTokens  int
	Substitutions int
	Insertions    int
	Deletions     int
	NumErrors     int
	WER           float64
}

// EditDistance aligns hyp against ref and returns the error counts with
// the full alignment. Equal-cost ties prefer substitution, then deletion.
func EditDistance(ref, hyp []string) (subs, ins, dels int, alignment []AlignStep) {
	n, m := len(ref), len(hyp)
	cost := make([][]int, n+1)
	for i := range cost {
		cost[i] = make([]int, m+1)
	}
	for i := 1; i <= n; i++ {
		cost[i][0] = i
	}
	for j := 1; j <= m; j++ {
		cost[0][j] = j
	}
	for i := 1; i <= n; i++ {
		for j := 1; j <= m; j++ {
			sub := cost[i-1][j-1]
			if ref[i-1] != hyp[j-1] {
				sub++
			}
			del := cost[i-1][j] + 1
			add := cost[i][j-1] + 1
			cost[i][j] = min3(sub, del, add)
		}
	}

	// Backtrace from the corner.
	i, j := n, m
	for i > 0 || j > 0 {
		switch {
		case i > 0 && j > 0 && cost[i][j] == cost[i-1][j-1] && ref[i-1] == hyp[j-1]:
			alignment = append(alignment, AlignStep{Op: OpEqual, Ref: ref[i-1], Hyp: hyp[j-1]})
			i--
			j--
		case i > 0 && j > 0 && cost[i][j] == cost[i-1][j-1]+1:
			alignment = append(alignment, AlignStep{Op: OpSub, Ref: ref[i-1], Hyp: hyp[j-1]})
			subs++
			i--
			j--
		case i > 0 && cost[i][j] == cost[i-1][j]+1:
			alignment = append(alignment, AlignStep{Op: OpDel, Ref: ref[i-1], Hyp: "<eps>"})
			dels++
			i--
		default:
			alignment = append(alignment, AlignStep{Op: OpIns, Ref: "<eps>", Hyp: hyp[j-1]})
			ins++
			j--
		}
	}
	reverse(alignment)
	return subs, ins, dels, alignment
}

// DetailsForUtterance scores one hypothesis against its reference.
func DetailsForUtterance(id string, ref, hyp []string) Details {
	subs, ins, dels, alignment := EditDistance(ref, hyp)
	d := Details{
		ID:            id,
		Ref:           ref,
		Hyp:           hyp,
		NumRefTokens:  len(ref),
		Substitutions: subs,
		Insertions:    ins,
		Deletions:     dels,
		Alignment:     alignment,
	}
	if d.NumRefTokens > 0 {
		d.WER = 100.0 * float64(subs+ins+dels) / float64(d.NumRefTokens)
	} else if len(hyp) > 0 {
		d.WER = 100.0
	}
	return d
}

// DetailsForBatch scores a batch of hypotheses against their references.
func DetailsForBatch(ids []string, refs, hyps [][]string) ([]Details, error) {
	if len(ids) != len(refs) || len(refs) != len(hyps) {
		return nil, fmt.Errorf("mismatched batch: %d ids, %d refs, %d hyps", len(ids), len(refs), len(hyps))
	}
	details := make([]Details, 0, len(ids))
	for i, id := range ids {
		details = append(details, DetailsForUtterance(id, refs[i], hyps[i]))
	}
	return details, nil
}

// Summarize aggregates per-utterance details into corpus-level counts and
// the corpus error rate.
func Summarize(details []Details) Summary {
	var s Summary
	for _, d := range details {
		s.NumUtterances++
		s.NumRefTokens += d.NumRefTokens
		s.Substitutions += d.Substitutions
		s.Insertions += d.Insertions
		s.Deletions += d.Deletions
	}
	s.NumErrors = s.Substitutions + s.Insertions + s.Deletions
	if s.NumRefTokens > 0 {
		s.WER = 100.0 * float64(s.NumErrors) / float64(s.NumRefTokens)
	}
	return s
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

func reverse(steps []AlignStep) {
	for i, j := 0, len(steps)-1; i < j; i, j = i+1, j-1 {
		steps[i], steps[j] = steps[j], steps[i]
	}
}
