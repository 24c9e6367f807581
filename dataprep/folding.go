package dataprep

// foldMap collapses the 61-phoneme TIMIT transcription set down to the
// standard 39-phoneme evaluation set. The glottal stop "q" maps to the
// empty string and is dropped from folded sequences.
var foldMap = map[string]string{
	"ao":   "aa",
	"ax":   "ah",
	"ax-h": "ah",
	"axr":  "er",
	"hv":   "hh",
	"ix":   "ih",
	"el":   "l",
	"em":   "m",
	"en":   "n",
	"nx":   "n",
	"eng":  "ng",
	"zh":   "sh",
	"ux":   "uw",
	"pcl":  "sil",
	"tcl":  "sil",
	"kcl":  "sil",
	"bcl":  "sil",
	"dcl":  "sil",
	"gcl":  "sil",
	"h#":   "sil",
	"pau":  "sil",
	"epi":  "sil",
	"q":    "",
}

// FoldPhoneme maps one raw label to its folded form. The second return is
// false when the label should be dropped entirely.
func FoldPhoneme(label string) (string, bool) {
	folded, ok := foldMap[label]
	if !ok {
		return label, true
	}
	if folded == "" {
		return "", false
	}
	return folded, true
}

// FoldSequence folds a whole transcription, dropping deleted labels and
// collapsing the runs of identical labels folding can introduce.
func FoldSequence(labels []string) []string {
	out := make([]string, 0, len(labels))
	for _, label := range labels {
		folded, keep := FoldPhoneme(label)
		if !keep {
			continue
		}
		if n := len(out); n > 0 && out[n-1] == folded {
			continue
		}
		out = append(out, folded)
	}
	return out
}
