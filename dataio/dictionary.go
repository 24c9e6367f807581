// Package dataio loads prepared utterances from the manifest database and
// turns them into padded, batched training data with label encoding.
package dataio

import (
	"fmt"
	"sort"
)

// BlankLabel is the shared blank / beginning-of-sequence /
// end-of-sequence token, always at index 0.
const BlankLabel = "<blank>"

// Dictionary maps phoneme labels to model output indices and back. Index 0
// is reserved for the blank token, which doubles as the sequence start and
// end marker.
type Dictionary struct {
	index2lab []string
	lab2index map[string]int
}

// NewDictionary builds the label mapping from the corpus label inventory.
func NewDictionary(labels []string) *Dictionary {
	sorted := append([]string(nil), labels...)
	sort.Strings(sorted)

	d := &Dictionary{
		index2lab: make([]string, 0, len(sorted)+1),
		lab2index: make(map[string]int, len(sorted)+1),
	}
	d.index2lab = append(d.index2lab, BlankLabel)
	d.lab2index[BlankLabel] = 0
	for _, label := range sorted {
		if _, exists := d.lab2index[label]; exists {
			continue
		}
		d.lab2index[label] = len(d.index2lab)
		d.index2lab = append(d.index2lab, label)
	}
	return d
}

// Size is the number of model output classes including the blank.
func (d *Dictionary) Size() int { return len(d.index2lab) }

// BlankIndex returns the blank token index, also used for BOS and EOS.
func (d *Dictionary) BlankIndex() int { return 0 }

// BOSIndex returns the beginning-of-sequence index.
func (d *Dictionary) BOSIndex() int { return 0 }

// EOSIndex returns the end-of-sequence index.
func (d *Dictionary) EOSIndex() int { return 0 }

// Encode maps labels to indices, failing on unknown labels.
func (d *Dictionary) Encode(labels []string) ([]int, error) {
	out := make([]int, len(labels))
	for i, label := range labels {
		idx, ok := d.lab2index[label]
		if !ok {
			return nil, fmt.Errorf("unknown label %q", label)
		}
		out[i] = idx
	}
	return out, nil
}

// Decode maps indices back to labels, skipping the blank token.
func (d *Dictionary) Decode(indices []int) []string {
	out := make([]string, 0, len(indices))
	for _, idx := range indices {
		if idx == 0 {
			continue
		}
		if idx < 0 || idx >= len(d.index2lab) {
			continue
		}
		out = append(out, d.index2lab[idx])
	}
	return out
}

// Label returns the label string at one index.
func (d *Dictionary) Label(idx int) (string, error) {
	if idx < 0 || idx >= len(d.index2lab) {
		return "", fmt.Errorf("label index %d out of range [0, %d)", idx, len(d.index2lab))
	}
	return d.index2lab[idx], nil
}
