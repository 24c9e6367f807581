package dataprep

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

func TestFoldPhoneme(t *testing.T) {
	cases := []struct {
		in   string
		out  string
		keep bool
	}{
		{"ao", "aa", true},
		{"pcl", "sil", true},
		{"h#", "sil", true},
		{"q", "", false},
		{"sh", "sh", true},
	}
	for _, c := range cases {
		out, keep := FoldPhoneme(c.in)
		if out != c.out || keep != c.keep {
			t.Errorf("FoldPhoneme(%q): expected (%q, %v), got (%q, %v)", c.in, c.out, c.keep, out, keep)
		}
	}
}

func TestFoldSequenceCollapsesAndDrops(t *testing.T) {
	in := []string{"h#", "sh", "ix", "q", "hv", "eh", "dcl", "jh", "pau"}
	want := []string{"sil", "sh", "ih", "hh", "eh", "sil", "jh", "sil"}
	got := FoldSequence(in)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}

	if got := FoldSequence([]string{"pcl", "tcl", "h#"}); !reflect.DeepEqual(got, []string{"sil"}) {
		t.Errorf("Expected adjacent silences collapsed, got %v", got)
	}
}

func writeWavFixture(t *testing.T, path string, numSamples int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create %s: %v", path, err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, 16000, 16, 1, 1)
	data := make([]int, numSamples)
	for i := range data {
		data[i] = (i % 64) - 32
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: 16000},
		SourceBitDepth: 16,
		Data:           data,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("Failed to write wav data: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("Failed to close encoder: %v", err)
	}
}

func writeFixtureCorpus(t *testing.T, root string) {
	t.Helper()
	transcripts := map[string]string{
		"train/dr1/spk0/utt0": "0 400 h#\n400 800 k\n800 1200 ae\n1200 1600 t\n1600 2000 h#\n",
		"train/dr1/spk0/utt1": "0 400 h#\n400 800 d\n800 1200 aa\n1200 1600 g\n1600 2000 h#\n",
		"dev/dr2/spk1/utt0":   "0 400 h#\n400 800 k\n800 1200 ix\n1200 1600 h#\n",
		"test/dr3/spk2/utt0":  "0 400 h#\n400 800 ao\n800 1200 h#\n",
	}
	for stem, phn := range transcripts {
		dir := filepath.Join(root, filepath.Dir(stem))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("Failed to create %s: %v", dir, err)
		}
		writeWavFixture(t, filepath.Join(root, stem+".wav"), 2000)
		if err := os.WriteFile(filepath.Join(root, stem+".phn"), []byte(phn), 0o644); err != nil {
			t.Fatalf("Failed to write transcription: %v", err)
		}
	}
}

func TestPrepareTIMIT(t *testing.T) {
	root := t.TempDir()
	save := t.TempDir()
	writeFixtureCorpus(t, root)

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	dbPath, err := PrepareTIMIT(ctx, root, save, logger)
	if err != nil {
		t.Fatalf("Failed to prepare: %v", err)
	}

	store, err := OpenStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to open manifest: %v", err)
	}
	defer store.Close()

	train, err := store.Utterances(ctx, "train")
	if err != nil {
		t.Fatalf("Failed to read train split: %v", err)
	}
	if len(train) != 2 {
		t.Fatalf("Expected 2 train utterances, got %d", len(train))
	}
	if train[0].ID != "dr1/spk0/utt0" {
		t.Errorf("Expected id dr1/spk0/utt0, got %q", train[0].ID)
	}
	if train[0].Samples != 2000 {
		t.Errorf("Expected 2000 samples, got %d", train[0].Samples)
	}
	want := []string{"sil", "k", "ae", "t", "sil"}
	if !reflect.DeepEqual(train[0].Phonemes, want) {
		t.Errorf("Expected phonemes %v, got %v", want, train[0].Phonemes)
	}

	labels, err := store.Labels(ctx)
	if err != nil {
		t.Fatalf("Failed to read labels: %v", err)
	}
	// aa ae d g ih k sil t across all splits
	if len(labels) != 8 {
		t.Errorf("Expected 8 distinct labels, got %d: %v", len(labels), labels)
	}
}

func TestPrepareTIMITIdempotent(t *testing.T) {
	root := t.TempDir()
	save := t.TempDir()
	writeFixtureCorpus(t, root)

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	if _, err := PrepareTIMIT(ctx, root, save, logger); err != nil {
		t.Fatalf("Failed first preparation: %v", err)
	}

	// Remove the corpus; a second run must skip without touching it.
	if err := os.RemoveAll(root); err != nil {
		t.Fatalf("Failed to remove corpus: %v", err)
	}
	if _, err := PrepareTIMIT(ctx, root, save, logger); err != nil {
		t.Fatalf("Expected second preparation to skip, got error: %v", err)
	}
}
