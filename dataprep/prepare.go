// Package dataprep turns a TIMIT-style corpus tree into a SQLite manifest
// the data loaders read from: one row per utterance with its audio path,
// sample count, and folded phoneme transcription.
package dataprep

import (
	"bufio"
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-audio/wav"
	"github.com/pkg/errors"
)

// Splits are the corpus subdirectories prepared by default.
var Splits = []string{"train", "dev", "test"}

// ManifestName is the database file written into the save folder.
const ManifestName = "manifest.db"

// PrepareTIMIT walks dataFolder's split subdirectories, pairs each .wav
// with its .phn transcription, folds the labels, and writes the manifest
// database into saveFolder. Preparation is skipped when all splits are
// already present.
func PrepareTIMIT(ctx context.Context, dataFolder, saveFolder string, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(saveFolder, 0o755); err != nil {
		return "", errors.Wrap(err, "create save folder")
	}
	dbPath := filepath.Join(saveFolder, ManifestName)

	store, err := OpenStore(dbPath)
	if err != nil {
		return "", err
	}
	defer store.Close()

	done := true
	for _, split := range Splits {
		n, err := store.Count(ctx, split)
		if err != nil {
			return "", err
		}
		if n == 0 {
			done = false
			break
		}
	}
	if done {
		logger.Info("data preparation already completed, skipping", "manifest", dbPath)
		return dbPath, nil
	}

	labelSet := make(map[string]struct{})
	for _, split := range Splits {
		splitDir := filepath.Join(dataFolder, split)
		count, err := prepareSplit(ctx, store, split, splitDir, labelSet)
		if err != nil {
			return "", errors.Wrapf(err, "prepare %s split", split)
		}
		logger.Info("prepared split", "split", split, "utterances", count)
	}

	labels := make([]string, 0, len(labelSet))
	for label := range labelSet {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	if err := store.SaveLabels(ctx, labels); err != nil {
		return "", err
	}
	logger.Info("wrote manifest", "path", dbPath, "labels", len(labels))
	return dbPath, nil
}

func prepareSplit(ctx context.Context, store *Store, split, splitDir string, labelSet map[string]struct{}) (int, error) {
	count := 0
	err := filepath.WalkDir(splitDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".wav") {
			return nil
		}

		phnPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".phn"
		labels, err := readTranscription(phnPath)
		if err != nil {
			return err
		}
		folded := FoldSequence(labels)
		if len(folded) == 0 {
			return errors.Errorf("empty transcription for %s", path)
		}

		samples, err := probeWav(path)
		if err != nil {
			return err
		}

		u := Utterance{
			ID:       utteranceID(splitDir, path),
			Split:    split,
			Wav:      path,
			Samples:  samples,
			Phonemes: folded,
		}
		if err := store.InsertUtterance(ctx, u); err != nil {
			return err
		}
		for _, label := range folded {
			labelSet[label] = struct{}{}
		}
		count++
		return nil
	})
	return count, err
}

// readTranscription parses a .phn file: one "start end label" line per
// phoneme segment.
func readTranscription(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open transcription")
	}
	defer f.Close()

	var labels []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 3 {
			return nil, errors.Errorf("malformed transcription line in %s: %q", path, scanner.Text())
		}
		labels = append(labels, fields[2])
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read transcription")
	}
	return labels, nil
}

// probeWav returns the PCM sample count of one audio file.
func probeWav(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrap(err, "open audio")
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return 0, errors.Wrapf(err, "decode %s", path)
	}
	if buf.Format.NumChannels != 1 {
		return 0, errors.Errorf("%s has %d channels, want mono", path, buf.Format.NumChannels)
	}
	return len(buf.Data), nil
}

// utteranceID builds a stable id from the path relative to the split root,
// e.g. dr1/fcjf0/si1027.
func utteranceID(splitDir, path string) string {
	rel, err := filepath.Rel(splitDir, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	rel = strings.TrimSuffix(rel, filepath.Ext(rel))
	return strings.ToLower(filepath.ToSlash(rel))
}
