package opregistry

import (
	"bytes"
	"io"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pierrec/lz4/v3"

	"github.com/circlesabound/fctrl-agent/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// journalRecord is the on-disk shape of one terminal operation, used
// only to defensively pre-populate the TTL-retained map across an
// Agent restart - it is never the source of truth while the process is
// up (spec.md §4.7, §4.7a of SPEC_FULL.md).
type journalRecord struct {
	Op       model.Operation `json:"op"`
	WrittenAt time.Time      `json:"written_at"`
}

// appendJournal compresses rec as a standalone lz4 frame and appends it
// to path. Concatenated lz4 frames in one file are valid and are read
// back one at a time by loadJournal.
func appendJournal(path string, op model.Operation) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(journalRecord{Op: op, WrittenAt: time.Now()})
	if err != nil {
		return err
	}
	zw := lz4.NewWriter(f)
	if _, err := zw.Write(append(data, '\n')); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// loadJournal decodes every frame in path, tolerating a missing file
// (first run) and skipping any record that fails to parse (a torn
// write from a previous crash).
func loadJournal(path string) ([]model.Operation, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	br := bytes.NewReader(raw)
	var out []model.Operation
	for br.Len() > 0 {
		zr := lz4.NewReader(br)
		data, err := io.ReadAll(zr)
		if err != nil {
			break
		}
		if len(data) == 0 {
			break
		}
		for _, line := range bytes.Split(bytes.TrimRight(data, "\n"), []byte("\n")) {
			if len(line) == 0 {
				continue
			}
			var rec journalRecord
			if err := json.Unmarshal(line, &rec); err == nil {
				out = append(out, rec.Op)
			}
		}
	}
	return out, nil
}
