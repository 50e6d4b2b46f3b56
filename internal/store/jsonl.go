package store

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// PatternFileRecord is one JSONL line in a bot-list/signature file:
// `{ signature, confidence, reasons?, first_seen, last_seen, hit_count }`.
type PatternFileRecord struct {
	Signature string    `json:"signature"`
	Confidence float64  `json:"confidence"`
	Reasons   []string  `json:"reasons,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	HitCount  int64     `json:"hit_count"`
}

// LoadPatternFiles reads every *.jsonl file in dir at startup. Malformed
// lines are skipped and logged; a missing directory yields an empty slice,
// not an error (bot lists are optional enrichment, not a hard dependency).
func LoadPatternFiles(dir string, log logWarner) ([]PatternFileRecord, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []PatternFileRecord
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		recs, err := loadOneJSONL(filepath.Join(dir, e.Name()), log)
		if err != nil {
			log.Warn(e.Name(), err)
			continue
		}
		out = append(out, recs...)
	}
	return out, nil
}

type logWarner interface {
	Warn(file string, err error)
}

func loadOneJSONL(path string, log logWarner) ([]PatternFileRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []PatternFileRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec PatternFileRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			log.Warn(path, err)
			continue
		}
		out = append(out, rec)
	}
	return out, scanner.Err()
}
