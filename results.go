// SPDX-License-Identifier: GPL-3.0-or-later

package tunburst

import (
	"compress/gzip"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/apex/log"
)

// ResultsRecord is a line of a results file.
type ResultsRecord struct {
	// Kind is either "round" or "final".
	Kind string `json:"kind"`

	// Round is set when Kind is "round".
	Round *RoundReport `json:"round,omitempty"`

	// Final is set when Kind is "final".
	Final *FinalReport `json:"final,omitempty"`
}

// ResultsReporter is a [Reporter] saving each session into a gzip compressed
// JSON lines file inside a directory tree organized by date. The file starts
// with the round reports and ends with the final report.
//
// Construct using [NewResultsReporter].
type ResultsReporter struct {
	datadir string
	logger  log.Interface
	mu      sync.Mutex
	pending map[string][]ResultsRecord
	saved   []string
}

var _ Reporter = &ResultsReporter{}

// NewResultsReporter creates a [*ResultsReporter] saving into datadir.
func NewResultsReporter(datadir string, logger log.Interface) *ResultsReporter {
	return &ResultsReporter{
		datadir: datadir,
		logger:  logger,
		pending: make(map[string][]ResultsRecord),
	}
}

// SessionStarted implements [Reporter].
//
// A new session supersedes any session still pending, whose records
// are discarded without saving.
func (rr *ResultsReporter) SessionStarted(info SessionInfo) {
	rr.mu.Lock()
	clear(rr.pending)
	rr.pending[info.ID] = nil
	rr.mu.Unlock()
}

// RoundComplete implements [Reporter].
func (rr *ResultsReporter) RoundComplete(report RoundReport) {
	rr.mu.Lock()
	rr.pending[report.Session.ID] = append(rr.pending[report.Session.ID], ResultsRecord{
		Kind:  "round",
		Round: &report,
	})
	rr.mu.Unlock()
}

// SessionComplete implements [Reporter].
func (rr *ResultsReporter) SessionComplete(report FinalReport) {
	rr.mu.Lock()
	records := append(rr.pending[report.Session.ID], ResultsRecord{
		Kind:  "final",
		Final: &report,
	})
	delete(rr.pending, report.Session.ID)
	rr.mu.Unlock()

	filename, err := rr.save(report.Session, records)
	if err != nil {
		rr.logger.WithError(err).Warn("results: cannot save session")
		return
	}
	rr.mu.Lock()
	rr.saved = append(rr.saved, filename)
	rr.mu.Unlock()
	rr.logger.WithField("file", filename).Debug("results: session saved")
}

// Pending returns the number of sessions started but not saved yet.
func (rr *ResultsReporter) Pending() int {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	return len(rr.pending)
}

// Saved returns the names of the files saved so far.
func (rr *ResultsReporter) Saved() []string {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	return append([]string{}, rr.saved...)
}

func (rr *ResultsReporter) save(info SessionInfo, records []ResultsRecord) (string, error) {
	// 1. create the directory for the session day
	timestamp := info.Start.UTC()
	dir := filepath.Join(rr.datadir, timestamp.Format("2006/01/02"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	// 2. create the file, which must not exist
	name := filepath.Join(dir, "tunburst-"+timestamp.Format("20060102T150405.000000000Z")+"."+info.ID+".jsonl.gz")
	fp, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", err
	}

	// 3. write the records
	zw, err := gzip.NewWriterLevel(fp, gzip.BestSpeed)
	if err != nil {
		fp.Close()
		return "", err
	}
	encoder := json.NewEncoder(zw)
	for _, record := range records {
		if err := encoder.Encode(record); err != nil {
			zw.Close()
			fp.Close()
			return "", err
		}
	}

	// 4. flush and close
	if err := zw.Close(); err != nil {
		fp.Close()
		return "", err
	}
	return name, fp.Close()
}
