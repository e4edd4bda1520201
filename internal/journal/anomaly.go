// Package journal persists oversell anomalies in an append-only WAL so
// operators can inspect them after the fact. The engine clamps oversells at
// zero instead of failing; this log is the observable trace of that policy.
package journal

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"

	"github.com/vadiminshakov/chainfolio/internal/domain"
)

const (
	defaultJournalDir       = "./wal/anomalies"
	journalSegmentThreshold = 1000
	journalMaxSegments      = 100
	anomalyKeyPrefix        = "oversell_"
)

// AnomalyJournal is a WAL-backed append-only log of oversell anomalies.
type AnomalyJournal struct {
	wal *gowal.Wal
	mu  sync.Mutex
}

// NewAnomalyJournal opens (or creates) the journal under dir.
func NewAnomalyJournal(dir string) (*AnomalyJournal, error) {
	if dir == "" {
		dir = defaultJournalDir
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "anomaly_",
		SegmentThreshold: journalSegmentThreshold,
		MaxSegments:      journalMaxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init anomaly journal WAL")
	}

	return &AnomalyJournal{wal: wal}, nil
}

// Record appends one anomaly to the journal.
func (j *AnomalyJournal) Record(anomaly domain.Anomaly) error {
	if j == nil || j.wal == nil {
		return errors.New("anomaly journal is not initialized")
	}

	payload, err := json.Marshal(anomaly)
	if err != nil {
		return errors.Wrap(err, "marshal anomaly")
	}

	key := fmt.Sprintf("%s%s", anomalyKeyPrefix, anomaly.TransactionID)

	j.mu.Lock()
	defer j.mu.Unlock()

	nextIndex := j.wal.CurrentIndex() + 1
	return j.wal.Write(nextIndex, key, payload)
}

// All returns every journaled anomaly in write order.
func (j *AnomalyJournal) All() ([]domain.Anomaly, error) {
	if j == nil || j.wal == nil {
		return nil, errors.New("anomaly journal is not initialized")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	var anomalies []domain.Anomaly
	for msg := range j.wal.Iterator() {
		if !strings.HasPrefix(msg.Key, anomalyKeyPrefix) {
			continue
		}
		var a domain.Anomaly
		if err := json.Unmarshal(msg.Value, &a); err != nil {
			return nil, errors.Wrap(err, "decode anomaly")
		}
		anomalies = append(anomalies, a)
	}
	return anomalies, nil
}

// Close closes the underlying WAL.
func (j *AnomalyJournal) Close() error {
	if j == nil || j.wal == nil {
		return errors.New("anomaly journal is not initialized")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	return j.wal.Close()
}
