package cohort

import (
	"sync"
	"time"

	"github.com/apex/log"
)

// AnomalyClass kind of protocol anomaly
type AnomalyClass string

// Anomaly classes. Each is detected and reported independently.
const (
	// AnomalyDuplicateMetadataCollectionID one metadata collection ID announced by
	// two different servers
	AnomalyDuplicateMetadataCollectionID AnomalyClass = "duplicate_metadata_collection_id"
	// AnomalyDuplicateServerName one server name used under two metadata collection IDs
	AnomalyDuplicateServerName AnomalyClass = "duplicate_server_name"
	// AnomalyDuplicateServerEndpoint one repository endpoint used under two
	// metadata collection IDs
	AnomalyDuplicateServerEndpoint AnomalyClass = "duplicate_server_endpoint"
	// AnomalyInvalidRegistration a registration event with missing or bad data
	AnomalyInvalidRegistration AnomalyClass = "invalid_registration"
)

// Anomaly one detected protocol anomaly
type Anomaly struct {
	Class AnomalyClass `json:"class"`
	// MetadataCollectionID ID carried by the offending registration
	MetadataCollectionID string `json:"metadata_collection_id,omitempty"`
	// ConflictsWith ID of the already known member involved, if any
	ConflictsWith string    `json:"conflicts_with,omitempty"`
	ServerName    string    `json:"server_name,omitempty"`
	Endpoint      string    `json:"endpoint,omitempty"`
	Detail        string    `json:"detail"`
	DetectedAt    time.Time `json:"detected_at"`
}

// anomalyLog bounded record of recent anomalies, newest last
type anomalyLog struct {
	lock    sync.Mutex
	limit   int
	entries []Anomaly
}

func newAnomalyLog(limit int) *anomalyLog {
	if limit < 1 {
		limit = 1
	}
	return &anomalyLog{limit: limit}
}

// record audit log the anomalies and keep them
func (a *anomalyLog) record(logTags log.Fields, anomalies ...Anomaly) {
	if len(anomalies) == 0 {
		return
	}
	a.lock.Lock()
	defer a.lock.Unlock()
	for _, anomaly := range anomalies {
		log.WithFields(logTags).WithFields(log.Fields{
			"audit":                  true,
			"anomaly":                anomaly.Class,
			"metadata_collection_id": anomaly.MetadataCollectionID,
			"conflicts_with":         anomaly.ConflictsWith,
		}).Warn(anomaly.Detail)
		a.entries = append(a.entries, anomaly)
	}
	if overflow := len(a.entries) - a.limit; overflow > 0 {
		a.entries = append([]Anomaly{}, a.entries[overflow:]...)
	}
}

// list copy of the recorded anomalies
func (a *anomalyLog) list() []Anomaly {
	a.lock.Lock()
	defer a.lock.Unlock()
	return append([]Anomaly{}, a.entries...)
}
