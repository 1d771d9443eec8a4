package storehttp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultStored   = "stored"
	resultRejected = "rejected"
	resultTooLarge = "too_large"
	resultFailed   = "failed"
	resultServed   = "served"
	resultNotFound = "not_found"
)

// Metrics holds the storage server's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	uploads       *prometheus.CounterVec
	uploadedBytes prometheus.Counter
	downloads     *prometheus.CounterVec
	tftpTransfers prometheus.Counter
	tftpBytes     prometheus.Counter
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		uploads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fwstore",
			Name:      "uploads_total",
			Help:      "Upload requests by result.",
		}, []string{"result"}),
		uploadedBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fwstore",
			Name:      "uploaded_bytes_total",
			Help:      "Bytes written by successful uploads.",
		}),
		downloads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fwstore",
			Name:      "downloads_total",
			Help:      "Download requests by result.",
		}, []string{"result"}),
		tftpTransfers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fwstore",
			Name:      "tftp_transfers_total",
			Help:      "Completed TFTP read transfers.",
		}),
		tftpBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fwstore",
			Name:      "tftp_bytes_total",
			Help:      "Bytes sent over TFTP.",
		}),
	}
}

func (m *Metrics) upload(result string, n int64) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(result).Inc()
	if n > 0 {
		m.uploadedBytes.Add(float64(n))
	}
}

func (m *Metrics) download(result string) {
	if m == nil {
		return
	}
	m.downloads.WithLabelValues(result).Inc()
}

// TFTPServed records a completed TFTP transfer of n bytes.
func (m *Metrics) TFTPServed(_ string, n int64) {
	if m == nil {
		return
	}
	m.tftpTransfers.Inc()
	m.tftpBytes.Add(float64(n))
}
