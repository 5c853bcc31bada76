package wal

import "github.com/prometheus/client_golang/prometheus"

var commitRecordBytes = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "tinytablet",
		Subsystem: "wal",
		Name:      "commit_record_bytes_total",
		Help:      "Total bytes of commit records appended.",
	})

func init() {
	prometheus.MustRegister(commitRecordBytes)
}
