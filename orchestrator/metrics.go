// Copyright (C) 2025, Lux Industries, Inc.
// See the file LICENSE for licensing terms.

package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	encryptAttempts  *prometheus.CounterVec
	encryptRetries   prometheus.Counter
	submissions      *prometheus.CounterVec
	decryptBatches   *prometheus.CounterVec
	decryptedHandles prometheus.Counter
	reauthorizations prometheus.Counter
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := Metrics{
		encryptAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encrypt_attempt_count",
				Help: "Number of encryption requests sent to the backend",
			},
			[]string{"outcome"},
		),
		encryptRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "encrypt_retry_count",
				Help: "Number of encryption requests retried after a transient failure",
			},
		),
		submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encrypted_submission_count",
				Help: "Number of encrypted value submissions by outcome",
			},
			[]string{"outcome"},
		),
		decryptBatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "decrypt_batch_count",
				Help: "Number of batched user decryption calls by outcome",
			},
			[]string{"outcome"},
		),
		decryptedHandles: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "decrypted_handle_count",
				Help: "Number of ciphertext handles decrypted",
			},
		),
		reauthorizations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "decrypt_reauthorization_count",
				Help: "Number of decryptions retried with a renewed authorization",
			},
		),
	}

	registerer.MustRegister(m.encryptAttempts)
	registerer.MustRegister(m.encryptRetries)
	registerer.MustRegister(m.submissions)
	registerer.MustRegister(m.decryptBatches)
	registerer.MustRegister(m.decryptedHandles)
	registerer.MustRegister(m.reauthorizations)

	return &m
}
