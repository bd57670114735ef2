// Copyright (C) 2025, Lux Industries, Inc.
// See the file LICENSE for licensing terms.

package authorization

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	cacheHits           prometheus.Counter
	cacheMisses         *prometheus.CounterVec
	signatureRequests   *prometheus.CounterVec
	persistenceFailures *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := Metrics{
		cacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "authorization_cache_hits",
				Help: "Number of decryption authorizations reused from the signature store",
			},
		),
		cacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authorization_cache_misses",
				Help: "Number of decryption authorizations that had to be signed again",
			},
			[]string{"reason"},
		),
		signatureRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authorization_signature_requests",
				Help: "Number of signature prompts sent to the user's signer",
			},
			[]string{"outcome"},
		),
		persistenceFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authorization_persistence_failures",
				Help: "Number of failed signature store reads and writes",
			},
			[]string{"op"},
		),
	}

	registerer.MustRegister(m.cacheHits)
	registerer.MustRegister(m.cacheMisses)
	registerer.MustRegister(m.signatureRequests)
	registerer.MustRegister(m.persistenceFailures)

	return &m
}
