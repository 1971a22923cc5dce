package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type MarketMetrics struct {
	tradesSettled     *prometheus.CounterVec
	tradesRejected    *prometheus.CounterVec
	tradesCancelled   prometheus.Counter
	discountsApplied  prometheus.Counter
	batchSize         prometheus.Histogram
	settlementLatency prometheus.Histogram
	pauseEngaged      prometheus.Gauge
	contractEpoch     prometheus.Gauge
}

var (
	marketOnce     sync.Once
	marketRegistry *MarketMetrics
)

func Market() *MarketMetrics {
	marketOnce.Do(func() {
		marketRegistry = &MarketMetrics{
			tradesSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "market_trades_settled_total",
				Help: "Count of settled trades segmented by whether a discount applied.",
			}, []string{"discounted"}),
			tradesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "market_trades_rejected_total",
				Help: "Count of rejected settlement attempts by reason.",
			}, []string{"reason"}),
			tradesCancelled: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "market_trades_cancelled_total",
				Help: "Count of trade signatures voided by their signer.",
			}),
			discountsApplied: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "market_discounts_applied_total",
				Help: "Count of coupon discounts applied during settlement.",
			}),
			batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "market_batch_size",
				Help:    "Number of trades per accepted settlement batch.",
				Buckets: []float64{1, 2, 4, 8, 16, 32},
			}),
			settlementLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "market_settlement_duration_seconds",
				Help:    "Latency distribution for settlement batches.",
				Buckets: prometheus.DefBuckets,
			}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "market_pause_engaged",
				Help: "Indicates whether the settlement pause is active (1) or not (0).",
			}),
			contractEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "market_contract_epoch",
				Help: "Current contract-wide signature epoch.",
			}),
		}
		prometheus.MustRegister(
			marketRegistry.tradesSettled,
			marketRegistry.tradesRejected,
			marketRegistry.tradesCancelled,
			marketRegistry.discountsApplied,
			marketRegistry.batchSize,
			marketRegistry.settlementLatency,
			marketRegistry.pauseEngaged,
			marketRegistry.contractEpoch,
		)
	})
	return marketRegistry
}

func (m *MarketMetrics) ObserveSettled(discounted bool) {
	if m == nil {
		return
	}
	label := "no"
	if discounted {
		label = "yes"
		m.discountsApplied.Inc()
	}
	m.tradesSettled.WithLabelValues(label).Inc()
}

func (m *MarketMetrics) ObserveRejected(reason string) {
	if m == nil {
		return
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unknown"
	}
	m.tradesRejected.WithLabelValues(reason).Inc()
}

func (m *MarketMetrics) ObserveCancelled(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.tradesCancelled.Add(float64(count))
}

func (m *MarketMetrics) ObserveBatch(size int, seconds float64) {
	if m == nil {
		return
	}
	m.batchSize.Observe(float64(size))
	m.settlementLatency.Observe(seconds)
}

func (m *MarketMetrics) SetPause(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.pauseEngaged.Set(1)
		return
	}
	m.pauseEngaged.Set(0)
}

func (m *MarketMetrics) SetContractEpoch(epoch uint64) {
	if m == nil {
		return
	}
	m.contractEpoch.Set(float64(epoch))
}
