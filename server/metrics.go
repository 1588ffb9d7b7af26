package server

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/did-method-plc/go-didpay/server")

var (
	ProtocolMessagesCounter metric.Int64Counter
	RedemptionsCounter      metric.Int64Counter
	LedgerQueueGauge        metric.Int64Gauge
	InFlightGauge           metric.Int64Gauge
	SettledSeqGauge         metric.Int64Gauge
	EventClientsGauge       metric.Int64Gauge
	LastRedemptionTsGauge   metric.Int64Gauge
)

var (
	RedemptionSucceeded = attribute.String("outcome", "success")
	RedemptionFailed    = attribute.String("outcome", "failure")
)

func init() {
	var err error
	ProtocolMessagesCounter, err = meter.Int64Counter("didpay_protocol_messages",
		metric.WithDescription("Protocol messages handled, by type and response code"),
	)
	if err != nil {
		panic(err)
	}
	RedemptionsCounter, err = meter.Int64Counter("didpay_redemptions",
		metric.WithDescription("Redemptions settled, by outcome"),
	)
	if err != nil {
		panic(err)
	}
	LedgerQueueGauge, err = meter.Int64Gauge("didpay_ledger_queue",
		metric.WithDescription("Number of redemptions waiting to be committed to the ledger"),
	)
	if err != nil {
		panic(err)
	}
	InFlightGauge, err = meter.Int64Gauge("didpay_inflight_delegations",
		metric.WithDescription("Number of delegations currently being redeemed"),
	)
	if err != nil {
		panic(err)
	}
	SettledSeqGauge, err = meter.Int64Gauge("didpay_settled_seq",
		metric.WithDescription("Highest redemption seq below which every redemption has settled"),
	)
	if err != nil {
		panic(err)
	}
	EventClientsGauge, err = meter.Int64Gauge("didpay_event_clients",
		metric.WithDescription("Number of connected event stream clients"),
	)
	if err != nil {
		panic(err)
	}
	LastRedemptionTsGauge, err = meter.Int64Gauge("didpay_last_redemption_ts",
		metric.WithDescription("Unix timestamp of the most recently settled redemption"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(err)
	}
}
