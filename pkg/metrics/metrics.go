// Package metrics exposes Prometheus counters for the device runtime.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LinkRxFrames counts frames received per link device.
	LinkRxFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mote_link_rx_frames_total",
			Help: "Total number of frames received on the link",
		},
		[]string{"link"},
	)

	// LinkRxDrops counts receive-side drops per link device and cause.
	LinkRxDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mote_link_rx_drops_total",
			Help: "Total number of received frames dropped",
		},
		[]string{"link", "cause"},
	)

	// LinkTxFrames counts frames transmitted per link device.
	LinkTxFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mote_link_tx_frames_total",
			Help: "Total number of frames transmitted on the link",
		},
		[]string{"link"},
	)

	// LinkTxDrops counts frames dropped on the transmit side.
	LinkTxDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mote_link_tx_drops_total",
			Help: "Total number of transmit frames dropped",
		},
		[]string{"link"},
	)

	// NetPacketsDiscarded counts ingress packets the stack discarded.
	NetPacketsDiscarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mote_net_discards_total",
			Help: "Total number of ingress packets discarded by the stack",
		},
		[]string{"cause"},
	)

	// TimeSyncs counts accepted time synchronizations.
	TimeSyncs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mote_time_syncs_total",
			Help: "Total number of accepted time synchronizations",
		},
	)

	// TimeRejects counts rejected time server replies by cause.
	TimeRejects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mote_time_rejects_total",
			Help: "Total number of rejected time server replies",
		},
		[]string{"cause"},
	)

	// TransferBlocks counts stored file transfer blocks.
	TransferBlocks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mote_transfer_blocks_total",
			Help: "Total number of file transfer blocks stored",
		},
	)

	// TransferRetransmits counts file transfer retransmissions.
	TransferRetransmits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mote_transfer_retransmits_total",
			Help: "Total number of file transfer retransmissions",
		},
	)

	// TransferOutcomes counts finished transfers by outcome.
	TransferOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mote_transfer_outcomes_total",
			Help: "Total number of finished transfers by outcome",
		},
		[]string{"outcome"},
	)

	// ConsoleCommands counts dispatched console commands.
	ConsoleCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mote_console_commands_total",
			Help: "Total number of console commands dispatched",
		},
		[]string{"command"},
	)

	// EventDrops counts telemetry events dropped from the outbox.
	EventDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mote_event_drops_total",
			Help: "Total number of telemetry events dropped from the outbox",
		},
	)
)
