// Package metrics defines the Prometheus collectors exported by mailfold.
// Collectors are registered at import time through promauto and served by
// the HTTP API's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Classification metrics
var (
	MessagesClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailfold_messages_classified_total",
			Help: "Total number of messages classified, by resulting category",
		},
		[]string{"account", "category"},
	)

	ClassificationBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailfold_classification_batches_total",
			Help: "Total number of classification batches run",
		},
		[]string{"account", "mode", "status"},
	)

	ClassificationBatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailfold_classification_batch_duration_seconds",
			Help:    "Duration of classification batches in seconds",
			Buckets: []float64{0.1, 0.5, 1.0, 5.0, 15.0, 30.0, 60.0, 120.0},
		},
		[]string{"account"},
	)

	TrainingMessagesHarvested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailfold_training_messages_harvested_total",
			Help: "Messages harvested from training folders into lists",
		},
		[]string{"account", "list"},
	)
)

// Retention metrics
var (
	RetentionMovedToTrash = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailfold_retention_moved_to_trash_total",
			Help: "Messages moved to trash by retention policies",
		},
		[]string{"account"},
	)

	RetentionPermanentDeletes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailfold_retention_permanent_deletes_total",
			Help: "Messages permanently deleted by retention policies",
		},
		[]string{"account"},
	)

	RetentionRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailfold_retention_runs_total",
			Help: "Retention executions, by trigger and outcome",
		},
		[]string{"trigger", "status"},
	)

	RetentionRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailfold_retention_run_duration_seconds",
			Help:    "Duration of retention executions in seconds",
			Buckets: []float64{0.5, 1.0, 5.0, 15.0, 60.0, 300.0, 900.0},
		},
	)

	MessagesRestored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailfold_messages_restored_total",
			Help: "Messages restored from trash by operators",
		},
		[]string{"account"},
	)
)

// Account processing metrics
var (
	AccountsRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailfold_accounts_running",
			Help: "Accounts currently in a running state, by mode",
		},
		[]string{"mode"},
	)

	AccountStateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailfold_account_state_transitions_total",
			Help: "Account state machine transitions",
		},
		[]string{"account", "to"},
	)

	AccountTickFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailfold_account_tick_failures_total",
			Help: "Failed maintenance ticks per account",
		},
		[]string{"account"},
	)
)

// Scheduler metrics
var (
	SchedulerTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailfold_scheduler_ticks_total",
			Help: "Scheduler ticks fired, by job",
		},
		[]string{"job"},
	)

	SchedulerSkips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailfold_scheduler_skips_total",
			Help: "Scheduler runs skipped, by job and reason",
		},
		[]string{"job", "reason"},
	)
)

// Mailbox driver metrics
var (
	MailboxOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailfold_mailbox_operations_total",
			Help: "Mailbox driver operations, by operation and status",
		},
		[]string{"operation", "status"},
	)

	MailboxOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailfold_mailbox_operation_duration_seconds",
			Help:    "Duration of mailbox driver operations in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{"operation"},
	)

	ForwardDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailfold_forward_deliveries_total",
			Help: "Forward action submissions, by status",
		},
		[]string{"status"},
	)
)

// Archive metrics
var (
	ArchiveOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailfold_archive_operations_total",
			Help: "Archive store operations, by operation and status",
		},
		[]string{"operation", "status"},
	)
)

// Audit metrics
var (
	AuditRecordsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailfold_audit_records_total",
			Help: "Audit records written, by stage",
		},
		[]string{"stage"},
	)
)

// Database metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailfold_db_queries_total",
			Help: "Database queries, by operation and status",
		},
		[]string{"operation", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailfold_db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"operation"},
	)

	DBTransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailfold_db_transactions_total",
			Help: "Database transactions, by result",
		},
		[]string{"result"},
	)

	DBTransactionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailfold_db_transaction_duration_seconds",
			Help:    "Duration of database transactions in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1.0, 5.0, 10.0},
		},
	)

	DBPoolTotalConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailfold_db_pool_total_conns",
			Help: "Total connections in the database pool",
		},
	)

	DBPoolIdleConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailfold_db_pool_idle_conns",
			Help: "Idle connections in the database pool",
		},
	)

	DBPoolInUseConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailfold_db_pool_in_use_conns",
			Help: "Acquired connections in the database pool",
		},
	)
)
