// Package config loads the sorteia configuration.
//
// Configuration is a YAML file decoded over Default, then overridden from the
// environment (SORTEIA_DB, LOG_LEVEL) and validated with struct tags:
//
//	store:
//	  driver: sqlite        # sqlite | bolt
//	  path: ./sorteia.db
//	  max_open_conns: 25
//	compaction:
//	  mode: async           # async | sync
//	  workers: 4
//	  buffer: 256
//	  max_retries: 3
//	  retry_backoff: 100ms
//	  task_timeout: 30s
//	telemetry:
//	  logging:
//	    level: info
//	    format: console
//	  tracing:
//	    enabled: false
//	    exporter: none      # otlp | stdout | none
//	  metrics:
//	    enabled: true
//	    listen_address: ":9090"
//	owner_env: SORTEIA_OWNER
//
// Unknown keys are rejected.
package config
