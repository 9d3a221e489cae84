// Package config handles configuration loading for notary-connect.
//
// # Configuration File
//
// The path comes from the NOTARY_CONFIG environment variable, falling back to
// $XDG_CONFIG_HOME/notary-connect/config.yaml. A .env file in the working
// directory is loaded by the command before the file is read.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${NOTARY_JWT_SECRET}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	channel:
//	  reconnect_delay: "5s"
//	  restart_delay: "1s"
//
// # Sections
//
//	server:     http_addr, grpc_addr, allowed_origins
//	database:   path, max_open_conns
//	auth:       jwt_secret, token_ttl
//	sectors:    [{id, name}]
//	operators:  [{id, name, username, password_hash, sectors, role}]
//	channel:    session_id, reconnect_delay, restart_delay, send_rate, send_burst, matrix
//	auth_store: driver (sqlite|redis), redis_url, key_prefix
//	responder:  rules_path, timezone, holidays
//	router:     closing_message, dedupe_ttl, dedupe_size, workers, history_limit
//	media:      dir, base_url, max_upload_bytes
//	logging:    level, format
//
// Auto-response rules are kept in a separate TOML file read by package responder.
package config
