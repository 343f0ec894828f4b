// Package config handles configuration loading for hush-gateway and its client.
//
// # Gateway Configuration
//
// The gateway reads YAML. The path comes from the HUSH_CONFIG environment
// variable, falling back to $XDG_CONFIG_HOME/hush/gateway.yaml and then
// ~/.config/hush/gateway.yaml. HUSH_DB_PATH overrides database.path.
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${HUSH_JWT_SECRET}"
//
// Duration values use Go's time.ParseDuration syntax:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # websocket and REST API
//	  grpc_addr: "0.0.0.0:50051"  # gRPC health, optional
//
//	database:
//	  path: "/var/lib/hush/gateway.db"
//
//	realtime:
//	  typing_timeout: "5s"
//	  write_timeout: "10s"
//	  send_buffer: 64
//	  dedupe_ttl: "10m"
//	  dedupe_size: 10000
//	  edit_window: "15m"
//
//	tailscale:
//	  enabled: false
//	  hostname: "hush"
//	  auth_key: "${TS_AUTHKEY}"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Client Configuration
//
// The client reads TOML from HUSH_CLIENT_CONFIG or
// $XDG_CONFIG_HOME/hush/client.toml:
//
//	[gateway]
//	url = "wss://hush.example.ts.net/ws"
//	token = "${HUSH_TOKEN}"
//
//	[reconnect]
//	base_delay = "1s"
//	max_delay = "30s"
//	max_attempts = 10
//
//	[queue]
//	max_size = 100
//	max_age = "5m"
//	max_retries = 3
package config
