// Package config handles configuration loading for tether-hub.
//
// # Configuration File
//
// Locations, first match wins:
//
//  1. The --config flag
//  2. Path from TETHER_CONFIG environment variable
//  3. tether/hub.yaml under the user config directory ($XDG_CONFIG_HOME or ~/.config)
//
// # Environment Variable Expansion
//
// Values can reference environment variables:
//
//	tailscale:
//	  auth_key: "${TS_AUTHKEY}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agents:
//	  idle_timeout: "30s"
//	  probe_after: "45s"
//	  evict_after: "15s"
//	requests:
//	  max_age: "10m"
//
// Unset or zero durations fall back to the Default* constants.
//
// # Named Scripts
//
// Scripts carry a linux and a windows variant; the variant sent to an agent
// depends on the os string it reported. "sysinfo" is always defined and can
// be overridden:
//
//	scripts:
//	  uptime:
//	    linux:   {shell: bash, script: "uptime"}
//	    windows: {shell: powershell, script: "(get-date) - (gcim Win32_OperatingSystem).LastBootUpTime"}
package config
