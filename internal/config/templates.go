package config

import (
	"fmt"
	"os"
	"strings"
)

// Kinds lists the template kinds in display order.
var Kinds = []string{"master", "satellite", "repeater", "topology"}

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "master":
		return masterTemplate, nil
	case "satellite":
		return satelliteTemplate, nil
	case "repeater":
		return repeaterTemplate, nil
	case "topology":
		return topologyTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const masterTemplate = `name = "master"
role = "master"
tick_interval = "1ms"
heartbeat_interval = "5s"
admin_listen = "127.0.0.1:7100"
metrics_listen = "127.0.0.1:7190"

[[links]]
addr = "127.0.0.1:7201"

[routes]
1 = [1, 0]

[core]
lanes = 8
lane_depth = 128
latency = 3
fine_bits = 3

[[core.channels]]
id = 0
direction = "output"

[[core.channels]]
id = 1
direction = "output"

[[core.channels]]
id = 4
direction = "input"

[loopback]
0 = 4

[timing]
beacon_interval = 1024
poll_interval = 256
`

const satelliteTemplate = `name = "sat1"
role = "satellite"
tick_interval = "1ms"
uplink_listen = "127.0.0.1:7201"
admin_listen = "127.0.0.1:7101"

[core]
lanes = 8
lane_depth = 128

[[core.channels]]
id = 0
direction = "output"

[[core.channels]]
id = 1
direction = "output"
replace = true

[[core.channels]]
id = 4
direction = "input"

[loopback]
0 = 4

[clock]
mode = "pll"
`

const repeaterTemplate = `name = "rep1"
role = "repeater"
tick_interval = "1ms"
uplink_listen = "127.0.0.1:7201"
admin_listen = "127.0.0.1:7102"

[[links]]
addr = "127.0.0.1:7202"

[clock]
mode = "oneshot"
`

const topologyTemplate = `seed = 1
cycles = 20000

[[nodes]]
name = "master"
role = "master"

[[nodes]]
name = "rep1"
role = "repeater"
parent = "master"
delay = 3

[[nodes]]
name = "sat1"
role = "satellite"
parent = "rep1"
delay = 5

[[nodes]]
name = "sat2"
role = "satellite"
parent = "master"
delay = 4
`
