package testingh

import (
	"fmt"
)

// NewRedpanda starts a single node broker advertised on the host port, so
// clients outside Docker can reach it.
func NewRedpanda(connectFn func(broker string) error, opts ...Option) (*Container, error) {
	return run(image{
		name:       "redpanda",
		repository: "redpandadata/redpanda",
		tag:        "latest",
		port:       "9092/tcp",
		cmd: func(hostPort int) []string {
			return []string{
				"redpanda start",
				"--overprovisioned",
				"--smp 1",
				"--memory 1G",
				"--reserve-memory 0M",
				"--node-id 0",
				"--check=false",
				fmt.Sprintf("--advertise-kafka-addr %s:%d", hostName, hostPort),
			}
		},
	}, connectFn, opts...)
}

// NewClickhouse starts a server with db created and user granted access
// management. connectFn gets the native protocol address.
func NewClickhouse(db, user, password string, connectFn func(addr string) error, opts ...Option) (*Container, error) {
	return run(image{
		name:       "clickhouse",
		repository: "clickhouse/clickhouse-server",
		tag:        "latest-alpine",
		port:       "9000/tcp",
		env: []string{
			"CLICKHOUSE_DB=" + db,
			"CLICKHOUSE_DEFAULT_ACCESS_MANAGEMENT=1",
			"CLICKHOUSE_USER=" + user,
			"CLICKHOUSE_PASSWORD=" + password,
		},
	}, connectFn, opts...)
}
