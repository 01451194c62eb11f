// Package testingh starts disposable Docker services for integration
// suites.
package testingh

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/ory/dockertest"
	"github.com/ory/dockertest/docker"
)

const defaultMaxWait = time.Minute

var hostName = os.Getenv("OVERRIDE_HOSTNAME")

func init() {
	const defaultHostName = "localhost"

	if hostName == "" {
		hostName = defaultHostName
	}
}

// Container is a running service. Addr is host:port of its main port.
type Container struct {
	resource *dockertest.Resource
	Addr     string
}

func (c *Container) Purge() error {
	return c.resource.Close()
}

type options struct {
	tag     string
	maxWait time.Duration
}

type Option func(*options)

// WithTag overrides the image tag.
func WithTag(tag string) Option {
	return func(o *options) {
		o.tag = tag
	}
}

// WithMaxWait bounds how long the service may take to accept connections.
func WithMaxWait(d time.Duration) Option {
	return func(o *options) {
		o.maxWait = d
	}
}

type image struct {
	name       string
	repository string
	tag        string
	port       docker.Port
	env        []string
	cmd        func(hostPort int) []string
}

// run starts img and retries connectFn against it until it succeeds or
// the wait runs out.
func run(img image, connectFn func(addr string) error, opts ...Option) (*Container, error) {
	o := options{tag: img.tag, maxWait: defaultMaxWait}
	for _, opt := range opts {
		opt(&o)
	}

	hostPort, err := getFreePort()
	if err != nil {
		return nil, fmt.Errorf("could not get free hostPort: %w", err)
	}

	pool, err := dockertest.NewPool("")
	if err != nil {
		return nil, fmt.Errorf("could not connect to docker: %w", err)
	}
	pool.MaxWait = o.maxWait

	runOpts := &dockertest.RunOptions{
		Repository: img.repository,
		Tag:        o.tag,
		Env:        img.env,
		Auth: docker.AuthConfiguration{
			Username: os.Getenv("ARTIFACTORY_USER"),
			Password: os.Getenv("ARTIFACTORY_PWD"),
		},
		PortBindings: map[docker.Port][]docker.PortBinding{
			img.port: {{
				HostIP:   hostName,
				HostPort: strconv.Itoa(hostPort),
			}},
		},
	}
	if img.cmd != nil {
		runOpts.Cmd = img.cmd(hostPort)
	}

	resource, err := pool.RunWithOptions(runOpts, func(config *docker.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{
			Name: "no",
		}
	})
	if err != nil {
		return nil, fmt.Errorf("could not create %s container: %w", img.name, err)
	}

	container := &Container{
		resource: resource,
		Addr:     fmt.Sprintf("%s:%s", hostName, resource.GetPort(string(img.port))),
	}
	if err := pool.Retry(func() error {
		return connectFn(container.Addr)
	}); err != nil {
		_ = resource.Close()
		return nil, fmt.Errorf("could not connect to %s: %w", img.name, err)
	}

	return container, nil
}

func getFreePort() (int, error) {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
