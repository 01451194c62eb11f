package stream

import (
	"context"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/leshachaplin/tracker/internal/codec"
	"github.com/leshachaplin/tracker/internal/collector"
	"github.com/leshachaplin/tracker/internal/storage/event/memory"
	"github.com/leshachaplin/tracker/internal/testingh"
	"github.com/leshachaplin/tracker/internal/transport"
	"github.com/leshachaplin/tracker/internal/transport/redpanda"
)

const eventTopic = "tracker-stream"

type IntegrationTestSuite struct {
	ctx      context.Context
	cancelFn context.CancelFunc

	container *testingh.Container

	suite.Suite
}

func TestIntegrationTestSuite(t *testing.T) {
	if os.Getenv("INTEGRATION") == "" {
		t.Skip("set INTEGRATION=1 to run container tests")
	}
	suite.Run(t, new(IntegrationTestSuite))
}

func (i *IntegrationTestSuite) SetupSuite() {
	var err error
	i.ctx, i.cancelFn = context.WithTimeout(context.Background(), time.Minute*2)

	i.container, err = testingh.NewRedpanda(func(broker string) error {
		client, err := kgo.NewClient(kgo.SeedBrokers(broker))
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.Ping(i.ctx); err != nil {
			return err
		}

		_, err = kadm.NewClient(client).CreateTopics(i.ctx, 1, 1, map[string]*string{}, eventTopic)
		return err
	})
	i.Require().NoError(err)
}

func (i *IntegrationTestSuite) TearDownSuite() {
	i.cancelFn()
	i.Assert().NoError(i.container.Purge())
}

func (i *IntegrationTestSuite) TestProduceConsume() {
	producer, err := redpanda.NewProducer(i.ctx, redpanda.Config{
		Brokers: []string{i.container.Addr},
		Topic:   eventTopic,
	}, zerolog.Nop())
	i.Require().NoError(err)
	defer producer.Close()

	gz, err := codec.New(codec.Gzip)
	i.Require().NoError(err)
	body, err := gz.Encode([]byte(`{"events":[{"event_name":"buy","values":{"_local_event_date":1700000000}}]}`))
	i.Require().NoError(err)

	header := http.Header{}
	header.Set("Content-Encoding", codec.Gzip)
	header.Set(transport.HeaderAppKey, "key")
	payloadID := uuid.NewString()

	outcome := producer.Deliver(i.ctx, transport.Request{Header: header, Body: body, PayloadID: payloadID})
	i.Require().Equal(transport.Accepted, outcome.Kind, outcome.Err)

	errChan := make(chan error, 8)
	cfg := Config{
		Brokers:       []string{i.container.Addr},
		ConsumerGroup: "collector-cg",
		Topics:        []string{eventTopic},
	}
	consumer, err := NewConsumer(i.ctx, cfg, errChan, zerolog.Nop())
	i.Require().NoError(err)
	defer consumer.Close()

	storage := memory.New()
	pool := NewPool(i.ctx, cfg, consumer, collector.NewService(storage, 0, zerolog.Nop()), zerolog.Nop())
	pool.Start()
	defer pool.GracefulStop()

	i.Require().Eventually(func() bool {
		return len(storage.Events()) == 1
	}, 30*time.Second, 100*time.Millisecond)

	ev := storage.Events()[0]
	i.Equal("buy", ev.Name)
	i.Equal(payloadID, ev.PayloadID)
	i.Equal("key", ev.AppKey)
}
