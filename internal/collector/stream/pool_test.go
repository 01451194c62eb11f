package stream

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/goleak"

	"github.com/leshachaplin/tracker/internal/apierror"
	"github.com/leshachaplin/tracker/internal/collector"
	"github.com/leshachaplin/tracker/internal/transport"
)

type fakeIngester struct {
	mu       sync.Mutex
	results  map[string][]error
	ingested []collector.Delivery
}

func (f *fakeIngester) Ingest(_ context.Context, d collector.Delivery) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if errs := f.results[d.PayloadID]; len(errs) > 0 {
		f.results[d.PayloadID] = errs[1:]
		if errs[0] != nil {
			return 0, errs[0]
		}
	}
	f.ingested = append(f.ingested, d)
	return 1, nil
}

type fakeSource struct {
	records []*kgo.Record
	result  chan error
}

func (f *fakeSource) Consume(ctx context.Context, done <-chan struct{}, fn func(ctx context.Context, records []*kgo.Record) error) {
	f.result <- fn(ctx, f.records)
	select {
	case <-ctx.Done():
	case <-done:
	}
}

func record(payloadID string, offset int64) *kgo.Record {
	return &kgo.Record{
		Key:    []byte(payloadID),
		Value:  []byte(`{}`),
		Offset: offset,
		Headers: []kgo.RecordHeader{
			{Key: "Content-Encoding", Value: []byte("gzip")},
			{Key: transport.HeaderAppKey, Value: []byte("key")},
		},
	}
}

func TestDeliveryFromRecord(t *testing.T) {
	d := deliveryFromRecord(record("p-1", 0))
	require.Equal(t, collector.Delivery{
		PayloadID: "p-1",
		AppKey:    "key",
		Encoding:  "gzip",
		Body:      []byte(`{}`),
	}, d)

	d = deliveryFromRecord(&kgo.Record{Headers: []kgo.RecordHeader{{Key: transport.HeaderPayloadID, Value: []byte("p-2")}}})
	require.Equal(t, "p-2", d.PayloadID)
}

func TestPool_Process(t *testing.T) {
	defer goleak.VerifyNone(t)

	storageDown := errors.New("storage down")
	refused := apierror.NewAPIError("bad payload", http.StatusBadRequest)

	cases := map[string]struct {
		results          map[string][]error
		expectedErr      bool
		expectedIngested int
	}{
		"all ingested": {
			expectedIngested: 3,
		},
		"refused record is skipped": {
			results:          map[string][]error{"b": {refused}},
			expectedIngested: 2,
		},
		"storage failure is retried": {
			results:          map[string][]error{"a": {storageDown, storageDown}},
			expectedIngested: 3,
		},
		"retries exhausted": {
			results:          map[string][]error{"c": {storageDown, storageDown, storageDown}},
			expectedErr:      true,
			expectedIngested: 2,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			results := map[string][]error{}
			for k, v := range tc.results {
				results[k] = v
			}
			ingester := &fakeIngester{results: results}
			source := &fakeSource{
				records: []*kgo.Record{record("a", 1), record("b", 2), record("c", 3)},
				result:  make(chan error, 1),
			}

			pool := NewPool(context.Background(), Config{RetryCount: 3, RetryDelay: time.Millisecond, NumWorkers: 2},
				source, ingester, zerolog.Nop())
			pool.Start()

			err := <-source.result
			pool.GracefulStop()

			if tc.expectedErr {
				require.ErrorIs(t, err, storageDown)
			} else {
				require.NoError(t, err)
			}
			require.Len(t, ingester.ingested, tc.expectedIngested)
		})
	}
}
