package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutu-network/transferd/internal/api"
	"github.com/tutu-network/transferd/internal/domain"
)

func testConfig(t *testing.T, driver string) Config {
	cfg := DefaultConfig()
	cfg.API.Port = 0
	cfg.Storage.Driver = driver
	cfg.Storage.Dir = t.TempDir()
	cfg.Transfer.ProcessingDelay = "0s"
	cfg.Transfer.ApprovalTimeout = "1h"
	return cfg
}

func TestDaemon_Run(t *testing.T) {
	for _, driver := range []string{DriverSQLite, DriverPebble} {
		t.Run(driver, func(t *testing.T) {
			d, err := New(testConfig(t, driver), nil)
			require.NoError(t, err)

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- d.Run(ctx) }()

			select {
			case <-d.Ready():
			case err := <-done:
				t.Fatalf("Run exited early: %v", err)
			case <-time.After(5 * time.Second):
				t.Fatal("daemon never became ready")
			}

			c := api.NewClient("http://" + d.Addr())
			reqCtx, reqCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer reqCancel()

			sub, err := c.Submit(reqCtx, domain.TransferRequest{SourceAccount: "A123", TargetAccount: "B456", Amount: 100, ReferenceID: "DAEMON-" + driver})
			require.NoError(t, err)
			assert.True(t, sub.Created)

			res, err := c.Result(reqCtx, sub.Handle, 5*time.Second)
			require.NoError(t, err)
			require.NotNil(t, res)
			assert.Equal(t, domain.ResultCompleted, res.Status)

			spans := d.Tracer.Spans(0)
			require.NotEmpty(t, spans, "executed operations must be traced")
			for _, s := range spans {
				assert.NotEmpty(t, s.TraceID, "span %s has no trace id", s.Operation)
			}

			cancel()
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(ShutdownTimeout):
				t.Fatal("daemon did not shut down")
			}
		})
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Driver = "mysql"
	_, err := New(cfg, nil)
	assert.Error(t, err)
}
