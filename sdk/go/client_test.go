package soplinesdk_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"sopline/internal/config"
	"sopline/internal/db"
	"sopline/internal/engine"
	"sopline/internal/migrate"
	"sopline/internal/server"
	soplinesdk "sopline/sdk/go"
)

func newClient(t *testing.T) *soplinesdk.Client {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	handler, err := server.New(server.Config{
		Engine: engine.New(conn, config.Default(), nil),
		Auth:   server.AuthConfig{AllowActorHeader: true},
	})
	require.NoError(t, err)
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	c := soplinesdk.New(ts.URL)
	c.ActorID = "operator-7"
	return c
}

func TestClientDrivesExecution(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	p, err := c.CreateProject(ctx, "Cold start")
	require.NoError(t, err)
	_, err = c.AddStep(ctx, p.ID, "Prime", false)
	require.NoError(t, err)
	_, err = c.AddStep(ctx, p.ID, "Ignite", false)
	require.NoError(t, err)

	ex, err := c.StartExecution(ctx, p.ID, map[string]any{"site": "north"})
	require.NoError(t, err)
	require.Equal(t, "running", ex.Status)
	require.Equal(t, "operator-7", ex.ActorID)

	ex, err = c.CompleteStep(ctx, ex.ID, map[string]any{"pressure": 4.2}, soplinesdk.StepOptions{ExpectedVersion: ex.Version})
	require.NoError(t, err)
	require.Equal(t, 50, ex.Progress)

	_, err = c.CompleteStep(ctx, ex.ID, nil, soplinesdk.StepOptions{ExpectedPosition: 1})
	var stale *soplinesdk.APIError
	require.ErrorAs(t, err, &stale)
	require.Equal(t, http.StatusConflict, stale.StatusCode)
	require.Equal(t, "concurrent_modification", stale.Code)

	ex, err = c.Fail(ctx, ex.ID, soplinesdk.TransitionOptions{Reason: "no spark"})
	require.NoError(t, err)
	require.True(t, ex.Retryable)
	ex, err = c.Retry(ctx, ex.ID, soplinesdk.TransitionOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, *ex.CurrentStepPosition)

	ex, err = c.CompleteStep(ctx, ex.ID, nil, soplinesdk.StepOptions{})
	require.NoError(t, err)
	require.Equal(t, "completed", ex.Status)

	_, err = c.Pause(ctx, ex.ID, soplinesdk.TransitionOptions{})
	var apiErr *soplinesdk.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusConflict, apiErr.StatusCode)
	require.Equal(t, "invalid_transition", apiErr.Code)

	page, err := c.ListExecutions(ctx, p.ID, "completed", 10, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	first, err := c.AuditHistory(ctx, "execution", ex.ID, 2, "")
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	require.NotEmpty(t, first.NextCursor)
	rest, err := c.AuditHistory(ctx, "execution", ex.ID, 10, first.NextCursor)
	require.NoError(t, err)
	require.Len(t, rest.Items, 3)
	require.Equal(t, "execution.complete_step", rest.Items[len(rest.Items)-1].Action)
}
