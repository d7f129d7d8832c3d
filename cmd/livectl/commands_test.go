package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-live/backend/config"
	"github.com/aura-live/backend/internal/app"
	"github.com/aura-live/backend/internal/models"
)

func newApp(t *testing.T) *app.App {
	t.Helper()
	cfg := &config.Config{}
	cfg.JWT.Secret = "test"
	cfg.Live = config.LiveConfig{CoPresenterCap: 8, ProductsCap: 20}
	cfg.Backends = config.BackendsConfig{Store: "memory", Fanout: "memory", Media: "noop", Counter: "memory"}
	a, err := app.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	return a
}

func run(t *testing.T, a *app.App, args ...string) (string, error) {
	t.Helper()
	cmd := rootCmd(func(context.Context, bool) (*app.App, error) { return a, nil })
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSessionsListAndEnd(t *testing.T) {
	a := newApp(t)
	ctx := context.Background()
	live, err := a.Sessions.Create(ctx, uuid.New(), "Morning show", models.CategoryEntertainment, false)
	require.NoError(t, err)
	other, err := a.Sessions.Create(ctx, uuid.New(), "Quarterly update", models.CategoryBusiness, false)
	require.NoError(t, err)

	out, err := run(t, a, "sessions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, live.ID.String())
	assert.Contains(t, out, other.ID.String())

	out, err = run(t, a, "sessions", "list", "--category", "business")
	require.NoError(t, err)
	assert.NotContains(t, out, live.ID.String())

	out, err = run(t, a, "sessions", "end", live.ID.String())
	require.NoError(t, err)
	assert.Contains(t, out, "ended")

	out, err = run(t, a, "sessions", "list")
	require.NoError(t, err)
	assert.NotContains(t, out, live.ID.String())

	out, err = run(t, a, "sessions", "list", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, live.ID.String())

	_, err = run(t, a, "sessions", "end", uuid.NewString())
	assert.ErrorContains(t, err, "not found")
	_, err = run(t, a, "sessions", "end", "nope")
	assert.ErrorContains(t, err, "invalid session id")
}

func TestRequestsSweepAndArchiveStatus(t *testing.T) {
	a := newApp(t)

	out, err := run(t, a, "requests", "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "expired 0")

	_, err = run(t, a, "archive", "status")
	assert.ErrorContains(t, err, "needs Redis")

	out, err = run(t, a, "version")
	require.NoError(t, err)
	assert.Contains(t, out, Version)
}
