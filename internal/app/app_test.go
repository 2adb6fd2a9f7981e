package app_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livestory/internal/app"
	"livestory/internal/config"
	"livestory/internal/domain"
	"livestory/internal/generator"
	"livestory/internal/generator/httpgen"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Storage.Workspace = t.TempDir()
	return cfg
}

func TestBuildWiresEngine(t *testing.T) {
	ctx := context.Background()
	a, err := app.Build(ctx, app.Options{Config: testConfig(t), Generator: generator.Disabled{}})
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Engine.CommitPhase(ctx, "novel", domain.PhaseDNA, &domain.StoryDNA{Summary: "first"}, "writer")
	require.NoError(t, err)
	res, err := a.Engine.CommitPhase(ctx, "novel", domain.PhaseDNA, &domain.StoryDNA{Summary: "second"}, "writer")
	require.NoError(t, err)
	assert.Len(t, res.ManualChanges, 1)

	project, err := app.ResolveProject(ctx, a.Engine.Repo, "")
	require.NoError(t, err)
	assert.Equal(t, "novel", project)
	project, err = app.ResolveProject(ctx, a.Engine.Repo, "other")
	require.NoError(t, err)
	assert.Equal(t, "other", project)
	assert.Same(t, a.Hub, a.Subscriber)
}

func TestBuildWithRedis(t *testing.T) {
	srv := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Notify.RedisURL = "redis://" + srv.Addr()
	a, err := app.Build(context.Background(), app.Options{Config: cfg})
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.Redis)
	assert.Equal(t, a.Redis, a.Subscriber)
}

func TestResolveProjectEmptyWorkspace(t *testing.T) {
	a, err := app.Build(context.Background(), app.Options{Config: testConfig(t)})
	require.NoError(t, err)
	defer a.Close()
	_, err = app.ResolveProject(context.Background(), a.Engine.Repo, "")
	assert.Error(t, err)
}

func TestNewGenerator(t *testing.T) {
	ctx := context.Background()
	gen, err := app.NewGenerator(ctx, config.GeneratorConfig{Backend: "none"})
	require.NoError(t, err)
	assert.IsType(t, generator.Disabled{}, gen)

	gen, err = app.NewGenerator(ctx, config.GeneratorConfig{Backend: "http", URL: "http://localhost:9999/", MaxRetries: 3})
	require.NoError(t, err)
	client, ok := gen.(*httpgen.Client)
	require.True(t, ok)
	assert.Equal(t, "http://localhost:9999", client.BaseURL)
	assert.Equal(t, uint64(3), client.MaxRetries)

	_, err = app.NewGenerator(ctx, config.GeneratorConfig{Backend: "http"})
	assert.Error(t, err)
	_, err = app.NewGenerator(ctx, config.GeneratorConfig{Backend: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	cfg := config.Default()
	cfg.Log.Format = "json"
	cfg.Log.Level = "warn"
	var buf bytes.Buffer
	logger := app.NewLogger(cfg, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}
