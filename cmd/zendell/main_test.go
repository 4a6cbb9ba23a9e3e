package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/zendell/internal/config"
	"github.com/stellarlinkco/zendell/internal/cron"
	"github.com/stellarlinkco/zendell/internal/domain"
	"github.com/stellarlinkco/zendell/internal/reasoning"
	"github.com/stellarlinkco/zendell/internal/reasoning/reasoningtest"
	"github.com/stellarlinkco/zendell/internal/store"
)

const askMissing = "¡Hola! Para conocerte mejor, ¿podrías contarme a qué te dedicas, qué te gusta hacer y cuáles son tus metas?"

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("ZENDELL_HOME", "")
	t.Setenv("ZENDELL_STORE_DRIVER", "memory")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ZENDELL_API_KEY", "")
	return home
}

func resetFlags(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		messageFlag = ""
		userFlag = ""
	})
}

func stubOptions(stub *reasoningtest.Stub, st store.Store) Options {
	return Options{
		ClientFactory: func(*config.Config) (reasoning.Client, error) { return stub, nil },
		StoreFactory: func(context.Context, *config.Config) (store.Store, error) {
			if st == nil {
				return store.NewMemoryStore(), nil
			}
			return st, nil
		},
	}
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"gateway", "chat", "onboard", "status", "reflect"} {
		assert.True(t, names[want], "missing command %s", want)
	}
	assert.NotNil(t, chatCmd.Flags().Lookup("message"))
	assert.NotNil(t, reflectCmd.Flags().Lookup("user"))
}

func TestConfigureLogging(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)
	var buf bytes.Buffer

	require.NoError(t, configureLogging("debug", true, &buf))
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())

	t.Setenv("ZENDELL_LOG_LEVEL", "warn")
	require.NoError(t, configureLogging("", false, &buf))
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	assert.Error(t, configureLogging("loud", false, &buf))
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "not set", maskKey(""))
	assert.Equal(t, "set", maskKey("short"))
	assert.Equal(t, "sk-1...wxyz", maskKey("sk-1234567890wxyz"))
}

func TestRunOnboard(t *testing.T) {
	isolate(t)
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)

	require.NoError(t, runOnboard(cmd, nil))
	assert.Contains(t, out.String(), "Created config")
	_, err := os.Stat(config.ConfigPath())
	require.NoError(t, err)

	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	_, err = os.Stat(cfg.PromptsPath())
	assert.NoError(t, err, "prompts file should be written")

	out.Reset()
	require.NoError(t, runOnboard(cmd, nil))
	assert.Contains(t, out.String(), "Config already exists")
	assert.NotContains(t, out.String(), "Created:")
}

func TestRunGateway_NoAPIKey(t *testing.T) {
	isolate(t)
	err := runGateway(&cobra.Command{}, nil)
	assert.ErrorContains(t, err, "API key not set")
}

func TestRunGateway_InvalidConfig(t *testing.T) {
	isolate(t)
	t.Setenv("ZENDELL_STORE_DRIVER", "mongo")
	err := runGateway(&cobra.Command{}, nil)
	assert.ErrorContains(t, err, "invalid config")
}

func TestRunChat_SingleMessage(t *testing.T) {
	isolate(t)
	resetFlags(t)
	messageFlag = "Hola, soy Ana"

	var out bytes.Buffer
	opts := stubOptions(reasoningtest.New().On("Tarea: profile", `{"name":"Ana"}`), nil)
	opts.Stdout = &out

	require.NoError(t, runChatWithOptions(context.Background(), opts))
	assert.Equal(t, askMissing, strings.TrimSpace(out.String()))
}

func TestRunChat_REPL(t *testing.T) {
	isolate(t)
	resetFlags(t)

	st := store.NewMemoryStore()
	stub := reasoningtest.New().On("Tarea: profile", `{"name":"Ana"}`)
	var out bytes.Buffer
	opts := stubOptions(stub, st)
	opts.Stdin = strings.NewReader("\nHola, soy Ana\nsalir\nesto no se lee\n")
	opts.Stdout = &out

	require.NoError(t, runChatWithOptions(context.Background(), opts))
	assert.Contains(t, out.String(), "zendell chat")
	assert.Equal(t, 3, strings.Count(out.String(), "> "))

	var state domain.UserState
	require.NoError(t, st.Get(context.Background(), store.UserStates, chatUserID, &state))
	assert.Equal(t, "Ana", state.Name)
	for _, req := range stub.Requests() {
		assert.NotContains(t, reasoningtest.Flatten(req), "esto no se lee")
	}
}

func TestRunChat_StoreError(t *testing.T) {
	isolate(t)
	resetFlags(t)
	opts := stubOptions(reasoningtest.New(), nil)
	opts.StoreFactory = func(context.Context, *config.Config) (store.Store, error) {
		return nil, assert.AnError
	}
	err := runChatWithOptions(context.Background(), opts)
	assert.ErrorContains(t, err, "open store")
}

func TestRunStatus(t *testing.T) {
	isolate(t)
	t.Setenv("ZENDELL_API_KEY", "sk-1234567890wxyz")

	st := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.Upsert(ctx, store.UserStates, "telegram:1", domain.UserState{UserID: "telegram:1"}))
	require.NoError(t, st.Upsert(ctx, store.UserStates, "telegram:2", domain.UserState{UserID: "telegram:2"}))

	svc := cron.NewService(config.JobsPath())
	require.NoError(t, svc.Register("maintenance", "@every 6h", func(context.Context) error { return nil }))
	require.NoError(t, svc.RunNow(ctx, "maintenance"))

	var out bytes.Buffer
	opts := stubOptions(reasoningtest.New(), st)
	opts.Stdout = &out
	require.NoError(t, runStatusWithOptions(ctx, opts))

	s := out.String()
	assert.Contains(t, s, "API Key: sk-1...wxyz")
	assert.Contains(t, s, "Store (memory):")
	assert.Contains(t, s, store.UserStates+": 2")
	assert.Contains(t, s, store.Activities+": 0")
	assert.Contains(t, s, "maintenance (@every 6h): runs=1")
}

func TestRunStatus_NoJobs(t *testing.T) {
	isolate(t)
	var out bytes.Buffer
	opts := stubOptions(reasoningtest.New(), nil)
	opts.Stdout = &out
	require.NoError(t, runStatusWithOptions(context.Background(), opts))
	assert.Contains(t, out.String(), "API Key: not set")
	assert.Contains(t, out.String(), "Jobs: none recorded")
}

func TestRunReflect_User(t *testing.T) {
	isolate(t)
	resetFlags(t)
	userFlag = "telegram:1"

	stub := reasoningtest.New().
		On("reflexión profunda", "Le gusta madrugar y trabaja mucho.").
		On("Tarea: patterns", `{"patterns":[],"summary":"ok"}`)
	st := store.NewMemoryStore()
	var out bytes.Buffer
	opts := stubOptions(stub, st)
	opts.Stdout = &out

	require.NoError(t, runReflectWithOptions(context.Background(), opts))
	assert.Contains(t, out.String(), "Le gusta madrugar")
}

func TestRunReflect_All(t *testing.T) {
	isolate(t)
	resetFlags(t)

	st := store.NewMemoryStore()
	require.NoError(t, st.Upsert(context.Background(), store.UserStates, "telegram:1", domain.UserState{UserID: "telegram:1"}))
	var out bytes.Buffer
	stub := reasoningtest.New().
		On("reflexión profunda", "Sin datos suficientes todavía.").
		On("Tarea: patterns", `{"patterns":[],"summary":"ok"}`)
	opts := stubOptions(stub, st)
	opts.Stdout = &out

	require.NoError(t, runReflectWithOptions(context.Background(), opts))
	assert.Contains(t, out.String(), "Maintenance done")
}

func TestSetup_LoadsDotEnv(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("ZENDELL_MODEL=gpt-test\n"), 0644))
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("ZENDELL_MODEL", "")
	os.Unsetenv("ZENDELL_MODEL")

	cmd := &cobra.Command{}
	cmd.SetErr(&bytes.Buffer{})
	require.NoError(t, setup(cmd, nil))
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "gpt-test", cfg.Provider.Model)
}
