package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stellarlinkco/appgen-eval/api"
	"github.com/stellarlinkco/appgen-eval/internal/config"
	"github.com/stellarlinkco/appgen-eval/internal/environment"
	"github.com/stellarlinkco/appgen-eval/internal/prompt"
	"github.com/stellarlinkco/appgen-eval/internal/store"
)

func stubConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Environment = environment.Definition{
		ID: "web-apps",
		Ratings: []environment.Rating{
			{ID: "build-clean", Category: environment.CategoryHigh, ScoreReduction: 25},
		},
		Categories: map[string]environment.Category{
			environment.CategoryHigh:   {MaxPoints: 50},
			environment.CategoryMedium: {MaxPoints: 30},
			environment.CategoryLow:    {MaxPoints: 20},
		},
	}
	cfg.Prompts = []prompt.Source{{Name: "todo", Text: "build a todo app"}}
	cfg.Server.Addr = ":9999"
	return cfg
}

func withStubs(t *testing.T) (*bytes.Buffer, *string) {
	t.Helper()
	var stderr bytes.Buffer
	var servedAddr string

	origStderr := stderrWriter
	origLoad := loadConfig
	origOpen := openStore
	origNew := newServer
	origRun := runServer
	t.Cleanup(func() {
		stderrWriter = origStderr
		loadConfig = origLoad
		openStore = origOpen
		newServer = origNew
		runServer = origRun
	})

	stderrWriter = &stderr
	loadConfig = func(string) (*config.Config, error) { return stubConfig(), nil }
	openStore = func(*config.Config) (store.Store, error) {
		return store.NewSQLiteStore(":memory:")
	}
	newServer = api.NewServer
	runServer = func(_ *api.Server, addr string) error {
		servedAddr = addr
		return nil
	}
	return &stderr, &servedAddr
}

func TestRunMain_ServesConfiguredAddr(t *testing.T) {
	t.Setenv("APPGEN_EVAL_DISABLE_AUTH", "true")
	t.Setenv("APPGEN_EVAL_API_KEY", "")
	stderr, servedAddr := withStubs(t)

	if code := runMain(nil); code != 0 {
		t.Fatalf("runMain: got %d, stderr %s", code, stderr.String())
	}
	if *servedAddr != ":9999" {
		t.Fatalf("addr: got %q want config addr", *servedAddr)
	}
}

func TestRunMain_AddrFlagOverridesConfig(t *testing.T) {
	t.Setenv("APPGEN_EVAL_DISABLE_AUTH", "true")
	t.Setenv("APPGEN_EVAL_API_KEY", "")
	_, servedAddr := withStubs(t)

	if code := runMain([]string{"-addr", ":7070"}); code != 0 {
		t.Fatalf("runMain: got nonzero")
	}
	if *servedAddr != ":7070" {
		t.Fatalf("addr: got %q want flag addr", *servedAddr)
	}
}

func TestRunMain_ConfigLoadFailure(t *testing.T) {
	stderr, _ := withStubs(t)
	loadConfig = func(string) (*config.Config, error) {
		return nil, errors.New("config boom")
	}

	if code := runMain(nil); code != 1 {
		t.Fatalf("runMain: got %d want 1", code)
	}
	if stderr.Len() == 0 {
		t.Fatalf("expected error output")
	}
}

func TestRunMain_StoreOpenFailure(t *testing.T) {
	stderr, _ := withStubs(t)
	openStore = func(*config.Config) (store.Store, error) {
		return nil, errors.New("store boom")
	}

	if code := runMain(nil); code != 1 {
		t.Fatalf("runMain: got %d want 1", code)
	}
	if stderr.Len() == 0 {
		t.Fatalf("expected error output")
	}
}

func TestRunMain_BadFlag(t *testing.T) {
	withStubs(t)
	if code := runMain([]string{"-definitely-not-a-flag"}); code != 2 {
		t.Fatalf("runMain: got %d want 2", code)
	}
}
