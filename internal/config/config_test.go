package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	testChdir(t, t.TempDir())
	t.Setenv("POSTGRES_DSN", "")
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("LLM_MOCK", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.App.Port != "3001" {
		t.Errorf("port = %q", cfg.App.Port)
	}
	if cfg.Store.Driver != StoreMemory {
		t.Errorf("store = %q, want memory without DSN", cfg.Store.Driver)
	}
	if cfg.Queue.Name != "ticket-processing" || cfg.Queue.Attempts != 3 || cfg.Queue.BackoffDelayMs != 1000 {
		t.Errorf("queue = %+v", cfg.Queue)
	}
	if cfg.Bus.Channel != "ticket-updates" {
		t.Errorf("channel = %q", cfg.Bus.Channel)
	}
	if !cfg.Provider.Mock {
		t.Errorf("mock provider should default on")
	}
	if cfg.Observer.MaxDelayMs != 30000 || cfg.Observer.TypingDelayMs != 90 {
		t.Errorf("observer = %+v", cfg.Observer)
	}
	if cfg.Provider.ClassifyTimeout() != 30*time.Second {
		t.Errorf("classify timeout = %v", cfg.Provider.ClassifyTimeout())
	}
}

func TestLoadPicksPostgresWhenDSNSet(t *testing.T) {
	testChdir(t, t.TempDir())
	t.Setenv("POSTGRES_DSN", "postgres://localhost/triage")
	t.Setenv("STORE_DRIVER", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Driver != StorePostgres {
		t.Fatalf("store = %q", cfg.Store.Driver)
	}
}

func TestValidateRejectsUnknownDrivers(t *testing.T) {
	cfg := &Config{
		Store:    StoreConfig{Driver: "mongo"},
		Queue:    QueueConfig{Backend: "sqs", Attempts: 0, BackoffMultiplier: 2},
		Bus:      BusConfig{Driver: "memory"},
		Provider: ProviderConfig{Mock: false, ClassifyAttempts: 3},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"STORE_DRIVER", "QUEUE_BACKEND", "QUEUE_ATTEMPTS", "OPENAI_API_KEY"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %s", err, want)
		}
	}
}

func TestParseList(t *testing.T) {
	got := ParseList(" a:9092, ,b:9092 ")
	if len(got) != 2 || got[0] != "a:9092" || got[1] != "b:9092" {
		t.Fatalf("ParseList = %v", got)
	}
	if ParseList("") != nil {
		t.Fatalf("empty input should yield nil")
	}
}

func TestDefaultsNeedEmbeddedWorker(t *testing.T) {
	testChdir(t, t.TempDir())
	t.Setenv("POSTGRES_DSN", "")
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("QUEUE_BACKEND", "")
	t.Setenv("BUS_DRIVER", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	err = cfg.CheckStandaloneWorker()
	if err == nil || !strings.Contains(err.Error(), "STORE_DRIVER") {
		t.Fatalf("CheckStandaloneWorker = %v, want memory store rejected", err)
	}
	if !cfg.NeedsEmbeddedWorker() {
		t.Fatal("memory store must force the embedded worker")
	}
}

func TestCheckStandaloneWorker(t *testing.T) {
	cases := []struct {
		name  string
		store string
		queue string
		bus   string
		want  []string
	}{
		{"shared", StorePostgres, QueueRedis, BusRedis, nil},
		{"sqlite and nats", StoreSQLite, QueueRedis, BusNATS, nil},
		{"memory store", StoreMemory, QueueRedis, BusRedis, []string{"STORE_DRIVER"}},
		{"memory bus", StorePostgres, QueueRedis, BusMemory, []string{"BUS_DRIVER"}},
		{"all memory", StoreMemory, QueueMemory, BusMemory, []string{"STORE_DRIVER", "QUEUE_BACKEND", "BUS_DRIVER"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{
				Store: StoreConfig{Driver: tc.store},
				Queue: QueueConfig{Backend: tc.queue},
				Bus:   BusConfig{Driver: tc.bus},
			}
			err := cfg.CheckStandaloneWorker()
			if len(tc.want) == 0 {
				if err != nil || cfg.NeedsEmbeddedWorker() {
					t.Fatalf("err = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			for _, want := range tc.want {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error %q missing %s", err, want)
				}
			}
		})
	}
}
