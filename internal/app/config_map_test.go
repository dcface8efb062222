package app

import (
	"testing"
	"time"

	"taskbot/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Telegram:  config.TelegramConfig{Token: "1:a", GroupLog: "-100123"},
		Storage:   config.StorageConfig{Driver: "SQLite", DSN: " ./x.db "},
		Scheduler: config.SchedulerConfig{Enabled: true},
	}
}

func TestMapDefaults(t *testing.T) {
	cfg := baseConfig()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if sc.Driver != "sqlite" || sc.DSN != "./x.db" || sc.BusyTimeout != time.Second {
		t.Fatalf("storage=%+v", sc)
	}

	ec, err := mapTaskEngineConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !ec.Enabled || ec.Workers != 2 || ec.QueueSize != 256 || ec.RetryMax != 3 || ec.HistorySize != 200 {
		t.Fatalf("engine=%+v", ec)
	}

	schedCfg, maint, err := mapSchedulerConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !schedCfg.Enabled || schedCfg.RequeueDelay != 5*time.Second || maint != defaultMaintenance {
		t.Fatalf("scheduler=%+v maint=%q", schedCfg, maint)
	}

	rc, err := mapReminderConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if rc.EngineTimeout != 2*time.Second || rc.FireSlack != time.Minute {
		t.Fatalf("reminder=%+v", rc)
	}

	dc, err := mapDeliveryConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !dc.Enabled || !dc.PersistDedup || dc.DedupWindow != 24*time.Hour || dc.BreakerFailures != 5 {
		t.Fatalf("delivery=%+v", dc)
	}

	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if hc.Enabled || hc.RequestTimeout != 30*time.Second {
		t.Fatalf("http=%+v", hc)
	}

	if id, ok := groupLogChat(cfg); !ok || id != -100123 {
		t.Fatalf("group log=%d ok=%v", id, ok)
	}
}

func TestMapOverrides(t *testing.T) {
	cfg := baseConfig()
	cfg.TaskEngine = &config.TaskEngineConfig{Workers: 8, DefaultTimeout: "45s"}
	cfg.Scheduler.Maintenance = "0 */5 * * * *"
	cfg.Delivery = &config.DeliveryConfig{Enabled: false, RatePerSec: 1, Timeout: "3s"}

	ec, err := mapTaskEngineConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if ec.Workers != 8 || ec.DefaultTimeout != 45*time.Second {
		t.Fatalf("engine=%+v", ec)
	}
	if _, maint, _ := mapSchedulerConfig(cfg); maint != "0 */5 * * * *" {
		t.Fatalf("maint=%q", maint)
	}
	dc, err := mapDeliveryConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if dc.Enabled || dc.Timeout != 3*time.Second || dc.RatePerSec != 1 {
		t.Fatalf("delivery=%+v", dc)
	}
}

func TestValidateMappingsRejects(t *testing.T) {
	off := false
	tests := map[string]func(c *config.Config){
		"engine off with scheduler on": func(c *config.Config) { c.TaskEngine = &config.TaskEngineConfig{Enabled: &off} },
		"bad requeue delay":            func(c *config.Config) { c.Scheduler.RequeueDelay = "later" },
		"bad fire slack":               func(c *config.Config) { c.Reminder.FireSlack = "1 minute" },
		"bad http timeout":             func(c *config.Config) { c.HTTP.IdleTimeout = "x" },
		"empty dsn":                    func(c *config.Config) { c.Storage.DSN = "  " },
	}
	for name, mod := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := baseConfig()
			mod(cfg)
			if err := validateMappings(cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
	if err := validateMappings(baseConfig()); err != nil {
		t.Fatalf("base config rejected: %v", err)
	}
}
