package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENGINE_BINARY_PATH", "/usr/bin/stockfish")

	Convey("Defaults fill everything beyond the binary path", t, func() {
		cfg, err := Load()
		So(err, ShouldBeNil)
		So(cfg.Port, ShouldEqual, 8080)
		So(cfg.MetricsPort, ShouldEqual, 9090)
		So(cfg.EngineThreads, ShouldEqual, 1)
		So(cfg.EngineHashMB, ShouldEqual, 128)
		So(cfg.MinEngines, ShouldEqual, 1)
		So(cfg.MaxEngines, ShouldEqual, 4)
		So(cfg.ScaleUpThreshold, ShouldEqual, 2)
		So(cfg.ScaleDownIdle, ShouldEqual, 2*time.Minute)
		So(cfg.Personalities, ShouldResemble, DefaultPersonalities)
	})
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ENGINE_BINARY_PATH", "/usr/bin/stockfish")
	t.Setenv("PORT", "9000")
	t.Setenv("MAX_ENGINES", "8")
	t.Setenv("SCALE_DOWN_IDLE_MS", "5000")

	Convey("Environment overrides are honored", t, func() {
		cfg, err := Load()
		So(err, ShouldBeNil)
		So(cfg.Port, ShouldEqual, 9000)
		So(cfg.MaxEngines, ShouldEqual, 8)
		So(cfg.ScaleDownIdle, ShouldEqual, 5*time.Second)
	})
}

func TestLoadValidation(t *testing.T) {
	t.Run("missing binary path", func(t *testing.T) {
		t.Setenv("ENGINE_BINARY_PATH", "")
		Convey("The binary path is required", t, func() {
			_, err := Load()
			So(err, ShouldNotBeNil)
		})
	})

	t.Run("min above max", func(t *testing.T) {
		t.Setenv("ENGINE_BINARY_PATH", "/usr/bin/stockfish")
		t.Setenv("MIN_ENGINES", "5")
		t.Setenv("MAX_ENGINES", "2")
		Convey("Min engines above max is rejected", t, func() {
			_, err := Load()
			So(err, ShouldNotBeNil)
		})
	})

	t.Run("colliding ports", func(t *testing.T) {
		t.Setenv("ENGINE_BINARY_PATH", "/usr/bin/stockfish")
		t.Setenv("PORT", "9090")
		Convey("The two listeners cannot share a port", t, func() {
			_, err := Load()
			So(err, ShouldNotBeNil)
		})
	})
}

func TestLoadPersonalitiesFile(t *testing.T) {
	t.Run("custom whitelist", func(t *testing.T) {
		t.Setenv("ENGINE_BINARY_PATH", "/usr/bin/stockfish")
		path := filepath.Join(t.TempDir(), "personalities.yaml")
		yaml := "personalities:\n  - Swashbuckler\n  - Grinder\n"
		if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
			t.Fatal(err)
		}
		t.Setenv("PERSONALITIES_FILE", path)

		Convey("A personalities file replaces the default set", t, func() {
			cfg, err := Load()
			So(err, ShouldBeNil)
			So(cfg.Personalities, ShouldResemble, []string{"Swashbuckler", "Grinder"})
			So(cfg.PersonalitySet()["Grinder"], ShouldBeTrue)
			So(cfg.PersonalitySet()["Default"], ShouldBeFalse)
		})
	})

	t.Run("empty whitelist", func(t *testing.T) {
		t.Setenv("ENGINE_BINARY_PATH", "/usr/bin/stockfish")
		path := filepath.Join(t.TempDir(), "personalities.yaml")
		if err := os.WriteFile(path, []byte("personalities: []\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		t.Setenv("PERSONALITIES_FILE", path)

		Convey("An empty personalities file is rejected", t, func() {
			_, err := Load()
			So(err, ShouldNotBeNil)
		})
	})
}
