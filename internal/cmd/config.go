package cmd

import (
	"time"

	"github.com/spf13/viper"

	"github.com/luisjaime-estudio/descargar-datos/pkg/archive/esgf"
	"github.com/luisjaime-estudio/descargar-datos/pkg/runmanifest"
)

// resolveArchiveConfig layers the archive client settings: an explicit
// manifest value wins, then the config file / DESCARGAR_* environment via
// viper, then the client's own defaults.
func resolveArchiveConfig(m *runmanifest.Manifest) esgf.Config {
	cfg := esgf.DefaultConfig()
	if url := stringOr(m.Archive.SearchURL, viper.GetString("archive.search_url")); url != "" {
		cfg.SearchURL = url
	}
	if secs := intOr(m.Archive.TimeoutSeconds, viper.GetInt("archive.timeout_seconds")); secs > 0 {
		cfg.Timeout = time.Duration(secs) * time.Second
	}
	if size := intOr(m.Archive.PageSize, viper.GetInt("archive.page_size")); size > 0 {
		cfg.PageSize = size
	}
	return cfg
}

// applyFetchDefaults fills fetch tuning the manifest left unset from the
// process-level configuration.
func applyFetchDefaults(m *runmanifest.Manifest) {
	if m.Fetch.Concurrency <= 0 {
		m.Fetch.Concurrency = viper.GetInt("fetch.concurrency")
	}
	if m.Fetch.RateLimit <= 0 {
		m.Fetch.RateLimit = viper.GetFloat64("fetch.rate_limit")
	}
}

// logLevel resolves the CLI log level: --verbose forces debug, otherwise
// logging.level from the config file or environment applies.
func logLevel() string {
	if flagVerbose {
		return "debug"
	}
	return viper.GetString("logging.level")
}

func stringOr(primary, fallback string) string {
	if primary != "" {
		return primary
	}
	return fallback
}

func intOr(primary, fallback int) int {
	if primary > 0 {
		return primary
	}
	return fallback
}
